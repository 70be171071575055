/*
Package httpserver implements the admin HTTP surface of the repair daemon.

The daemon drains the sync queues of multiplexed blobstores in the background.
This package lets operators and load balancers observe it:

# Health Endpoints

  - GET /livez - always 200 while the process serves requests
  - GET /readyz - 200 when ready, 503 while drained
  - GET /drain - marks the server not ready and waits DrainDuration
  - GET /undrain - marks the server ready again

# Repair Endpoints

  - GET /api/repair/status - accumulated healing statistics and queue depth of every repository
  - GET /api/repair/status/{repo_id} - the same for one repository
  - GET /api/repair/inconsistencies - the most recent keys no member could produce,
    optionally filtered with ?repo_id=N

Prometheus metrics are served by a separate listener on MetricsAddr, and pprof is
mounted under /debug when EnablePprof is set.
*/
package httpserver
