package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/blobrepo/cachelib"
)

// PoolCollector exports the usage of every pool of a cache registry.
type PoolCollector struct {
	pools    *cachelib.Registry
	capacity *prometheus.Desc
	bytes    *prometheus.Desc
	entries  *prometheus.Desc
	gets     *prometheus.Desc
	misses   *prometheus.Desc
}

func NewPoolCollector(namespace string, pools *cachelib.Registry) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache_pool", name), help, []string{"pool"}, nil)
	}
	return &PoolCollector{
		pools:    pools,
		capacity: desc("capacity_bytes", "Configured size of the pool"),
		bytes:    desc("bytes", "Bytes held by the pool"),
		entries:  desc("entries", "Entries held by the pool"),
		gets:     desc("gets_total", "Lookups served by the pool"),
		misses:   desc("misses_total", "Lookups that missed"),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.bytes
	ch <- c.entries
	ch <- c.gets
	ch <- c.misses
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.pools.Stats() {
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(s.MaxBytes), s.Name)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(s.Bytes), s.Name)
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries), s.Name)
		ch <- prometheus.MustNewConstMetric(c.gets, prometheus.CounterValue, float64(s.Gets), s.Name)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses), s.Name)
	}
}
