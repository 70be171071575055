package metrics

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/blobrepo/interfaces"
	"go.uber.org/atomic"
)

// DefaultTelemetryBuffer is the number of outcomes an AsyncTelemetry queues.
const DefaultTelemetryBuffer = 4096

// BlobstoreMetrics turns member outcomes of multiplexed blobstores into
// Prometheus series labelled by telemetry table, member and operation.
type BlobstoreMetrics struct {
	latency *prometheus.HistogramVec
	bytes   *prometheus.CounterVec
	dropped prometheus.Counter
	buffer  int

	mu    sync.Mutex
	async []*AsyncTelemetry
}

// NewBlobstoreMetrics registers the blobstore series on reg. buffer sizes the
// queue of every table recorder; zero selects DefaultTelemetryBuffer.
func NewBlobstoreMetrics(namespace string, reg prometheus.Registerer, buffer int) (*BlobstoreMetrics, error) {
	if buffer <= 0 {
		buffer = DefaultTelemetryBuffer
	}
	m := &BlobstoreMetrics{
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "blobstore",
			Name:      "member_latency_seconds",
			Help:      "Latency of multiplexed blobstore operations per member",
			Buckets:   prometheus.DefBuckets,
		}, []string{"table", "member", "op", "status"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blobstore",
			Name:      "member_bytes_total",
			Help:      "Bytes read from or written to each member",
		}, []string{"table", "member", "op"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blobstore",
			Name:      "telemetry_dropped_total",
			Help:      "Member outcomes dropped because the telemetry buffer was full",
		}),
		buffer: buffer,
	}

	for _, c := range []prometheus.Collector{m.latency, m.bytes, m.dropped} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func outcomeStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

type tableRecorder struct {
	m     *BlobstoreMetrics
	table string
}

func (r tableRecorder) Record(o interfaces.MemberOutcome) {
	member := o.Member.String()
	op := string(o.Op)
	r.m.latency.WithLabelValues(r.table, member, op, outcomeStatus(o.Err)).Observe(o.Latency.Seconds())
	if o.Size > 0 {
		r.m.bytes.WithLabelValues(r.table, member, op).Add(float64(o.Size))
	}
}

// Recorder records synchronously into the series of table.
func (m *BlobstoreMetrics) Recorder(table string) interfaces.Telemetry {
	return tableRecorder{m: m, table: table}
}

// ForTable returns a buffered recorder for table. Its signature matches the
// telemetry factory of the storage driver factory.
func (m *BlobstoreMetrics) ForTable(table string) (interfaces.Telemetry, error) {
	a := NewAsyncTelemetry(m.Recorder(table), m.buffer)
	a.dropped = m.dropped

	m.mu.Lock()
	defer m.mu.Unlock()
	m.async = append(m.async, a)
	return a, nil
}

// Close stops every recorder handed out by ForTable.
func (m *BlobstoreMetrics) Close() error {
	m.mu.Lock()
	async := m.async
	m.async = nil
	m.mu.Unlock()

	for _, a := range async {
		a.Close()
	}
	return nil
}

// AsyncTelemetry hands outcomes to inner on a background goroutine. Record
// never blocks: outcomes arriving while the buffer is full are dropped.
type AsyncTelemetry struct {
	inner   interfaces.Telemetry
	ch      chan interfaces.MemberOutcome
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	drops   atomic.Uint64
	dropped prometheus.Counter
}

func NewAsyncTelemetry(inner interfaces.Telemetry, buffer int) *AsyncTelemetry {
	if buffer <= 0 {
		buffer = DefaultTelemetryBuffer
	}
	a := &AsyncTelemetry{
		inner: inner,
		ch:    make(chan interfaces.MemberOutcome, buffer),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AsyncTelemetry) loop() {
	defer close(a.done)
	for {
		select {
		case o := <-a.ch:
			a.inner.Record(o)
		case <-a.quit:
			for {
				select {
				case o := <-a.ch:
					a.inner.Record(o)
				default:
					return
				}
			}
		}
	}
}

func (a *AsyncTelemetry) Record(o interfaces.MemberOutcome) {
	select {
	case a.ch <- o:
	default:
		a.drops.Inc()
		if a.dropped != nil {
			a.dropped.Inc()
		}
	}
}

// Dropped is the number of outcomes lost to a full buffer.
func (a *AsyncTelemetry) Dropped() uint64 {
	return a.drops.Load()
}

// Close flushes the buffered outcomes and stops the background goroutine.
func (a *AsyncTelemetry) Close() error {
	a.once.Do(func() { close(a.quit) })
	<-a.done
	return nil
}
