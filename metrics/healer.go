package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/blobrepo/interfaces"
	"github.com/ruteri/blobrepo/multiplex"
)

// HealerMetrics tracks the repair daemon of one repository.
type HealerMetrics struct {
	passes       prometheus.Counter
	passDuration prometheus.Histogram
	keys         *prometheus.CounterVec
	pending      *prometheus.GaugeVec
}

func NewHealerMetrics(namespace string, reg prometheus.Registerer, repo interfaces.RepositoryID) (*HealerMetrics, error) {
	labels := prometheus.Labels{"repo": repo.String()}
	m := &HealerMetrics{
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "healer",
			Name:        "passes_total",
			Help:        "Healing passes run",
			ConstLabels: labels,
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "healer",
			Name:        "pass_duration_seconds",
			Help:        "Duration of healing passes",
			Buckets:     prometheus.ExponentialBuckets(0.01, 4, 8),
			ConstLabels: labels,
		}),
		keys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "healer",
			Name:        "keys_total",
			Help:        "Queued keys processed by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "healer",
			Name:        "pending_entries",
			Help:        "Sync queue entries waiting per member",
			ConstLabels: labels,
		}, []string{"member"}),
	}

	for _, c := range []prometheus.Collector{m.passes, m.passDuration, m.keys, m.pending} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewInconsistencyCounter registers the process-wide counter of reported
// inconsistencies, to be handed to a multiplex.InconsistencyLog.
func NewInconsistencyCounter(namespace string, reg prometheus.Registerer) (prometheus.Counter, error) {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "healer",
		Name:      "inconsistencies_total",
		Help:      "Queued keys no member could produce",
	})
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (m *HealerMetrics) ObservePass(stats multiplex.HealStats, duration time.Duration) {
	m.passes.Inc()
	m.passDuration.Observe(duration.Seconds())
	m.keys.WithLabelValues("repaired").Add(float64(stats.Repaired))
	m.keys.WithLabelValues("failed").Add(float64(stats.Failed))
	m.keys.WithLabelValues("inconsistent").Add(float64(stats.Inconsistent))
	m.keys.WithLabelValues("dropped").Add(float64(stats.Dropped))
}

// PendingCounter reports queue depth per member.
type PendingCounter interface {
	Pending(ctx context.Context) (map[interfaces.MemberID]int, error)
}

// UpdatePending replaces the pending gauges with the current queue depth.
func (m *HealerMetrics) UpdatePending(ctx context.Context, src PendingCounter) error {
	pending, err := src.Pending(ctx)
	if err != nil {
		return err
	}
	m.pending.Reset()
	for member, n := range pending {
		m.pending.WithLabelValues(member.String()).Set(float64(n))
	}
	return nil
}
