package multiplex

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/blobrepo/interfaces"
)

// Inconsistency is a queued key that no member could produce: a member was
// supposed to receive it, yet none of them has it and none failed to answer.
type Inconsistency struct {
	Repo       interfaces.RepositoryID `json:"repo_id"`
	Member     interfaces.MemberID     `json:"member_id"`
	Key        string                  `json:"key"`
	QueuedAt   time.Time               `json:"queued_at"`
	DetectedAt time.Time               `json:"detected_at"`
}

// InconsistencyReporter is the operator channel for terminal inconsistencies.
type InconsistencyReporter interface {
	ReportInconsistency(ctx context.Context, inc Inconsistency)
}

// Counter is the subset of a metrics counter the log needs.
type Counter interface {
	Inc()
}

// DefaultInconsistencyRetention is the number of reports an InconsistencyLog keeps.
const DefaultInconsistencyRetention = 1000

// InconsistencyLog logs every report at error level, counts it and keeps the
// most recent reports for the admin API.
type InconsistencyLog struct {
	mu      sync.Mutex
	items   []Inconsistency
	limit   int
	total   uint64
	counter Counter
	clock   clock.Clock
	log     *slog.Logger
}

// NewInconsistencyLog keeps up to limit reports. counter may be nil.
func NewInconsistencyLog(limit int, counter Counter, clk clock.Clock, log *slog.Logger) *InconsistencyLog {
	if limit <= 0 {
		limit = DefaultInconsistencyRetention
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &InconsistencyLog{limit: limit, counter: counter, clock: clk, log: log}
}

func (l *InconsistencyLog) ReportInconsistency(ctx context.Context, inc Inconsistency) {
	if inc.DetectedAt.IsZero() {
		inc.DetectedAt = l.clock.Now()
	}

	l.log.Error("Blob is queued for repair but no member has it",
		slog.String("repo", inc.Repo.String()),
		slog.String("member", inc.Member.String()),
		slog.String("key", inc.Key),
		slog.Time("queued_at", inc.QueuedAt))
	if l.counter != nil {
		l.counter.Inc()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	if len(l.items) == l.limit {
		copy(l.items, l.items[1:])
		l.items = l.items[:len(l.items)-1]
	}
	l.items = append(l.items, inc)
}

// Recent returns the retained reports, oldest first.
func (l *InconsistencyLog) Recent() []Inconsistency {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Inconsistency(nil), l.items...)
}

// Total returns the number of reports ever received.
func (l *InconsistencyLog) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
