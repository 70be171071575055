package multiplex

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/ruteri/blobrepo/interfaces"
	"github.com/ruteri/blobrepo/syncqueue"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultHealBatchSize   = 100
	DefaultHealConcurrency = 8
	DefaultHealRetries     = 3
	DefaultHealBackoff     = 100 * time.Millisecond
)

// HealerOptions tunes the healer. Zero values select the defaults.
type HealerOptions struct {
	// BatchSize is the number of queue entries read per pass.
	BatchSize int
	// Concurrency bounds the number of keys repaired at once.
	Concurrency int
	// Retries is the number of retries of a failed replay within one pass.
	Retries uint64
	// Backoff is the initial delay between replay retries.
	Backoff time.Duration
	Clock   clock.Clock
	// Observer, when set, is told about every finished pass.
	Observer PassObserver
}

// PassObserver receives the statistics of each healing pass.
type PassObserver interface {
	ObservePass(stats HealStats, duration time.Duration)
}

func (o HealerOptions) withDefaults() HealerOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultHealBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultHealConcurrency
	}
	if o.Retries == 0 {
		o.Retries = DefaultHealRetries
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultHealBackoff
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// HealStats summarises one or more healing passes.
type HealStats struct {
	// Entries is the number of queue entries read.
	Entries int
	// Repaired is the number of keys copied to their member or found present.
	Repaired int
	// Failed is the number of keys left in the queue for a later pass.
	Failed int
	// Inconsistent is the number of keys no member could produce.
	Inconsistent int
	// Dropped is the number of keys queued for members that are no longer configured.
	Dropped int
}

// progressed reports whether the pass removed any entries from the queue.
func (s HealStats) progressed() bool {
	return s.Repaired+s.Inconsistent+s.Dropped > 0
}

func (s *HealStats) add(o HealStats) {
	s.Entries += o.Entries
	s.Repaired += o.Repaired
	s.Failed += o.Failed
	s.Inconsistent += o.Inconsistent
	s.Dropped += o.Dropped
}

// Healer drains the sync queue of one repository and copies every queued key
// to the member the entry names.
type Healer struct {
	repo     interfaces.RepositoryID
	members  map[interfaces.MemberID]interfaces.Blobstore
	ids      []interfaces.MemberID
	queue    syncqueue.Queue
	reporter InconsistencyReporter
	opts     HealerOptions
	log      *slog.Logger

	mu     sync.Mutex
	totals HealStats
	passes uint64
	last   time.Time
}

// NewHealer creates a healer for the members of a multiplexed blobstore.
func NewHealer(
	repo interfaces.RepositoryID,
	members map[interfaces.MemberID]interfaces.Blobstore,
	queue syncqueue.Queue,
	reporter InconsistencyReporter,
	opts HealerOptions,
	log *slog.Logger,
) *Healer {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	if reporter == nil {
		reporter = NewInconsistencyLog(0, nil, opts.Clock, log)
	}

	ids := make([]interfaces.MemberID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return &Healer{
		repo:     repo,
		members:  members,
		ids:      ids,
		queue:    queue,
		reporter: reporter,
		opts:     opts,
		log:      log.With(slog.String("repo", repo.String())),
	}
}

// NewHealerFor creates a healer sharing the members and queue of m.
func NewHealerFor(m *Blobstore, reporter InconsistencyReporter, opts HealerOptions, log *slog.Logger) *Healer {
	return NewHealer(m.Repo(), m.Members(), m.Queue(), reporter, opts, log)
}

type healTarget struct {
	member interfaces.MemberID
	key    string
	ids    []int64
	queued time.Time
}

type healOutcome int

const (
	outcomeRepaired healOutcome = iota
	outcomeFailed
	outcomeInconsistent
	outcomeDropped
)

// HealOnce runs one pass over the oldest queue entries of the repository.
// Entries are deleted once their key is on their member; entries that could
// not be repaired stay in the queue.
func (h *Healer) HealOnce(ctx context.Context) (HealStats, error) {
	passID := uuid.New().String()
	start := h.opts.Clock.Now()

	entries, err := h.queue.IterOldest(ctx, h.repo, h.opts.BatchSize)
	if err != nil {
		return HealStats{}, fmt.Errorf("failed to read sync queue: %w", err)
	}
	stats := HealStats{Entries: len(entries)}
	if len(entries) == 0 {
		h.finishPass(stats, start)
		return stats, nil
	}

	targets := groupEntries(entries)

	var (
		mu      sync.Mutex
		doneIDs []int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.opts.Concurrency)
	for _, target := range targets {
		g.Go(func() error {
			outcome := h.heal(gctx, target)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeRepaired:
				stats.Repaired++
				doneIDs = append(doneIDs, target.ids...)
			case outcomeInconsistent:
				stats.Inconsistent++
				doneIDs = append(doneIDs, target.ids...)
			case outcomeDropped:
				stats.Dropped++
				doneIDs = append(doneIDs, target.ids...)
			default:
				stats.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(doneIDs) > 0 {
		if err := h.queue.Delete(ctx, h.repo, doneIDs); err != nil {
			h.finishPass(stats, start)
			return stats, fmt.Errorf("failed to delete repaired entries: %w", err)
		}
	}

	h.log.Info("Heal pass finished",
		slog.String("pass_id", passID),
		slog.Int("entries", stats.Entries),
		slog.Int("repaired", stats.Repaired),
		slog.Int("failed", stats.Failed),
		slog.Int("inconsistent", stats.Inconsistent),
		slog.Duration("duration", h.opts.Clock.Since(start)))

	h.finishPass(stats, start)
	return stats, ctx.Err()
}

// Run heals every interval until ctx is cancelled. A pass that read a full
// batch and removed entries from the queue is followed immediately by another
// one.
func (h *Healer) Run(ctx context.Context, interval time.Duration) error {
	ticker := h.opts.Clock.Ticker(interval)
	defer ticker.Stop()

	for {
		stats, err := h.HealOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.log.Error("Heal pass failed", "err", err)
		}
		if err == nil && stats.Entries >= h.opts.BatchSize && stats.progressed() {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Totals returns the accumulated statistics, the number of passes and the
// time the last pass started.
func (h *Healer) Totals() (HealStats, uint64, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totals, h.passes, h.last
}

// Pending counts the queue entries of the repository per member.
func (h *Healer) Pending(ctx context.Context) (map[interfaces.MemberID]int, error) {
	return h.queue.CountByMember(ctx, h.repo)
}

func (h *Healer) finishPass(stats HealStats, start time.Time) {
	h.mu.Lock()
	h.totals.add(stats)
	h.passes++
	h.last = start
	h.mu.Unlock()

	if h.opts.Observer != nil {
		h.opts.Observer.ObservePass(stats, h.opts.Clock.Since(start))
	}
}

func (h *Healer) heal(ctx context.Context, t healTarget) healOutcome {
	log := h.log.With(slog.String("member", t.member.String()), slog.String("key", t.key))

	target, ok := h.members[t.member]
	if !ok {
		log.Warn("Dropping sync queue entries for unknown member")
		return outcomeDropped
	}

	value, found, readErr := h.fetch(ctx, t.member, t.key)
	if !found {
		if readErr {
			log.Debug("Could not read blob from any member, retrying later")
			return outcomeFailed
		}
		h.reporter.ReportInconsistency(ctx, Inconsistency{
			Repo:     h.repo,
			Member:   t.member,
			Key:      t.key,
			QueuedAt: t.queued,
		})
		return outcomeInconsistent
	}
	if value == nil {
		// The target already has the key.
		return outcomeRepaired
	}

	backoff := retry.WithMaxRetries(h.opts.Retries, retry.NewExponential(h.opts.Backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := target.Put(ctx, t.key, value); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		log.Warn("Failed to replay blob to member", "err", err)
		return outcomeFailed
	}

	log.Debug("Repaired blob on member", slog.Int("size", len(value)))
	return outcomeRepaired
}

// fetch reads key from the members other than target first, then from target.
// found is true with a nil value when only the target has the key. readErr
// reports whether any member failed, in which case absence is inconclusive.
func (h *Healer) fetch(ctx context.Context, target interfaces.MemberID, key string) (value []byte, found bool, readErr bool) {
	for _, id := range h.ids {
		if id == target {
			continue
		}
		data, err := h.members[id].Get(ctx, key)
		if err != nil {
			readErr = true
			h.log.Debug("Failed to read blob for repair",
				slog.String("member", id.String()),
				slog.String("key", key),
				"err", err)
			continue
		}
		if data != nil {
			return data, true, readErr
		}
	}

	present, err := h.members[target].IsPresent(ctx, key)
	if err != nil {
		return nil, false, true
	}
	if present {
		return nil, true, readErr
	}
	return nil, false, readErr
}

// groupEntries merges entries for the same member and key, keeping the
// timestamp of the oldest.
func groupEntries(entries []syncqueue.Entry) []healTarget {
	type groupKey struct {
		member interfaces.MemberID
		key    string
	}
	index := make(map[groupKey]int)
	var targets []healTarget
	for _, e := range entries {
		k := groupKey{e.MemberID, e.Key}
		if i, ok := index[k]; ok {
			targets[i].ids = append(targets[i].ids, e.ID)
			continue
		}
		index[k] = len(targets)
		targets = append(targets, healTarget{member: e.MemberID, key: e.Key, ids: []int64{e.ID}, queued: e.Timestamp})
	}
	return targets
}
