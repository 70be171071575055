// Package multiplex fronts several blobstores as one.
//
// Writes go to every member concurrently and succeed once one member has
// acknowledged. Members that fail or are too slow get an entry in the sync
// queue, and the Healer later copies the key to them from a member that has
// it. Reads race all members and return the first value; when members disagree
// about a key the absent ones are queued for repair as well.
//
// The engine gives eventual consistency: right after a successful put at least
// one member has the value, and every live member has it once the healer has
// drained the queue.
package multiplex

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/blobrepo/interfaces"
	"github.com/ruteri/blobrepo/syncqueue"
	"go.uber.org/atomic"
)

const (
	DefaultAckTimeout        = 2 * time.Second
	DefaultQueueWriteTimeout = 10 * time.Second
	DefaultReadTimeout       = 30 * time.Second
)

// Options tunes the engine. Zero values select the defaults.
type Options struct {
	// AckTimeout is how long a put waits for the remaining members after the
	// first acknowledgement. Members still running afterwards are queued.
	AckTimeout time.Duration

	// QueueWriteTimeout bounds sync queue writes, which are detached from the
	// caller's cancellation.
	QueueWriteTimeout time.Duration

	// ReadTimeout bounds member reads that are still collected for read-repair
	// after the caller got its value.
	ReadTimeout time.Duration

	Clock clock.Clock
}

func (o Options) withDefaults() Options {
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.QueueWriteTimeout <= 0 {
		o.QueueWriteTimeout = DefaultQueueWriteTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

type member struct {
	id interfaces.MemberID
	bs interfaces.Blobstore
}

// Stats are the engine's lifetime counters.
type Stats struct {
	QueuedEntries  uint64
	QueueFailures  uint64
	ReadRepairs    uint64
	PartialPuts    uint64
	FailedRequests uint64
}

// Blobstore is a multiplexed blobstore.
type Blobstore struct {
	repo      interfaces.RepositoryID
	members   []member
	queue     syncqueue.Queue
	telemetry interfaces.Telemetry
	opts      Options
	log       *slog.Logger

	bg sync.WaitGroup

	queuedEntries  atomic.Uint64
	queueFailures  atomic.Uint64
	readRepairs    atomic.Uint64
	partialPuts    atomic.Uint64
	failedRequests atomic.Uint64
}

// New creates a multiplexed blobstore over members. telemetry may be nil.
func New(
	repo interfaces.RepositoryID,
	members map[interfaces.MemberID]interfaces.Blobstore,
	queue syncqueue.Queue,
	telemetry interfaces.Telemetry,
	opts Options,
	log *slog.Logger,
) (*Blobstore, error) {
	if len(members) == 0 {
		return nil, interfaces.ConfigErrorf("multiplexed blobstore needs at least one member")
	}
	if queue == nil {
		return nil, interfaces.ConfigErrorf("multiplexed blobstore needs a sync queue")
	}
	if log == nil {
		log = slog.Default()
	}

	ms := make([]member, 0, len(members))
	for id, bs := range members {
		ms = append(ms, member{id: id, bs: bs})
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].id < ms[j].id })

	return &Blobstore{
		repo:      repo,
		members:   ms,
		queue:     queue,
		telemetry: telemetry,
		opts:      opts.withDefaults(),
		log:       log.With(slog.String("repo", repo.String())),
	}, nil
}

type memberResult struct {
	id   interfaces.MemberID
	data []byte
	ok   bool
	err  error
}

// Put writes value to every member.
//
// It returns nil once at least one member acknowledged and every other member
// either finished or AckTimeout passed since that acknowledgement. Members that
// failed or had not finished are recorded in the sync queue. If every member
// fails the put fails. If ctx ends before any member acknowledged, every member
// without an acknowledgement is queued speculatively and ctx.Err() returned.
func (m *Blobstore) Put(ctx context.Context, key string, value []byte) error {
	results := make(chan memberResult, len(m.members))
	for _, mem := range m.members {
		go func(mem member) {
			start := m.opts.Clock.Now()
			err := mem.bs.Put(ctx, key, value)
			m.record(mem.id, key, interfaces.OpPut, err, m.opts.Clock.Since(start), len(value))
			results <- memberResult{id: mem.id, err: err}
		}(mem)
	}

	pending := make(map[interfaces.MemberID]struct{}, len(m.members))
	for _, mem := range m.members {
		pending[mem.id] = struct{}{}
	}

	var (
		errs   *multierror.Error
		failed []interfaces.MemberID
		acked  bool
		grace  <-chan time.Time
		timer  *clock.Timer
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

collect:
	for len(pending) > 0 {
		select {
		case r := <-results:
			delete(pending, r.id)
			if r.err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", r.id, r.err))
				failed = append(failed, r.id)
				m.log.Debug("Multiplexed put failed on member",
					slog.String("member", r.id.String()),
					slog.String("key", key),
					"err", r.err)
				continue
			}
			if !acked {
				acked = true
				timer = m.opts.Clock.Timer(m.opts.AckTimeout)
				grace = timer.C
			}
		case <-grace:
			break collect
		case <-ctx.Done():
			if acked {
				break collect
			}
			m.enqueue(ctx, key, append(failed, sortedIDs(pending)...))
			m.failedRequests.Inc()
			return ctx.Err()
		}
	}

	if !acked {
		m.failedRequests.Inc()
		if err := ctx.Err(); err != nil {
			m.enqueue(ctx, key, failed)
			return err
		}
		m.log.Error("All members failed to store blob",
			slog.String("key", key),
			slog.Int("members", len(m.members)))
		return &interfaces.AllMembersFailedError{Op: string(interfaces.OpPut), Key: key, Errs: errs}
	}

	missing := append(failed, sortedIDs(pending)...)
	if len(missing) > 0 {
		m.partialPuts.Inc()
		m.enqueue(ctx, key, missing)
	}
	return nil
}

// Get returns the first value any member produces.
//
// Responses that arrive after the value are collected in the background; every
// member that reported the key absent is queued for repair. If all members
// report absent the key is absent. If all members fail Get returns an error.
func (m *Blobstore) Get(ctx context.Context, key string) ([]byte, error) {
	results := m.race(ctx, key, interfaces.OpGet, func(ctx context.Context, bs interfaces.Blobstore) ([]byte, bool, error) {
		data, err := bs.Get(ctx, key)
		return data, data != nil, err
	})

	r, err := m.awaitFirst(ctx, key, interfaces.OpGet, results)
	if err != nil || r == nil {
		return nil, err
	}
	return r.data, nil
}

// IsPresent reports whether any member has key. Disagreeing members are
// repaired the same way Get repairs them.
func (m *Blobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	results := m.race(ctx, key, interfaces.OpIsPresent, func(ctx context.Context, bs interfaces.Blobstore) ([]byte, bool, error) {
		ok, err := bs.IsPresent(ctx, key)
		return nil, ok, err
	})

	r, err := m.awaitFirst(ctx, key, interfaces.OpIsPresent, results)
	if err != nil {
		return false, err
	}
	return r != nil, nil
}

type readFunc func(ctx context.Context, bs interfaces.Blobstore) ([]byte, bool, error)

// race starts read on every member. Reads run on a context detached from the
// caller so late responses can still drive read-repair.
func (m *Blobstore) race(ctx context.Context, key string, op interfaces.Operation, read readFunc) <-chan memberResult {
	results := make(chan memberResult, len(m.members))
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ReadTimeout)

	var wg sync.WaitGroup
	for _, mem := range m.members {
		wg.Add(1)
		go func(mem member) {
			defer wg.Done()
			start := m.opts.Clock.Now()
			data, ok, err := read(readCtx, mem.bs)
			m.record(mem.id, key, op, err, m.opts.Clock.Since(start), len(data))
			results <- memberResult{id: mem.id, data: data, ok: ok, err: err}
		}(mem)
	}
	go func() {
		wg.Wait()
		cancel()
	}()
	return results
}

// awaitFirst waits for the first positive result. It returns nil when every
// member answered without one, and an error when every member failed.
func (m *Blobstore) awaitFirst(ctx context.Context, key string, op interfaces.Operation, results <-chan memberResult) (*memberResult, error) {
	var (
		errs     *multierror.Error
		absent   []interfaces.MemberID
		received int
	)
	for received < len(m.members) {
		select {
		case r := <-results:
			received++
			switch {
			case r.err != nil:
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", r.id, r.err))
			case r.ok:
				m.collectRepairs(ctx, key, absent, len(m.members)-received, results)
				return &r, nil
			default:
				absent = append(absent, r.id)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if len(absent) == 0 {
		m.failedRequests.Inc()
		m.log.Error("All members failed to read blob",
			slog.String("key", key),
			slog.String("op", string(op)),
			slog.Int("members", len(m.members)))
		return nil, &interfaces.AllMembersFailedError{Op: string(op), Key: key, Errs: errs}
	}
	if errs != nil {
		m.log.Debug("Some members failed while the rest reported blob absent",
			slog.String("key", key),
			"err", errs.ErrorOrNil())
	}
	return nil, nil
}

// collectRepairs gathers the outstanding results in the background and queues
// every member that reported the key absent.
func (m *Blobstore) collectRepairs(ctx context.Context, key string, absent []interfaces.MemberID, outstanding int, results <-chan memberResult) {
	absent = append([]interfaces.MemberID(nil), absent...)
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		for i := 0; i < outstanding; i++ {
			r := <-results
			if r.err == nil && !r.ok {
				absent = append(absent, r.id)
			}
		}
		if len(absent) == 0 {
			return
		}
		m.readRepairs.Inc()
		m.log.Info("Members disagree on blob, queueing read-repair",
			slog.String("key", key),
			slog.Int("absent_members", len(absent)))
		m.enqueue(ctx, key, absent)
	}()
}

// enqueue records that members may be missing key. Queue failures are logged
// and counted but never returned: the primary operation already succeeded.
func (m *Blobstore) enqueue(ctx context.Context, key string, members []interfaces.MemberID) {
	if len(members) == 0 {
		return
	}
	now := m.opts.Clock.Now()
	entries := make([]syncqueue.Entry, len(members))
	for i, id := range members {
		entries[i] = syncqueue.Entry{
			RepoID:    m.repo,
			MemberID:  id,
			Key:       key,
			Timestamp: now,
			Operation: syncqueue.OpWrite,
		}
	}

	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.QueueWriteTimeout)
	defer cancel()

	if err := m.queue.AddMany(qctx, entries); err != nil {
		m.queueFailures.Inc()
		m.log.Error("Failed to record sync queue entries, members will not be repaired",
			slog.String("key", key),
			slog.Int("members", len(members)),
			"err", err)
		return
	}
	m.queuedEntries.Add(uint64(len(entries)))
}

func (m *Blobstore) record(id interfaces.MemberID, key string, op interfaces.Operation, err error, latency time.Duration, size int) {
	if m.telemetry == nil {
		return
	}
	if err != nil {
		size = 0
	}
	m.telemetry.Record(interfaces.MemberOutcome{
		Repo:    m.repo,
		Member:  id,
		Key:     key,
		Op:      op,
		Err:     err,
		Latency: latency,
		Size:    size,
	})
}

// Wait blocks until background read-repair collection has finished.
func (m *Blobstore) Wait() {
	m.bg.Wait()
}

// Stats returns a snapshot of the engine counters.
func (m *Blobstore) Stats() Stats {
	return Stats{
		QueuedEntries:  m.queuedEntries.Load(),
		QueueFailures:  m.queueFailures.Load(),
		ReadRepairs:    m.readRepairs.Load(),
		PartialPuts:    m.partialPuts.Load(),
		FailedRequests: m.failedRequests.Load(),
	}
}

// Members returns the member blobstores keyed by id.
func (m *Blobstore) Members() map[interfaces.MemberID]interfaces.Blobstore {
	out := make(map[interfaces.MemberID]interfaces.Blobstore, len(m.members))
	for _, mem := range m.members {
		out[mem.id] = mem.bs
	}
	return out
}

// Queue returns the sync queue the engine writes to.
func (m *Blobstore) Queue() syncqueue.Queue {
	return m.queue
}

// Repo returns the repository the engine queues entries for.
func (m *Blobstore) Repo() interfaces.RepositoryID {
	return m.repo
}

// Close waits for background work and closes every member and the queue.
func (m *Blobstore) Close() error {
	m.bg.Wait()

	var result *multierror.Error
	for _, mem := range m.members {
		if err := interfaces.CloseBlobstore(mem.bs); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", mem.id, err))
		}
	}
	if c, ok := m.queue.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("sync queue: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func sortedIDs(set map[interfaces.MemberID]struct{}) []interfaces.MemberID {
	ids := make([]interfaces.MemberID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
