package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ruteri/blobrepo/cachelib"
	"github.com/ruteri/blobrepo/interfaces"
	"github.com/ruteri/blobrepo/multiplex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectingTelemetry struct {
	mu       sync.Mutex
	outcomes []interfaces.MemberOutcome
	started  chan struct{}
	release  chan struct{}
}

func (c *collectingTelemetry) Record(o interfaces.MemberOutcome) {
	if c.started != nil {
		c.started <- struct{}{}
		<-c.release
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, o)
}

func (c *collectingTelemetry) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outcomes)
}

func TestBlobstoreMetrics_Recorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewBlobstoreMetrics("test", reg, 0)
	require.NoError(t, err)

	r := m.Recorder("blobstore_mux")
	r.Record(interfaces.MemberOutcome{Member: 1, Op: interfaces.OpPut, Latency: time.Millisecond, Size: 10})
	r.Record(interfaces.MemberOutcome{Member: 1, Op: interfaces.OpPut, Latency: time.Millisecond, Size: 5})
	r.Record(interfaces.MemberOutcome{Member: 2, Op: interfaces.OpGet, Err: errors.New("boom")})
	r.Record(interfaces.MemberOutcome{Member: 2, Op: interfaces.OpGet, Err: context.Canceled})

	assert.Equal(t, 15.0, testutil.ToFloat64(m.bytes.WithLabelValues("blobstore_mux", "member-1", "put")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.bytes))
	assert.Equal(t, 3, testutil.CollectAndCount(m.latency))

	_, err = NewBlobstoreMetrics("test", reg, 0)
	assert.Error(t, err, "registering twice must fail")
}

func TestOutcomeStatus(t *testing.T) {
	assert.Equal(t, "ok", outcomeStatus(nil))
	assert.Equal(t, "cancelled", outcomeStatus(context.DeadlineExceeded))
	assert.Equal(t, "error", outcomeStatus(io.ErrUnexpectedEOF))
}

func TestAsyncTelemetry_FlushesOnClose(t *testing.T) {
	inner := &collectingTelemetry{}
	a := NewAsyncTelemetry(inner, 16)
	for i := 0; i < 5; i++ {
		a.Record(interfaces.MemberOutcome{Member: interfaces.MemberID(i)})
	}
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.Equal(t, 5, inner.len())
	assert.Equal(t, uint64(0), a.Dropped())
}

func TestAsyncTelemetry_DropsWhenFull(t *testing.T) {
	inner := &collectingTelemetry{started: make(chan struct{}, 8), release: make(chan struct{})}
	a := NewAsyncTelemetry(inner, 1)

	a.Record(interfaces.MemberOutcome{Member: 1})
	<-inner.started

	// The consumer is blocked: one outcome fits the buffer, the rest are dropped.
	a.Record(interfaces.MemberOutcome{Member: 2})
	a.Record(interfaces.MemberOutcome{Member: 3})
	a.Record(interfaces.MemberOutcome{Member: 4})
	assert.Equal(t, uint64(2), a.Dropped())

	close(inner.release)
	require.NoError(t, a.Close())
	assert.Equal(t, 2, inner.len())
}

func TestBlobstoreMetrics_ForTable(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewBlobstoreMetrics("test", reg, 8)
	require.NoError(t, err)

	tel, err := m.ForTable("blobstore_mux")
	require.NoError(t, err)
	tel.Record(interfaces.MemberOutcome{Member: 3, Op: interfaces.OpGet, Size: 7})

	require.NoError(t, m.Close())
	assert.Equal(t, 7.0, testutil.ToFloat64(m.bytes.WithLabelValues("blobstore_mux", "member-3", "get")))
}

func TestInconsistencyCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewInconsistencyCounter("test", reg)
	require.NoError(t, err)

	log := multiplex.NewInconsistencyLog(0, c, nil, nil)
	log.ReportInconsistency(context.Background(), multiplex.Inconsistency{Repo: 1, Member: 2, Key: "k"})
	assert.Equal(t, 1.0, testutil.ToFloat64(c))
}

type fakePending map[interfaces.MemberID]int

func (f fakePending) Pending(context.Context) (map[interfaces.MemberID]int, error) {
	return f, nil
}

func TestHealerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewHealerMetrics("test", reg, 7)
	require.NoError(t, err)

	m.ObservePass(multiplex.HealStats{Entries: 4, Repaired: 2, Failed: 1, Inconsistent: 1}, 50*time.Millisecond)
	m.ObservePass(multiplex.HealStats{Entries: 1, Repaired: 1}, 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.passes))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.keys.WithLabelValues("repaired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keys.WithLabelValues("failed")))

	require.NoError(t, m.UpdatePending(context.Background(), fakePending{1: 3, 2: 0}))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pending.WithLabelValues("member-1")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.pending))

	require.NoError(t, m.UpdatePending(context.Background(), fakePending{2: 1}))
	assert.Equal(t, 1, testutil.CollectAndCount(m.pending))
}

func TestPoolCollector(t *testing.T) {
	pools, err := cachelib.NewRegistry(map[string]int{"filenodes": 1 << 20, "changesets": 1 << 20})
	require.NoError(t, err)
	p, err := pools.Get("filenodes")
	require.NoError(t, err)
	p.Set("k", []byte("v"))
	p.Get("k")

	c := NewPoolCollector("test", pools)
	assert.Equal(t, 10, testutil.CollectAndCount(c))
	assert.Equal(t, 2, testutil.CollectAndCount(c, "test_cache_pool_bytes"))
	require.NoError(t, prometheus.NewRegistry().Register(c))
}

func TestMetricsServer(t *testing.T) {
	_, err := New("", "")
	require.Error(t, err)

	s, err := New("test", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Equal(t, "test", s.Namespace())

	_, err = NewHealerMetrics(s.Namespace(), s.Registry(), 1)
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "test_healer_passes_total")
	assert.Contains(t, string(body), "go_goroutines")
}
