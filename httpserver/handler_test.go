package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/blobrepo/interfaces"
	"github.com/ruteri/blobrepo/multiplex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type MockRepairSource struct {
	mock.Mock
}

func (m *MockRepairSource) Totals() (multiplex.HealStats, uint64, time.Time) {
	args := m.Called()
	return args.Get(0).(multiplex.HealStats), args.Get(1).(uint64), args.Get(2).(time.Time)
}

func (m *MockRepairSource) Pending(ctx context.Context) (map[interfaces.MemberID]int, error) {
	args := m.Called(ctx)
	pending, _ := args.Get(0).(map[interfaces.MemberID]int)
	return pending, args.Error(1)
}

func newTestServer(t *testing.T, healers map[interfaces.RepositoryID]RepairSource, incs InconsistencySource) *Server {
	t.Helper()
	cfg := &HTTPServerConfig{Log: discardLogger(), GracefulShutdownDuration: time.Second}
	srv, err := New(cfg, NewHandler(healers, incs, discardLogger()), nil)
	require.NoError(t, err)
	return srv
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

func TestHandleRepairStatus(t *testing.T) {
	last := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	healthy := new(MockRepairSource)
	healthy.On("Totals").Return(multiplex.HealStats{Entries: 5, Repaired: 4, Failed: 1}, uint64(3), last)
	healthy.On("Pending", mock.Anything).Return(map[interfaces.MemberID]int{1: 2, 2: 1}, nil)

	broken := new(MockRepairSource)
	broken.On("Totals").Return(multiplex.HealStats{}, uint64(0), time.Time{})
	broken.On("Pending", mock.Anything).Return(nil, errors.New("queue unavailable"))

	srv := newTestServer(t, map[interfaces.RepositoryID]RepairSource{7: broken, 2: healthy}, nil)

	rr := get(t, srv.Handler(), "/api/repair/status")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Repos, 2)

	first := resp.Repos[0]
	assert.Equal(t, interfaces.RepositoryID(2), first.RepoID)
	assert.Equal(t, uint64(3), first.Passes)
	require.NotNil(t, first.LastPass)
	assert.True(t, last.Equal(*first.LastPass))
	assert.Equal(t, 4, first.Repaired)
	assert.Equal(t, 1, first.Failed)
	assert.Equal(t, map[interfaces.MemberID]int{1: 2, 2: 1}, first.Pending)
	assert.Equal(t, 3, first.PendingTotal)
	assert.Empty(t, first.Error)

	second := resp.Repos[1]
	assert.Equal(t, interfaces.RepositoryID(7), second.RepoID)
	assert.Nil(t, second.LastPass)
	assert.Equal(t, "queue unavailable", second.Error)

	healthy.AssertExpectations(t)
	broken.AssertExpectations(t)
}

func TestHandleRepoStatus(t *testing.T) {
	src := new(MockRepairSource)
	src.On("Totals").Return(multiplex.HealStats{Inconsistent: 1}, uint64(1), time.Time{})
	src.On("Pending", mock.Anything).Return(map[interfaces.MemberID]int{}, nil)

	srv := newTestServer(t, map[interfaces.RepositoryID]RepairSource{5: src}, nil)

	tests := []struct {
		name   string
		target string
		code   int
	}{
		{name: "known repository", target: "/api/repair/status/5", code: http.StatusOK},
		{name: "unknown repository", target: "/api/repair/status/6", code: http.StatusNotFound},
		{name: "malformed id", target: "/api/repair/status/repo5", code: http.StatusBadRequest},
		{name: "negative id", target: "/api/repair/status/-1", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := get(t, srv.Handler(), tt.target)
			assert.Equal(t, tt.code, rr.Code)
			if tt.code != http.StatusOK {
				return
			}
			var status RepoStatus
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
			assert.Equal(t, interfaces.RepositoryID(5), status.RepoID)
			assert.Equal(t, 1, status.Inconsistent)
			assert.Equal(t, 0, status.PendingTotal)
		})
	}
}

func TestHandleInconsistencies(t *testing.T) {
	log := multiplex.NewInconsistencyLog(10, nil, clock.NewMock(), discardLogger())
	ctx := context.Background()
	log.ReportInconsistency(ctx, multiplex.Inconsistency{Repo: 1, Member: 2, Key: "a"})
	log.ReportInconsistency(ctx, multiplex.Inconsistency{Repo: 3, Member: 1, Key: "b"})
	log.ReportInconsistency(ctx, multiplex.Inconsistency{Repo: 1, Member: 1, Key: "c"})

	srv := newTestServer(t, nil, log)

	tests := []struct {
		name   string
		target string
		code   int
		keys   []string
	}{
		{name: "all", target: "/api/repair/inconsistencies", code: http.StatusOK, keys: []string{"a", "b", "c"}},
		{name: "one repository", target: "/api/repair/inconsistencies?repo_id=1", code: http.StatusOK, keys: []string{"a", "c"}},
		{name: "no match", target: "/api/repair/inconsistencies?repo_id=9", code: http.StatusOK, keys: []string{}},
		{name: "bad filter", target: "/api/repair/inconsistencies?repo_id=x", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := get(t, srv.Handler(), tt.target)
			require.Equal(t, tt.code, rr.Code)
			if tt.code != http.StatusOK {
				return
			}
			var resp InconsistenciesResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, uint64(3), resp.Total)
			keys := []string{}
			for _, inc := range resp.Items {
				keys = append(keys, inc.Key)
			}
			assert.Equal(t, tt.keys, keys)
		})
	}
}

func TestHandleInconsistencies_NoLog(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	rr := get(t, srv.Handler(), "/api/repair/inconsistencies")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"total":0,"items":[]}`, rr.Body.String())
}
