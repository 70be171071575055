package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/blobrepo/interfaces"
	"github.com/ruteri/blobrepo/multiplex"
)

// RepairSource is the view of a healer the handler reports on.
// *multiplex.Healer implements it.
type RepairSource interface {
	Totals() (multiplex.HealStats, uint64, time.Time)
	Pending(ctx context.Context) (map[interfaces.MemberID]int, error)
}

// InconsistencySource exposes recently reported inconsistencies.
// *multiplex.InconsistencyLog implements it.
type InconsistencySource interface {
	Recent() []multiplex.Inconsistency
	Total() uint64
}

// RequestError carries the HTTP status code a failed request maps to.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

// RepoStatus is the repair state of one repository.
type RepoStatus struct {
	RepoID       interfaces.RepositoryID     `json:"repo_id"`
	Passes       uint64                      `json:"passes"`
	LastPass     *time.Time                  `json:"last_pass,omitempty"`
	Entries      int                         `json:"entries"`
	Repaired     int                         `json:"repaired"`
	Failed       int                         `json:"failed"`
	Inconsistent int                         `json:"inconsistent"`
	Dropped      int                         `json:"dropped"`
	Pending      map[interfaces.MemberID]int `json:"pending"`
	PendingTotal int                         `json:"pending_total"`
	// Error is set when the queue depth could not be read.
	Error string `json:"error,omitempty"`
}

// StatusResponse lists the repair state of every repository, ordered by id.
type StatusResponse struct {
	Repos []RepoStatus `json:"repos"`
}

// InconsistenciesResponse lists recent inconsistencies, oldest first. Total
// counts every report since the process started, across repositories.
type InconsistenciesResponse struct {
	Total uint64                    `json:"total"`
	Items []multiplex.Inconsistency `json:"items"`
}

// Handler serves the repair API.
type Handler struct {
	healers         map[interfaces.RepositoryID]RepairSource
	inconsistencies InconsistencySource
	log             *slog.Logger
}

// NewHandler creates the repair API handler.
//
// Parameters:
//   - healers: one repair source per repository served by the daemon
//   - inconsistencies: the shared inconsistency log, may be nil
//   - log: structured logger
func NewHandler(healers map[interfaces.RepositoryID]RepairSource, inconsistencies InconsistencySource, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		healers:         healers,
		inconsistencies: inconsistencies,
		log:             log,
	}
}

// Repos returns the served repository ids in ascending order.
func (h *Handler) Repos() []interfaces.RepositoryID {
	repos := make([]interfaces.RepositoryID, 0, len(h.healers))
	for repo := range h.healers {
		repos = append(repos, repo)
	}
	slices.Sort(repos)
	return repos
}

func (h *Handler) status(ctx context.Context, repo interfaces.RepositoryID, src RepairSource) RepoStatus {
	totals, passes, last := src.Totals()
	status := RepoStatus{
		RepoID:       repo,
		Passes:       passes,
		Entries:      totals.Entries,
		Repaired:     totals.Repaired,
		Failed:       totals.Failed,
		Inconsistent: totals.Inconsistent,
		Dropped:      totals.Dropped,
		Pending:      map[interfaces.MemberID]int{},
	}
	if !last.IsZero() {
		status.LastPass = &last
	}

	pending, err := src.Pending(ctx)
	if err != nil {
		h.log.Error("Failed to read sync queue depth", "err", err, slog.String("repo", repo.String()))
		status.Error = err.Error()
		return status
	}
	for member, n := range pending {
		status.Pending[member] = n
		status.PendingTotal += n
	}
	return status
}

// HandleRepairStatus reports every repository.
//
// URL format: GET /api/repair/status
//
// A repository whose queue cannot be read is still listed, with Error set.
func (h *Handler) HandleRepairStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Repos: make([]RepoStatus, 0, len(h.healers))}
	for _, repo := range h.Repos() {
		resp.Repos = append(resp.Repos, h.status(r.Context(), repo, h.healers[repo]))
	}
	h.writeJSON(w, resp)
}

// HandleRepoStatus reports one repository.
//
// URL format: GET /api/repair/status/{repo_id}
//
// Responds 400 for a malformed id and 404 for a repository the daemon does not heal.
func (h *Handler) HandleRepoStatus(w http.ResponseWriter, r *http.Request) {
	repo, err := parseRepoID(chi.URLParam(r, "repo_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	src, ok := h.healers[repo]
	if !ok {
		h.writeError(w, &RequestError{StatusCode: http.StatusNotFound, Err: fmt.Errorf("repository %s is not healed here", repo)})
		return
	}
	h.writeJSON(w, h.status(r.Context(), repo, src))
}

// HandleInconsistencies lists the most recent inconsistencies.
//
// URL format: GET /api/repair/inconsistencies[?repo_id=N]
func (h *Handler) HandleInconsistencies(w http.ResponseWriter, r *http.Request) {
	resp := InconsistenciesResponse{Items: []multiplex.Inconsistency{}}
	if h.inconsistencies == nil {
		h.writeJSON(w, resp)
		return
	}

	filter := r.URL.Query().Get("repo_id")
	var repo interfaces.RepositoryID
	if filter != "" {
		var err error
		if repo, err = parseRepoID(filter); err != nil {
			h.writeError(w, err)
			return
		}
	}

	resp.Total = h.inconsistencies.Total()
	for _, inc := range h.inconsistencies.Recent() {
		if filter != "" && inc.Repo != repo {
			continue
		}
		resp.Items = append(resp.Items, inc)
	}
	h.writeJSON(w, resp)
}

func parseRepoID(raw string) (interfaces.RepositoryID, error) {
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || id < 0 {
		return 0, &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("invalid repository id %q", raw)}
	}
	return interfaces.RepositoryID(id), nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, resp any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if reqErr, ok := err.(*RequestError); ok {
		status = reqErr.StatusCode
	}
	http.Error(w, err.Error(), status)
}
