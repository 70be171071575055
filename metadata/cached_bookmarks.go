package metadata

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/blobrepo/interfaces"
)

// CachedBookmarks serves reads from a per-repository snapshot of every
// bookmark, refreshed once it is older than the TTL. Writes go straight to the
// inner store and drop the snapshot of their repository, so a process always
// reads its own writes. Writes from other processes show up within one TTL.
type CachedBookmarks struct {
	inner interfaces.Bookmarks
	ttl   time.Duration
	clock clock.Clock
	log   *slog.Logger

	mu        sync.Mutex
	snapshots map[interfaces.RepositoryID]*bookmarkSnapshot
}

type bookmarkSnapshot struct {
	takenAt   time.Time
	bookmarks map[string]interfaces.ChangesetID
}

// NewCachedBookmarks wraps inner. clk may be nil.
func NewCachedBookmarks(inner interfaces.Bookmarks, ttl time.Duration, clk clock.Clock, log *slog.Logger) *CachedBookmarks {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedBookmarks{
		inner:     inner,
		ttl:       ttl,
		clock:     clk,
		log:       log,
		snapshots: make(map[interfaces.RepositoryID]*bookmarkSnapshot),
	}
}

func (c *CachedBookmarks) snapshot(ctx context.Context, repo interfaces.RepositoryID) (map[string]interfaces.ChangesetID, error) {
	c.mu.Lock()
	snap, ok := c.snapshots[repo]
	c.mu.Unlock()
	if ok && c.clock.Since(snap.takenAt) < c.ttl {
		return snap.bookmarks, nil
	}

	takenAt := c.clock.Now()
	all, err := c.inner.List(ctx, repo, "")
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.snapshots[repo] = &bookmarkSnapshot{takenAt: takenAt, bookmarks: all}
	c.mu.Unlock()

	c.log.Debug("Refreshed bookmarks snapshot",
		slog.String("repo", repo.String()),
		slog.Int("bookmarks", len(all)))
	return all, nil
}

func (c *CachedBookmarks) purge(repo interfaces.RepositoryID) {
	c.mu.Lock()
	delete(c.snapshots, repo)
	c.mu.Unlock()
}

func (c *CachedBookmarks) Get(ctx context.Context, repo interfaces.RepositoryID, name string) (interfaces.ChangesetID, bool, error) {
	all, err := c.snapshot(ctx, repo)
	if err != nil {
		return interfaces.ChangesetID{}, false, err
	}
	cs, ok := all[name]
	return cs, ok, nil
}

func (c *CachedBookmarks) List(ctx context.Context, repo interfaces.RepositoryID, prefix string) (map[string]interfaces.ChangesetID, error) {
	all, err := c.snapshot(ctx, repo)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interfaces.ChangesetID)
	for name, cs := range all {
		if strings.HasPrefix(name, prefix) {
			out[name] = cs
		}
	}
	return out, nil
}

func (c *CachedBookmarks) Set(ctx context.Context, repo interfaces.RepositoryID, name string, cs interfaces.ChangesetID) error {
	defer c.purge(repo)
	return c.inner.Set(ctx, repo, name, cs)
}

func (c *CachedBookmarks) Delete(ctx context.Context, repo interfaces.RepositoryID, name string) error {
	defer c.purge(repo)
	return c.inner.Delete(ctx, repo, name)
}
