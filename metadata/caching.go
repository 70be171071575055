package metadata

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/blobrepo/cachelib"
	"github.com/ruteri/blobrepo/interfaces"
)

// Only records that exist are cached. Every record is immutable once written,
// so cached entries never go stale.

// CachingFilenodes caches filenode lookups in a cache pool.
type CachingFilenodes struct {
	inner interfaces.Filenodes
	pool  *cachelib.Pool
	// prefix is <backer>.<namespace>.
	prefix string
	log    *slog.Logger
}

// NewCachingFilenodes wraps inner. backer names the storage kind and namespace
// identifies the database (shard map or address) so two configurations
// sharing a pool never collide.
func NewCachingFilenodes(inner interfaces.Filenodes, pool *cachelib.Pool, backer, namespace string, log *slog.Logger) *CachingFilenodes {
	if log == nil {
		log = slog.Default()
	}
	return &CachingFilenodes{
		inner:  inner,
		pool:   pool,
		prefix: backer + "." + namespace + ".",
		log:    log,
	}
}

// CacheKey returns the pool key of a filenode.
func (c *CachingFilenodes) CacheKey(repo interfaces.RepositoryID, path string, filenode interfaces.HgNodeHash) string {
	return fmt.Sprintf("%s%s.%s.%s", c.prefix, repo, path, filenode)
}

func (c *CachingFilenodes) Add(ctx context.Context, repo interfaces.RepositoryID, infos []interfaces.FilenodeInfo) error {
	return c.inner.Add(ctx, repo, infos)
}

func (c *CachingFilenodes) Get(ctx context.Context, repo interfaces.RepositoryID, path string, filenode interfaces.HgNodeHash) (*interfaces.FilenodeInfo, error) {
	key := c.CacheKey(repo, path, filenode)

	var cached interfaces.FilenodeInfo
	if c.pool.GetCBOR(key, &cached) {
		return &cached, nil
	}

	info, err := c.inner.Get(ctx, repo, path, filenode)
	if err != nil || info == nil {
		return info, err
	}
	if err := c.pool.SetCBOR(key, info); err != nil {
		c.log.Warn("Failed to cache filenode", slog.String("key", key), "err", err)
	}
	return info, nil
}

// CachingChangesets caches changeset lookups in a cache pool.
type CachingChangesets struct {
	inner interfaces.Changesets
	pool  *cachelib.Pool
	log   *slog.Logger
}

func NewCachingChangesets(inner interfaces.Changesets, pool *cachelib.Pool, log *slog.Logger) *CachingChangesets {
	if log == nil {
		log = slog.Default()
	}
	return &CachingChangesets{inner: inner, pool: pool, log: log}
}

func changesetCacheKey(repo interfaces.RepositoryID, cs interfaces.ChangesetID) string {
	return fmt.Sprintf("changeset.%s.%s", repo, cs)
}

func (c *CachingChangesets) Add(ctx context.Context, cs interfaces.ChangesetInsert) error {
	return c.inner.Add(ctx, cs)
}

func (c *CachingChangesets) Get(ctx context.Context, repo interfaces.RepositoryID, cs interfaces.ChangesetID) (*interfaces.ChangesetEntry, error) {
	key := changesetCacheKey(repo, cs)

	var cached interfaces.ChangesetEntry
	if c.pool.GetCBOR(key, &cached) {
		if cached.Parents == nil {
			cached.Parents = []interfaces.ChangesetID{}
		}
		return &cached, nil
	}

	entry, err := c.inner.Get(ctx, repo, cs)
	if err != nil || entry == nil {
		return entry, err
	}
	if err := c.pool.SetCBOR(key, entry); err != nil {
		c.log.Warn("Failed to cache changeset", slog.String("key", key), "err", err)
	}
	return entry, nil
}

// CachingMapping caches mapping lookups in both directions.
type CachingMapping struct {
	inner interfaces.IdentifierMapping
	pool  *cachelib.Pool
	log   *slog.Logger
}

func NewCachingMapping(inner interfaces.IdentifierMapping, pool *cachelib.Pool, log *slog.Logger) *CachingMapping {
	if log == nil {
		log = slog.Default()
	}
	return &CachingMapping{inner: inner, pool: pool, log: log}
}

func bonsaiCacheKey(repo interfaces.RepositoryID, id interfaces.ChangesetID) string {
	return fmt.Sprintf("bonsai.%s.%s", repo, id)
}

func hgCacheKey(repo interfaces.RepositoryID, id interfaces.HgChangesetID) string {
	return fmt.Sprintf("hg.%s.%s", repo, id)
}

func (c *CachingMapping) Add(ctx context.Context, entry interfaces.MappingEntry) error {
	return c.inner.Add(ctx, entry)
}

func (c *CachingMapping) GetByBonsai(ctx context.Context, repo interfaces.RepositoryID, id interfaces.ChangesetID) (*interfaces.MappingEntry, error) {
	var cached interfaces.MappingEntry
	if c.pool.GetCBOR(bonsaiCacheKey(repo, id), &cached) {
		return &cached, nil
	}
	entry, err := c.inner.GetByBonsai(ctx, repo, id)
	if err != nil || entry == nil {
		return entry, err
	}
	c.store(entry)
	return entry, nil
}

func (c *CachingMapping) GetByHg(ctx context.Context, repo interfaces.RepositoryID, id interfaces.HgChangesetID) (*interfaces.MappingEntry, error) {
	var cached interfaces.MappingEntry
	if c.pool.GetCBOR(hgCacheKey(repo, id), &cached) {
		return &cached, nil
	}
	entry, err := c.inner.GetByHg(ctx, repo, id)
	if err != nil || entry == nil {
		return entry, err
	}
	c.store(entry)
	return entry, nil
}

// store caches entry under both of its identifiers.
func (c *CachingMapping) store(entry *interfaces.MappingEntry) {
	for _, key := range []string{bonsaiCacheKey(entry.Repo, entry.BonsaiID), hgCacheKey(entry.Repo, entry.HgID)} {
		if err := c.pool.SetCBOR(key, entry); err != nil {
			c.log.Warn("Failed to cache mapping", slog.String("key", key), "err", err)
		}
	}
}
