// Package cachelib provides named, byte-bounded, process-local cache pools.
//
// A Registry is built once at process start from a map of pool names to sizes
// and passed to every caching layer. Each pool is a separate fastcache
// instance, so filling one pool never evicts entries of another.
package cachelib

import (
	"fmt"
	"sort"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/fxamacker/cbor/v2"
	"github.com/ruteri/blobrepo/interfaces"
)

// Stable pool names. A name must keep its meaning across releases because
// operators size pools by name.
const (
	BlobstoreBlobsPool    = "blobstore-blobs"
	BlobstorePresencePool = "blobstore-presence"
	FilenodesPool         = "filenodes"
	ChangesetsPool        = "changesets"
	IdentifierMappingPool = "bonsai_hg_mapping"
)

// RequiredPools are the pools the remote repository profile needs.
var RequiredPools = []string{
	BlobstoreBlobsPool,
	BlobstorePresencePool,
	FilenodesPool,
	ChangesetsPool,
	IdentifierMappingPool,
}

const (
	// MinPoolSize is the smallest pool fastcache supports; smaller sizes are rounded up.
	MinPoolSize = 32 << 20
	// DefaultMaxItemSize bounds the size of a single cached value.
	DefaultMaxItemSize = 4 << 20
)

// Entries start with a header byte so an empty value differs from a miss.
const entryHeader byte = 1

// Pool is a named cache region of bounded size.
type Pool struct {
	name        string
	maxBytes    int
	maxItemSize int
	cache       *fastcache.Cache
}

// NewPool creates a pool holding up to maxBytes.
func NewPool(name string, maxBytes int) *Pool {
	if maxBytes < MinPoolSize {
		maxBytes = MinPoolSize
	}
	maxItem := DefaultMaxItemSize
	if maxItem > maxBytes/8 {
		maxItem = maxBytes / 8
	}
	return &Pool{
		name:        name,
		maxBytes:    maxBytes,
		maxItemSize: maxItem,
		cache:       fastcache.New(maxBytes),
	}
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// MaxItemSize returns the size of the largest value the pool accepts.
func (p *Pool) MaxItemSize() int {
	return p.maxItemSize
}

// Get returns the value cached under key.
func (p *Pool) Get(key string) ([]byte, bool) {
	raw := p.cache.GetBig(nil, []byte(key))
	if len(raw) == 0 || raw[0] != entryHeader {
		return nil, false
	}
	return raw[1:], true
}

// Set caches value under key. Values larger than MaxItemSize are not cached
// and Set returns false.
func (p *Pool) Set(key string, value []byte) bool {
	if len(value) > p.maxItemSize {
		return false
	}
	raw := make([]byte, 0, len(value)+1)
	raw = append(raw, entryHeader)
	raw = append(raw, value...)
	p.cache.SetBig([]byte(key), raw)
	return true
}

// Has reports whether key is cached.
func (p *Pool) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

// Del removes key from the pool.
func (p *Pool) Del(key string) {
	p.cache.Del([]byte(key))
}

// Reset drops every entry.
func (p *Pool) Reset() {
	p.cache.Reset()
}

// PoolStats describes the occupancy and hit rate of a pool.
type PoolStats struct {
	Name     string
	MaxBytes int
	Bytes    uint64
	Entries  uint64
	Gets     uint64
	Misses   uint64
}

// Stats returns the pool statistics.
func (p *Pool) Stats() PoolStats {
	var s fastcache.Stats
	p.cache.UpdateStats(&s)
	return PoolStats{
		Name:     p.name,
		MaxBytes: p.maxBytes,
		Bytes:    s.BytesSize,
		Entries:  s.EntriesCount,
		Gets:     s.GetBigCalls,
		Misses:   s.Misses,
	}
}

// GetCBOR decodes the value cached under key into v.
func (p *Pool) GetCBOR(key string, v any) bool {
	raw, ok := p.Get(key)
	if !ok {
		return false
	}
	if err := cbor.Unmarshal(raw, v); err != nil {
		p.Del(key)
		return false
	}
	return true
}

// SetCBOR caches the CBOR encoding of v under key.
func (p *Pool) SetCBOR(key string, v any) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	p.Set(key, raw)
	return nil
}

// Registry holds the process-wide pools.
type Registry struct {
	pools map[string]*Pool
}

// NewRegistry creates one pool per entry of sizes.
func NewRegistry(sizes map[string]int) (*Registry, error) {
	pools := make(map[string]*Pool, len(sizes))
	for name, size := range sizes {
		if name == "" {
			return nil, interfaces.ConfigErrorf("cache pool name is empty")
		}
		if size <= 0 {
			return nil, interfaces.ConfigErrorf("cache pool %q needs a positive size", name)
		}
		pools[name] = NewPool(name, size)
	}
	return &Registry{pools: pools}, nil
}

// NewDefaultRegistry creates every required pool with the same size.
func NewDefaultRegistry(size int) *Registry {
	sizes := make(map[string]int, len(RequiredPools))
	for _, name := range RequiredPools {
		sizes[name] = size
	}
	r, _ := NewRegistry(sizes)
	return r
}

// Get returns the pool called name.
func (r *Registry) Get(name string) (*Pool, error) {
	if r == nil {
		return nil, &interfaces.MissingCachePoolError{Pool: name}
	}
	p, ok := r.pools[name]
	if !ok {
		return nil, &interfaces.MissingCachePoolError{Pool: name}
	}
	return p, nil
}

// Names returns the registered pool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns the statistics of every pool, sorted by name.
func (r *Registry) Stats() []PoolStats {
	stats := make([]PoolStats, 0, len(r.pools))
	for _, name := range r.Names() {
		stats = append(stats, r.pools[name].Stats())
	}
	return stats
}
