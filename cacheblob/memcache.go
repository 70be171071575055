// Package cacheblob adds caching tiers in front of a blobstore.
//
// MemcacheBlobstore reads through and writes through a SharedCache (Redis)
// shared by every process serving the repository. CachelibBlobstore keeps
// process-local copies in two pools: one for values and one for presence, so
// existence checks and large payloads never evict each other.
package cacheblob

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/klauspost/compress/zstd"
	"github.com/ruteri/blobrepo/interfaces"
	"golang.org/x/crypto/blake2b"
)

// DefaultMaxValueSize is the largest value stored in the shared cache.
const DefaultMaxValueSize = 1 << 20

// Values shorter than this are stored uncompressed.
const compressThreshold = 256

const (
	tagRaw  byte = 0
	tagZstd byte = 1
)

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, decoder, err = newCodec()
	if err != nil {
		panic(err)
	}
}

func newCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return enc, dec, nil
}

// MemcacheBlobstore caches values of inner in a SharedCache.
//
// Cache keys are scm.blobstore.<backing>.<params>.<repo>.<hash of key>, so
// differently configured stores and different repositories sharing a cache
// never read each other's entries. Cache failures are logged and treated as
// misses.
type MemcacheBlobstore struct {
	inner        interfaces.Blobstore
	cache        SharedCache
	prefix       string
	maxValueSize int
	log          *slog.Logger
}

// NewMemcacheBlobstore wraps inner. backingName and params describe inner.
func NewMemcacheBlobstore(
	inner interfaces.Blobstore,
	cache SharedCache,
	backingName, params string,
	repo interfaces.RepositoryID,
	log *slog.Logger,
) *MemcacheBlobstore {
	if log == nil {
		log = slog.Default()
	}
	return &MemcacheBlobstore{
		inner:        inner,
		cache:        cache,
		prefix:       fmt.Sprintf("scm.blobstore.%s.%s.%s.", backingName, params, repo),
		maxValueSize: DefaultMaxValueSize,
		log:          log,
	}
}

// CacheKey returns the shared cache key of a blob key.
func (b *MemcacheBlobstore) CacheKey(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return b.prefix + hex.EncodeToString(sum[:])
}

func (b *MemcacheBlobstore) Get(ctx context.Context, key string) ([]byte, error) {
	cacheKey := b.CacheKey(key)

	raw, ok, err := b.cache.Get(ctx, cacheKey)
	if err != nil {
		b.log.Warn("Shared cache get failed", slog.String("key", key), "err", err)
	} else if ok {
		value, err := decodeValue(raw)
		if err == nil {
			return value, nil
		}
		b.log.Warn("Dropping undecodable shared cache entry", slog.String("key", key), "err", err)
		b.delete(ctx, cacheKey)
	}

	value, err := b.inner.Get(ctx, key)
	if err != nil || value == nil {
		return value, err
	}
	b.store(ctx, cacheKey, value)
	return value, nil
}

func (b *MemcacheBlobstore) Put(ctx context.Context, key string, value []byte) error {
	if err := b.inner.Put(ctx, key, value); err != nil {
		return err
	}
	b.store(ctx, b.CacheKey(key), value)
	return nil
}

func (b *MemcacheBlobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.cache.Get(ctx, b.CacheKey(key))
	if err != nil {
		b.log.Warn("Shared cache get failed", slog.String("key", key), "err", err)
	} else if ok {
		return true, nil
	}
	return b.inner.IsPresent(ctx, key)
}

// Close closes the wrapped blobstore.
func (b *MemcacheBlobstore) Close() error {
	return interfaces.CloseBlobstore(b.inner)
}

// store caches value, or removes a stale entry when value is too large.
func (b *MemcacheBlobstore) store(ctx context.Context, cacheKey string, value []byte) {
	if len(value) > b.maxValueSize {
		b.delete(ctx, cacheKey)
		return
	}
	if err := b.cache.Set(ctx, cacheKey, encodeValue(value)); err != nil {
		b.log.Warn("Shared cache set failed", slog.String("cache_key", cacheKey), "err", err)
	}
}

func (b *MemcacheBlobstore) delete(ctx context.Context, cacheKey string) {
	if err := b.cache.Delete(ctx, cacheKey); err != nil {
		b.log.Warn("Shared cache delete failed", slog.String("cache_key", cacheKey), "err", err)
	}
}

func encodeValue(value []byte) []byte {
	if len(value) < compressThreshold {
		out := make([]byte, 0, len(value)+1)
		out = append(out, tagRaw)
		return append(out, value...)
	}
	return encoder.EncodeAll(value, []byte{tagZstd})
}

func decodeValue(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty cache entry")
	}
	switch raw[0] {
	case tagRaw:
		return append([]byte{}, raw[1:]...), nil
	case tagZstd:
		value, err := decoder.DecodeAll(raw[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress cache entry: %w", err)
		}
		if value == nil {
			value = []byte{}
		}
		return value, nil
	default:
		return nil, fmt.Errorf("unknown cache entry format %d", raw[0])
	}
}
