package cacheblob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/ruteri/blobrepo/cachelib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBlob is an in-memory blobstore counting calls that reach it.
type countingBlob struct {
	mu       sync.Mutex
	data     map[string][]byte
	gets     int
	puts     int
	presence int
}

func newCountingBlob() *countingBlob {
	return &countingBlob{data: make(map[string][]byte)}
}

func (c *countingBlob) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte{}, v...), nil
}

func (c *countingBlob) Put(ctx context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	c.data[key] = append([]byte{}, value...)
	return nil
}

func (c *countingBlob) IsPresent(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence++
	_, ok := c.data[key]
	return ok, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := NewRedisCache(RedisOptions{Address: mr.Addr()})
	t.Cleanup(func() { cache.Close() })
	return mr, cache
}

func TestMemcache_ReadThroughAndWriteThrough(t *testing.T) {
	ctx := context.Background()
	_, cache := newRedis(t)
	inner := newCountingBlob()
	inner.data["k"] = []byte("v")
	bs := NewMemcacheBlobstore(inner, cache, "multiplexed", "", 1, discardLogger())

	got, err := bs.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	got, err = bs.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	assert.Equal(t, 1, inner.gets, "second read must come from the shared cache")

	require.NoError(t, bs.Put(ctx, "k2", []byte("v2")))
	assert.Equal(t, 1, inner.puts)
	got, err = bs.Get(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
	assert.Equal(t, 1, inner.gets)

	present, err := bs.IsPresent(ctx, "k2")
	require.NoError(t, err)
	assert.True(t, present)
	assert.Zero(t, inner.presence)

	// Absent keys are not cached.
	got, err = bs.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
	_, err = bs.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, 3, inner.gets)
}

func TestMemcache_KeyFormatAndCompression(t *testing.T) {
	ctx := context.Background()
	mr, cache := newRedis(t)
	bs := NewMemcacheBlobstore(newCountingBlob(), cache, "multiplexed", "p", 42, discardLogger())

	key := bs.CacheKey("content.blake2.abc")
	assert.True(t, strings.HasPrefix(key, "scm.blobstore.multiplexed.p.repo0042."), key)
	assert.Len(t, strings.TrimPrefix(key, "scm.blobstore.multiplexed.p.repo0042."), 64)

	value := bytes.Repeat([]byte("compressible "), 1000)
	require.NoError(t, bs.Put(ctx, "big", value))

	stored, err := mr.Get(bs.CacheKey("big"))
	require.NoError(t, err)
	assert.Equal(t, tagZstd, stored[0])
	assert.Less(t, len(stored), len(value))

	got, err := bs.Get(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestCodec(t *testing.T) {
	enc, dec, err := newCodec()
	require.NoError(t, err)
	defer enc.Close()
	defer dec.Close()

	value := bytes.Repeat([]byte("abc"), 500)
	got, err := dec.DecodeAll(enc.EncodeAll(value, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, value, got)

	raw := encodeValue(value)
	assert.Equal(t, tagZstd, raw[0])
	got, err = decodeValue(raw)
	require.NoError(t, err)
	assert.Equal(t, value, got)

	_, err = decodeValue([]byte{tagZstd, 0xde, 0xad})
	assert.Error(t, err)
	_, err = decodeValue([]byte{7})
	assert.Error(t, err)
}

func TestMemcache_RepositoriesDoNotShareEntries(t *testing.T) {
	ctx := context.Background()
	_, cache := newRedis(t)
	inner1, inner2 := newCountingBlob(), newCountingBlob()
	repo1 := NewMemcacheBlobstore(inner1, cache, "multiplexed", "", 1, discardLogger())
	repo2 := NewMemcacheBlobstore(inner2, cache, "multiplexed", "", 2, discardLogger())

	require.NoError(t, repo1.Put(ctx, "k", []byte("repo1 value")))
	got, err := repo2.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, inner2.gets)
}

func TestMemcache_OversizedValuesAreNotCached(t *testing.T) {
	ctx := context.Background()
	mr, cache := newRedis(t)
	inner := newCountingBlob()
	bs := NewMemcacheBlobstore(inner, cache, "multiplexed", "", 1, discardLogger())

	require.NoError(t, bs.Put(ctx, "k", make([]byte, DefaultMaxValueSize+1)))
	assert.False(t, mr.Exists(bs.CacheKey("k")))

	_, err := bs.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.gets)
}

func TestMemcache_CacheOutageFallsThrough(t *testing.T) {
	ctx := context.Background()
	mr, cache := newRedis(t)
	inner := newCountingBlob()
	inner.data["k"] = []byte("v")
	bs := NewMemcacheBlobstore(inner, cache, "multiplexed", "", 1, discardLogger())
	mr.Close()

	got, err := bs.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	require.NoError(t, bs.Put(ctx, "k2", []byte("v2")))
	present, err := bs.IsPresent(ctx, "k2")
	require.NoError(t, err)
	assert.True(t, present)
}

func TestMemcache_CorruptEntryIsDropped(t *testing.T) {
	ctx := context.Background()
	mr, cache := newRedis(t)
	inner := newCountingBlob()
	inner.data["k"] = []byte("v")
	bs := NewMemcacheBlobstore(inner, cache, "multiplexed", "", 1, discardLogger())

	require.NoError(t, mr.Set(bs.CacheKey("k"), "\x09garbage"))
	got, err := bs.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	assert.Equal(t, 1, inner.gets)
}

func newPools(t *testing.T) (*cachelib.Pool, *cachelib.Pool) {
	t.Helper()
	reg := cachelib.NewDefaultRegistry(cachelib.MinPoolSize)
	blobs, err := reg.Get(cachelib.BlobstoreBlobsPool)
	require.NoError(t, err)
	presence, err := reg.Get(cachelib.BlobstorePresencePool)
	require.NoError(t, err)
	return blobs, presence
}

func TestCachelib_GetAndPut(t *testing.T) {
	ctx := context.Background()
	blobs, presence := newPools(t)
	inner := newCountingBlob()
	inner.data["k"] = []byte("v")
	bs := NewCachelibBlobstore(inner, blobs, presence, CachelibOptions{}, discardLogger())

	for i := 0; i < 3; i++ {
		got, err := bs.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), got)
	}
	assert.Equal(t, 1, inner.gets)

	require.NoError(t, bs.Put(ctx, "new", []byte("fresh")))
	got, err := bs.Get(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), got)
	assert.Equal(t, 1, inner.gets)

	present, err := bs.IsPresent(ctx, "new")
	require.NoError(t, err)
	assert.True(t, present)
	assert.Zero(t, inner.presence)
}

func TestCachelib_AbsentMarkersNotTrustedByDefault(t *testing.T) {
	ctx := context.Background()
	blobs, presence := newPools(t)
	inner := newCountingBlob()
	bs := NewCachelibBlobstore(inner, blobs, presence, CachelibOptions{}, discardLogger())

	got, err := bs.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Another process writes the key behind this cache's back.
	inner.data["k"] = []byte("v")
	got, err = bs.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestCachelib_NegativeTTL(t *testing.T) {
	ctx := context.Background()
	blobs, presence := newPools(t)
	inner := newCountingBlob()
	mock := clock.NewMock()
	bs := NewCachelibBlobstore(inner, blobs, presence, CachelibOptions{NegativeTTL: 5 * time.Second, Clock: mock}, discardLogger())

	present, err := bs.IsPresent(ctx, "k")
	require.NoError(t, err)
	assert.False(t, present)
	assert.Equal(t, 1, inner.presence)

	inner.data["k"] = []byte("v")
	got, err := bs.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got, "absent marker is trusted within the TTL")
	assert.Zero(t, inner.gets)

	mock.Add(6 * time.Second)
	got, err = bs.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestCachelib_PoolsEvictIndependently(t *testing.T) {
	ctx := context.Background()

	t.Run("filling the blobs pool keeps presence entries", func(t *testing.T) {
		blobs, presence := newPools(t)
		inner := newCountingBlob()
		bs := NewCachelibBlobstore(inner, blobs, presence, CachelibOptions{}, discardLogger())

		require.NoError(t, bs.Put(ctx, "first", []byte("v")))
		value := make([]byte, 4<<10)
		for i := 0; i < (4*cachelib.MinPoolSize)/len(value); i++ {
			blobs.Set(fmt.Sprintf("fill-%d", i), value)
		}

		assert.False(t, blobs.Has("first"), "bytes pool should have evicted the first value")
		present, err := bs.IsPresent(ctx, "first")
		require.NoError(t, err)
		assert.True(t, present)
		assert.Zero(t, inner.presence, "presence must be served from the presence pool")
	})

	t.Run("filling the presence pool keeps cached bytes", func(t *testing.T) {
		blobs, presence := newPools(t)
		inner := newCountingBlob()
		bs := NewCachelibBlobstore(inner, blobs, presence, CachelibOptions{}, discardLogger())

		require.NoError(t, bs.Put(ctx, "first", []byte("v")))
		suffix := strings.Repeat("x", 2<<10)
		for i := 0; i < (4*cachelib.MinPoolSize)/len(suffix); i++ {
			presence.Set(fmt.Sprintf("%d-%s", i, suffix), []byte{markerPresent})
		}

		assert.False(t, presence.Has("first"), "presence pool should have evicted the first marker")
		got, err := bs.Get(ctx, "first")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), got)
		assert.Zero(t, inner.gets, "bytes must be served from the bytes pool")
	})
}
