package cacheblob

import (
	"context"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/blobrepo/cachelib"
	"github.com/ruteri/blobrepo/interfaces"
)

// Presence markers stored in the presence pool.
const (
	markerPresent byte = 'P'
	markerAbsent  byte = 'A'
)

// CachelibOptions tunes a CachelibBlobstore.
type CachelibOptions struct {
	// NegativeTTL is how long an absent marker is trusted. Zero means absent
	// markers never short-circuit a lookup, so a key written by another
	// process is never hidden.
	NegativeTTL time.Duration
	Clock       clock.Clock
}

// CachelibBlobstore caches inner in two process-local pools: blobs holds
// values, presence holds present and absent markers.
type CachelibBlobstore struct {
	inner    interfaces.Blobstore
	blobs    *cachelib.Pool
	presence *cachelib.Pool
	opts     CachelibOptions
	log      *slog.Logger
}

// NewCachelibBlobstore wraps inner with the given pools.
func NewCachelibBlobstore(inner interfaces.Blobstore, blobs, presence *cachelib.Pool, opts CachelibOptions, log *slog.Logger) *CachelibBlobstore {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachelibBlobstore{
		inner:    inner,
		blobs:    blobs,
		presence: presence,
		opts:     opts,
		log:      log,
	}
}

// NewCachelibBlobstoreFromRegistry looks up the blobstore pools in reg.
func NewCachelibBlobstoreFromRegistry(inner interfaces.Blobstore, reg *cachelib.Registry, opts CachelibOptions, log *slog.Logger) (*CachelibBlobstore, error) {
	blobs, err := reg.Get(cachelib.BlobstoreBlobsPool)
	if err != nil {
		return nil, err
	}
	presence, err := reg.Get(cachelib.BlobstorePresencePool)
	if err != nil {
		return nil, err
	}
	return NewCachelibBlobstore(inner, blobs, presence, opts, log), nil
}

type presenceState int

const (
	presenceUnknown presenceState = iota
	presenceKnownPresent
	presenceKnownAbsent
)

func (b *CachelibBlobstore) lookupPresence(key string) presenceState {
	raw, ok := b.presence.Get(key)
	if !ok || len(raw) == 0 {
		return presenceUnknown
	}
	switch raw[0] {
	case markerPresent:
		return presenceKnownPresent
	case markerAbsent:
		if b.opts.NegativeTTL <= 0 || len(raw) != 9 {
			return presenceUnknown
		}
		recorded := time.Unix(0, int64(binary.BigEndian.Uint64(raw[1:])))
		if b.opts.Clock.Since(recorded) < b.opts.NegativeTTL {
			return presenceKnownAbsent
		}
	}
	return presenceUnknown
}

func (b *CachelibBlobstore) markPresent(key string) {
	b.presence.Set(key, []byte{markerPresent})
}

func (b *CachelibBlobstore) markAbsent(key string) {
	raw := make([]byte, 9)
	raw[0] = markerAbsent
	binary.BigEndian.PutUint64(raw[1:], uint64(b.opts.Clock.Now().UnixNano()))
	b.presence.Set(key, raw)
}

// Get consults the presence pool, then the blobs pool, then inner.
func (b *CachelibBlobstore) Get(ctx context.Context, key string) ([]byte, error) {
	if b.lookupPresence(key) == presenceKnownAbsent {
		return nil, nil
	}
	if value, ok := b.blobs.Get(key); ok {
		return value, nil
	}

	value, err := b.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if value == nil {
		b.markAbsent(key)
		return nil, nil
	}
	if !b.blobs.Set(key, value) {
		b.log.Debug("Blob too large for local cache",
			slog.String("key", key),
			slog.Int("size", len(value)))
	}
	b.markPresent(key)
	return value, nil
}

// Put writes through to inner and then updates both pools.
func (b *CachelibBlobstore) Put(ctx context.Context, key string, value []byte) error {
	if err := b.inner.Put(ctx, key, value); err != nil {
		return err
	}
	if !b.blobs.Set(key, value) {
		b.blobs.Del(key)
	}
	b.markPresent(key)
	return nil
}

// IsPresent answers from the presence pool when it can.
func (b *CachelibBlobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	switch b.lookupPresence(key) {
	case presenceKnownPresent:
		return true, nil
	case presenceKnownAbsent:
		return false, nil
	}

	present, err := b.inner.IsPresent(ctx, key)
	if err != nil {
		return false, err
	}
	if present {
		b.markPresent(key)
	} else {
		b.markAbsent(key)
	}
	return present, nil
}

// Close closes the wrapped blobstore.
func (b *CachelibBlobstore) Close() error {
	return interfaces.CloseBlobstore(b.inner)
}
