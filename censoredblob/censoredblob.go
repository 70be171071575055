// Package censoredblob blocks access to denylisted keys.
//
// The filter is the outermost blobstore layer: a censored key fails before any
// cache or storage member sees it, so its bytes are never cached or replicated.
// The denylist starts out as configured and is replaced at runtime by whatever
// policy source the process runs.
package censoredblob

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ruteri/blobrepo/interfaces"
)

// Blobstore wraps inner and rejects censored keys.
type Blobstore struct {
	inner interfaces.Blobstore
	log   *slog.Logger

	mu       sync.RWMutex
	censored map[string]string
}

// New wraps inner with the initial denylist mapping keys to reasons.
func New(inner interfaces.Blobstore, censored map[string]string, log *slog.Logger) *Blobstore {
	if log == nil {
		log = slog.Default()
	}
	b := &Blobstore{inner: inner, log: log}
	b.Replace(censored)
	return b
}

func (b *Blobstore) check(key string) error {
	b.mu.RLock()
	reason, ok := b.censored[key]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	b.log.Info("Blocked access to censored blob", slog.String("key", key))
	return &interfaces.CensoredError{Key: key, Reason: reason}
}

func (b *Blobstore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := b.check(key); err != nil {
		return nil, err
	}
	return b.inner.Get(ctx, key)
}

func (b *Blobstore) Put(ctx context.Context, key string, value []byte) error {
	if err := b.check(key); err != nil {
		return err
	}
	return b.inner.Put(ctx, key, value)
}

func (b *Blobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	if err := b.check(key); err != nil {
		return false, err
	}
	return b.inner.IsPresent(ctx, key)
}

// Censor blocks key with reason.
func (b *Blobstore) Censor(key, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.censored[key] = reason
}

// Uncensor lifts the block on key.
func (b *Blobstore) Uncensor(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.censored, key)
}

// Replace swaps the whole denylist.
func (b *Blobstore) Replace(censored map[string]string) {
	next := make(map[string]string, len(censored))
	for k, v := range censored {
		next[k] = v
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.censored = next
}

// Censored returns a copy of the denylist.
func (b *Blobstore) Censored() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.censored))
	for k, v := range b.censored {
		out[k] = v
	}
	return out
}

// Close closes the wrapped blobstore.
func (b *Blobstore) Close() error {
	return interfaces.CloseBlobstore(b.inner)
}
