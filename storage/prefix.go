package storage

import (
	"context"

	"github.com/ruteri/blobrepo/interfaces"
)

// PrefixBlob prepends a fixed prefix to every key before delegating.
type PrefixBlob struct {
	inner  interfaces.Blobstore
	prefix string
}

// NewPrefixBlob wraps inner so that every key is stored as prefix+key.
func NewPrefixBlob(inner interfaces.Blobstore, prefix string) *PrefixBlob {
	return &PrefixBlob{inner: inner, prefix: prefix}
}

// NewRepoBlob scopes inner to a single repository.
func NewRepoBlob(inner interfaces.Blobstore, repo interfaces.RepositoryID) *PrefixBlob {
	return NewPrefixBlob(inner, repo.Prefix())
}

func (p *PrefixBlob) Get(ctx context.Context, key string) ([]byte, error) {
	return p.inner.Get(ctx, p.prefix+key)
}

func (p *PrefixBlob) Put(ctx context.Context, key string, value []byte) error {
	return p.inner.Put(ctx, p.prefix+key, value)
}

func (p *PrefixBlob) IsPresent(ctx context.Context, key string) (bool, error) {
	return p.inner.IsPresent(ctx, p.prefix+key)
}

// Prefix returns the prefix applied to every key.
func (p *PrefixBlob) Prefix() string {
	return p.prefix
}

// Close closes the wrapped blobstore.
func (p *PrefixBlob) Close() error {
	return interfaces.CloseBlobstore(p.inner)
}
