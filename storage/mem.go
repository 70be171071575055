package storage

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
)

// MemBlob keeps blobs in memory. Values are copied on the way in and out.
type MemBlob struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemBlob creates an empty in-memory blobstore.
func NewMemBlob() *MemBlob {
	return &MemBlob{blobs: make(map[string][]byte)}
}

func (m *MemBlob) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.blobs[key]
	if !ok {
		return nil, nil
	}
	return bytes.Clone(v), nil
}

func (m *MemBlob) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte{}, value...)
	return nil
}

func (m *MemBlob) IsPresent(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[key]
	return ok, nil
}

// Keys returns the stored keys with the given prefix in sorted order.
func (m *MemBlob) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.blobs))
	for k := range m.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
