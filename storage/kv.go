package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/cockroachdb/pebble"
)

// KVBlob stores blobs in an embedded pebble database.
type KVBlob struct {
	db   *pebble.DB
	path string
	log  *slog.Logger
}

// NewKVBlob opens the database at path, creating it if it does not exist.
func NewKVBlob(path string, log *slog.Logger) (*KVBlob, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	log.Debug("Opened embedded KV blobstore", slog.String("path", path))
	return &KVBlob{db: db, path: path, log: log}, nil
}

func (b *KVBlob) Get(ctx context.Context, key string) ([]byte, error) {
	value, closer, err := b.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from pebble: %w", err)
	}
	defer closer.Close()

	// value is only valid until closer is closed.
	return append([]byte{}, value...), nil
}

func (b *KVBlob) Put(ctx context.Context, key string, value []byte) error {
	if err := b.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write to pebble: %w", err)
	}
	return nil
}

func (b *KVBlob) IsPresent(ctx context.Context, key string) (bool, error) {
	_, closer, err := b.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read from pebble: %w", err)
	}
	closer.Close()
	return true, nil
}

// Close flushes and closes the database.
func (b *KVBlob) Close() error {
	return b.db.Close()
}
