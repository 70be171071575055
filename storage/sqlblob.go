package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/blobrepo/interfaces"
	"github.com/ruteri/blobrepo/sqlstore"
)

// SQLBlob stores blobs in the blobs table of one or more SQL shards.
// A key always lives on the shard chosen by sqlstore.Shards.ShardFor.
type SQLBlob struct {
	repo   interfaces.RepositoryID
	shards *sqlstore.Shards
	log    *slog.Logger
}

func sqlBlobSchema(d sqlstore.Dialect) []string {
	return []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS blobs (
		repo_id INTEGER NOT NULL,
		blob_key %s NOT NULL,
		value %s NOT NULL,
		PRIMARY KEY (repo_id, blob_key)
	)`, d.KeyType(), d.ValueType())}
}

// NewSQLBlob creates the blobs table on every shard if needed.
func NewSQLBlob(ctx context.Context, repo interfaces.RepositoryID, shards *sqlstore.Shards, log *slog.Logger) (*SQLBlob, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := shards.EnsureSchema(ctx, sqlBlobSchema); err != nil {
		return nil, err
	}
	return &SQLBlob{repo: repo, shards: shards, log: log}, nil
}

func (b *SQLBlob) Get(ctx context.Context, key string) ([]byte, error) {
	db := b.shards.ShardFor(key)

	var value []byte
	err := db.QueryRowContext(ctx,
		"SELECT value FROM blobs WHERE repo_id = ? AND blob_key = ?",
		int32(b.repo), sqlstore.IndexKey(key),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob from %s: %w", db.Name, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (b *SQLBlob) Put(ctx context.Context, key string, value []byte) error {
	db := b.shards.ShardFor(key)
	if value == nil {
		value = []byte{}
	}

	_, err := db.ExecContext(ctx,
		"REPLACE INTO blobs (repo_id, blob_key, value) VALUES (?, ?, ?)",
		int32(b.repo), sqlstore.IndexKey(key), value,
	)
	if err != nil {
		return fmt.Errorf("failed to write blob to %s: %w", db.Name, err)
	}
	return nil
}

func (b *SQLBlob) IsPresent(ctx context.Context, key string) (bool, error) {
	db := b.shards.ShardFor(key)

	var one int
	err := db.QueryRowContext(ctx,
		"SELECT 1 FROM blobs WHERE repo_id = ? AND blob_key = ?",
		int32(b.repo), sqlstore.IndexKey(key),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check blob in %s: %w", db.Name, err)
	}
	return true, nil
}

// Close closes every shard.
func (b *SQLBlob) Close() error {
	return b.shards.Close()
}
