package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/blobrepo/interfaces"
	"github.com/ruteri/blobrepo/sqlstore"
)

// SQLFilenodes stores filenodes across one or more shards, sharded by path so
// every revision of a file lives on the same shard.
type SQLFilenodes struct {
	shards *sqlstore.Shards
	log    *slog.Logger
}

func filenodesSchema(d sqlstore.Dialect) []string {
	return []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS filenodes (
		repo_id INTEGER NOT NULL,
		path %s NOT NULL,
		filenode %s NOT NULL,
		p1 %s NULL,
		p2 %s NULL,
		linknode %s NOT NULL,
		PRIMARY KEY (repo_id, path, filenode)
	)`, d.KeyType(), d.KeyType(), d.KeyType(), d.KeyType(), d.KeyType())}
}

// NewSQLFilenodes creates the filenodes table on every shard if needed.
func NewSQLFilenodes(ctx context.Context, shards *sqlstore.Shards, log *slog.Logger) (*SQLFilenodes, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := shards.EnsureSchema(ctx, filenodesSchema); err != nil {
		return nil, err
	}
	return &SQLFilenodes{shards: shards, log: log}, nil
}

// Add inserts infos. Filenodes are immutable, so re-adding one is a no-op.
func (f *SQLFilenodes) Add(ctx context.Context, repo interfaces.RepositoryID, infos []interfaces.FilenodeInfo) error {
	for _, info := range infos {
		db := f.shards.ShardFor(info.Path)
		_, err := db.ExecContext(ctx,
			"REPLACE INTO filenodes (repo_id, path, filenode, p1, p2, linknode) VALUES (?, ?, ?, ?, ?, ?)",
			int32(repo), []byte(info.Path), info.Filenode[:], optionalArg(info.P1), optionalArg(info.P2), info.Linknode[:],
		)
		if err != nil {
			return fmt.Errorf("failed to add filenode %s of %q: %w", info.Filenode, info.Path, err)
		}
	}
	return nil
}

func (f *SQLFilenodes) Get(ctx context.Context, repo interfaces.RepositoryID, path string, filenode interfaces.HgNodeHash) (*interfaces.FilenodeInfo, error) {
	db := f.shards.ShardFor(path)

	var (
		p1, p2   []byte
		linknode interfaces.HgChangesetID
	)
	err := db.QueryRowContext(ctx,
		"SELECT p1, p2, linknode FROM filenodes WHERE repo_id = ? AND path = ? AND filenode = ?",
		int32(repo), []byte(path), filenode[:],
	).Scan(&p1, &p2, &linknode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read filenode %s of %q: %w", filenode, path, err)
	}

	info := &interfaces.FilenodeInfo{Path: path, Filenode: filenode, Linknode: linknode}
	if info.P1, err = optionalHash(p1); err != nil {
		return nil, err
	}
	if info.P2, err = optionalHash(p2); err != nil {
		return nil, err
	}
	return info, nil
}

// Close closes every shard.
func (f *SQLFilenodes) Close() error {
	return f.shards.Close()
}

func optionalHash(raw []byte) (*interfaces.HgNodeHash, error) {
	if raw == nil {
		return nil, nil
	}
	h, err := interfaces.NewHgNodeHashFromBytes(raw)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// optionalArg binds a nullable hash as raw bytes or NULL.
func optionalArg(h *interfaces.HgNodeHash) any {
	if h == nil {
		return nil
	}
	return h[:]
}
