// Package metadata implements the SQL metadata stores of a repository:
// bookmarks, filenodes, changesets and the identifier mapping, together with
// the caching decorators the remote profile puts in front of them.
//
// Every store scopes its rows by repository id, so several repositories can
// share one database.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/blobrepo/interfaces"
	"github.com/ruteri/blobrepo/sqlstore"
)

// SQLBookmarks stores bookmarks in the bookmarks table.
type SQLBookmarks struct {
	db  *sqlstore.DB
	log *slog.Logger
}

func bookmarksSchema(d sqlstore.Dialect) []string {
	return []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS bookmarks (
		repo_id INTEGER NOT NULL,
		name %s NOT NULL,
		changeset_id %s NOT NULL,
		PRIMARY KEY (repo_id, name)
	)`, d.KeyType(), d.KeyType())}
}

// NewSQLBookmarks creates the bookmarks table if needed.
func NewSQLBookmarks(ctx context.Context, db *sqlstore.DB, log *slog.Logger) (*SQLBookmarks, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := db.EnsureSchema(ctx, bookmarksSchema(db.Dialect)...); err != nil {
		return nil, err
	}
	return &SQLBookmarks{db: db, log: log}, nil
}

func (b *SQLBookmarks) Get(ctx context.Context, repo interfaces.RepositoryID, name string) (interfaces.ChangesetID, bool, error) {
	var cs interfaces.ChangesetID
	err := b.db.QueryRowContext(ctx,
		"SELECT changeset_id FROM bookmarks WHERE repo_id = ? AND name = ?",
		int32(repo), []byte(name),
	).Scan(&cs)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.ChangesetID{}, false, nil
	}
	if err != nil {
		return interfaces.ChangesetID{}, false, fmt.Errorf("failed to read bookmark %q: %w", name, err)
	}
	return cs, true, nil
}

// List scans bookmarks in name order starting at prefix and stops at the
// first name outside it.
func (b *SQLBookmarks) List(ctx context.Context, repo interfaces.RepositoryID, prefix string) (map[string]interfaces.ChangesetID, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT name, changeset_id FROM bookmarks WHERE repo_id = ? AND name >= ? ORDER BY name",
		int32(repo), []byte(prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookmarks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]interfaces.ChangesetID)
	for rows.Next() {
		var (
			name []byte
			cs   interfaces.ChangesetID
		)
		if err := rows.Scan(&name, &cs); err != nil {
			return nil, fmt.Errorf("failed to scan bookmark: %w", err)
		}
		if !strings.HasPrefix(string(name), prefix) {
			break
		}
		out[string(name)] = cs
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list bookmarks: %w", err)
	}
	return out, nil
}

func (b *SQLBookmarks) Set(ctx context.Context, repo interfaces.RepositoryID, name string, cs interfaces.ChangesetID) error {
	_, err := b.db.ExecContext(ctx,
		"REPLACE INTO bookmarks (repo_id, name, changeset_id) VALUES (?, ?, ?)",
		int32(repo), []byte(name), cs.Bytes(),
	)
	if err != nil {
		return fmt.Errorf("failed to set bookmark %q: %w", name, err)
	}
	b.log.Debug("Bookmark moved",
		slog.String("repo", repo.String()),
		slog.String("name", name),
		slog.String("changeset", cs.String()))
	return nil
}

func (b *SQLBookmarks) Delete(ctx context.Context, repo interfaces.RepositoryID, name string) error {
	_, err := b.db.ExecContext(ctx,
		"DELETE FROM bookmarks WHERE repo_id = ? AND name = ?",
		int32(repo), []byte(name),
	)
	if err != nil {
		return fmt.Errorf("failed to delete bookmark %q: %w", name, err)
	}
	return nil
}

// Close closes the underlying database.
func (b *SQLBookmarks) Close() error {
	return b.db.Close()
}
