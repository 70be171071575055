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

var (
	// ErrMissingParent is returned when a changeset is added before one of its parents.
	ErrMissingParent = errors.New("changeset parent is missing")

	// ErrConflict is returned when an insert contradicts an existing record.
	ErrConflict = errors.New("conflicting metadata record")

	// ErrChangesetNotFound is returned by fetchers asked about an unknown changeset.
	ErrChangesetNotFound = errors.New("changeset not found")
)

// SQLChangesets stores the changeset graph with precomputed generation numbers.
type SQLChangesets struct {
	db  *sqlstore.DB
	log *slog.Logger
}

func changesetsSchema(d sqlstore.Dialect) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS changesets (
			repo_id INTEGER NOT NULL,
			cs_id %s NOT NULL,
			gen BIGINT NOT NULL,
			PRIMARY KEY (repo_id, cs_id)
		)`, d.KeyType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS csparents (
			repo_id INTEGER NOT NULL,
			cs_id %s NOT NULL,
			parent_id %s NOT NULL,
			seq INTEGER NOT NULL,
			PRIMARY KEY (repo_id, cs_id, seq)
		)`, d.KeyType(), d.KeyType()),
	}
}

// NewSQLChangesets creates the changeset tables if needed.
func NewSQLChangesets(ctx context.Context, db *sqlstore.DB, log *slog.Logger) (*SQLChangesets, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := db.EnsureSchema(ctx, changesetsSchema(db.Dialect)...); err != nil {
		return nil, err
	}
	return &SQLChangesets{db: db, log: log}, nil
}

// Add records cs with generation 1 + the highest parent generation. Adding a
// changeset again with the same parents is a no-op.
func (c *SQLChangesets) Add(ctx context.Context, cs interfaces.ChangesetInsert) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := getChangeset(ctx, tx, cs.Repo, cs.CsID)
	if err != nil {
		return err
	}
	if existing != nil {
		if !sameParents(existing.Parents, cs.Parents) {
			return fmt.Errorf("%w: changeset %s already exists with different parents", ErrConflict, cs.CsID)
		}
		return nil
	}

	var gen uint64
	for _, p := range cs.Parents {
		var pgen uint64
		err := tx.QueryRowContext(ctx,
			"SELECT gen FROM changesets WHERE repo_id = ? AND cs_id = ?",
			int32(cs.Repo), p.Bytes(),
		).Scan(&pgen)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s (parent of %s)", ErrMissingParent, p, cs.CsID)
		}
		if err != nil {
			return fmt.Errorf("failed to read parent %s: %w", p, err)
		}
		gen = max(gen, pgen)
	}
	gen++

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO changesets (repo_id, cs_id, gen) VALUES (?, ?, ?)",
		int32(cs.Repo), cs.CsID.Bytes(), int64(gen),
	); err != nil {
		return fmt.Errorf("failed to insert changeset %s: %w", cs.CsID, err)
	}
	for i, p := range cs.Parents {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO csparents (repo_id, cs_id, parent_id, seq) VALUES (?, ?, ?, ?)",
			int32(cs.Repo), cs.CsID.Bytes(), p.Bytes(), i,
		); err != nil {
			return fmt.Errorf("failed to insert parent of %s: %w", cs.CsID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit changeset %s: %w", cs.CsID, err)
	}
	return nil
}

func (c *SQLChangesets) Get(ctx context.Context, repo interfaces.RepositoryID, cs interfaces.ChangesetID) (*interfaces.ChangesetEntry, error) {
	return getChangeset(ctx, c.db, repo, cs)
}

// Close closes the underlying database.
func (c *SQLChangesets) Close() error {
	return c.db.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getChangeset(ctx context.Context, q querier, repo interfaces.RepositoryID, cs interfaces.ChangesetID) (*interfaces.ChangesetEntry, error) {
	var gen uint64
	err := q.QueryRowContext(ctx,
		"SELECT gen FROM changesets WHERE repo_id = ? AND cs_id = ?",
		int32(repo), cs.Bytes(),
	).Scan(&gen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read changeset %s: %w", cs, err)
	}

	rows, err := q.QueryContext(ctx,
		"SELECT parent_id FROM csparents WHERE repo_id = ? AND cs_id = ? ORDER BY seq",
		int32(repo), cs.Bytes(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read parents of %s: %w", cs, err)
	}
	defer rows.Close()

	entry := &interfaces.ChangesetEntry{Repo: repo, CsID: cs, Gen: gen, Parents: []interfaces.ChangesetID{}}
	for rows.Next() {
		var p interfaces.ChangesetID
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan parent of %s: %w", cs, err)
		}
		entry.Parents = append(entry.Parents, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read parents of %s: %w", cs, err)
	}
	return entry, nil
}

func sameParents(a, b []interfaces.ChangesetID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
