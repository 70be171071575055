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

// SQLMapping stores the bonsai to hg identifier mapping. Each identifier maps
// to exactly one counterpart per repository.
type SQLMapping struct {
	db  *sqlstore.DB
	log *slog.Logger
}

func mappingSchema(d sqlstore.Dialect) []string {
	return []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS bonsai_hg_mapping (
		repo_id INTEGER NOT NULL,
		hg_cs_id %s NOT NULL,
		bcs_id %s NOT NULL,
		PRIMARY KEY (repo_id, hg_cs_id),
		UNIQUE (repo_id, bcs_id)
	)`, d.KeyType(), d.KeyType())}
}

// NewSQLMapping creates the mapping table if needed.
func NewSQLMapping(ctx context.Context, db *sqlstore.DB, log *slog.Logger) (*SQLMapping, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := db.EnsureSchema(ctx, mappingSchema(db.Dialect)...); err != nil {
		return nil, err
	}
	return &SQLMapping{db: db, log: log}, nil
}

// Add inserts entry. Re-adding an identical entry succeeds; an entry sharing
// only one side with an existing one fails with ErrConflict.
func (m *SQLMapping) Add(ctx context.Context, entry interfaces.MappingEntry) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, existing := range []func() (*interfaces.MappingEntry, error){
		func() (*interfaces.MappingEntry, error) { return getMapping(ctx, tx, entry.Repo, "hg_cs_id", entry.HgID[:]) },
		func() (*interfaces.MappingEntry, error) { return getMapping(ctx, tx, entry.Repo, "bcs_id", entry.BonsaiID[:]) },
	} {
		found, err := existing()
		if err != nil {
			return err
		}
		if found == nil {
			continue
		}
		if *found == entry {
			return nil
		}
		return fmt.Errorf("%w: %s <-> %s conflicts with %s <-> %s",
			ErrConflict, entry.BonsaiID, entry.HgID, found.BonsaiID, found.HgID)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO bonsai_hg_mapping (repo_id, hg_cs_id, bcs_id) VALUES (?, ?, ?)",
		int32(entry.Repo), entry.HgID[:], entry.BonsaiID[:],
	); err != nil {
		return fmt.Errorf("failed to insert mapping for %s: %w", entry.BonsaiID, err)
	}
	return tx.Commit()
}

func (m *SQLMapping) GetByBonsai(ctx context.Context, repo interfaces.RepositoryID, id interfaces.ChangesetID) (*interfaces.MappingEntry, error) {
	return getMapping(ctx, m.db, repo, "bcs_id", id[:])
}

func (m *SQLMapping) GetByHg(ctx context.Context, repo interfaces.RepositoryID, id interfaces.HgChangesetID) (*interfaces.MappingEntry, error) {
	return getMapping(ctx, m.db, repo, "hg_cs_id", id[:])
}

// Close closes the underlying database.
func (m *SQLMapping) Close() error {
	return m.db.Close()
}

// getMapping looks an entry up by column, which is one of the two id columns.
func getMapping(ctx context.Context, q querier, repo interfaces.RepositoryID, column string, id []byte) (*interfaces.MappingEntry, error) {
	entry := &interfaces.MappingEntry{Repo: repo}
	err := q.QueryRowContext(ctx,
		"SELECT hg_cs_id, bcs_id FROM bonsai_hg_mapping WHERE repo_id = ? AND "+column+" = ?",
		int32(repo), id,
	).Scan(&entry.HgID, &entry.BonsaiID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping: %w", err)
	}
	return entry, nil
}
