package syncqueue

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/ruteri/blobrepo/interfaces"
	"github.com/ruteri/blobrepo/sqlstore"
)

// TableName is the name of the sync queue table.
const TableName = "blobstore_sync_queue"

// deleteBatchSize bounds the number of placeholders in a single DELETE.
const deleteBatchSize = 500

// SQLQueue stores the sync queue in a SQL table.
type SQLQueue struct {
	db  *sqlstore.DB
	log *slog.Logger
}

func schema(d sqlstore.Dialect) []string {
	if d == sqlstore.MySQL {
		return []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s,
			repo_id INT NOT NULL,
			blobstore_id BIGINT NOT NULL,
			blobstore_key %s NOT NULL,
			add_timestamp BIGINT NOT NULL,
			operation VARCHAR(16) NOT NULL,
			KEY repo_oldest (repo_id, add_timestamp, id)
		)`, TableName, d.AutoIncrementPK(), d.LongKeyType())}
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s,
			repo_id INTEGER NOT NULL,
			blobstore_id BIGINT NOT NULL,
			blobstore_key %s NOT NULL,
			add_timestamp BIGINT NOT NULL,
			operation VARCHAR(16) NOT NULL
		)`, TableName, d.AutoIncrementPK(), d.LongKeyType()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_repo_oldest ON %s (repo_id, add_timestamp, id)`, TableName, TableName),
	}
}

// NewSQLQueue creates the queue table in db if needed.
func NewSQLQueue(ctx context.Context, db *sqlstore.DB, log *slog.Logger) (*SQLQueue, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := db.EnsureSchema(ctx, schema(db.Dialect)...); err != nil {
		return nil, err
	}
	return &SQLQueue{db: db, log: log}, nil
}

// OpenLocal opens the queue stored in SQLite under dir.
func OpenLocal(ctx context.Context, dir string, log *slog.Logger) (*SQLQueue, error) {
	db, err := sqlstore.OpenSQLite(filepath.Join(dir, TableName))
	if err != nil {
		return nil, interfaces.NewStateOpenError(interfaces.StateSyncQueue, err)
	}
	q, err := NewSQLQueue(ctx, db, log)
	if err != nil {
		db.Close()
		return nil, interfaces.NewStateOpenError(interfaces.StateSyncQueue, err)
	}
	return q, nil
}

// OpenRemote opens the queue stored in the remote database at address.
func OpenRemote(ctx context.Context, address string, routingPort *uint16, log *slog.Logger) (*SQLQueue, error) {
	db, err := sqlstore.OpenRemote(ctx, address, routingPort)
	if err != nil {
		return nil, interfaces.NewStateOpenError(interfaces.StateSyncQueue, err)
	}
	q, err := NewSQLQueue(ctx, db, log)
	if err != nil {
		db.Close()
		return nil, interfaces.NewStateOpenError(interfaces.StateSyncQueue, err)
	}
	return q, nil
}

const insertEntry = "INSERT INTO " + TableName +
	" (repo_id, blobstore_id, blobstore_key, add_timestamp, operation) VALUES (?, ?, ?, ?, ?)"

func entryArgs(e Entry) []any {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	op := e.Operation
	if op == "" {
		op = OpWrite
	}
	return []any{int32(e.RepoID), int64(e.MemberID), []byte(e.Key), ts.UnixNano(), string(op)}
}

func (q *SQLQueue) Add(ctx context.Context, entry Entry) error {
	if _, err := q.db.ExecContext(ctx, insertEntry, entryArgs(entry)...); err != nil {
		return fmt.Errorf("%w: failed to add entry: %w", interfaces.ErrQueue, err)
	}
	return nil
}

func (q *SQLQueue) AddMany(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if len(entries) == 1 {
		return q.Add(ctx, entries[0])
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", interfaces.ErrQueue, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertEntry)
	if err != nil {
		return fmt.Errorf("%w: failed to prepare insert: %w", interfaces.ErrQueue, err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, entryArgs(e)...); err != nil {
			return fmt.Errorf("%w: failed to add entry: %w", interfaces.ErrQueue, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit entries: %w", interfaces.ErrQueue, err)
	}
	return nil
}

func (q *SQLQueue) IterOldest(ctx context.Context, repo interfaces.RepositoryID, limit int) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT id, blobstore_id, blobstore_key, add_timestamp, operation FROM "+TableName+
			" WHERE repo_id = ? ORDER BY add_timestamp, id LIMIT ?",
		int32(repo), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read entries: %w", interfaces.ErrQueue, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e      Entry
			member int64
			key    []byte
			ts     int64
			op     string
		)
		if err := rows.Scan(&e.ID, &member, &key, &ts, &op); err != nil {
			return nil, fmt.Errorf("%w: failed to scan entry: %w", interfaces.ErrQueue, err)
		}
		e.RepoID = repo
		e.MemberID = interfaces.MemberID(member)
		e.Key = string(key)
		e.Timestamp = time.Unix(0, ts)
		e.Operation = Operation(op)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to read entries: %w", interfaces.ErrQueue, err)
	}
	return entries, nil
}

func (q *SQLQueue) Delete(ctx context.Context, repo interfaces.RepositoryID, ids []int64) error {
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(ids))
		batch := ids[start:end]

		args := make([]any, 0, len(batch)+1)
		args = append(args, int32(repo))
		for _, id := range batch {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(batch)), ", ")

		_, err := q.db.ExecContext(ctx,
			"DELETE FROM "+TableName+" WHERE repo_id = ? AND id IN ("+placeholders+")",
			args...,
		)
		if err != nil {
			return fmt.Errorf("%w: failed to delete entries: %w", interfaces.ErrQueue, err)
		}
	}
	return nil
}

func (q *SQLQueue) Len(ctx context.Context, repo interfaces.RepositoryID) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+TableName+" WHERE repo_id = ?", int32(repo),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count entries: %w", interfaces.ErrQueue, err)
	}
	return n, nil
}

func (q *SQLQueue) CountByMember(ctx context.Context, repo interfaces.RepositoryID) (map[interfaces.MemberID]int, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT blobstore_id, COUNT(*) FROM "+TableName+" WHERE repo_id = ? GROUP BY blobstore_id",
		int32(repo),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to count entries: %w", interfaces.ErrQueue, err)
	}
	defer rows.Close()

	counts := make(map[interfaces.MemberID]int)
	for rows.Next() {
		var member int64
		var n int
		if err := rows.Scan(&member, &n); err != nil {
			return nil, fmt.Errorf("%w: failed to scan count: %w", interfaces.ErrQueue, err)
		}
		counts[interfaces.MemberID(member)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to count entries: %w", interfaces.ErrQueue, err)
	}
	return counts, nil
}

// Close closes the underlying database.
func (q *SQLQueue) Close() error {
	return q.db.Close()
}
