// Package syncqueue persists the repair work of a multiplexed blobstore.
//
// Every entry records that one member of a multiplex may be missing one key.
// Entries are written when a member fails or is too slow to acknowledge a put,
// and when a read shows a member lacking a key its peers have. The healer
// drains entries oldest first and deletes them once the member holds the key.
//
// All queries are scoped by repository so that many repositories can share
// one queue table.
package syncqueue

import (
	"context"
	"time"

	"github.com/ruteri/blobrepo/interfaces"
)

// Operation is the kind of repair an entry asks for.
type Operation string

// OpWrite asks for the key to be copied to the member.
const OpWrite Operation = "write"

// Entry is one row of the sync queue.
type Entry struct {
	// ID is assigned by the queue on insert.
	ID        int64
	RepoID    interfaces.RepositoryID
	MemberID  interfaces.MemberID
	Key       string
	Timestamp time.Time
	Operation Operation
}

// Queue is durable storage for repair entries.
type Queue interface {
	// Add persists one entry.
	Add(ctx context.Context, entry Entry) error

	// AddMany persists entries atomically.
	AddMany(ctx context.Context, entries []Entry) error

	// IterOldest returns up to limit entries of repo, oldest first.
	IterOldest(ctx context.Context, repo interfaces.RepositoryID, limit int) ([]Entry, error)

	// Delete removes the entries with the given ids from repo.
	Delete(ctx context.Context, repo interfaces.RepositoryID, ids []int64) error

	// Len counts the entries of repo.
	Len(ctx context.Context, repo interfaces.RepositoryID) (int, error)

	// CountByMember counts the entries of repo per member.
	CountByMember(ctx context.Context, repo interfaces.RepositoryID) (map[interfaces.MemberID]int, error)
}
