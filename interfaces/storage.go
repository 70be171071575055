package interfaces

import (
	"context"
	"io"
	"time"
)

// Blobstore stores opaque values under opaque keys.
//
// Get returns (nil, nil) when the key is absent. Implementations must be safe
// for concurrent use; puts overwrite, so replaying a put is harmless.
type Blobstore interface {
	// Get retrieves the value stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key.
	Put(ctx context.Context, key string, value []byte) error

	// IsPresent reports whether key has a value without fetching it.
	IsPresent(ctx context.Context, key string) (bool, error)
}

// CloseBlobstore closes bs if it holds resources.
func CloseBlobstore(bs Blobstore) error {
	if c, ok := bs.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Operation names a blobstore operation in telemetry and queue rows.
type Operation string

const (
	OpGet       Operation = "get"
	OpPut       Operation = "put"
	OpIsPresent Operation = "is_present"
)

// MemberOutcome is one member's result for a multiplexed operation.
type MemberOutcome struct {
	Repo    RepositoryID
	Member  MemberID
	Key     string
	Op      Operation
	Err     error
	Latency time.Duration
	// Size is the number of bytes read or written, zero on failure or absence.
	Size int
}

// Telemetry receives per-member outcomes. Record must not block.
type Telemetry interface {
	Record(outcome MemberOutcome)
}
