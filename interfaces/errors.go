package interfaces

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrConfig is returned when the storage configuration cannot be turned
	// into a working store: missing paths or addresses, nested multiplexing,
	// unknown variants. Always fatal at construction time.
	ErrConfig = errors.New("storage configuration error")

	// ErrStateOpen is returned when a store failed to open.
	ErrStateOpen = errors.New("failed to open state")

	// ErrMissingCachePool is returned when a named cache pool is not registered.
	ErrMissingCachePool = errors.New("missing cache pool")

	// ErrDisabled is returned by every operation of a disabled blobstore.
	ErrDisabled = errors.New("blobstore disabled")

	// ErrCensored is returned when access to a key is blocked by policy.
	ErrCensored = errors.New("blob is censored")

	// ErrAllMembersFailed is returned when every member of a multiplexed
	// blobstore failed an operation.
	ErrAllMembersFailed = errors.New("all multiplexed blobstores failed")

	// ErrQueue is returned by sync queue operations that could not be persisted.
	ErrQueue = errors.New("sync queue error")
)

// StateKind names the store a StateOpenError refers to.
type StateKind string

const (
	StateBlobstore         StateKind = "blobstore"
	StateBookmarks         StateKind = "bookmarks"
	StateFilenodes         StateKind = "filenodes"
	StateChangesets        StateKind = "changesets"
	StateIdentifierMapping StateKind = "bonsai_hg_mapping"
	StateSyncQueue         StateKind = "blobstore_sync_queue"
)

// StateOpenError reports a store that could not be opened.
type StateOpenError struct {
	Kind StateKind
	Err  error
}

func (e *StateOpenError) Error() string {
	return fmt.Sprintf("failed to open %s: %v", e.Kind, e.Err)
}

func (e *StateOpenError) Unwrap() error {
	return e.Err
}

func (e *StateOpenError) Is(target error) bool {
	return target == ErrStateOpen
}

// NewStateOpenError tags err with the kind of store that failed to open.
func NewStateOpenError(kind StateKind, err error) error {
	if err == nil {
		return nil
	}
	return &StateOpenError{Kind: kind, Err: err}
}

// MissingCachePoolError names the cache pool that was not registered.
type MissingCachePoolError struct {
	Pool string
}

func (e *MissingCachePoolError) Error() string {
	return fmt.Sprintf("missing cache pool: %s", e.Pool)
}

func (e *MissingCachePoolError) Is(target error) bool {
	return target == ErrMissingCachePool || target == ErrConfig
}

// CensoredError carries the policy reason a key is blocked.
type CensoredError struct {
	Key    string
	Reason string
}

func (e *CensoredError) Error() string {
	return fmt.Sprintf("the blob %q is censored: %s", e.Key, e.Reason)
}

func (e *CensoredError) Is(target error) bool {
	return target == ErrCensored
}

// AllMembersFailedError aggregates per-member failures of a multiplexed operation.
type AllMembersFailedError struct {
	Op   string
	Key  string
	Errs *multierror.Error
}

func (e *AllMembersFailedError) Error() string {
	return fmt.Sprintf("multiplexed %s of %q: all blobstores failed: %v", e.Op, e.Key, e.Errs.ErrorOrNil())
}

func (e *AllMembersFailedError) Unwrap() error {
	return e.Errs.ErrorOrNil()
}

func (e *AllMembersFailedError) Is(target error) bool {
	return target == ErrAllMembersFailed
}

// ConfigErrorf formats a configuration error.
func ConfigErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
