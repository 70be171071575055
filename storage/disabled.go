package storage

import (
	"context"
	"fmt"

	"github.com/ruteri/blobrepo/interfaces"
)

// DisabledBlob fails every operation. It stands in for a blobstore that was
// switched off in configuration.
type DisabledBlob struct {
	reason string
}

// NewDisabledBlob creates a blobstore whose operations all fail with reason.
func NewDisabledBlob(reason string) *DisabledBlob {
	return &DisabledBlob{reason: reason}
}

func (d *DisabledBlob) err() error {
	return fmt.Errorf("%w: %w: %s", interfaces.ErrDisabled, interfaces.ErrConfig, d.reason)
}

func (d *DisabledBlob) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, d.err()
}

func (d *DisabledBlob) Put(ctx context.Context, key string, value []byte) error {
	return d.err()
}

func (d *DisabledBlob) IsPresent(ctx context.Context, key string) (bool, error) {
	return false, d.err()
}
