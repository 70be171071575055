package interfaces

import (
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// RepositoryID identifies a repository. It scopes blob keys, cache namespaces
// and sync queue rows so repositories can share infrastructure.
type RepositoryID int32

// String returns the canonical repository name used in keys.
func (r RepositoryID) String() string {
	return fmt.Sprintf("repo%04d", int32(r))
}

// Prefix returns the key prefix that scopes blobs to this repository.
func (r RepositoryID) Prefix() string {
	return r.String() + "."
}

// MemberID identifies one member of a multiplexed blobstore.
type MemberID int64

func (m MemberID) String() string {
	return fmt.Sprintf("member-%d", int64(m))
}

// ChangesetID is the 32-byte canonical identifier of a changeset.
type ChangesetID [32]byte

// NewChangesetIDFromBytes creates a changeset ID from a 32-byte slice.
func NewChangesetIDFromBytes(source []byte) (ChangesetID, error) {
	if len(source) != 32 {
		return ChangesetID{}, errors.New("invalid ChangesetID conversion from bytes: incorrect length")
	}

	var id ChangesetID
	copy(id[:], source)
	return id, nil
}

// NewChangesetIDFromHex parses a 64-character hex string.
func NewChangesetIDFromHex(source string) (ChangesetID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ChangesetID{}, errors.New("invalid changeset ID length: hex string must be 64 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return ChangesetID{}, fmt.Errorf("invalid hex format: %w", err)
	}
	return NewChangesetIDFromBytes(raw)
}

// ComputeChangesetID derives a changeset ID from serialized changeset content.
func ComputeChangesetID(data []byte) ChangesetID {
	return ChangesetID(blake2b.Sum256(data))
}

func (id ChangesetID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 32-byte identifier.
func (id ChangesetID) Bytes() []byte {
	return id[:]
}

// Value implements driver.Valuer.
func (id ChangesetID) Value() (driver.Value, error) {
	return id[:], nil
}

// Scan implements sql.Scanner.
func (id *ChangesetID) Scan(src any) error {
	raw, err := scanBinary(src)
	if err != nil {
		return err
	}
	parsed, err := NewChangesetIDFromBytes(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// HgNodeHash is a 20-byte legacy node hash (filenodes, manifests, changesets).
type HgNodeHash [20]byte

// NewHgNodeHashFromBytes creates a node hash from a 20-byte slice.
func NewHgNodeHashFromBytes(source []byte) (HgNodeHash, error) {
	if len(source) != 20 {
		return HgNodeHash{}, errors.New("invalid HgNodeHash conversion from bytes: incorrect length")
	}

	var h HgNodeHash
	copy(h[:], source)
	return h, nil
}

// NewHgNodeHashFromHex parses a 40-character hex string.
func NewHgNodeHashFromHex(source string) (HgNodeHash, error) {
	if len(source) != 40 {
		return HgNodeHash{}, errors.New("invalid node hash length: hex string must be 40 characters")
	}
	raw, err := hex.DecodeString(source)
	if err != nil {
		return HgNodeHash{}, fmt.Errorf("invalid hex format: %w", err)
	}
	return NewHgNodeHashFromBytes(raw)
}

func (h HgNodeHash) String() string {
	return hex.EncodeToString(h[:])
}

// Value implements driver.Valuer.
func (h HgNodeHash) Value() (driver.Value, error) {
	return h[:], nil
}

// Scan implements sql.Scanner.
func (h *HgNodeHash) Scan(src any) error {
	raw, err := scanBinary(src)
	if err != nil {
		return err
	}
	parsed, err := NewHgNodeHashFromBytes(raw)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HgChangesetID is the legacy identifier of a changeset.
type HgChangesetID = HgNodeHash

func scanBinary(src any) ([]byte, error) {
	switch v := src.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case nil:
		return nil, errors.New("cannot scan NULL into identifier")
	default:
		return nil, fmt.Errorf("cannot scan %T into identifier", src)
	}
}
