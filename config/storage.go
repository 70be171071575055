// Package config defines the declarative storage configuration of a
// repository: which blobstore drivers to use and where its metadata lives.
//
// BlobConfig and MetadataDBConfig are sum types. Each variant is a struct
// implementing the sealed interface; consumers switch on the concrete type.
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ruteri/blobrepo/interfaces"
)

// BlobConfig describes one storage backend.
type BlobConfig interface {
	isBlobConfig()
	// Kind returns the variant name used in configuration files.
	Kind() string
}

// Disabled fails every operation.
type Disabled struct{}

// Files stores blobs as files under Path/blobs.
type Files struct {
	Path string
}

// EmbeddedKV stores blobs in an embedded ordered key-value store under Path/blobs.
type EmbeddedKV struct {
	Path string
}

// EmbeddedSQL stores blobs in a single-node SQL database at Path/blobs.
type EmbeddedSQL struct {
	Path string
}

// RemoteObjectStore stores blobs in a bucket of an S3-compatible object store.
type RemoteObjectStore struct {
	Bucket string
	Prefix string
	// Region and Endpoint are optional; Endpoint selects an S3-compatible service.
	Region   string
	Endpoint string
}

// NetworkBlob stores blobs on a network-attached blob service.
// Tier is either host:port or a service name resolved through DNS SRV.
type NetworkBlob struct {
	Tier     string
	Export   string
	BasePath string
}

// ShardedSQL stores blobs across ShardCount SQL shards.
type ShardedSQL struct {
	ShardMap   string
	ShardCount int
}

// Multiplexed writes to every member and repairs them through a sync queue.
type Multiplexed struct {
	TelemetryTable *string
	Members        map[interfaces.MemberID]BlobConfig
}

func (Disabled) isBlobConfig()          {}
func (Files) isBlobConfig()             {}
func (EmbeddedKV) isBlobConfig()        {}
func (EmbeddedSQL) isBlobConfig()       {}
func (RemoteObjectStore) isBlobConfig() {}
func (NetworkBlob) isBlobConfig()       {}
func (ShardedSQL) isBlobConfig()        {}
func (Multiplexed) isBlobConfig()       {}

func (Disabled) Kind() string          { return "disabled" }
func (Files) Kind() string             { return "files" }
func (EmbeddedKV) Kind() string        { return "embedded_kv" }
func (EmbeddedSQL) Kind() string       { return "embedded_sql" }
func (RemoteObjectStore) Kind() string { return "remote_object_store" }
func (NetworkBlob) Kind() string       { return "network_blob" }
func (ShardedSQL) Kind() string        { return "sharded_sql" }
func (Multiplexed) Kind() string       { return "multiplexed" }

// MemberIDs returns the member ids in ascending order.
func (m Multiplexed) MemberIDs() []interfaces.MemberID {
	ids := make([]interfaces.MemberID, 0, len(m.Members))
	for id := range m.Members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ShardedFilenodesParams shards the filenodes table across several databases.
type ShardedFilenodesParams struct {
	ShardMap   string
	ShardCount int
}

// MetadataDBConfig selects the provisioning profile of every metadata store.
type MetadataDBConfig interface {
	isMetadataDBConfig()
	// IsLocal reports whether this is the local (test / single node) profile.
	IsLocal() bool
}

// LocalDB keeps metadata in SQLite databases under Path.
type LocalDB struct {
	Path string
}

// RemoteDB keeps metadata in a remote SQL database.
type RemoteDB struct {
	Address          string
	ShardedFilenodes *ShardedFilenodesParams
}

func (LocalDB) isMetadataDBConfig()  {}
func (RemoteDB) isMetadataDBConfig() {}

func (LocalDB) IsLocal() bool  { return true }
func (RemoteDB) IsLocal() bool { return false }

// StorageConfig is the full storage configuration of a repository.
type StorageConfig struct {
	Blobstore BlobConfig
	DBConfig  MetadataDBConfig
}

// Validate checks the configuration for errors that would make construction
// impossible. It does not touch any storage.
func (c StorageConfig) Validate() error {
	if c.Blobstore == nil {
		return interfaces.ConfigErrorf("blobstore is not configured")
	}
	if c.DBConfig == nil {
		return interfaces.ConfigErrorf("metadata database is not configured")
	}
	switch db := c.DBConfig.(type) {
	case LocalDB:
		if db.Path == "" {
			return interfaces.ConfigErrorf("local db path is not specified")
		}
	case RemoteDB:
		if db.Address == "" {
			return interfaces.ConfigErrorf("remote db address is not specified")
		}
		if db.ShardedFilenodes != nil && db.ShardedFilenodes.ShardCount <= 0 {
			return interfaces.ConfigErrorf("sharded filenodes need a positive shard count")
		}
	default:
		return interfaces.ConfigErrorf("unknown metadata db config %T", c.DBConfig)
	}
	return ValidateBlobConfig(c.Blobstore, false)
}

// ValidateBlobConfig checks a single blobstore configuration. nested is true
// for members of a multiplexed blobstore.
func ValidateBlobConfig(bc BlobConfig, nested bool) error {
	switch cfg := bc.(type) {
	case Disabled:
		return nil
	case Files:
		return requirePath(cfg.Kind(), cfg.Path)
	case EmbeddedKV:
		return requirePath(cfg.Kind(), cfg.Path)
	case EmbeddedSQL:
		return requirePath(cfg.Kind(), cfg.Path)
	case RemoteObjectStore:
		if cfg.Bucket == "" {
			return interfaces.ConfigErrorf("remote object store bucket is not specified")
		}
		return nil
	case NetworkBlob:
		if cfg.Tier == "" || cfg.Export == "" {
			return interfaces.ConfigErrorf("network blob needs a tier and an export")
		}
		return nil
	case ShardedSQL:
		if cfg.ShardMap == "" {
			return interfaces.ConfigErrorf("sharded sql shard map is not specified")
		}
		if cfg.ShardCount <= 0 {
			return interfaces.ConfigErrorf("sharded sql needs a positive shard count")
		}
		return nil
	case Multiplexed:
		if nested {
			return interfaces.ConfigErrorf("nested multiplexed blobstores are not supported")
		}
		if len(cfg.Members) == 0 {
			return interfaces.ConfigErrorf("multiplexed blobstore has no members")
		}
		for _, id := range cfg.MemberIDs() {
			if err := ValidateBlobConfig(cfg.Members[id], true); err != nil {
				return fmt.Errorf("member %d: %w", id, err)
			}
		}
		return nil
	default:
		return interfaces.ConfigErrorf("unknown blobstore config %T", bc)
	}
}

func requirePath(kind, path string) error {
	if strings.TrimSpace(path) == "" {
		return interfaces.ConfigErrorf("%s path is not specified", kind)
	}
	return nil
}
