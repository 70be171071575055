package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ruteri/blobrepo/interfaces"
	"gopkg.in/yaml.v3"
)

// RepoConfig is the on-disk configuration of one repository.
type RepoConfig struct {
	RepoID            interfaces.RepositoryID
	Storage           StorageConfig
	RoutingPort       *uint16
	BookmarksCacheTTL time.Duration
	Caches            CacheConfig
}

// CacheConfig sizes the process-local pools and points at the shared cache.
type CacheConfig struct {
	// Pools maps pool names to their capacity in bytes.
	Pools map[string]int `yaml:"pools"`
	Redis *RedisConfig   `yaml:"redis"`
}

// RedisConfig addresses the distributed cache.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type rawRepoConfig struct {
	RepoID            int32         `yaml:"repo_id"`
	RoutingPort       *uint16       `yaml:"routing_port"`
	BookmarksCacheTTL time.Duration `yaml:"bookmarks_cache_ttl"`
	Caches            CacheConfig   `yaml:"caches"`
	Storage           struct {
		Blobstore *rawBlobConfig `yaml:"blobstore"`
		DBConfig  *rawDBConfig   `yaml:"dbconfig"`
	} `yaml:"storage"`
}

type rawBlobConfig struct {
	Type           string      `yaml:"type"`
	Path           string      `yaml:"path"`
	Bucket         string      `yaml:"bucket"`
	Prefix         string      `yaml:"prefix"`
	Region         string      `yaml:"region"`
	Endpoint       string      `yaml:"endpoint"`
	Tier           string      `yaml:"tier"`
	Export         string      `yaml:"export"`
	BasePath       string      `yaml:"basepath"`
	ShardMap       string      `yaml:"shard_map"`
	ShardCount     int         `yaml:"shard_count"`
	TelemetryTable *string     `yaml:"telemetry_table"`
	Members        []rawMember `yaml:"members"`
}

type rawMember struct {
	ID            int64 `yaml:"id"`
	rawBlobConfig `yaml:",inline"`
}

type rawDBConfig struct {
	Type             string `yaml:"type"`
	Path             string `yaml:"path"`
	Address          string `yaml:"address"`
	ShardedFilenodes *struct {
		ShardMap   string `yaml:"shard_map"`
		ShardCount int    `yaml:"shard_count"`
	} `yaml:"sharded_filenodes"`
}

// Load reads and validates a repository configuration file.
func Load(path string) (*RepoConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML repository configuration.
func Parse(data []byte) (*RepoConfig, error) {
	var raw rawRepoConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrConfig, err)
	}
	if raw.Storage.Blobstore == nil {
		return nil, interfaces.ConfigErrorf("storage.blobstore is missing")
	}
	if raw.Storage.DBConfig == nil {
		return nil, interfaces.ConfigErrorf("storage.dbconfig is missing")
	}

	blob, err := raw.Storage.Blobstore.toBlobConfig()
	if err != nil {
		return nil, err
	}
	db, err := raw.Storage.DBConfig.toDBConfig()
	if err != nil {
		return nil, err
	}

	cfg := &RepoConfig{
		RepoID:            interfaces.RepositoryID(raw.RepoID),
		Storage:           StorageConfig{Blobstore: blob, DBConfig: db},
		RoutingPort:       raw.RoutingPort,
		BookmarksCacheTTL: raw.BookmarksCacheTTL,
		Caches:            raw.Caches,
	}
	if err := cfg.Storage.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (r *rawBlobConfig) toBlobConfig() (BlobConfig, error) {
	switch r.Type {
	case "disabled":
		return Disabled{}, nil
	case "files":
		return Files{Path: r.Path}, nil
	case "embedded_kv":
		return EmbeddedKV{Path: r.Path}, nil
	case "embedded_sql":
		return EmbeddedSQL{Path: r.Path}, nil
	case "remote_object_store":
		return RemoteObjectStore{Bucket: r.Bucket, Prefix: r.Prefix, Region: r.Region, Endpoint: r.Endpoint}, nil
	case "network_blob":
		return NetworkBlob{Tier: r.Tier, Export: r.Export, BasePath: r.BasePath}, nil
	case "sharded_sql":
		return ShardedSQL{ShardMap: r.ShardMap, ShardCount: r.ShardCount}, nil
	case "multiplexed":
		members := make(map[interfaces.MemberID]BlobConfig, len(r.Members))
		for _, m := range r.Members {
			id := interfaces.MemberID(m.ID)
			if _, dup := members[id]; dup {
				return nil, interfaces.ConfigErrorf("duplicate multiplexed member id %d", m.ID)
			}
			member, err := m.rawBlobConfig.toBlobConfig()
			if err != nil {
				return nil, fmt.Errorf("member %d: %w", m.ID, err)
			}
			members[id] = member
		}
		return Multiplexed{TelemetryTable: r.TelemetryTable, Members: members}, nil
	case "":
		return nil, interfaces.ConfigErrorf("blobstore type is not specified")
	default:
		return nil, interfaces.ConfigErrorf("unknown blobstore type %q", r.Type)
	}
}

func (r *rawDBConfig) toDBConfig() (MetadataDBConfig, error) {
	switch r.Type {
	case "local":
		return LocalDB{Path: r.Path}, nil
	case "remote":
		db := RemoteDB{Address: r.Address}
		if r.ShardedFilenodes != nil {
			db.ShardedFilenodes = &ShardedFilenodesParams{
				ShardMap:   r.ShardedFilenodes.ShardMap,
				ShardCount: r.ShardedFilenodes.ShardCount,
			}
		}
		return db, nil
	default:
		return nil, interfaces.ConfigErrorf("unknown dbconfig type %q", r.Type)
	}
}
