package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/ruteri/blobrepo/config"
	"github.com/ruteri/blobrepo/interfaces"
	"github.com/ruteri/blobrepo/multiplex"
	"github.com/ruteri/blobrepo/sqlstore"
	"github.com/ruteri/blobrepo/syncqueue"
	"golang.org/x/sync/errgroup"
)

// DisabledReason is the failure reason of a blobstore disabled in configuration.
const DisabledReason = "Disabled by configuration"

// TelemetryFactory creates the telemetry collaborator for a named table.
type TelemetryFactory func(table string) (interfaces.Telemetry, error)

// Factory creates blobstores from configuration.
type Factory struct {
	log *slog.Logger

	// Telemetry is used for multiplexed blobstores naming a telemetry table.
	Telemetry TelemetryFactory
	// Multiplex tunes every multiplexed blobstore the factory creates.
	Multiplex multiplex.Options
	// Resolver resolves network blob tiers.
	Resolver *TierResolver
	// NetworkSecure enables TLS towards network blob endpoints.
	NetworkSecure bool
}

// NewFactory creates a factory with default settings.
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		log:      logger,
		Resolver: NewTierResolver(""),
	}
}

// MakeBlobstore creates the blobstore described by bc for repo.
// db selects where a multiplex keeps its sync queue; routingPort, if set,
// routes SQL connections through the local proxy.
func (f *Factory) MakeBlobstore(
	ctx context.Context,
	repo interfaces.RepositoryID,
	bc config.BlobConfig,
	db config.MetadataDBConfig,
	routingPort *uint16,
) (interfaces.Blobstore, error) {
	if err := config.ValidateBlobConfig(bc, false); err != nil {
		return nil, err
	}
	if mux, ok := bc.(config.Multiplexed); ok {
		return f.makeMultiplexed(ctx, repo, mux, db, routingPort)
	}
	return f.makeDriver(ctx, repo, bc, routingPort)
}

// makeDriver creates a single, non-multiplexed driver.
func (f *Factory) makeDriver(
	ctx context.Context,
	repo interfaces.RepositoryID,
	bc config.BlobConfig,
	routingPort *uint16,
) (interfaces.Blobstore, error) {
	switch cfg := bc.(type) {
	case config.Disabled:
		f.log.Debug("Creating disabled blobstore")
		return NewDisabledBlob(DisabledReason), nil

	case config.Files:
		path := filepath.Join(cfg.Path, "blobs")
		f.log.Debug("Creating file blobstore", slog.String("path", path))
		bs, err := NewFileBlob(path, f.log)
		if err != nil {
			return nil, interfaces.NewStateOpenError(interfaces.StateBlobstore, err)
		}
		return bs, nil

	case config.EmbeddedKV:
		path := filepath.Join(cfg.Path, "blobs")
		f.log.Debug("Creating embedded KV blobstore", slog.String("path", path))
		bs, err := NewKVBlob(path, f.log)
		if err != nil {
			return nil, interfaces.NewStateOpenError(interfaces.StateBlobstore, err)
		}
		return bs, nil

	case config.EmbeddedSQL:
		path := filepath.Join(cfg.Path, "blobs")
		f.log.Debug("Creating embedded SQL blobstore", slog.String("path", path))
		db, err := sqlstore.OpenSQLite(path)
		if err != nil {
			return nil, interfaces.NewStateOpenError(interfaces.StateBlobstore, err)
		}
		bs, err := NewSQLBlob(ctx, repo, sqlstore.NewShards(db), f.log)
		if err != nil {
			db.Close()
			return nil, interfaces.NewStateOpenError(interfaces.StateBlobstore, err)
		}
		return bs, nil

	case config.RemoteObjectStore:
		f.log.Debug("Creating remote object store blobstore",
			slog.String("bucket", cfg.Bucket),
			slog.String("prefix", cfg.Prefix))
		s3, err := NewS3Blob(S3Options{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		}, f.log)
		if err != nil {
			return nil, interfaces.NewStateOpenError(interfaces.StateBlobstore, err)
		}
		return NewPrefixBlob(s3, "flat/"+cfg.Prefix), nil

	case config.NetworkBlob:
		f.log.Debug("Creating network blobstore",
			slog.String("tier", cfg.Tier),
			slog.String("export", cfg.Export))
		endpoint, err := f.Resolver.Resolve(ctx, cfg.Tier)
		if err != nil {
			return nil, interfaces.NewStateOpenError(interfaces.StateBlobstore, err)
		}
		client, err := NewNetworkBlobClient(endpoint, f.NetworkSecure)
		if err != nil {
			return nil, interfaces.NewStateOpenError(interfaces.StateBlobstore, err)
		}
		return NewNetworkBlob(client, cfg.Export, cfg.BasePath, f.log), nil

	case config.ShardedSQL:
		f.log.Debug("Creating sharded SQL blobstore",
			slog.String("shard_map", cfg.ShardMap),
			slog.Int("shards", cfg.ShardCount),
			slog.Bool("routed", routingPort != nil))
		shards, err := sqlstore.OpenSharded(ctx, cfg.ShardMap, cfg.ShardCount, routingPort)
		if err != nil {
			return nil, interfaces.NewStateOpenError(interfaces.StateBlobstore, err)
		}
		bs, err := NewSQLBlob(ctx, repo, shards, f.log)
		if err != nil {
			shards.Close()
			return nil, interfaces.NewStateOpenError(interfaces.StateBlobstore, err)
		}
		return bs, nil

	case config.Multiplexed:
		return nil, interfaces.ConfigErrorf("nested multiplexed blobstores are not supported")

	default:
		return nil, interfaces.ConfigErrorf("unsupported blobstore config %T", bc)
	}
}

// OpenSyncQueue opens the sync queue for the metadata database profile.
func OpenSyncQueue(ctx context.Context, db config.MetadataDBConfig, routingPort *uint16, log *slog.Logger) (*syncqueue.SQLQueue, error) {
	switch cfg := db.(type) {
	case config.LocalDB:
		return syncqueue.OpenLocal(ctx, cfg.Path, log)
	case config.RemoteDB:
		return syncqueue.OpenRemote(ctx, cfg.Address, routingPort, log)
	default:
		return nil, interfaces.ConfigErrorf("unsupported metadata db config %T", db)
	}
}

// makeMultiplexed opens the sync queue, then every member concurrently. The
// first failure cancels the remaining opens and closes whatever was opened.
func (f *Factory) makeMultiplexed(
	ctx context.Context,
	repo interfaces.RepositoryID,
	cfg config.Multiplexed,
	db config.MetadataDBConfig,
	routingPort *uint16,
) (interfaces.Blobstore, error) {
	f.log.Debug("Creating multiplexed blobstore", slog.Int("members", len(cfg.Members)))

	queue, err := OpenSyncQueue(ctx, db, routingPort, f.log)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		members = make(map[interfaces.MemberID]interfaces.Blobstore, len(cfg.Members))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range cfg.MemberIDs() {
		memberCfg := cfg.Members[id]
		g.Go(func() error {
			bs, err := f.makeDriver(gctx, repo, memberCfg, routingPort)
			if err != nil {
				return fmt.Errorf("member %d: %w", id, err)
			}
			mu.Lock()
			members[id] = bs
			mu.Unlock()
			return nil
		})
	}
	closeAll := func() {
		for _, bs := range members {
			interfaces.CloseBlobstore(bs)
		}
		queue.Close()
	}
	if err := g.Wait(); err != nil {
		closeAll()
		return nil, err
	}

	var telemetry interfaces.Telemetry
	if cfg.TelemetryTable != nil && f.Telemetry != nil {
		telemetry, err = f.Telemetry(*cfg.TelemetryTable)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to create telemetry for %s: %w", *cfg.TelemetryTable, err)
		}
	}

	mux, err := multiplex.New(repo, members, queue, telemetry, f.Multiplex, f.log)
	if err != nil {
		closeAll()
		return nil, err
	}
	return mux, nil
}
