package sqlstore

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/go-sql-driver/mysql"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Shards is a fixed set of databases with stable key routing.
type Shards struct {
	dbs []*DB
}

// NewShards groups already open databases. The order defines shard numbers.
func NewShards(dbs ...*DB) *Shards {
	return &Shards{dbs: dbs}
}

// ShardFor returns the database responsible for key.
func (s *Shards) ShardFor(key string) *DB {
	return s.dbs[s.Index(key)]
}

// Index returns the shard number responsible for key.
func (s *Shards) Index(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(s.dbs)))
}

// All returns every shard in order.
func (s *Shards) All() []*DB {
	return s.dbs
}

// Len returns the number of shards.
func (s *Shards) Len() int {
	return len(s.dbs)
}

// EnsureSchema applies the DDL produced for each shard's dialect.
func (s *Shards) EnsureSchema(ctx context.Context, schema func(Dialect) []string) error {
	for _, db := range s.dbs {
		if err := db.EnsureSchema(ctx, schema(db.Dialect)...); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every shard.
func (s *Shards) Close() error {
	var result *multierror.Error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// ShardName returns the database name of shard i.
func ShardName(base string, i int) string {
	return fmt.Sprintf("%s_%d", base, i)
}

// OpenShardedRouted opens n shards named <shardMap>_<i> through the local proxy.
func OpenShardedRouted(ctx context.Context, shardMap string, port uint16, n int) (*Shards, error) {
	return openShards(ctx, n, func(i int) (*mysql.Config, error) {
		return RoutedConfig(ShardName(shardMap, i), port), nil
	})
}

// OpenShardedRaw opens n shards directly. shardMap is a DSN whose database
// name is suffixed with _<i> for each shard.
func OpenShardedRaw(ctx context.Context, shardMap string, n int) (*Shards, error) {
	base, err := mysql.ParseDSN(shardMap)
	if err != nil {
		return nil, fmt.Errorf("invalid shard map %q: %w", shardMap, err)
	}
	return openShards(ctx, n, func(i int) (*mysql.Config, error) {
		cfg := base.Clone()
		cfg.DBName = ShardName(base.DBName, i)
		return cfg, nil
	})
}

// OpenSharded picks the routed strategy when a port is given, raw otherwise.
func OpenSharded(ctx context.Context, shardMap string, n int, routingPort *uint16) (*Shards, error) {
	if routingPort != nil {
		return OpenShardedRouted(ctx, shardMap, *routingPort, n)
	}
	return OpenShardedRaw(ctx, shardMap, n)
}

// opener opens one shard. Tests replace it to avoid a live server.
type opener func(ctx context.Context, cfg *mysql.Config) (*DB, error)

func openShards(ctx context.Context, n int, configFor func(int) (*mysql.Config, error)) (*Shards, error) {
	return openShardsWith(ctx, n, configFor, OpenMySQL)
}

// openShardsWith opens the n shards concurrently. If any open fails the
// shards that did open are closed.
func openShardsWith(ctx context.Context, n int, configFor func(int) (*mysql.Config, error), open opener) (*Shards, error) {
	if n <= 0 {
		return nil, fmt.Errorf("shard count must be positive, got %d", n)
	}

	cfgs := make([]*mysql.Config, n)
	for i := range cfgs {
		cfg, err := configFor(i)
		if err != nil {
			return nil, err
		}
		cfgs[i] = cfg
	}

	dbs := make([]*DB, n)
	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range cfgs {
		g.Go(func() error {
			db, err := open(gctx, cfg)
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			dbs[i] = db
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, db := range dbs {
			if db != nil {
				db.Close()
			}
		}
		return nil, err
	}
	return &Shards{dbs: dbs}, nil
}
