package blobrepo

import (
	"context"

	"github.com/ruteri/blobrepo/config"
	"github.com/ruteri/blobrepo/sqlstore"
)

// Connector opens remote metadata databases.
type Connector interface {
	// Remote opens the database at address, through the proxy when routingPort is set.
	Remote(ctx context.Context, address string, routingPort *uint16) (*sqlstore.DB, error)
	// ShardedRouted opens n shards of shardMap through the proxy on port.
	ShardedRouted(ctx context.Context, shardMap string, port uint16, n int) (*sqlstore.Shards, error)
	// ShardedRaw opens n shards of the shardMap DSN directly.
	ShardedRaw(ctx context.Context, shardMap string, n int) (*sqlstore.Shards, error)
}

// MySQLConnector connects to MySQL through sqlstore.
type MySQLConnector struct{}

func (MySQLConnector) Remote(ctx context.Context, address string, routingPort *uint16) (*sqlstore.DB, error) {
	return sqlstore.OpenRemote(ctx, address, routingPort)
}

func (MySQLConnector) ShardedRouted(ctx context.Context, shardMap string, port uint16, n int) (*sqlstore.Shards, error) {
	return sqlstore.OpenShardedRouted(ctx, shardMap, port, n)
}

func (MySQLConnector) ShardedRaw(ctx context.Context, shardMap string, n int) (*sqlstore.Shards, error) {
	return sqlstore.OpenShardedRaw(ctx, shardMap, n)
}

// openFilenodesShards picks one of four connection strategies for filenodes,
// from whether sharding is configured and whether a routing port is set. The
// returned namespace keeps cache keys of differently sharded deployments apart
// and never carries credentials.
func (f *Factory) openFilenodesShards(ctx context.Context, db config.RemoteDB, routingPort *uint16) (*sqlstore.Shards, string, error) {
	sharded := db.ShardedFilenodes
	switch {
	case sharded != nil && routingPort != nil:
		shards, err := f.Connector.ShardedRouted(ctx, sharded.ShardMap, *routingPort, sharded.ShardCount)
		return shards, sharded.ShardMap, err
	case sharded != nil:
		shards, err := f.Connector.ShardedRaw(ctx, sharded.ShardMap, sharded.ShardCount)
		return shards, sqlstore.CacheNamespace(sharded.ShardMap, nil), err
	default:
		// Routed or direct, depending on routingPort.
		sqldb, err := f.Connector.Remote(ctx, db.Address, routingPort)
		if err != nil {
			return nil, "", err
		}
		return sqlstore.NewShards(sqldb), sqlstore.CacheNamespace(db.Address, routingPort), nil
	}
}
