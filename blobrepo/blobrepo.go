// Package blobrepo assembles the storage of one repository from its
// configuration: a layered blobstore and the four metadata stores.
//
// The metadata database configuration selects the provisioning profile. The
// local profile opens SQLite databases under a directory and adds no caches.
// The remote profile opens every store against a remote database and puts
// the censorship filter, both cache tiers and a caching decorator per
// metadata store in front of them.
package blobrepo

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/blobrepo/cacheblob"
	"github.com/ruteri/blobrepo/cachelib"
	"github.com/ruteri/blobrepo/censoredblob"
	"github.com/ruteri/blobrepo/config"
	"github.com/ruteri/blobrepo/interfaces"
	"github.com/ruteri/blobrepo/metadata"
	"github.com/ruteri/blobrepo/sqlstore"
	"github.com/ruteri/blobrepo/storage"
)

// Sub-paths of the local profile's metadata databases.
const (
	BookmarksPath  = "bookmarks"
	FilenodesPath  = "filenodes"
	ChangesetsPath = "changesets"
	MappingPath    = "bonsai_hg_mapping"
)

// BlobRepo is an assembled repository. Every store is safe for concurrent use.
type BlobRepo struct {
	RepoID interfaces.RepositoryID

	// Blobstore is the outermost blobstore layer.
	Blobstore interfaces.Blobstore
	// Censorship controls the denylist. Nil in the local profile.
	Censorship *censoredblob.Blobstore

	Bookmarks  interfaces.Bookmarks
	Filenodes  interfaces.Filenodes
	Changesets interfaces.Changesets
	Mapping    interfaces.IdentifierMapping

	// FilenodesNamespace is the cache namespace of the filenodes store.
	FilenodesNamespace string

	fetcher func() interfaces.ChangesetFetcher
	closers []io.Closer
}

// ChangesetFetcher returns a fetcher bound to this repository.
func (r *BlobRepo) ChangesetFetcher() interfaces.ChangesetFetcher {
	return r.fetcher()
}

// Close releases every resource the repository owns.
func (r *BlobRepo) Close() error {
	return closeAll(r.closers)
}

func closeAll(closers []io.Closer) error {
	var result *multierror.Error
	for _, c := range slices.Backward(closers) {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Options are the per-repository assembly parameters.
type Options struct {
	// RoutingPort, if set, routes remote SQL connections through a local proxy.
	RoutingPort *uint16
	// BookmarksCacheTTL enables the bookmark snapshot cache in the remote profile.
	BookmarksCacheTTL time.Duration
}

// Factory assembles repositories. Pools and SharedCache are process-wide and
// shared by every repository the factory opens.
type Factory struct {
	Log *slog.Logger
	// Pools is required by the remote profile only.
	Pools *cachelib.Registry
	// SharedCache enables the distributed cache tier when set.
	SharedCache cacheblob.SharedCache
	// Drivers creates blobstores. Defaults to storage.NewFactory.
	Drivers *storage.Factory
	// Connector opens remote databases. Defaults to MySQL.
	Connector Connector
	// BlobCache tunes the local cache tier.
	BlobCache cacheblob.CachelibOptions
	Clock     clock.Clock
}

func (f *Factory) withDefaults() *Factory {
	out := *f
	if out.Log == nil {
		out.Log = slog.Default()
	}
	if out.Drivers == nil {
		out.Drivers = storage.NewFactory(out.Log)
	}
	if out.Connector == nil {
		out.Connector = MySQLConnector{}
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.BlobCache.Clock == nil {
		out.BlobCache.Clock = out.Clock
	}
	return &out
}

// OpenBlobRepo assembles repo from cfg. On failure everything opened so far is
// closed and no handle is returned.
func (f *Factory) OpenBlobRepo(ctx context.Context, cfg config.StorageConfig, repo interfaces.RepositoryID, opts Options) (*BlobRepo, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f = f.withDefaults()

	switch db := cfg.DBConfig.(type) {
	case config.LocalDB:
		return f.openLocal(ctx, cfg.Blobstore, db, repo, opts)
	case config.RemoteDB:
		return f.openRemote(ctx, cfg.Blobstore, db, repo, opts)
	default:
		return nil, interfaces.ConfigErrorf("unsupported metadata db config %T", cfg.DBConfig)
	}
}

// assembly tracks what has been opened so a failure can undo it.
type assembly struct {
	repo    *BlobRepo
	closers []io.Closer
}

func (a *assembly) own(c io.Closer) {
	a.closers = append(a.closers, c)
}

func (a *assembly) fail(err error) (*BlobRepo, error) {
	closeAll(a.closers)
	return nil, err
}

func (a *assembly) done() (*BlobRepo, error) {
	a.repo.closers = a.closers
	return a.repo, nil
}

type blobstoreCloser struct{ interfaces.Blobstore }

func (b blobstoreCloser) Close() error { return interfaces.CloseBlobstore(b.Blobstore) }

func (f *Factory) openLocal(ctx context.Context, bc config.BlobConfig, db config.LocalDB, repo interfaces.RepositoryID, opts Options) (*BlobRepo, error) {
	f.Log.Info("Opening repository with local profile",
		slog.String("repo", repo.String()),
		slog.String("path", db.Path))

	a := &assembly{repo: &BlobRepo{RepoID: repo}}

	bs, err := f.Drivers.MakeBlobstore(ctx, repo, bc, db, opts.RoutingPort)
	if err != nil {
		return a.fail(err)
	}
	a.own(blobstoreCloser{bs})
	a.repo.Blobstore = storage.NewRepoBlob(bs, repo)

	open := func(name string, kind interfaces.StateKind) (*sqlstore.DB, error) {
		sqldb, err := sqlstore.OpenSQLite(filepath.Join(db.Path, name))
		if err != nil {
			return nil, interfaces.NewStateOpenError(kind, err)
		}
		a.own(sqldb)
		return sqldb, nil
	}

	bookmarksDB, err := open(BookmarksPath, interfaces.StateBookmarks)
	if err != nil {
		return a.fail(err)
	}
	filenodesDB, err := open(FilenodesPath, interfaces.StateFilenodes)
	if err != nil {
		return a.fail(err)
	}
	changesetsDB, err := open(ChangesetsPath, interfaces.StateChangesets)
	if err != nil {
		return a.fail(err)
	}
	mappingDB, err := open(MappingPath, interfaces.StateIdentifierMapping)
	if err != nil {
		return a.fail(err)
	}

	if err := f.openMetadata(ctx, a.repo, bookmarksDB, sqlstore.NewShards(filenodesDB), changesetsDB, mappingDB); err != nil {
		return a.fail(err)
	}
	a.repo.FilenodesNamespace = filenodesDB.Name
	a.repo.fetcher = fetcherFactory(a.repo.Changesets, repo)
	return a.done()
}

// openMetadata creates the SQL metadata stores on already opened databases.
func (f *Factory) openMetadata(ctx context.Context, r *BlobRepo, bookmarksDB *sqlstore.DB, filenodes *sqlstore.Shards, changesetsDB, mappingDB *sqlstore.DB) error {
	var err error
	if r.Bookmarks, err = metadata.NewSQLBookmarks(ctx, bookmarksDB, f.Log); err != nil {
		return interfaces.NewStateOpenError(interfaces.StateBookmarks, err)
	}
	if r.Filenodes, err = metadata.NewSQLFilenodes(ctx, filenodes, f.Log); err != nil {
		return interfaces.NewStateOpenError(interfaces.StateFilenodes, err)
	}
	if r.Changesets, err = metadata.NewSQLChangesets(ctx, changesetsDB, f.Log); err != nil {
		return interfaces.NewStateOpenError(interfaces.StateChangesets, err)
	}
	if r.Mapping, err = metadata.NewSQLMapping(ctx, mappingDB, f.Log); err != nil {
		return interfaces.NewStateOpenError(interfaces.StateIdentifierMapping, err)
	}
	return nil
}

// remotePools are the pools the remote profile binds its caches to.
type remotePools struct {
	blobs, presence, filenodes, changesets, mapping *cachelib.Pool
}

func (f *Factory) resolvePools() (*remotePools, error) {
	pools := make(map[string]*cachelib.Pool, len(cachelib.RequiredPools))
	for _, name := range cachelib.RequiredPools {
		pool, err := f.Pools.Get(name)
		if err != nil {
			return nil, err
		}
		pools[name] = pool
	}
	return &remotePools{
		blobs:      pools[cachelib.BlobstoreBlobsPool],
		presence:   pools[cachelib.BlobstorePresencePool],
		filenodes:  pools[cachelib.FilenodesPool],
		changesets: pools[cachelib.ChangesetsPool],
		mapping:    pools[cachelib.IdentifierMappingPool],
	}, nil
}

func (f *Factory) openRemote(ctx context.Context, bc config.BlobConfig, db config.RemoteDB, repo interfaces.RepositoryID, opts Options) (*BlobRepo, error) {
	f.Log.Info("Opening repository with remote profile",
		slog.String("repo", repo.String()),
		slog.Bool("routed", opts.RoutingPort != nil),
		slog.Bool("sharded_filenodes", db.ShardedFilenodes != nil))

	// Pools are checked before anything is opened.
	pools, err := f.resolvePools()
	if err != nil {
		return nil, err
	}

	a := &assembly{repo: &BlobRepo{RepoID: repo}}

	bs, err := f.Drivers.MakeBlobstore(ctx, repo, bc, db, opts.RoutingPort)
	if err != nil {
		return a.fail(err)
	}
	a.own(blobstoreCloser{bs})
	f.wrapRemoteBlobstore(a.repo, bs, bc.Kind(), pools)

	open := func(kind interfaces.StateKind) (*sqlstore.DB, error) {
		sqldb, err := f.Connector.Remote(ctx, db.Address, opts.RoutingPort)
		if err != nil {
			return nil, interfaces.NewStateOpenError(kind, err)
		}
		a.own(sqldb)
		return sqldb, nil
	}

	bookmarksDB, err := open(interfaces.StateBookmarks)
	if err != nil {
		return a.fail(err)
	}
	filenodes, namespace, err := f.openFilenodesShards(ctx, db, opts.RoutingPort)
	if err != nil {
		return a.fail(interfaces.NewStateOpenError(interfaces.StateFilenodes, err))
	}
	a.own(filenodes)
	changesetsDB, err := open(interfaces.StateChangesets)
	if err != nil {
		return a.fail(err)
	}
	mappingDB, err := open(interfaces.StateIdentifierMapping)
	if err != nil {
		return a.fail(err)
	}

	if err := f.openMetadata(ctx, a.repo, bookmarksDB, filenodes, changesetsDB, mappingDB); err != nil {
		return a.fail(err)
	}
	f.wrapRemoteMetadata(a.repo, namespace, pools, opts)
	a.repo.fetcher = fetcherFactory(a.repo.Changesets, repo)
	return a.done()
}

// wrapRemoteBlobstore layers, from the inside out: local cache, distributed
// cache, repository scoping and censorship.
func (f *Factory) wrapRemoteBlobstore(r *BlobRepo, bs interfaces.Blobstore, backing string, pools *remotePools) {
	bs = cacheblob.NewCachelibBlobstore(bs, pools.blobs, pools.presence, f.BlobCache, f.Log)
	if f.SharedCache != nil {
		bs = cacheblob.NewMemcacheBlobstore(bs, f.SharedCache, backing, "", r.RepoID, f.Log)
	}
	bs = storage.NewRepoBlob(bs, r.RepoID)
	r.Censorship = censoredblob.New(bs, nil, f.Log)
	r.Blobstore = r.Censorship
}

func (f *Factory) wrapRemoteMetadata(r *BlobRepo, filenodesNamespace string, pools *remotePools, opts Options) {
	if opts.BookmarksCacheTTL > 0 {
		r.Bookmarks = metadata.NewCachedBookmarks(r.Bookmarks, opts.BookmarksCacheTTL, f.Clock, f.Log)
	}
	r.Filenodes = metadata.NewCachingFilenodes(r.Filenodes, pools.filenodes, "sql", filenodesNamespace, f.Log)
	r.FilenodesNamespace = filenodesNamespace
	r.Changesets = metadata.NewCachingChangesets(r.Changesets, pools.changesets, f.Log)
	r.Mapping = metadata.NewCachingMapping(r.Mapping, pools.mapping, f.Log)
}

func fetcherFactory(changesets interfaces.Changesets, repo interfaces.RepositoryID) func() interfaces.ChangesetFetcher {
	return func() interfaces.ChangesetFetcher {
		return metadata.NewSimpleChangesetFetcher(changesets, repo)
	}
}

// NewMemRepo creates a repository backed by memory only, for tests.
func NewMemRepo(ctx context.Context, repo interfaces.RepositoryID, log *slog.Logger) (*BlobRepo, error) {
	if log == nil {
		log = slog.Default()
	}
	f := &Factory{Log: log}
	a := &assembly{repo: &BlobRepo{
		RepoID:             repo,
		Blobstore:          storage.NewRepoBlob(storage.NewMemBlob(), repo),
		FilenodesNamespace: "memory",
	}}

	dbs := make([]*sqlstore.DB, 4)
	for i := range dbs {
		db, err := sqlstore.OpenSQLiteInMemory()
		if err != nil {
			return a.fail(err)
		}
		a.own(db)
		dbs[i] = db
	}
	if err := f.openMetadata(ctx, a.repo, dbs[0], sqlstore.NewShards(dbs[1]), dbs[2], dbs[3]); err != nil {
		return a.fail(err)
	}
	a.repo.fetcher = fetcherFactory(a.repo.Changesets, repo)
	return a.done()
}
