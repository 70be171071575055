// Package storage provides the blobstore drivers and the factory that turns a
// declarative BlobConfig into a working blobstore.
//
// Every driver implements interfaces.Blobstore. Keys are opaque byte strings;
// a Get of a key that was never written returns (nil, nil). Drivers that hold
// resources (files, database handles, clients) implement io.Closer.
//
// # Drivers
//
//   - DisabledBlob fails every operation with interfaces.ErrDisabled
//   - FileBlob stores one file per key under a directory
//   - KVBlob stores blobs in an embedded pebble database
//   - SQLBlob stores blobs in one or more SQL shards (embedded SQLite or MySQL)
//   - S3Blob stores blobs in an S3-compatible bucket
//   - NetworkBlob stores blobs on a network-attached object service reached
//     through a tier address or a DNS SRV name
//   - MemBlob keeps blobs in memory, for tests
//
// # Key Scoping
//
// PrefixBlob prepends a fixed prefix to every key. RepoBlob scopes keys to one
// repository (repo0042.<key>) so repositories can share drivers and caches
// without their keys ever colliding.
//
// # Factory
//
//	factory := storage.NewFactory(logger)
//	bs, err := factory.MakeBlobstore(ctx, repoID, cfg.Blobstore, cfg.DBConfig, routingPort)
//	if err != nil {
//	    return err
//	}
//	defer interfaces.CloseBlobstore(bs)
//
// A Multiplexed configuration is built by opening the sync queue first and
// then every member concurrently; the first member failure cancels the rest
// and closes whatever had already been opened.
package storage
