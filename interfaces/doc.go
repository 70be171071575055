// Package interfaces defines the core types and interfaces of the repository
// storage backbone, separating contracts from their implementations.
//
// # Storage Interfaces
//
// Blobstore: the uniform get/put/is-present capability every storage driver,
// cache tier and policy filter exposes. Layers compose by wrapping one
// Blobstore in another.
//
// Bookmarks, Filenodes, Changesets and IdentifierMapping: the metadata stores
// assembled next to the blobstore into a repository handle.
//
// ChangesetFetcher: a cheap per-request view over the changeset store.
//
// # Identifier Types
//
//   - RepositoryID: small integer scoping keys, cache namespaces and queue rows
//   - MemberID: identifies one member of a multiplexed blobstore
//   - ChangesetID: 32-byte canonical changeset identifier
//   - HgNodeHash / HgChangesetID: 20-byte legacy identifiers
//
// The fixed-size identifiers implement driver.Valuer and sql.Scanner so they
// can be persisted as binary columns directly.
//
// # Errors
//
// Construction-time failures are ErrConfig, ErrStateOpen and
// ErrMissingCachePool. Operation-time failures are ErrCensored and
// ErrAllMembersFailed. Single-member failures inside a multiplex never reach
// the caller.
package interfaces
