package interfaces

import "context"

// Bookmarks maps bookmark names to changesets.
type Bookmarks interface {
	// Get returns the changeset a bookmark points to, ok=false if it does not exist.
	Get(ctx context.Context, repo RepositoryID, name string) (cs ChangesetID, ok bool, err error)

	// List returns all bookmarks whose name starts with prefix.
	List(ctx context.Context, repo RepositoryID, prefix string) (map[string]ChangesetID, error)

	// Set creates or moves a bookmark.
	Set(ctx context.Context, repo RepositoryID, name string, cs ChangesetID) error

	// Delete removes a bookmark. Deleting a missing bookmark is not an error.
	Delete(ctx context.Context, repo RepositoryID, name string) error
}

// FilenodeInfo describes one file revision.
type FilenodeInfo struct {
	Path     string
	Filenode HgNodeHash
	P1       *HgNodeHash
	P2       *HgNodeHash
	Linknode HgChangesetID
}

// Filenodes stores file revision metadata.
type Filenodes interface {
	Add(ctx context.Context, repo RepositoryID, infos []FilenodeInfo) error

	// Get returns nil when the filenode is unknown.
	Get(ctx context.Context, repo RepositoryID, path string, filenode HgNodeHash) (*FilenodeInfo, error)
}

// ChangesetInsert is the input to Changesets.Add.
type ChangesetInsert struct {
	Repo    RepositoryID
	CsID    ChangesetID
	Parents []ChangesetID
}

// ChangesetEntry is a stored changeset record.
type ChangesetEntry struct {
	Repo    RepositoryID
	CsID    ChangesetID
	Parents []ChangesetID
	Gen     uint64
}

// Changesets stores the changeset graph.
type Changesets interface {
	// Add records a changeset. All parents must already be present.
	Add(ctx context.Context, cs ChangesetInsert) error

	// Get returns nil when the changeset is unknown.
	Get(ctx context.Context, repo RepositoryID, cs ChangesetID) (*ChangesetEntry, error)
}

// MappingEntry associates a canonical changeset ID with its legacy ID.
type MappingEntry struct {
	Repo     RepositoryID
	HgID     HgChangesetID
	BonsaiID ChangesetID
}

// IdentifierMapping stores the bidirectional mapping between identifiers.
type IdentifierMapping interface {
	Add(ctx context.Context, entry MappingEntry) error

	GetByBonsai(ctx context.Context, repo RepositoryID, id ChangesetID) (*MappingEntry, error)

	GetByHg(ctx context.Context, repo RepositoryID, id HgChangesetID) (*MappingEntry, error)
}

// ChangesetFetcher answers graph queries for a single repository.
type ChangesetFetcher interface {
	GetGenerationNumber(ctx context.Context, cs ChangesetID) (uint64, error)
	GetParents(ctx context.Context, cs ChangesetID) ([]ChangesetID, error)
}
