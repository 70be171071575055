package metadata

import (
	"context"
	"fmt"

	"github.com/ruteri/blobrepo/interfaces"
)

// SimpleChangesetFetcher answers graph queries for one repository straight
// from a Changesets store.
type SimpleChangesetFetcher struct {
	changesets interfaces.Changesets
	repo       interfaces.RepositoryID
}

func NewSimpleChangesetFetcher(changesets interfaces.Changesets, repo interfaces.RepositoryID) *SimpleChangesetFetcher {
	return &SimpleChangesetFetcher{changesets: changesets, repo: repo}
}

func (f *SimpleChangesetFetcher) get(ctx context.Context, cs interfaces.ChangesetID) (*interfaces.ChangesetEntry, error) {
	entry, err := f.changesets.Get(ctx, f.repo, cs)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrChangesetNotFound, cs, f.repo)
	}
	return entry, nil
}

func (f *SimpleChangesetFetcher) GetGenerationNumber(ctx context.Context, cs interfaces.ChangesetID) (uint64, error) {
	entry, err := f.get(ctx, cs)
	if err != nil {
		return 0, err
	}
	return entry.Gen, nil
}

func (f *SimpleChangesetFetcher) GetParents(ctx context.Context, cs interfaces.ChangesetID) ([]interfaces.ChangesetID, error) {
	entry, err := f.get(ctx, cs)
	if err != nil {
		return nil, err
	}
	return entry.Parents, nil
}
