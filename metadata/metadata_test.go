package metadata

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/blobrepo/cachelib"
	"github.com/ruteri/blobrepo/interfaces"
	"github.com/ruteri/blobrepo/sqlstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openDB(t *testing.T) *sqlstore.DB {
	t.Helper()
	db, err := sqlstore.OpenSQLiteInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func csID(b byte) interfaces.ChangesetID {
	var id interfaces.ChangesetID
	id[0] = b
	return id
}

func hgID(b byte) interfaces.HgNodeHash {
	var id interfaces.HgNodeHash
	id[0] = b
	return id
}

func TestSQLBookmarks(t *testing.T) {
	ctx := context.Background()
	b, err := NewSQLBookmarks(ctx, openDB(t), discardLogger())
	require.NoError(t, err)

	_, ok, err := b.Get(ctx, 1, "main")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set(ctx, 1, "main", csID(1)))
	require.NoError(t, b.Set(ctx, 1, "release/1", csID(2)))
	require.NoError(t, b.Set(ctx, 1, "release/2", csID(3)))
	require.NoError(t, b.Set(ctx, 2, "main", csID(9)))

	cs, ok, err := b.Get(ctx, 1, "main")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, csID(1), cs)

	require.NoError(t, b.Set(ctx, 1, "main", csID(4)))
	cs, _, err = b.Get(ctx, 1, "main")
	require.NoError(t, err)
	assert.Equal(t, csID(4), cs)

	releases, err := b.List(ctx, 1, "release/")
	require.NoError(t, err)
	assert.Equal(t, map[string]interfaces.ChangesetID{"release/1": csID(2), "release/2": csID(3)}, releases)

	all, err := b.List(ctx, 2, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]interfaces.ChangesetID{"main": csID(9)}, all)

	require.NoError(t, b.Delete(ctx, 1, "main"))
	require.NoError(t, b.Delete(ctx, 1, "never-existed"))
	_, ok, err = b.Get(ctx, 1, "main")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLFilenodes(t *testing.T) {
	ctx := context.Background()
	shards := sqlstore.NewShards(openDB(t), openDB(t))
	f, err := NewSQLFilenodes(ctx, shards, discardLogger())
	require.NoError(t, err)

	p1 := hgID(1)
	infos := []interfaces.FilenodeInfo{
		{Path: "a.txt", Filenode: hgID(1), Linknode: hgID(10)},
		{Path: "a.txt", Filenode: hgID(2), P1: &p1, Linknode: hgID(11)},
		{Path: "dir/b.txt", Filenode: hgID(3), Linknode: hgID(10)},
	}
	require.NoError(t, f.Add(ctx, 1, infos))
	require.NoError(t, f.Add(ctx, 1, infos[:1]), "re-adding is a no-op")

	got, err := f.Get(ctx, 1, "a.txt", hgID(2))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, infos[1], *got)

	got, err = f.Get(ctx, 1, "a.txt", hgID(1))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.P1)
	assert.Nil(t, got.P2)

	got, err = f.Get(ctx, 2, "a.txt", hgID(1))
	require.NoError(t, err)
	assert.Nil(t, got, "filenodes are scoped by repository")
}

func TestSQLChangesets(t *testing.T) {
	ctx := context.Background()
	c, err := NewSQLChangesets(ctx, openDB(t), discardLogger())
	require.NoError(t, err)

	require.NoError(t, c.Add(ctx, interfaces.ChangesetInsert{Repo: 1, CsID: csID(1)}))
	require.NoError(t, c.Add(ctx, interfaces.ChangesetInsert{Repo: 1, CsID: csID(2), Parents: []interfaces.ChangesetID{csID(1)}}))
	require.NoError(t, c.Add(ctx, interfaces.ChangesetInsert{Repo: 1, CsID: csID(3)}))
	require.NoError(t, c.Add(ctx, interfaces.ChangesetInsert{Repo: 1, CsID: csID(4), Parents: []interfaces.ChangesetID{csID(3), csID(2)}}))

	tests := []struct {
		cs      interfaces.ChangesetID
		gen     uint64
		parents []interfaces.ChangesetID
	}{
		{cs: csID(1), gen: 1, parents: []interfaces.ChangesetID{}},
		{cs: csID(2), gen: 2, parents: []interfaces.ChangesetID{csID(1)}},
		{cs: csID(3), gen: 1, parents: []interfaces.ChangesetID{}},
		{cs: csID(4), gen: 3, parents: []interfaces.ChangesetID{csID(3), csID(2)}},
	}
	for _, tt := range tests {
		t.Run(tt.cs.String()[:2], func(t *testing.T) {
			entry, err := c.Get(ctx, 1, tt.cs)
			require.NoError(t, err)
			require.NotNil(t, entry)
			assert.Equal(t, tt.gen, entry.Gen)
			assert.Equal(t, tt.parents, entry.Parents)
		})
	}

	err = c.Add(ctx, interfaces.ChangesetInsert{Repo: 1, CsID: csID(5), Parents: []interfaces.ChangesetID{csID(99)}})
	assert.ErrorIs(t, err, ErrMissingParent)
	entry, err := c.Get(ctx, 1, csID(5))
	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, c.Add(ctx, interfaces.ChangesetInsert{Repo: 1, CsID: csID(2), Parents: []interfaces.ChangesetID{csID(1)}}))
	err = c.Add(ctx, interfaces.ChangesetInsert{Repo: 1, CsID: csID(2), Parents: []interfaces.ChangesetID{csID(3)}})
	assert.ErrorIs(t, err, ErrConflict)

	err = c.Add(ctx, interfaces.ChangesetInsert{Repo: 2, CsID: csID(6), Parents: []interfaces.ChangesetID{csID(1)}})
	assert.ErrorIs(t, err, ErrMissingParent, "parents are looked up in the same repository")
}

func TestSQLMapping(t *testing.T) {
	ctx := context.Background()
	m, err := NewSQLMapping(ctx, openDB(t), discardLogger())
	require.NoError(t, err)

	entry := interfaces.MappingEntry{Repo: 1, HgID: hgID(1), BonsaiID: csID(1)}
	require.NoError(t, m.Add(ctx, entry))
	require.NoError(t, m.Add(ctx, entry), "identical re-add succeeds")

	got, err := m.GetByBonsai(ctx, 1, csID(1))
	require.NoError(t, err)
	assert.Equal(t, &entry, got)
	got, err = m.GetByHg(ctx, 1, hgID(1))
	require.NoError(t, err)
	assert.Equal(t, &entry, got)

	err = m.Add(ctx, interfaces.MappingEntry{Repo: 1, HgID: hgID(2), BonsaiID: csID(1)})
	assert.ErrorIs(t, err, ErrConflict)
	err = m.Add(ctx, interfaces.MappingEntry{Repo: 1, HgID: hgID(1), BonsaiID: csID(2)})
	assert.ErrorIs(t, err, ErrConflict)

	got, err = m.GetByHg(ctx, 2, hgID(1))
	require.NoError(t, err)
	assert.Nil(t, got)
}

// countingBookmarks counts List calls reaching the wrapped store.
type countingBookmarks struct {
	interfaces.Bookmarks
	lists int
}

func (c *countingBookmarks) List(ctx context.Context, repo interfaces.RepositoryID, prefix string) (map[string]interfaces.ChangesetID, error) {
	c.lists++
	return c.Bookmarks.List(ctx, repo, prefix)
}

func TestCachedBookmarks_TTL(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	sqlBookmarks, err := NewSQLBookmarks(ctx, db, discardLogger())
	require.NoError(t, err)
	inner := &countingBookmarks{Bookmarks: sqlBookmarks}

	mock := clock.NewMock()
	cached := NewCachedBookmarks(inner, 5*time.Second, mock, discardLogger())

	require.NoError(t, cached.Set(ctx, 1, "main", csID(1)))
	cs, ok, err := cached.Get(ctx, 1, "main")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, csID(1), cs)
	assert.Equal(t, 1, inner.lists)

	// Another process moves the bookmark behind the cache.
	other, err := NewSQLBookmarks(ctx, db, discardLogger())
	require.NoError(t, err)
	require.NoError(t, other.Set(ctx, 1, "main", csID(2)))

	mock.Add(3 * time.Second)
	cs, _, err = cached.Get(ctx, 1, "main")
	require.NoError(t, err)
	assert.Equal(t, csID(1), cs, "stale within the TTL")
	assert.Equal(t, 1, inner.lists)

	mock.Add(3 * time.Second)
	cs, _, err = cached.Get(ctx, 1, "main")
	require.NoError(t, err)
	assert.Equal(t, csID(2), cs, "refreshed after the TTL")
	assert.Equal(t, 2, inner.lists)

	// Local writes are visible immediately.
	require.NoError(t, cached.Set(ctx, 1, "main", csID(3)))
	cs, _, err = cached.Get(ctx, 1, "main")
	require.NoError(t, err)
	assert.Equal(t, csID(3), cs)

	require.NoError(t, cached.Delete(ctx, 1, "main"))
	_, ok, err = cached.Get(ctx, 1, "main")
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := cached.List(ctx, 2, "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func newPool(t *testing.T, name string) *cachelib.Pool {
	t.Helper()
	return cachelib.NewPool(name, cachelib.MinPoolSize)
}

// countingFilenodes counts Get calls reaching the wrapped store.
type countingFilenodes struct {
	interfaces.Filenodes
	gets int
}

func (c *countingFilenodes) Get(ctx context.Context, repo interfaces.RepositoryID, path string, filenode interfaces.HgNodeHash) (*interfaces.FilenodeInfo, error) {
	c.gets++
	return c.Filenodes.Get(ctx, repo, path, filenode)
}

func TestCachingFilenodes(t *testing.T) {
	ctx := context.Background()
	sqlFilenodes, err := NewSQLFilenodes(ctx, sqlstore.NewShards(openDB(t)), discardLogger())
	require.NoError(t, err)
	inner := &countingFilenodes{Filenodes: sqlFilenodes}
	f := NewCachingFilenodes(inner, newPool(t, cachelib.FilenodesPool), "sql", "filenodes_db", discardLogger())

	assert.Equal(t, "sql.filenodes_db.repo0001.a.txt."+hgID(1).String(), f.CacheKey(1, "a.txt", hgID(1)))

	p1 := hgID(1)
	info := interfaces.FilenodeInfo{Path: "a.txt", Filenode: hgID(2), P1: &p1, Linknode: hgID(5)}
	require.NoError(t, f.Add(ctx, 1, []interfaces.FilenodeInfo{info}))

	for i := 0; i < 3; i++ {
		got, err := f.Get(ctx, 1, "a.txt", hgID(2))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, info, *got)
	}
	assert.Equal(t, 1, inner.gets)

	for i := 0; i < 2; i++ {
		got, err := f.Get(ctx, 1, "missing", hgID(2))
		require.NoError(t, err)
		assert.Nil(t, got)
	}
	assert.Equal(t, 3, inner.gets, "absent filenodes are not cached")
}

func TestCachingChangesetsAndFetcher(t *testing.T) {
	ctx := context.Background()
	sqlChangesets, err := NewSQLChangesets(ctx, openDB(t), discardLogger())
	require.NoError(t, err)
	c := NewCachingChangesets(sqlChangesets, newPool(t, cachelib.ChangesetsPool), discardLogger())

	require.NoError(t, c.Add(ctx, interfaces.ChangesetInsert{Repo: 1, CsID: csID(1)}))
	require.NoError(t, c.Add(ctx, interfaces.ChangesetInsert{Repo: 1, CsID: csID(2), Parents: []interfaces.ChangesetID{csID(1)}}))

	fetcher := NewSimpleChangesetFetcher(c, 1)
	for i := 0; i < 2; i++ {
		gen, err := fetcher.GetGenerationNumber(ctx, csID(2))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), gen)

		parents, err := fetcher.GetParents(ctx, csID(2))
		require.NoError(t, err)
		assert.Equal(t, []interfaces.ChangesetID{csID(1)}, parents)

		parents, err = fetcher.GetParents(ctx, csID(1))
		require.NoError(t, err)
		assert.Empty(t, parents)
	}

	_, err = fetcher.GetGenerationNumber(ctx, csID(7))
	assert.ErrorIs(t, err, ErrChangesetNotFound)
	_, err = NewSimpleChangesetFetcher(c, 2).GetParents(ctx, csID(1))
	assert.ErrorIs(t, err, ErrChangesetNotFound)
}

func TestCachingMapping_BothDirections(t *testing.T) {
	ctx := context.Background()
	sqlMapping, err := NewSQLMapping(ctx, openDB(t), discardLogger())
	require.NoError(t, err)
	pool := newPool(t, cachelib.IdentifierMappingPool)
	m := NewCachingMapping(sqlMapping, pool, discardLogger())

	entry := interfaces.MappingEntry{Repo: 1, HgID: hgID(3), BonsaiID: csID(3)}
	require.NoError(t, m.Add(ctx, entry))

	got, err := m.GetByBonsai(ctx, 1, csID(3))
	require.NoError(t, err)
	assert.Equal(t, &entry, got)

	// A bonsai lookup also fills the hg direction.
	assert.True(t, pool.Has(hgCacheKey(1, hgID(3))))
	got, err = m.GetByHg(ctx, 1, hgID(3))
	require.NoError(t, err)
	assert.Equal(t, &entry, got)
}
