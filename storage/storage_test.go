package storage

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/ruteri/blobrepo/config"
	"github.com/ruteri/blobrepo/interfaces"
	"github.com/ruteri/blobrepo/multiplex"
	"github.com/ruteri/blobrepo/sqlstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeS3 keeps objects in memory and answers like S3 does for missing keys.
type fakeS3 struct {
	s3iface.S3API
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist.", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(v))}, nil
}

func (f *fakeS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObjectWithContext(ctx aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Bucket+"/"+*in.Key]; !ok {
		return nil, awserr.NewRequestFailure(awserr.New("NotFound", "Not Found", nil), 404, "req")
	}
	return &s3.HeadObjectOutput{}, nil
}

// exerciseDriver checks the contract every driver shares.
func exerciseDriver(t *testing.T, bs interfaces.Blobstore) {
	t.Helper()
	ctx := context.Background()

	got, err := bs.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
	present, err := bs.IsPresent(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, present)

	require.NoError(t, bs.Put(ctx, "key", []byte("value")))
	got, err = bs.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)
	present, err = bs.IsPresent(ctx, "key")
	require.NoError(t, err)
	assert.True(t, present)

	// Puts overwrite.
	require.NoError(t, bs.Put(ctx, "key", []byte("second")))
	got, err = bs.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)

	// An empty value is present, not absent.
	require.NoError(t, bs.Put(ctx, "empty", nil))
	got, err = bs.Get(ctx, "empty")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	// Keys are opaque bytes.
	binaryKey := string([]byte{0, 0xff, '/', '.', 0x10})
	require.NoError(t, bs.Put(ctx, binaryKey, []byte("bin")))
	got, err = bs.Get(ctx, binaryKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("bin"), got)
}

func TestDrivers(t *testing.T) {
	tests := []struct {
		name string
		open func(t *testing.T) interfaces.Blobstore
	}{
		{
			name: "memory",
			open: func(t *testing.T) interfaces.Blobstore { return NewMemBlob() },
		},
		{
			name: "files",
			open: func(t *testing.T) interfaces.Blobstore {
				bs, err := NewFileBlob(t.TempDir(), discardLogger())
				require.NoError(t, err)
				return bs
			},
		},
		{
			name: "embedded kv",
			open: func(t *testing.T) interfaces.Blobstore {
				bs, err := NewKVBlob(filepath.Join(t.TempDir(), "kv"), discardLogger())
				require.NoError(t, err)
				t.Cleanup(func() { bs.Close() })
				return bs
			},
		},
		{
			name: "sqlite shards",
			open: func(t *testing.T) interfaces.Blobstore {
				db1, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "s1"))
				require.NoError(t, err)
				db2, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "s2"))
				require.NoError(t, err)
				bs, err := NewSQLBlob(context.Background(), 1, sqlstore.NewShards(db1, db2), discardLogger())
				require.NoError(t, err)
				t.Cleanup(func() { bs.Close() })
				return bs
			},
		},
		{
			name: "s3",
			open: func(t *testing.T) interfaces.Blobstore {
				return NewS3BlobWithClient(newFakeS3(), "bucket", discardLogger())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exerciseDriver(t, tt.open(t))
		})
	}
}

func TestFileBlob_LongAndEmptyKeys(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	bs, err := NewFileBlob(dir, discardLogger())
	require.NoError(t, err)

	long := strings.Repeat("k", 500)
	require.NoError(t, bs.Put(ctx, long, []byte("long")))
	require.NoError(t, bs.Put(ctx, "", []byte("empty key")))

	got, err := bs.Get(ctx, long)
	require.NoError(t, err)
	assert.Equal(t, []byte("long"), got)
	got, err = bs.Get(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("empty key"), got)

	_, err = os.Stat(filepath.Join(dir, "__", "_"))
	assert.NoError(t, err)
}

func TestKVBlob_Persists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv")

	bs, err := NewKVBlob(path, discardLogger())
	require.NoError(t, err)
	require.NoError(t, bs.Put(ctx, "k", []byte("v")))
	require.NoError(t, bs.Close())

	bs, err = NewKVBlob(path, discardLogger())
	require.NoError(t, err)
	defer bs.Close()
	got, err := bs.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestSQLBlob_RepositoriesAreIsolated(t *testing.T) {
	ctx := context.Background()
	db, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	shards := sqlstore.NewShards(db)
	defer shards.Close()

	repo1, err := NewSQLBlob(ctx, 1, shards, discardLogger())
	require.NoError(t, err)
	repo2, err := NewSQLBlob(ctx, 2, shards, discardLogger())
	require.NoError(t, err)

	require.NoError(t, repo1.Put(ctx, "k", []byte("repo1")))
	got, err := repo2.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLBlob_LongKeys(t *testing.T) {
	ctx := context.Background()
	db, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	shards := sqlstore.NewShards(db)
	defer shards.Close()

	bs, err := NewSQLBlob(ctx, 1, shards, discardLogger())
	require.NoError(t, err)

	long := "repo0001.content." + strings.Repeat("x", 600)
	sibling := long + "y"
	require.NoError(t, bs.Put(ctx, long, []byte("long")))
	require.NoError(t, bs.Put(ctx, sibling, []byte("sibling")))

	got, err := bs.Get(ctx, long)
	require.NoError(t, err)
	assert.Equal(t, []byte("long"), got)
	got, err = bs.Get(ctx, sibling)
	require.NoError(t, err)
	assert.Equal(t, []byte("sibling"), got)

	present, err := bs.IsPresent(ctx, long+"z")
	require.NoError(t, err)
	assert.False(t, present)

	var stored int
	require.NoError(t, db.QueryRow("SELECT MAX(LENGTH(blob_key)) FROM blobs").Scan(&stored))
	assert.LessOrEqual(t, stored, sqlstore.MaxKeyLen)
}

func TestDisabledBlob(t *testing.T) {
	ctx := context.Background()
	bs := NewDisabledBlob(DisabledReason)

	_, err := bs.Get(ctx, "k")
	assert.ErrorIs(t, err, interfaces.ErrDisabled)
	assert.ErrorIs(t, err, interfaces.ErrConfig)
	assert.Contains(t, err.Error(), DisabledReason)

	err = bs.Put(ctx, "k", []byte("v"))
	assert.ErrorIs(t, err, interfaces.ErrDisabled)

	_, err = bs.IsPresent(ctx, "k")
	assert.ErrorIs(t, err, interfaces.ErrDisabled)
}

func TestRepoBlob_ScopesKeys(t *testing.T) {
	ctx := context.Background()
	inner := NewMemBlob()
	repo1 := NewRepoBlob(inner, 1)
	repo2 := NewRepoBlob(inner, 2)

	require.NoError(t, repo1.Put(ctx, "k", []byte("one")))
	require.NoError(t, repo2.Put(ctx, "k", []byte("two")))

	assert.Equal(t, []string{"repo0001.k"}, inner.Keys("repo0001."))
	assert.Equal(t, []string{"repo0002.k"}, inner.Keys("repo0002."))

	got, err := repo1.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)
	assert.Equal(t, "repo0001.", repo1.Prefix())
}

func TestTierResolver_Literal(t *testing.T) {
	r := NewTierResolver("")
	endpoint, err := r.Resolve(context.Background(), "blob-1.internal:9000")
	require.NoError(t, err)
	assert.Equal(t, "blob-1.internal:9000", endpoint)
}

func TestFactory_SingleDrivers(t *testing.T) {
	ctx := context.Background()
	f := NewFactory(discardLogger())
	db := config.LocalDB{Path: t.TempDir()}

	tests := []struct {
		name string
		cfg  config.BlobConfig
		want any
	}{
		{name: "disabled", cfg: config.Disabled{}, want: &DisabledBlob{}},
		{name: "files", cfg: config.Files{Path: t.TempDir()}, want: &FileBlob{}},
		{name: "embedded kv", cfg: config.EmbeddedKV{Path: t.TempDir()}, want: &KVBlob{}},
		{name: "embedded sql", cfg: config.EmbeddedSQL{Path: t.TempDir()}, want: &SQLBlob{}},
		{name: "remote object store", cfg: config.RemoteObjectStore{Bucket: "b", Prefix: "p"}, want: &PrefixBlob{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bs, err := f.MakeBlobstore(ctx, 1, tt.cfg, db, nil)
			require.NoError(t, err)
			defer interfaces.CloseBlobstore(bs)
			assert.IsType(t, tt.want, bs)
		})
	}
}

func TestFactory_RemoteObjectStorePrefix(t *testing.T) {
	bs, err := NewFactory(discardLogger()).MakeBlobstore(context.Background(), 1,
		config.RemoteObjectStore{Bucket: "b", Prefix: "repo-data/"}, config.LocalDB{Path: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.Equal(t, "flat/repo-data/", bs.(*PrefixBlob).Prefix())
}

func TestFactory_Multiplexed(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	cfg := config.Multiplexed{Members: map[interfaces.MemberID]config.BlobConfig{
		1: config.Files{Path: filepath.Join(root, "m1")},
		2: config.EmbeddedKV{Path: filepath.Join(root, "m2")},
		3: config.EmbeddedSQL{Path: filepath.Join(root, "m3")},
	}}
	db := config.LocalDB{Path: filepath.Join(root, "db")}

	bs, err := NewFactory(discardLogger()).MakeBlobstore(ctx, 7, cfg, db, nil)
	require.NoError(t, err)
	mux, ok := bs.(*multiplex.Blobstore)
	require.True(t, ok)
	defer mux.Close()

	assert.Len(t, mux.Members(), 3)
	assert.Equal(t, interfaces.RepositoryID(7), mux.Repo())

	require.NoError(t, mux.Put(ctx, "k", []byte("v")))
	mux.Wait()
	for id, member := range mux.Members() {
		got, err := member.Get(ctx, "k")
		require.NoError(t, err, "member %d", id)
		assert.Equal(t, []byte("v"), got, "member %d", id)
	}

	_, err = os.Stat(filepath.Join(root, "db", "blobstore_sync_queue"))
	assert.NoError(t, err, "local profile keeps the sync queue under the db path")
}

func TestFactory_MultiplexedErrors(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	db := config.LocalDB{Path: filepath.Join(root, "db")}

	t.Run("nested multiplex", func(t *testing.T) {
		cfg := config.Multiplexed{Members: map[interfaces.MemberID]config.BlobConfig{
			1: config.Multiplexed{Members: map[interfaces.MemberID]config.BlobConfig{1: config.Disabled{}}},
		}}
		_, err := NewFactory(discardLogger()).MakeBlobstore(ctx, 1, cfg, db, nil)
		assert.ErrorIs(t, err, interfaces.ErrConfig)
	})

	t.Run("member fails to open", func(t *testing.T) {
		blocker := filepath.Join(root, "not-a-dir")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

		cfg := config.Multiplexed{Members: map[interfaces.MemberID]config.BlobConfig{
			1: config.Files{Path: filepath.Join(root, "ok")},
			2: config.Files{Path: blocker},
		}}
		_, err := NewFactory(discardLogger()).MakeBlobstore(ctx, 1, cfg, db, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, interfaces.ErrStateOpen)
		assert.Contains(t, err.Error(), "member 2")
	})

	t.Run("telemetry table", func(t *testing.T) {
		table := "blobstore_trace"
		var requested string
		f := NewFactory(discardLogger())
		f.Telemetry = func(name string) (interfaces.Telemetry, error) {
			requested = name
			return nil, nil
		}
		cfg := config.Multiplexed{
			TelemetryTable: &table,
			Members:        map[interfaces.MemberID]config.BlobConfig{1: config.Files{Path: filepath.Join(root, "t1")}},
		}
		bs, err := f.MakeBlobstore(ctx, 1, cfg, config.LocalDB{Path: filepath.Join(root, "tdb")}, nil)
		require.NoError(t, err)
		defer interfaces.CloseBlobstore(bs)
		assert.Equal(t, table, requested)
	})
}
