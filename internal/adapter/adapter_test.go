package adapter

import (
	"bytes"
	"context"
	"io"
	"os"
	"syscall"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/objectfs/blobfs/internal/config"
	"github.com/objectfs/blobfs/internal/metrics"
	"github.com/objectfs/blobfs/internal/namespace"
	"github.com/objectfs/blobfs/internal/storage/memory"
	fserrors "github.com/objectfs/blobfs/pkg/errors"
	"github.com/objectfs/blobfs/pkg/health"
	"github.com/objectfs/blobfs/pkg/types"
)

const container = "test"

func testConfig(t *testing.T) *config.Configuration {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Storage.Backend = "memory"
	cfg.Storage.Container = container
	cfg.Cache.Dir = t.TempDir()
	cfg.Listing.PageSize = 2
	cfg.Listing.RetryDelay = 0
	return cfg
}

func newTestAdapter(t *testing.T) (*Adapter, *memory.Store) {
	t.Helper()
	mem := memory.New()
	a, err := New(context.Background(), testConfig(t), mem, nil, nil)
	require.NoError(t, err)
	t.Cleanup(a.Stop)
	return a, mem
}

func download(t *testing.T, mem *memory.Store, name string) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, mem.Download(context.Background(), container, name, &buf))
	return buf.String()
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Container = ""
	_, err := New(context.Background(), cfg, memory.New(), nil, nil)
	assert.Error(t, err)

	_, err = New(context.Background(), nil, memory.New(), nil, nil)
	assert.Error(t, err)
}

func TestNewProbesContainer(t *testing.T) {
	mem := memory.New()
	mem.FailNext(memory.OpList, 1, 403)

	_, err := New(context.Background(), testConfig(t), mem, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list container")
}

func TestOpenDownloadsIntoCache(t *testing.T) {
	a, mem := newTestAdapter(t)
	mem.Put(container, "docs/a.txt", []byte("hello"), nil)
	ctx := context.Background()

	h, err := a.Open(ctx, "/docs/a.txt", os.O_RDONLY)
	require.NoError(t, err)
	assert.FileExists(t, a.Local().Path("/docs/a.txt"))

	buf := make([]byte, 5)
	n, err := h.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	// A second open uses the cached copy.
	h2, err := a.Open(ctx, "/docs/a.txt", os.O_RDONLY)
	require.NoError(t, err)
	assert.Equal(t, 1, mem.Calls(memory.OpDownload))

	require.NoError(t, a.Release(ctx, h2))
	require.NoError(t, a.Release(ctx, h))
	assert.Equal(t, 0, mem.Calls(memory.OpUpload))
	assert.Equal(t, 2, a.evictor.Len())
}

func TestOpenMissingFile(t *testing.T) {
	a, _ := newTestAdapter(t)

	_, err := a.Open(context.Background(), "/nope.txt", os.O_RDONLY)
	require.Error(t, err)
	assert.Equal(t, syscall.ENOENT, a.Errno(err))
	assert.NoFileExists(t, a.Local().Path("/nope.txt"))
}

func TestCreateWriteUploadsOnRelease(t *testing.T) {
	a, mem := newTestAdapter(t)
	ctx := context.Background()

	h, err := a.Create(ctx, "/new/file.txt", os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("payload"), 0)
	require.NoError(t, err)
	assert.True(t, h.Dirty())

	require.NoError(t, a.Flush(ctx, h))
	assert.False(t, h.Dirty())
	assert.Equal(t, "payload", download(t, mem, "new/file.txt"))

	// Clean handle: release does not upload again.
	require.NoError(t, a.Release(ctx, h))
	assert.Equal(t, 1, mem.Calls(memory.OpUpload))

	attrs, err := a.GetAttributes(ctx, "/new/file.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(7), attrs.Size)
}

func TestOpenWithTruncateMarksDirty(t *testing.T) {
	a, mem := newTestAdapter(t)
	mem.Put(container, "a.txt", []byte("old contents"), nil)
	ctx := context.Background()

	h, err := a.Open(ctx, "/a.txt", os.O_RDWR|os.O_TRUNC)
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx, h))
	assert.Equal(t, "", download(t, mem, "a.txt"))
}

func TestTruncate(t *testing.T) {
	a, mem := newTestAdapter(t)
	mem.Put(container, "a.txt", []byte("hello world"), nil)

	require.NoError(t, a.Truncate(context.Background(), "/a.txt", 5))
	assert.Equal(t, "hello", download(t, mem, "a.txt"))
	assert.Equal(t, 1, a.evictor.Len())
}

// uploadHookStore runs onUpload before delegating each upload.
type uploadHookStore struct {
	*memory.Store
	onUpload func(name string)
}

func (s *uploadHookStore) Upload(ctx context.Context, container, name string, r io.Reader, metadata map[string]string) error {
	s.onUpload(name)
	return s.Store.Upload(ctx, container, name, r, metadata)
}

func TestTruncateKeepsCacheCopyLockedDuringUpload(t *testing.T) {
	mem := memory.New()
	mem.Put(container, "a.txt", []byte("hello world"), nil)
	cfg := testConfig(t)

	var exclusiveErr error
	store := &uploadHookStore{Store: mem}
	a, err := New(context.Background(), cfg, store, nil, nil)
	require.NoError(t, err)
	t.Cleanup(a.Stop)

	store.onUpload = func(name string) {
		f, err := os.OpenFile(a.Local().Path("/"+name), os.O_WRONLY, 0)
		require.NoError(t, err)
		defer f.Close()
		exclusiveErr = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	}

	require.NoError(t, a.Truncate(context.Background(), "/a.txt", 5))
	assert.ErrorIs(t, exclusiveErr, unix.EWOULDBLOCK)
	assert.Equal(t, "hello", download(t, mem, "a.txt"))
}

func TestFlushAfterRenameUploadsToNewName(t *testing.T) {
	a, mem := newTestAdapter(t)
	ctx := context.Background()

	h, err := a.Create(ctx, "/a.txt", os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("payload"), 0)
	require.NoError(t, err)

	require.NoError(t, a.Relocate(ctx, "/a.txt", "/b.txt"))
	assert.Equal(t, "/b.txt", h.Path())

	require.NoError(t, a.Release(ctx, h))
	assert.Equal(t, "payload", download(t, mem, "b.txt"))
	assert.False(t, mem.Has(container, "a.txt"))
}

func TestFlushAfterParentRenameUploadsToNewName(t *testing.T) {
	a, mem := newTestAdapter(t)
	mem.Put(container, "docs/", nil, nil)
	mem.Put(container, "docs/readme.txt", []byte("r"), nil)
	mem.Put(container, "docsx.txt", []byte("x"), nil)
	ctx := context.Background()

	h, err := a.Open(ctx, "/docs/readme.txt", os.O_RDWR)
	require.NoError(t, err)
	other, err := a.Open(ctx, "/docsx.txt", os.O_RDONLY)
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("updated"), 0)
	require.NoError(t, err)

	require.NoError(t, a.Relocate(ctx, "/docs", "/archive"))
	assert.Equal(t, "/archive/readme.txt", h.Path())
	assert.Equal(t, "/docsx.txt", other.Path())

	require.NoError(t, a.Release(ctx, h))
	require.NoError(t, a.Release(ctx, other))
	assert.Equal(t, "updated", download(t, mem, "archive/readme.txt"))
	assert.False(t, mem.Has(container, "docs/readme.txt"))
	assert.Empty(t, a.handles)
}

func TestMkdirRmdir(t *testing.T) {
	a, mem := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Mkdir(ctx, "/d"))
	props, err := mem.GetProperties(ctx, container, "d")
	require.NoError(t, err)
	assert.True(t, types.IsDirectoryMarker(props.Size, props.Metadata))

	attrs, err := a.GetAttributes(ctx, "/d")
	require.NoError(t, err)
	assert.True(t, attrs.IsDir())

	status, err := a.IsDirectoryEmpty(ctx, "/d")
	require.NoError(t, err)
	assert.Equal(t, namespace.DirEmpty, status)

	require.NoError(t, a.Rmdir(ctx, "/d"))
	assert.False(t, mem.Has(container, "d"))
	assert.NoDirExists(t, a.Local().Path("/d"))

	_, err = a.GetAttributes(ctx, "/d")
	assert.Equal(t, syscall.ENOENT, a.Errno(err))
}

func TestRmdirNotEmpty(t *testing.T) {
	ctx := context.Background()

	t.Run("remote child", func(t *testing.T) {
		a, mem := newTestAdapter(t)
		mem.Put(container, "d", nil, types.FolderMetadata())
		mem.Put(container, "d/x.txt", []byte("x"), nil)

		err := a.Rmdir(ctx, "/d")
		require.Error(t, err)
		assert.Equal(t, syscall.ENOTEMPTY, a.Errno(err))
		assert.True(t, mem.Has(container, "d"))
	})

	t.Run("local child", func(t *testing.T) {
		a, _ := newTestAdapter(t)
		require.NoError(t, a.Mkdir(ctx, "/d"))
		h, err := a.Create(ctx, "/d/pending.txt", os.O_WRONLY, 0)
		require.NoError(t, err)
		defer func() { _ = a.Release(ctx, h) }()

		err = a.Rmdir(ctx, "/d")
		assert.Equal(t, syscall.ENOTEMPTY, a.Errno(err))
	})

	t.Run("legacy marker only", func(t *testing.T) {
		a, mem := newTestAdapter(t)
		mem.Put(container, "d/.directory", nil, nil)

		require.NoError(t, a.Rmdir(ctx, "/d"))
		assert.Empty(t, mem.Names(container))
	})
}

func TestRmdirMissing(t *testing.T) {
	a, _ := newTestAdapter(t)
	err := a.Rmdir(context.Background(), "/ghost")
	assert.Equal(t, syscall.ENOENT, a.Errno(err))
}

func TestUnlink(t *testing.T) {
	a, mem := newTestAdapter(t)
	mem.Put(container, "a.txt", []byte("a"), nil)
	ctx := context.Background()

	h, err := a.Open(ctx, "/a.txt", os.O_RDONLY)
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx, h))

	require.NoError(t, a.Unlink(ctx, "/a.txt"))
	assert.False(t, mem.Has(container, "a.txt"))
	assert.NoFileExists(t, a.Local().Path("/a.txt"))

	err = a.Unlink(ctx, "/a.txt")
	assert.Equal(t, syscall.ENOENT, a.Errno(err))
}

func TestRelocateAndReadDir(t *testing.T) {
	a, mem := newTestAdapter(t)
	mem.Put(container, "docs/", nil, nil)
	mem.Put(container, "docs/readme.txt", []byte("r"), nil)
	ctx := context.Background()

	require.NoError(t, a.Relocate(ctx, "/docs", "/docs2"))

	entries, err := a.ReadDir(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []namespace.DirEntry{{Name: "docs2", IsDir: true}}, entries)

	entries, err = a.ReadDir(ctx, "/docs2")
	require.NoError(t, err)
	assert.Equal(t, []namespace.DirEntry{{Name: "readme.txt"}}, entries)
}

func TestStubbedOperations(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	assert.NoError(t, a.Access(ctx, "/x", 0))
	assert.NoError(t, a.Chmod(ctx, "/x", 0o600))
	assert.NoError(t, a.Chown(ctx, "/x", 1, 1))
	assert.NoError(t, a.Fsync(ctx, "/x"))

	_, err := a.Readlink(ctx, "/x")
	assert.Equal(t, syscall.EINVAL, a.Errno(err))

	_, err = a.Getxattr(ctx, "/x", "user.a")
	assert.Equal(t, syscall.ENOSYS, a.Errno(err))
	assert.Equal(t, syscall.ENOSYS, a.Errno(a.Setxattr(ctx, "/x", "user.a", nil, 0)))
	_, err = a.Listxattr(ctx, "/x")
	assert.Equal(t, syscall.ENOSYS, a.Errno(err))
	assert.Equal(t, syscall.ENOSYS, a.Errno(a.Removexattr(ctx, "/x", "user.a")))
}

func TestErrnoRecordsUnmappedStatus(t *testing.T) {
	collector, err := metrics.NewCollector(&metrics.Config{Enabled: true, Namespace: "blobfs"}, nil)
	require.NoError(t, err)
	a, err := New(context.Background(), testConfig(t), memory.New(), nil, collector)
	require.NoError(t, err)

	backendErr := fserrors.NewError(fserrors.ErrCodeBackendFailure, "teapot").WithStatus(418)
	assert.Equal(t, syscall.EIO, a.Errno(backendErr))
	assert.Equal(t, syscall.Errno(0), a.Errno(nil))

	count, err := testutil.GatherAndCount(collector.Registry(), "blobfs_unmapped_status_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDestroyRemovesCache(t *testing.T) {
	a, mem := newTestAdapter(t)
	mem.Put(container, "a.txt", []byte("a"), nil)
	ctx := context.Background()
	a.Start()

	h, err := a.Open(ctx, "/a.txt", os.O_RDONLY)
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx, h))

	require.NoError(t, a.Destroy())
	assert.NoDirExists(t, a.Local().Root())
}

func TestStatfs(t *testing.T) {
	a, _ := newTestAdapter(t)
	st, err := a.Statfs()
	require.NoError(t, err)
	assert.NotZero(t, st.Blocks)
}

func TestRemoteFailuresDegradeStoreHealth(t *testing.T) {
	a, mem := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Open(ctx, "/missing", os.O_RDONLY)
	require.Error(t, err)
	assert.True(t, a.Health().IsHealthy(health.ComponentStore))

	mem.FailNext(memory.OpUpload, 3, 503)
	for _, p := range []string{"/d1", "/d2", "/d3"} {
		assert.Error(t, a.Mkdir(ctx, p))
	}
	assert.Equal(t, health.StateDegraded, a.Health().GetState(health.ComponentStore))

	require.NoError(t, a.CheckHealth(ctx, health.ComponentStore))
	require.NoError(t, a.CheckHealth(ctx, health.ComponentCache))
	assert.Error(t, a.CheckHealth(ctx, "network"))
}
