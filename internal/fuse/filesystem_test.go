package fuse

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/objectfs/blobfs/internal/config"
	"github.com/objectfs/blobfs/internal/metrics"
	"github.com/objectfs/blobfs/internal/namespace"
	"github.com/objectfs/blobfs/pkg/types"
)

func TestSafeConversions(t *testing.T) {
	assert.Equal(t, uint64(0), safeInt64ToUint64(-5))
	assert.Equal(t, uint64(42), safeInt64ToUint64(42))
	assert.Equal(t, uint32(0), safeIntToUint32(-1))
	assert.Equal(t, uint32(7), safeIntToUint32(7))
}

func TestFillAttr(t *testing.T) {
	mtime := time.Unix(1700000000, 500)
	attrs := &namespace.Attributes{
		Mode:  syscall.S_IFREG | 0o640,
		Nlink: 1,
		Size:  1025,
		Mtime: mtime,
		Atime: mtime,
		Ctime: mtime,
		UID:   1001,
		GID:   1002,
	}

	var out fuse.Attr
	fillAttr(attrs, &out)

	assert.Equal(t, uint32(syscall.S_IFREG|0o640), out.Mode)
	assert.Equal(t, uint32(1), out.Nlink)
	assert.Equal(t, uint64(1025), out.Size)
	assert.Equal(t, uint64(3), out.Blocks)
	assert.Equal(t, uint32(1001), out.Owner.Uid)
	assert.Equal(t, uint32(1002), out.Owner.Gid)
	assert.Equal(t, uint64(1700000000), out.Mtime)
	assert.Equal(t, uint32(500), out.Mtimensec)
}

func TestDirEntries(t *testing.T) {
	entries := dirEntries([]namespace.DirEntry{
		{Name: "."},
		{Name: "a.txt"},
		{Name: "docs", IsDir: true},
		{Name: ".."},
	})

	require.Len(t, entries, 2)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, uint32(syscall.S_IFREG), entries[0].Mode)
	assert.Equal(t, "docs", entries[1].Name)
	assert.Equal(t, uint32(syscall.S_IFDIR), entries[1].Mode)
}

func TestFillStatfs(t *testing.T) {
	var st unix.Statfs_t
	require.NoError(t, unix.Statfs(t.TempDir(), &st))

	var out fuse.StatfsOut
	fillStatfs(&st, &out)
	assert.Equal(t, st.Blocks, out.Blocks)
	assert.Equal(t, st.Bavail, out.Bavail)
	assert.NotZero(t, out.Bsize)
}

func TestNewFileSystemDetectsRecorder(t *testing.T) {
	collector, err := metrics.NewCollector(nil, zap.NewNop())
	require.NoError(t, err)

	withRecorder := NewFileSystem(nil, nil, nil, collector)
	assert.NotNil(t, withRecorder.recorder)
	assert.Equal(t, time.Second, withRecorder.attrTimeout)

	without := NewFileSystem(nil, nil, nil, types.NopMetrics{})
	assert.Nil(t, without.recorder)
}

func TestMountConfigFrom(t *testing.T) {
	cfg := config.NewDefault().FUSE
	cfg.MountPoint = "/mnt/blobs"
	cfg.AllowOther = true

	mc := MountConfigFrom(cfg)
	assert.Equal(t, "/mnt/blobs", mc.MountPoint)
	require.NotNil(t, mc.Options)
	assert.True(t, mc.Options.AllowOther)
	assert.Equal(t, "blobfs", mc.Options.FSName)
}

func TestBuildFUSEOptions(t *testing.T) {
	opts := DefaultMountOptions()
	opts.ReadOnly = true
	opts.AllowOther = true
	opts.AttrTimeout = 3 * time.Second
	m := NewMountManager(nil, &MountConfig{MountPoint: "/mnt/x", Options: opts}, nil)

	fo := m.buildFUSEOptions()
	assert.True(t, fo.MountOptions.AllowOther)
	assert.Equal(t, "blobfs", fo.MountOptions.FsName)
	assert.Equal(t, 128*1024, fo.MountOptions.MaxWrite)
	assert.Contains(t, fo.MountOptions.Options, "ro")
	require.NotNil(t, fo.AttrTimeout)
	assert.Equal(t, 3*time.Second, *fo.AttrTimeout)
	assert.True(t, fo.NullPermissions)
}

func TestValidateMountPoint(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	tests := []struct {
		name    string
		point   string
		wantErr string
	}{
		{"empty", "", "cannot be empty"},
		{"missing", filepath.Join(dir, "nope"), "does not exist"},
		{"not a directory", file, "not a directory"},
		{"ok", dir, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMountManager(nil, &MountConfig{MountPoint: tt.point}, nil)
			err := m.validateMountPoint()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMountedAt(t *testing.T) {
	mounts := "sysfs /sys sysfs rw 0 0\n" +
		"blobfs /mnt/blobs fuse.blobfs rw,nosuid 0 0\n"

	assert.True(t, mountedAt(mounts, "/mnt/blobs"))
	assert.True(t, mountedAt(mounts, "/mnt/blobs/"))
	assert.False(t, mountedAt(mounts, "/mnt/blob"))
	assert.False(t, mountedAt(mounts, "/mnt"))
}

func TestUnmountWithoutMount(t *testing.T) {
	m := NewMountManager(nil, &MountConfig{MountPoint: "/mnt/x"}, nil)
	assert.False(t, m.IsMounted())
	assert.Error(t, m.Unmount())
}
