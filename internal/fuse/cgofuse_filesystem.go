//go:build cgofuse

package fuse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"

	"github.com/objectfs/blobfs/internal/adapter"
	"github.com/objectfs/blobfs/internal/namespace"
	fserrors "github.com/objectfs/blobfs/pkg/errors"
	"github.com/objectfs/blobfs/pkg/types"
)

// CgoFuseFS is the path-based kernel adapter built on cgofuse. It runs on
// every platform cgofuse supports, including macFUSE and WinFsp.
type CgoFuseFS struct {
	fuse.FileSystemBase

	core     *adapter.Adapter
	config   *MountConfig
	logger   *zap.Logger
	recorder operationRecorder

	mu         sync.RWMutex
	handles    map[uint64]*adapter.Handle
	nextHandle uint64
	host       *fuse.FileSystemHost
	mounted    bool
	ready      chan struct{}
	done       chan struct{}
}

// NewCgoFuseFS creates a new cgofuse-based filesystem
func NewCgoFuseFS(core *adapter.Adapter, config *MountConfig, logger *zap.Logger, metrics types.MetricsCollector) *CgoFuseFS {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Options == nil {
		config.Options = DefaultMountOptions()
	}
	cfs := &CgoFuseFS{
		core:       core,
		config:     config,
		logger:     logger,
		handles:    make(map[uint64]*adapter.Handle),
		nextHandle: 1,
	}
	if rec, ok := metrics.(operationRecorder); ok {
		cfs.recorder = rec
	}
	return cfs
}

// mountOptions builds the host's command-line style options.
func (cfs *CgoFuseFS) mountOptions() []string {
	o := cfs.config.Options
	options := []string{
		"-o", "fsname=" + o.FSName,
		"-o", "subtype=" + o.Subtype,
	}
	if o.AllowOther {
		options = append(options, "-o", "allow_other")
	}
	if o.ReadOnly {
		options = append(options, "-o", "ro")
	}
	switch runtime.GOOS {
	case "darwin":
		options = append(options, "-o", "volname="+o.FSName)
	case "windows":
		options = append(options, "-o", "FileSystemName="+o.FSName)
	}
	return options
}

// Mount mounts the filesystem and returns once the kernel has called Init
// or the mount has failed.
func (cfs *CgoFuseFS) Mount(ctx context.Context) error {
	cfs.mu.Lock()
	if cfs.mounted {
		cfs.mu.Unlock()
		return fmt.Errorf("filesystem already mounted")
	}
	cfs.host = fuse.NewFileSystemHost(cfs)
	cfs.ready = make(chan struct{})
	cfs.done = make(chan struct{})
	host, ready, done := cfs.host, cfs.ready, cfs.done
	cfs.mu.Unlock()

	failed := make(chan struct{})
	go func() {
		defer close(done)
		if !host.Mount(cfs.config.MountPoint, cfs.mountOptions()) {
			close(failed)
		}
		cfs.mu.Lock()
		cfs.mounted = false
		cfs.mu.Unlock()
	}()

	select {
	case <-ready:
	case <-failed:
		return fmt.Errorf("failed to mount filesystem at %s", cfs.config.MountPoint)
	case <-ctx.Done():
		host.Unmount()
		return ctx.Err()
	}

	cfs.mu.Lock()
	cfs.mounted = true
	cfs.mu.Unlock()
	cfs.core.Start()

	cfs.logger.Info("Filesystem mounted",
		zap.String("mount_point", cfs.config.MountPoint),
		zap.String("adapter", "cgofuse"))
	return nil
}

// Unmount unmounts the filesystem
func (cfs *CgoFuseFS) Unmount() error {
	cfs.mu.RLock()
	host, mounted := cfs.host, cfs.mounted
	cfs.mu.RUnlock()

	if !mounted || host == nil {
		return fmt.Errorf("filesystem not mounted")
	}
	if !host.Unmount() {
		return fmt.Errorf("unmount of %s failed", cfs.config.MountPoint)
	}
	return nil
}

// IsMounted returns whether the filesystem is mounted
func (cfs *CgoFuseFS) IsMounted() bool {
	cfs.mu.RLock()
	defer cfs.mu.RUnlock()
	return cfs.mounted
}

// Wait blocks until the host stops serving.
func (cfs *CgoFuseFS) Wait() {
	cfs.mu.RLock()
	done := cfs.done
	cfs.mu.RUnlock()
	if done != nil {
		<-done
	}
}

// Init is called by the host once the mount is live.
func (cfs *CgoFuseFS) Init() {
	cfs.mu.RLock()
	ready := cfs.ready
	cfs.mu.RUnlock()
	if ready != nil {
		close(ready)
	}
}

// Destroy is called by the host on unmount.
func (cfs *CgoFuseFS) Destroy() {
	if err := cfs.core.Destroy(); err != nil {
		cfs.logger.Error("Failed to clean up cache", zap.Error(err))
	}
}

// FUSE Operations Implementation

func (cfs *CgoFuseFS) errno(op, path string, start time.Time, err error) int {
	var errno syscall.Errno
	if err != nil {
		errno = cfs.core.Errno(err)
	}
	if cfs.recorder != nil {
		cfs.recorder.RecordOperation(op, time.Since(start), errno == 0)
	}
	if errno != 0 && errno != syscall.ENOENT {
		cfs.logger.Debug("Operation failed",
			zap.String("op", op),
			zap.String("path", path),
			zap.String("errno", errno.Error()))
	}
	return fserrors.Negative(errno)
}

// Getattr gets file attributes
func (cfs *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	start := time.Now()
	attrs, err := cfs.core.GetAttributes(context.Background(), path)
	if err == nil {
		fillStat(stat, attrs)
	}
	return cfs.errno("getattr", path, start, err)
}

func (cfs *CgoFuseFS) Statfs(path string, stat *fuse.Statfs_t) int {
	start := time.Now()
	st, err := cfs.core.Statfs()
	if err == nil {
		info := statfsInfoOf(st)
		stat.Bsize = info.Bsize
		stat.Frsize = info.Frsize
		stat.Blocks = info.Blocks
		stat.Bfree = info.Bfree
		stat.Bavail = info.Bavail
		stat.Files = info.Files
		stat.Ffree = info.Ffree
		stat.Favail = info.Ffree
		stat.Namemax = info.NameLen
	}
	return cfs.errno("statfs", path, start, err)
}

func (cfs *CgoFuseFS) Mkdir(path string, mode uint32) int {
	start := time.Now()
	return cfs.errno("mkdir", path, start, cfs.core.Mkdir(context.Background(), path))
}

func (cfs *CgoFuseFS) Rmdir(path string) int {
	start := time.Now()
	return cfs.errno("rmdir", path, start, cfs.core.Rmdir(context.Background(), path))
}

func (cfs *CgoFuseFS) Unlink(path string) int {
	start := time.Now()
	return cfs.errno("unlink", path, start, cfs.core.Unlink(context.Background(), path))
}

func (cfs *CgoFuseFS) Rename(oldpath, newpath string) int {
	start := time.Now()
	return cfs.errno("rename", oldpath, start, cfs.core.Relocate(context.Background(), oldpath, newpath))
}

func (cfs *CgoFuseFS) Create(path string, flags int, mode uint32) (int, uint64) {
	start := time.Now()
	h, err := cfs.core.Create(context.Background(), path, flags, mode)
	if err != nil {
		return cfs.errno("create", path, start, err), ^uint64(0)
	}
	return cfs.errno("create", path, start, nil), cfs.addHandle(h)
}

// Open opens a file
func (cfs *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	start := time.Now()
	h, err := cfs.core.Open(context.Background(), path, flags)
	if err != nil {
		return cfs.errno("open", path, start, err), ^uint64(0)
	}
	return cfs.errno("open", path, start, nil), cfs.addHandle(h)
}

// Read reads from a file
func (cfs *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	h, ok := cfs.handle(fh)
	if !ok {
		return -fuse.EBADF
	}
	n, err := h.ReadAt(buff, ofst)
	if err != nil && !errors.Is(err, io.EOF) {
		return fserrors.Negative(cfs.core.Errno(err))
	}
	return n
}

// Write writes to a file
func (cfs *CgoFuseFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	h, ok := cfs.handle(fh)
	if !ok {
		return -fuse.EBADF
	}
	n, err := h.WriteAt(buff, ofst)
	if err != nil {
		return fserrors.Negative(cfs.core.Errno(err))
	}
	return n
}

func (cfs *CgoFuseFS) Truncate(path string, size int64, fh uint64) int {
	start := time.Now()
	var err error
	if h, ok := cfs.handle(fh); ok {
		err = h.Truncate(size)
	} else {
		err = cfs.core.Truncate(context.Background(), path, size)
	}
	return cfs.errno("truncate", path, start, err)
}

func (cfs *CgoFuseFS) Flush(path string, fh uint64) int {
	h, ok := cfs.handle(fh)
	if !ok {
		return 0
	}
	start := time.Now()
	return cfs.errno("flush", path, start, cfs.core.Flush(context.Background(), h))
}

// Release closes a file
func (cfs *CgoFuseFS) Release(path string, fh uint64) int {
	cfs.mu.Lock()
	h, ok := cfs.handles[fh]
	delete(cfs.handles, fh)
	cfs.mu.Unlock()
	if !ok {
		return 0
	}
	start := time.Now()
	return cfs.errno("release", path, start, cfs.core.Release(context.Background(), h))
}

func (cfs *CgoFuseFS) Fsync(path string, datasync bool, fh uint64) int {
	return fserrors.Negative(cfs.core.Errno(cfs.core.Fsync(context.Background(), path)))
}

func (cfs *CgoFuseFS) Opendir(path string) (int, uint64) {
	return 0, ^uint64(0)
}

func (cfs *CgoFuseFS) Releasedir(path string, fh uint64) int {
	return 0
}

// Readdir reads directory contents
func (cfs *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	start := time.Now()
	entries, err := cfs.core.ReadDir(context.Background(), path)
	if err != nil {
		return cfs.errno("readdir", path, start, err)
	}

	fill(".", nil, 0)
	fill("..", nil, 0)
	for _, e := range entries {
		if !fill(e.Name, &fuse.Stat_t{Mode: direntMode(e)}, 0) {
			break
		}
	}
	return cfs.errno("readdir", path, start, nil)
}

func (cfs *CgoFuseFS) Access(path string, mask uint32) int {
	return fserrors.Negative(cfs.core.Errno(cfs.core.Access(context.Background(), path, mask)))
}

func (cfs *CgoFuseFS) Chmod(path string, mode uint32) int {
	return fserrors.Negative(cfs.core.Errno(cfs.core.Chmod(context.Background(), path, mode)))
}

func (cfs *CgoFuseFS) Chown(path string, uid uint32, gid uint32) int {
	return fserrors.Negative(cfs.core.Errno(cfs.core.Chown(context.Background(), path, uid, gid)))
}

func (cfs *CgoFuseFS) Utimens(path string, tmsp []fuse.Timespec) int {
	var atime, mtime time.Time
	if len(tmsp) > 0 {
		atime = tmsp[0].Time()
	}
	if len(tmsp) > 1 {
		mtime = tmsp[1].Time()
	}
	return fserrors.Negative(cfs.core.Errno(cfs.core.Utimens(context.Background(), path, atime, mtime)))
}

func (cfs *CgoFuseFS) Readlink(path string) (int, string) {
	_, err := cfs.core.Readlink(context.Background(), path)
	return fserrors.Negative(cfs.core.Errno(err)), ""
}

func (cfs *CgoFuseFS) Setxattr(path string, name string, value []byte, flags int) int {
	return fserrors.Negative(cfs.core.Errno(cfs.core.Setxattr(context.Background(), path, name, value, flags)))
}

func (cfs *CgoFuseFS) Getxattr(path string, name string) (int, []byte) {
	_, err := cfs.core.Getxattr(context.Background(), path, name)
	return fserrors.Negative(cfs.core.Errno(err)), nil
}

func (cfs *CgoFuseFS) Removexattr(path string, name string) int {
	return fserrors.Negative(cfs.core.Errno(cfs.core.Removexattr(context.Background(), path, name)))
}

func (cfs *CgoFuseFS) Listxattr(path string, fill func(name string) bool) int {
	_, err := cfs.core.Listxattr(context.Background(), path)
	return fserrors.Negative(cfs.core.Errno(err))
}

// Helper methods

func (cfs *CgoFuseFS) addHandle(h *adapter.Handle) uint64 {
	cfs.mu.Lock()
	defer cfs.mu.Unlock()
	fh := cfs.nextHandle
	cfs.nextHandle++
	cfs.handles[fh] = h
	return fh
}

func (cfs *CgoFuseFS) handle(fh uint64) (*adapter.Handle, bool) {
	cfs.mu.RLock()
	defer cfs.mu.RUnlock()
	h, ok := cfs.handles[fh]
	return h, ok
}

func fillStat(stat *fuse.Stat_t, a *namespace.Attributes) {
	stat.Mode = a.Mode
	stat.Nlink = a.Nlink
	stat.Uid = a.UID
	stat.Gid = a.GID
	stat.Size = a.Size
	stat.Blksize = 4096
	stat.Blocks = (a.Size + 511) / 512
	stat.Atim = fuse.NewTimespec(a.Atime)
	stat.Mtim = fuse.NewTimespec(a.Mtime)
	stat.Ctim = fuse.NewTimespec(a.Ctime)
}
