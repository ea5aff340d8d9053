package adapter

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	fserrors "github.com/objectfs/blobfs/pkg/errors"
	"github.com/objectfs/blobfs/pkg/utils"
)

// Handle is an open file. Reads and writes go to the cache copy; the copy
// is uploaded on Flush when it was modified.
type Handle struct {
	file *os.File

	mu    sync.Mutex
	path  string
	dirty bool
}

// Path returns the current filesystem path of the handle. It changes when
// the file or one of its parents is renamed while open.
func (h *Handle) Path() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.path
}

func (h *Handle) setPath(p string) {
	h.mu.Lock()
	h.path = p
	h.mu.Unlock()
}

// ReadAt reads from the cache copy.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	return h.file.ReadAt(p, off)
}

// WriteAt writes to the cache copy and marks the handle dirty.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	h.dirty = true
	h.mu.Unlock()
	return h.file.WriteAt(p, off)
}

// Truncate resizes the cache copy and marks the handle dirty.
func (h *Handle) Truncate(size int64) error {
	h.mu.Lock()
	h.dirty = true
	h.mu.Unlock()
	return h.file.Truncate(size)
}

// Dirty reports whether the handle has unflushed modifications.
func (h *Handle) Dirty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dirty
}

// Open materialises p in the local cache and opens the cache copy with
// flags. The returned handle holds a shared advisory lock on the file so
// the evictor leaves it alone until it is released.
func (a *Adapter) Open(ctx context.Context, p string, flags int) (*Handle, error) {
	p = utils.CleanPath(p)
	lock := a.locks.Get(p)
	lock.Lock()
	defer lock.Unlock()

	if err := a.materialize(ctx, p); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(a.local.Path(p), flags&^(os.O_CREATE|os.O_EXCL), 0)
	if err != nil {
		return nil, fserrors.LocalIO("open", p, err).WithComponent("adapter")
	}
	if err := sharedLock(file, flags); err != nil {
		file.Close()
		a.logger.Debug("Failed to lock cache file", zap.String("path", p), zap.Error(err))
		return nil, fserrors.LocalIO("flock", p, err).WithComponent("adapter")
	}

	h := &Handle{path: p, file: file}
	if flags&os.O_TRUNC != 0 {
		h.dirty = true
	}
	a.track(h)
	return h, nil
}

// Create creates an empty file in the cache. It reaches the store on the
// first flush.
func (a *Adapter) Create(ctx context.Context, p string, flags int, mode uint32) (*Handle, error) {
	p = utils.CleanPath(p)
	lock := a.locks.Get(p)
	lock.Lock()
	defer lock.Unlock()

	if err := a.local.EnsureParentDirs(p); err != nil {
		return nil, err
	}
	if mode&0o777 == 0 {
		mode = a.config.FUSE.FileMode
	}
	openFlags := flags&^unix.O_ACCMODE | os.O_CREATE | os.O_RDWR | os.O_TRUNC
	file, err := os.OpenFile(a.local.Path(p), openFlags, os.FileMode(mode&0o777))
	if errors.Is(err, fs.ErrNotExist) {
		// The evictor pruned the parent after it was created.
		if err = a.local.EnsureParentDirs(p); err == nil {
			file, err = os.OpenFile(a.local.Path(p), openFlags, os.FileMode(mode&0o777))
		}
	}
	if err != nil {
		return nil, fserrors.LocalIO("create", p, err).WithComponent("adapter")
	}
	if err := sharedLock(file, flags); err != nil {
		file.Close()
		return nil, fserrors.LocalIO("flock", p, err).WithComponent("adapter")
	}
	h := &Handle{path: p, file: file, dirty: true}
	a.track(h)
	return h, nil
}

// Flush uploads the cache copy when the handle has been modified.
func (a *Adapter) Flush(ctx context.Context, h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return nil
	}
	if err := a.Upload(ctx, h.path); err != nil {
		return err
	}
	h.dirty = false
	return nil
}

// Release flushes and closes h, then queues its cache copy for eviction.
func (a *Adapter) Release(ctx context.Context, h *Handle) error {
	flushErr := a.Flush(ctx, h)
	a.untrack(h)
	closeErr := h.file.Close()
	p := h.Path()
	a.FileClosed(p)
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fserrors.LocalIO("close", p, closeErr).WithComponent("adapter")
	}
	return nil
}

// Upload writes the cache copy of p back to the store.
func (a *Adapter) Upload(ctx context.Context, p string) error {
	p = utils.CleanPath(p)
	file, err := os.Open(a.local.Path(p))
	if err != nil {
		return fserrors.LocalIO("open", p, err).WithComponent("adapter")
	}
	defer file.Close()

	return a.remote(ctx, "upload", func(ctx context.Context) error {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return fserrors.LocalIO("seek", p, err)
		}
		return a.store.Upload(ctx, a.container, utils.ObjectName(p), file, nil)
	})
}

// Truncate resizes p without an open handle and uploads the result. The
// cache copy stays under a shared lock until the upload finishes so the
// evictor cannot remove it in between.
func (a *Adapter) Truncate(ctx context.Context, p string, size int64) error {
	p = utils.CleanPath(p)
	lock := a.locks.Get(p)
	lock.Lock()
	if err := a.materialize(ctx, p); err != nil {
		lock.Unlock()
		return err
	}
	file, err := os.OpenFile(a.local.Path(p), os.O_RDWR, 0)
	if err != nil {
		lock.Unlock()
		return fserrors.LocalIO("open", p, err).WithComponent("adapter")
	}
	defer file.Close()
	if err := sharedLock(file, 0); err != nil {
		lock.Unlock()
		return fserrors.LocalIO("flock", p, err).WithComponent("adapter")
	}
	err = file.Truncate(size)
	lock.Unlock()
	if err != nil {
		return fserrors.LocalIO("truncate", p, err).WithComponent("adapter")
	}

	err = a.remote(ctx, "upload", func(ctx context.Context) error {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return fserrors.LocalIO("seek", p, err)
		}
		return a.store.Upload(ctx, a.container, utils.ObjectName(p), file, nil)
	})
	if err != nil {
		return err
	}
	a.FileClosed(p)
	return nil
}

// materialize downloads p into the cache unless a copy is already present.
// The caller holds p's path lock.
func (a *Adapter) materialize(ctx context.Context, p string) error {
	if a.local.Exists(p) {
		return nil
	}
	if err := a.local.EnsureParentDirs(p); err != nil {
		return err
	}

	target := a.local.Path(p)
	tmp, err := os.CreateTemp(filepath.Dir(target), ".blobfs-download-*")
	if err != nil {
		return fserrors.LocalIO("create", p, err).WithComponent("adapter")
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	err = a.remote(ctx, "download", func(ctx context.Context) error {
		return a.store.Download(ctx, a.container, utils.ObjectName(p), tmp)
	})
	closeErr := tmp.Close()
	if err != nil {
		if fserrors.IsNotFound(err) {
			return fserrors.NotFound("open", p).WithComponent("adapter").WithCause(err)
		}
		return err
	}
	if closeErr != nil {
		return fserrors.LocalIO("close", p, closeErr).WithComponent("adapter")
	}

	if err := os.Chmod(tmpName, os.FileMode(a.config.FUSE.FileMode&0o777)); err != nil {
		return fserrors.LocalIO("chmod", p, err).WithComponent("adapter")
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fserrors.LocalIO("rename", p, err).WithComponent("adapter")
	}
	tmpName = ""
	a.logger.Debug("Downloaded object into cache", zap.String("path", p))
	return nil
}

// sharedLock takes LOCK_SH on file, without blocking when the caller opened
// with O_NONBLOCK.
func sharedLock(file *os.File, flags int) error {
	how := unix.LOCK_SH
	if flags&unix.O_NONBLOCK != 0 {
		how |= unix.LOCK_NB
	}
	for {
		err := unix.Flock(int(file.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
