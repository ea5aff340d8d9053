package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/objectfs/blobfs/internal/cache"
	"github.com/objectfs/blobfs/internal/config"
	"github.com/objectfs/blobfs/internal/namespace"
	"github.com/objectfs/blobfs/internal/pathlock"
	"github.com/objectfs/blobfs/internal/relocate"
	fserrors "github.com/objectfs/blobfs/pkg/errors"
	"github.com/objectfs/blobfs/pkg/health"
	"github.com/objectfs/blobfs/pkg/retry"
	"github.com/objectfs/blobfs/pkg/types"
	"github.com/objectfs/blobfs/pkg/utils"
)

// unmappedRecorder is implemented by collectors that count backend status
// codes missing from the errno table.
type unmappedRecorder interface {
	RecordUnmappedStatus(code int)
}

// Adapter is the filesystem core. It owns the path lock registry, the
// errno translator, the local cache and its evictor, the namespace resolver
// and the relocation engine, and exposes path-based operations to the
// kernel adapters.
type Adapter struct {
	config    *config.Configuration
	store     types.BlobStore
	container string

	locks      *pathlock.Registry
	translator *fserrors.Translator
	local      *cache.Local
	evictor    *cache.Evictor
	resolver   *namespace.Resolver
	engine     *relocate.Engine
	health     *health.Tracker

	handlesMu sync.Mutex
	handles   map[*Handle]struct{}

	stopHealth context.CancelFunc
	logger     *zap.Logger
	metrics    types.MetricsCollector
}

// New creates the filesystem core over store. The container is probed once
// so that bad credentials or a missing container fail the mount instead of
// the first file operation.
func New(ctx context.Context, cfg *config.Configuration, store types.BlobStore, logger *zap.Logger, metrics types.MetricsCollector) (*Adapter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}

	local := cache.NewLocal(cfg.Cache.Dir)
	if err := os.MkdirAll(local.Root(), 0o770); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	locks := pathlock.New()
	translator := fserrors.NewTranslator(logger.Named("errors"))
	if rec, ok := metrics.(unmappedRecorder); ok {
		translator.OnUnmapped(rec.RecordUnmappedStatus)
	}

	container := cfg.Storage.Container
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.Listing.MaxFailures
	rc.InitialDelay = cfg.Listing.RetryDelay
	if cfg.Listing.MaxRetryDelay > 0 {
		rc.MaxDelay = cfg.Listing.MaxRetryDelay
	}

	resolver := namespace.New(store, local, locks, namespace.Config{
		Container: container,
		PageSize:  cfg.Listing.PageSize,
		Retry:     rc,
		UID:       cfg.FUSE.UID,
		GID:       cfg.FUSE.GID,
		FileMode:  cfg.FUSE.FileMode,
		DirMode:   cfg.FUSE.DirMode,
	}, logger.Named("namespace"), metrics)

	engine := relocate.New(store, local, locks, resolver, relocate.Config{
		Container: container,
		PageSize:  cfg.Listing.PageSize,
	}, logger.Named("relocate"), metrics)

	evictor := cache.NewEvictor(local, locks, cache.EvictorConfig{
		TTL:           cfg.Cache.TTL,
		HighThreshold: cfg.Cache.HighThreshold,
		LowThreshold:  cfg.Cache.LowThreshold,
		PollInterval:  cfg.Cache.PollInterval,
	}, logger.Named("evictor"), metrics)

	tracker := health.NewTracker(health.DefaultConfig())
	tracker.RegisterComponent(health.ComponentStore)
	tracker.RegisterComponent(health.ComponentCache)
	tracker.AddStateChangeCallback(func(component string, oldState, newState health.HealthState, err error) {
		logger.Warn("Component health changed",
			zap.String("component", component),
			zap.Stringer("from", oldState),
			zap.Stringer("to", newState),
			zap.Error(err))
	})

	a := &Adapter{
		config:     cfg,
		store:      store,
		container:  container,
		locks:      locks,
		translator: translator,
		local:      local,
		evictor:    evictor,
		resolver:   resolver,
		engine:     engine,
		health:     tracker,
		handles:    make(map[*Handle]struct{}),
		logger:     logger,
		metrics:    metrics,
	}

	if _, err := store.ListHierarchical(ctx, container, types.Delimiter, "", "", 1); err != nil {
		metrics.RecordRemoteCall("list", false)
		return nil, fmt.Errorf("failed to list container %q: %w", container, err)
	}
	metrics.RecordRemoteCall("list", true)

	logger.Info("Filesystem core initialized",
		zap.String("container", container),
		zap.String("cache_dir", local.Dir()),
		zap.Duration("cache_ttl", cfg.Cache.TTL))
	return a, nil
}

// Start launches the cache sweeper and the periodic health probes.
func (a *Adapter) Start() {
	a.evictor.Start()
	if a.stopHealth == nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.stopHealth = cancel
		go a.health.StartHealthChecks(ctx, a.CheckHealth)
	}
}

// Stop halts the cache sweeper and the health probes. Files already queued
// stay on disk.
func (a *Adapter) Stop() {
	a.evictor.Stop()
	if a.stopHealth != nil {
		a.stopHealth()
	}
}

// Destroy stops the sweeper and removes every cached file. Called at unmount.
func (a *Adapter) Destroy() error {
	a.Stop()
	err := a.local.Destroy()
	if err != nil {
		a.logger.Error("Failed to remove cache tree", zap.Error(err))
	}
	return err
}

// Health returns the component health tracker.
func (a *Adapter) Health() *health.Tracker {
	return a.health
}

// CheckHealth probes one component: the store with a single-item listing,
// the cache with a statfs of its disk.
func (a *Adapter) CheckHealth(ctx context.Context, component string) error {
	switch component {
	case health.ComponentStore:
		_, err := a.store.ListHierarchical(ctx, a.container, types.Delimiter, "", "", 1)
		return err
	case health.ComponentCache:
		_, err := a.Statfs()
		return err
	default:
		return fmt.Errorf("unknown component %q", component)
	}
}

// Container returns the name of the mounted container.
func (a *Adapter) Container() string {
	return a.container
}

// Local returns the cache layout.
func (a *Adapter) Local() *cache.Local {
	return a.local
}

// Errno converts an error returned by any core operation into a positive
// errno and records it.
func (a *Adapter) Errno(err error) syscall.Errno {
	errno := a.translator.Errno(err)
	if errno != 0 {
		a.metrics.RecordErrno(int(errno))
	}
	return errno
}

// GetAttributes returns the attributes of p.
func (a *Adapter) GetAttributes(ctx context.Context, p string) (*namespace.Attributes, error) {
	return a.resolver.GetAttributes(ctx, p)
}

// ReadDir lists the children of p.
func (a *Adapter) ReadDir(ctx context.Context, p string) ([]namespace.DirEntry, error) {
	return a.resolver.ReadDir(ctx, p)
}

// IsDirectoryEmpty classifies the remote directory at p.
func (a *Adapter) IsDirectoryEmpty(ctx context.Context, p string) (namespace.DirStatus, error) {
	return a.resolver.IsDirectoryEmpty(ctx, a.container, utils.ObjectName(p))
}

// Relocate renames src to dst. Open handles under src follow the move so
// their next flush uploads to the new name.
func (a *Adapter) Relocate(ctx context.Context, src, dst string) error {
	src, dst = utils.CleanPath(src), utils.CleanPath(dst)
	if err := a.engine.Relocate(ctx, src, dst); err != nil {
		return err
	}
	a.repoint(src, dst)
	return nil
}

func (a *Adapter) track(h *Handle) {
	a.handlesMu.Lock()
	a.handles[h] = struct{}{}
	a.handlesMu.Unlock()
}

func (a *Adapter) untrack(h *Handle) {
	a.handlesMu.Lock()
	delete(a.handles, h)
	a.handlesMu.Unlock()
}

// repoint moves every open handle at src, or below it, to the matching
// path under dst.
func (a *Adapter) repoint(src, dst string) {
	a.handlesMu.Lock()
	defer a.handlesMu.Unlock()
	for h := range a.handles {
		p := h.Path()
		if p == src {
			h.setPath(dst)
		} else if rest, ok := strings.CutPrefix(p, src+"/"); ok {
			h.setPath(dst + "/" + rest)
		}
	}
}

// FileClosed queues p for eviction from the cache.
func (a *Adapter) FileClosed(p string) {
	a.evictor.Enqueue(p)
	a.metrics.SetLockCount(a.locks.Len())
}

// Mkdir creates a directory: a folder-flagged marker object plus the local
// cache directory.
func (a *Adapter) Mkdir(ctx context.Context, p string) error {
	p = utils.CleanPath(p)
	if utils.IsRoot(p) {
		return fserrors.NewError(fserrors.ErrCodePathInvalid, "root already exists").
			WithOperation("mkdir").WithErrno(syscall.EEXIST)
	}

	lock := a.locks.Get(p)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(a.local.Path(p), 0o770); err != nil {
		return fserrors.LocalIO("mkdir", p, err).WithComponent("adapter")
	}
	return a.remote(ctx, "upload", func(ctx context.Context) error {
		return a.store.Upload(ctx, a.container, utils.ObjectName(p), bytes.NewReader(nil), types.FolderMetadata())
	})
}

// Rmdir removes an empty directory. It fails with ENOTEMPTY when the
// directory still has children locally or remotely.
func (a *Adapter) Rmdir(ctx context.Context, p string) error {
	p = utils.CleanPath(p)
	if utils.IsRoot(p) {
		return fserrors.NewError(fserrors.ErrCodePathInvalid, "cannot remove root").
			WithOperation("rmdir").WithErrno(syscall.EBUSY)
	}

	lock := a.locks.Get(p)
	lock.Lock()
	defer lock.Unlock()

	name := utils.ObjectName(p)
	status, err := a.resolver.IsDirectoryEmpty(ctx, a.container, name)
	if err != nil {
		return err
	}
	if status == namespace.DirNotEmpty {
		return notEmpty(p)
	}

	localDir := a.local.Path(p)
	entries, lerr := os.ReadDir(localDir)
	localExists := lerr == nil
	if lerr != nil && !errors.Is(lerr, fs.ErrNotExist) {
		return fserrors.LocalIO("readdir", p, lerr).WithComponent("adapter")
	}
	for _, de := range entries {
		if !utils.IsHidden(de.Name()) {
			return notEmpty(p)
		}
	}

	if status == namespace.DirNotExist && !localExists {
		return fserrors.NotFound("rmdir", p).WithComponent("adapter")
	}

	if localExists {
		if err := os.RemoveAll(localDir); err != nil {
			return fserrors.LocalIO("rmdir", p, err).WithComponent("adapter")
		}
	}

	if status == namespace.DirEmpty {
		for _, marker := range []string{name, name + types.Delimiter, name + types.Delimiter + types.LegacyDirectorySuffix} {
			marker := marker
			if err := a.remote(ctx, "delete", func(ctx context.Context) error {
				return a.store.Delete(ctx, a.container, marker)
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func notEmpty(p string) error {
	return fserrors.NewError(fserrors.ErrCodeNotEmpty, "directory not empty").
		WithComponent("adapter").
		WithOperation("rmdir").
		WithPath(p)
}

// Unlink removes a file from the cache and the remote store.
func (a *Adapter) Unlink(ctx context.Context, p string) error {
	p = utils.CleanPath(p)
	lock := a.locks.Get(p)
	lock.Lock()
	defer lock.Unlock()

	localExisted := true
	if err := os.Remove(a.local.Path(p)); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fserrors.LocalIO("unlink", p, err).WithComponent("adapter")
		}
		localExisted = false
	}

	name := utils.ObjectName(p)
	var props *types.Properties
	if err := a.remote(ctx, "get_properties", func(ctx context.Context) error {
		var err error
		props, err = a.store.GetProperties(ctx, a.container, name)
		return err
	}); err != nil {
		return err
	}
	if !props.Exists {
		if !localExisted {
			return fserrors.NotFound("unlink", p).WithComponent("adapter")
		}
		return nil
	}
	return a.remote(ctx, "delete", func(ctx context.Context) error {
		return a.store.Delete(ctx, a.container, name)
	})
}

// Statfs reports the capacity of the disk holding the cache.
func (a *Adapter) Statfs() (*unix.Statfs_t, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(a.local.Dir(), &st); err != nil {
		return nil, fserrors.LocalIO("statfs", a.local.Dir(), err).WithComponent("adapter")
	}
	return &st, nil
}

// Access permits everything; permissions are not enforced.
func (a *Adapter) Access(ctx context.Context, p string, mask uint32) error { return nil }

// Chmod is accepted and ignored.
func (a *Adapter) Chmod(ctx context.Context, p string, mode uint32) error { return nil }

// Chown is accepted and ignored.
func (a *Adapter) Chown(ctx context.Context, p string, uid, gid uint32) error { return nil }

// Utimens is accepted and ignored.
func (a *Adapter) Utimens(ctx context.Context, p string, atime, mtime time.Time) error { return nil }

// Fsync is accepted and ignored; data reaches the store on flush.
func (a *Adapter) Fsync(ctx context.Context, p string) error { return nil }

// Readlink always fails: there are no symbolic links.
func (a *Adapter) Readlink(ctx context.Context, p string) (string, error) {
	return "", fserrors.NewError(fserrors.ErrCodePathInvalid, "not a symbolic link").
		WithOperation("readlink").WithPath(p).WithErrno(syscall.EINVAL)
}

func notSupported(op, p string) error {
	return fserrors.NewError(fserrors.ErrCodeNotSupported, "extended attributes are not supported").
		WithOperation(op).WithPath(p).WithErrno(syscall.ENOSYS)
}

// Setxattr is not supported.
func (a *Adapter) Setxattr(ctx context.Context, p, attr string, data []byte, flags int) error {
	return notSupported("setxattr", p)
}

// Getxattr is not supported.
func (a *Adapter) Getxattr(ctx context.Context, p, attr string) ([]byte, error) {
	return nil, notSupported("getxattr", p)
}

// Listxattr is not supported.
func (a *Adapter) Listxattr(ctx context.Context, p string) ([]string, error) {
	return nil, notSupported("listxattr", p)
}

// Removexattr is not supported.
func (a *Adapter) Removexattr(ctx context.Context, p, attr string) error {
	return notSupported("removexattr", p)
}

// remote runs one store call and records it.
func (a *Adapter) remote(ctx context.Context, op string, fn func(context.Context) error) error {
	err := fn(ctx)
	a.metrics.RecordRemoteCall(op, err == nil)
	switch {
	case err == nil || fserrors.IsNotFound(err):
		a.health.RecordSuccess(health.ComponentStore)
	case errors.Is(err, context.Canceled):
	default:
		a.health.RecordError(health.ComponentStore, err)
	}
	return err
}
