// Package relocate implements rename for files and whole directory trees.
//
// The remote store has no rename and no multi-object transactions, so a
// directory is moved child by child: local cache entries first, then the
// remote listing, skipping whatever the local pass already handled. A
// failure part way through leaves both trees partially moved; nothing is
// rolled back.
package relocate

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/objectfs/blobfs/internal/cache"
	"github.com/objectfs/blobfs/internal/namespace"
	"github.com/objectfs/blobfs/internal/pathlock"
	fserrors "github.com/objectfs/blobfs/pkg/errors"
	"github.com/objectfs/blobfs/pkg/types"
	"github.com/objectfs/blobfs/pkg/utils"
)

// Relocation kinds recorded in metrics.
const (
	KindFile      = "file"
	KindDirectory = "directory"
)

// Config holds the engine settings.
type Config struct {
	Container string
	PageSize  int
}

// Engine moves files and directories in the cache and the remote store.
type Engine struct {
	store    types.BlobStore
	local    *cache.Local
	locks    *pathlock.Registry
	resolver *namespace.Resolver
	config   Config
	logger   *zap.Logger
	metrics  types.MetricsCollector
}

// New creates a relocation engine.
func New(store types.BlobStore, local *cache.Local, locks *pathlock.Registry, resolver *namespace.Resolver, config Config, logger *zap.Logger, metrics types.MetricsCollector) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	return &Engine{
		store:    store,
		local:    local,
		locks:    locks,
		resolver: resolver,
		config:   config,
		logger:   logger,
		metrics:  metrics,
	}
}

// Relocate moves src to dst. Directories are moved recursively.
func (e *Engine) Relocate(ctx context.Context, src, dst string) error {
	src, dst = utils.CleanPath(src), utils.CleanPath(dst)
	if src == dst {
		return nil
	}
	if utils.IsRoot(src) || utils.IsRoot(dst) || strings.HasPrefix(dst, src+"/") {
		return fserrors.NewError(fserrors.ErrCodePathInvalid, "cannot move a directory into itself").
			WithComponent("relocate").
			WithOperation("Relocate").
			WithPath(src)
	}

	attrs, err := e.resolver.GetAttributes(ctx, src)
	if err != nil {
		return err
	}

	kind := KindFile
	if attrs.IsDir() {
		kind = KindDirectory
		err = e.relocateDirectory(ctx, src, dst)
	} else {
		err = e.relocateFile(ctx, src, dst)
	}
	e.metrics.RecordRelocation(kind, err == nil)

	if err != nil {
		e.logger.Warn("relocation failed",
			zap.String("kind", kind),
			zap.String("src", src),
			zap.String("dst", dst),
			zap.Error(err))
		return err
	}
	e.logger.Debug("relocated", zap.String("kind", kind), zap.String("src", src), zap.String("dst", dst))
	return nil
}

func (e *Engine) relocateFile(ctx context.Context, src, dst string) error {
	unlock := e.locks.LockPair(src, dst)
	defer unlock()

	moved := false

	localSrc := e.local.Path(src)
	if _, err := os.Lstat(localSrc); err == nil {
		if err := e.local.EnsureParentDirs(dst); err != nil {
			return err
		}
		if err := os.Rename(localSrc, e.local.Path(dst)); err != nil {
			return fserrors.LocalIO("rename", src, err).WithComponent("relocate")
		}
		moved = true
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fserrors.LocalIO("lstat", src, err).WithComponent("relocate")
	}

	srcName, dstName := utils.ObjectName(src), utils.ObjectName(dst)
	props, err := e.properties(ctx, srcName)
	if err != nil {
		return err
	}
	if props.Exists {
		if err := e.move(ctx, srcName, dstName); err != nil {
			return err
		}
		moved = true
	}

	if !moved {
		return fserrors.NotFound("rename", src).WithComponent("relocate")
	}
	return nil
}

func (e *Engine) relocateDirectory(ctx context.Context, src, dst string) error {
	srcName, dstName := utils.ObjectName(src), utils.ObjectName(dst)
	companion := srcName + types.Delimiter

	if err := e.moveMarker(ctx, srcName, dstName, true); err != nil {
		return err
	}
	if err := e.moveMarker(ctx, companion, dstName+types.Delimiter, false); err != nil {
		return err
	}

	handled := make(map[string]bool)

	entries, err := os.ReadDir(e.local.Path(src))
	switch {
	case err == nil:
		if err := os.MkdirAll(e.local.Path(dst), 0o770); err != nil {
			return fserrors.LocalIO("mkdir", dst, err).WithComponent("relocate")
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fserrors.LocalIO("readdir", src, err).WithComponent("relocate")
	}
	for _, de := range entries {
		if utils.IsHidden(de.Name()) {
			continue
		}
		if err := e.relocateChild(ctx, src, dst, de.Name(), de.IsDir()); err != nil {
			return err
		}
		handled[de.Name()] = true
	}

	pages, err := e.resolver.ListAll(ctx, companion, types.Delimiter, e.config.PageSize)
	if err != nil {
		return err
	}
	for _, item := range namespace.Flatten(pages) {
		if item.Name == companion {
			continue
		}
		rel := strings.TrimSuffix(strings.TrimPrefix(item.Name, companion), types.Delimiter)
		if rel == "" || handled[rel] {
			continue
		}
		isDir := item.IsDirectory || types.IsDirectoryMarker(item.Size, item.Metadata)
		if err := e.relocateChild(ctx, src, dst, rel, isDir); err != nil {
			return err
		}
		handled[rel] = true
	}

	return e.removeSource(ctx, src, srcName)
}

// relocateChild moves one entry of a directory. A child that vanished in the
// meantime is skipped.
func (e *Engine) relocateChild(ctx context.Context, src, dst, name string, isDir bool) error {
	childSrc, childDst := path.Join(src, name), path.Join(dst, name)

	var err error
	if isDir {
		err = e.relocateDirectory(ctx, childSrc, childDst)
	} else {
		err = e.relocateFile(ctx, childSrc, childDst)
	}
	if err != nil && fserrors.IsNotFound(err) {
		e.logger.Warn("child vanished during relocation, skipping",
			zap.String("src", childSrc), zap.Error(err))
		return nil
	}
	return err
}

// removeSource drops what is left of the source directory once its
// children have been moved.
func (e *Engine) removeSource(ctx context.Context, src, srcName string) error {
	if err := os.RemoveAll(e.local.Path(src)); err != nil {
		e.logger.Warn("failed to remove cache directory", zap.String("path", src), zap.Error(err))
	}

	status, err := e.resolver.IsDirectoryEmpty(ctx, e.config.Container, srcName)
	if err != nil {
		e.logger.Warn("could not verify source directory is empty, keeping markers",
			zap.String("dir", srcName), zap.Error(err))
		return nil
	}
	if status == namespace.DirNotEmpty {
		e.logger.Warn("source directory still has children after relocation", zap.String("dir", srcName))
		return nil
	}

	for _, name := range []string{srcName, srcName + types.Delimiter} {
		if err := e.remote(ctx, "delete", func(ctx context.Context) error {
			return e.store.Delete(ctx, e.config.Container, name)
		}); err != nil {
			return err
		}
	}
	return nil
}

// moveMarker moves a directory marker object if it exists. When flagged is
// set only folder-flagged objects are moved.
func (e *Engine) moveMarker(ctx context.Context, name, newName string, flagged bool) error {
	props, err := e.properties(ctx, name)
	if err != nil {
		return err
	}
	if !props.Exists || (flagged && !types.IsDirectoryMarker(props.Size, props.Metadata)) {
		return nil
	}
	return e.move(ctx, name, newName)
}

// move copies an object under a new name, metadata included, then deletes
// the original.
func (e *Engine) move(ctx context.Context, name, newName string) error {
	if err := e.remote(ctx, "copy", func(ctx context.Context) error {
		return e.store.Copy(ctx, e.config.Container, name, newName)
	}); err != nil {
		return err
	}
	return e.remote(ctx, "delete", func(ctx context.Context) error {
		return e.store.Delete(ctx, e.config.Container, name)
	})
}

func (e *Engine) properties(ctx context.Context, name string) (*types.Properties, error) {
	var props *types.Properties
	err := e.remote(ctx, "get_properties", func(ctx context.Context) error {
		var err error
		props, err = e.store.GetProperties(ctx, e.config.Container, name)
		return err
	})
	return props, err
}

func (e *Engine) remote(ctx context.Context, op string, fn func(context.Context) error) error {
	err := fn(ctx)
	e.metrics.RecordRemoteCall(op, err == nil)
	return err
}
