//go:build !cgofuse

package fuse

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/objectfs/blobfs/internal/adapter"
	"github.com/objectfs/blobfs/pkg/types"
)

// PlatformFileSystem is a mounted kernel adapter.
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	Wait()
}

// CreatePlatformMountManager creates the mount manager for the named kernel
// adapter. Only go-fuse is available without the cgofuse build tag.
func CreatePlatformMountManager(kind string, core *adapter.Adapter, config *MountConfig,
	logger *zap.Logger, metrics types.MetricsCollector) (PlatformFileSystem, error) {
	switch kind {
	case "", "gofuse":
		filesystem := NewFileSystem(core, config.Options, logger, metrics)
		return NewMountManager(filesystem, config, logger), nil
	case "cgofuse":
		return nil, fmt.Errorf("cgofuse adapter requires building with -tags cgofuse")
	default:
		return nil, fmt.Errorf("unknown fuse adapter %q", kind)
	}
}
