//go:build cgofuse

package fuse

import (
	"context"

	"go.uber.org/zap"

	"github.com/objectfs/blobfs/internal/adapter"
	"github.com/objectfs/blobfs/pkg/types"
)

// CgoFuseMountManager manages cgofuse-based mounts
type CgoFuseMountManager struct {
	filesystem *CgoFuseFS
	config     *MountConfig
}

// NewCgoFuseMountManager creates a new cgofuse mount manager
func NewCgoFuseMountManager(core *adapter.Adapter, config *MountConfig, logger *zap.Logger,
	metrics types.MetricsCollector) *CgoFuseMountManager {
	return &CgoFuseMountManager{
		filesystem: NewCgoFuseFS(core, config, logger, metrics),
		config:     config,
	}
}

// Mount mounts the filesystem
func (m *CgoFuseMountManager) Mount(ctx context.Context) error {
	return m.filesystem.Mount(ctx)
}

// Unmount unmounts the filesystem. The host's Destroy callback cleans up
// the cache.
func (m *CgoFuseMountManager) Unmount() error {
	return m.filesystem.Unmount()
}

// IsMounted returns whether the filesystem is mounted
func (m *CgoFuseMountManager) IsMounted() bool {
	return m.filesystem.IsMounted()
}

// Wait blocks until the filesystem is unmounted.
func (m *CgoFuseMountManager) Wait() {
	m.filesystem.Wait()
}
