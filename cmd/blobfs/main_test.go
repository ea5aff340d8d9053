package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/objectfs/blobfs/internal/config"
	"github.com/objectfs/blobfs/internal/storage/memory"
)

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("BLOBFS_CONTAINER", "from-env")

	cfg, err := loadConfig("", "/mnt/blobs", "", "debug")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/blobs", cfg.FUSE.MountPoint)
	assert.Equal(t, "from-env", cfg.Storage.Container)
	assert.Equal(t, "DEBUG", cfg.Global.LogLevel)

	cfg, err = loadConfig("", "/mnt/blobs", "from-flag", "")
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Storage.Container)
}

func TestLoadConfigRequiresMountPoint(t *testing.T) {
	_, err := loadConfig("", "", "bucket", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mount point")
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	store, closeFn, err := newStore(ctx, config.StorageConfig{Backend: "memory", Container: "c"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, store)
	assert.NoError(t, closeFn())

	_, _, err = newStore(ctx, config.StorageConfig{Backend: "ftp", Container: "c"}, zap.NewNop())
	assert.Error(t, err)

	_, _, err = newStore(ctx, config.StorageConfig{Backend: "s3"}, zap.NewNop())
	assert.Error(t, err)
}
