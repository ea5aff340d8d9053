// Command blobfs mounts an object store container as a POSIX directory tree
// backed by a local disk cache.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/blobfs/internal/adapter"
	"github.com/objectfs/blobfs/internal/config"
	"github.com/objectfs/blobfs/internal/fuse"
	"github.com/objectfs/blobfs/internal/logging"
	"github.com/objectfs/blobfs/internal/metrics"
	"github.com/objectfs/blobfs/internal/storage/memory"
	"github.com/objectfs/blobfs/internal/storage/s3"
	"github.com/objectfs/blobfs/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	mountPoint := flag.String("mount", "", "Mount point (overrides fuse.mount_point)")
	container := flag.String("container", "", "Container to mount (overrides storage.container)")
	logLevel := flag.String("log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *mountPoint, *container, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "blobfs: %v\n", err)
		os.Exit(2)
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.Global.LogLevel,
		Format:     cfg.Global.LogFormat,
		OutputPath: cfg.Global.LogFile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "blobfs: failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logging.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logging.L()); err != nil {
		logging.L().Error("blobfs exited with error", zap.Error(err))
		_ = logging.Sync()
		os.Exit(1)
	}
}

// loadConfig applies command-line overrides on top of the file and
// environment, then validates the result.
func loadConfig(path, mountPoint, container, logLevel string) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if mountPoint != "" {
		cfg.FUSE.MountPoint = mountPoint
	}
	if container != "" {
		cfg.Storage.Container = container
	}
	if logLevel != "" {
		cfg.Global.LogLevel = strings.ToUpper(logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FUSE.MountPoint == "" {
		return nil, fmt.Errorf("mount point is required")
	}
	return cfg, nil
}

// newStore builds the blob store selected by the storage section. The
// returned close function releases backend resources.
func newStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (types.BlobStore, func() error, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), func() error { return nil }, nil
	case "s3":
		s3cfg := s3.NewDefaultConfig()
		s3cfg.Region = cfg.Region
		s3cfg.Endpoint = cfg.Endpoint
		s3cfg.ForcePathStyle = cfg.ForcePathStyle
		if cfg.StorageClass != "" {
			s3cfg.StorageClass = cfg.StorageClass
		}
		if cfg.PoolSize > 0 {
			s3cfg.PoolSize = cfg.PoolSize
		}
		if cfg.RequestTimeout > 0 {
			s3cfg.RequestTimeout = cfg.RequestTimeout
		}
		if cfg.MultipartThreshold > 0 {
			s3cfg.MultipartThreshold = cfg.MultipartThreshold
		}
		backend, err := s3.NewBackend(ctx, cfg.Container, s3cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return backend, backend.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func run(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) error {
	mcfg := metrics.DefaultConfig()
	mcfg.Port = cfg.Global.MetricsPort
	collector, err := metrics.NewCollector(mcfg, logging.Named(logger, "metrics"))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = collector.Stop(shutdownCtx)
	}()

	store, closeStore, err := newStore(ctx, cfg.Storage, logging.Named(logger, "storage"))
	if err != nil {
		return fmt.Errorf("failed to create blob store: %w", err)
	}
	defer func() { _ = closeStore() }()

	core, err := adapter.New(ctx, cfg, store, logging.Named(logger, "adapter"), collector)
	if err != nil {
		return err
	}
	collector.SetHealthSource(core.Health())
	if err := collector.Start(ctx); err != nil {
		return err
	}

	mount, err := fuse.CreatePlatformMountManager(cfg.FUSE.Adapter, core,
		fuse.MountConfigFrom(cfg.FUSE), logging.Named(logger, "fuse"), collector)
	if err != nil {
		return err
	}
	if err := mount.Mount(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		mount.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
		if err := mount.Unmount(); err != nil {
			return err
		}
		<-done
	case <-done:
		logger.Info("Filesystem unmounted externally")
		if err := core.Destroy(); err != nil {
			return err
		}
	}
	return nil
}
