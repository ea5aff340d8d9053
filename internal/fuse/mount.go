package fuse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/objectfs/blobfs/internal/config"
)

// MountManager manages FUSE mount operations
type MountManager struct {
	filesystem *FileSystem
	config     *MountConfig
	logger     *zap.Logger

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
}

// MountConfig contains mount-specific configuration
type MountConfig struct {
	MountPoint string        `yaml:"mount_point"`
	Options    *MountOptions `yaml:"options"`
}

// MountOptions contains FUSE mount options
type MountOptions struct {
	// Basic options
	ReadOnly     bool `yaml:"read_only"`
	AllowOther   bool `yaml:"allow_other"`
	AllowRoot    bool `yaml:"allow_root"`
	DefaultPerms bool `yaml:"default_permissions"`

	// Performance options
	MaxWrite uint32 `yaml:"max_write"`

	// Advanced options
	Debug        bool          `yaml:"debug"`
	FSName       string        `yaml:"fsname"`
	Subtype      string        `yaml:"subtype"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// DefaultMountOptions returns the options used when none are configured.
func DefaultMountOptions() *MountOptions {
	return &MountOptions{
		MaxWrite:     128 * 1024,
		AttrTimeout:  time.Second,
		EntryTimeout: time.Second,
		FSName:       "blobfs",
		Subtype:      "blobfs",
	}
}

// MountConfigFrom derives the mount settings from the fuse section of the
// configuration.
func MountConfigFrom(cfg config.FUSEConfig) *MountConfig {
	opts := DefaultMountOptions()
	opts.AllowOther = cfg.AllowOther
	return &MountConfig{
		MountPoint: cfg.MountPoint,
		Options:    opts,
	}
}

// NewMountManager creates a new mount manager
func NewMountManager(filesystem *FileSystem, config *MountConfig, logger *zap.Logger) *MountManager {
	if config == nil {
		config = &MountConfig{}
	}
	if config.Options == nil {
		config.Options = DefaultMountOptions()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MountManager{
		filesystem: filesystem,
		config:     config,
		logger:     logger,
	}
}

// Mount mounts the filesystem at the configured mount point and serves it
// in the background.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}

	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	m.server = server
	m.mounted = true
	m.filesystem.core.Start()

	m.logger.Info("Filesystem mounted",
		zap.String("mount_point", m.config.MountPoint),
		zap.String("container", m.filesystem.core.Container()))

	go func() {
		server.Wait()
		m.mu.Lock()
		m.mounted = false
		m.mu.Unlock()
		m.logger.Info("FUSE server stopped")
	}()

	return nil
}

// Unmount unmounts the filesystem and tears down the local cache.
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()

	if server == nil {
		return fmt.Errorf("filesystem is not mounted")
	}

	m.logger.Info("Unmounting filesystem", zap.String("mount_point", m.config.MountPoint))

	if err := server.Unmount(); err != nil {
		m.logger.Warn("Normal unmount failed, trying force unmount", zap.Error(err))
		if forceErr := m.forceUnmount(); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (force unmount also failed: %v)", err, forceErr)
		}
	}

	m.mu.Lock()
	m.mounted = false
	m.server = nil
	m.mu.Unlock()

	if err := m.filesystem.core.Destroy(); err != nil {
		return fmt.Errorf("failed to clean up cache: %w", err)
	}

	m.logger.Info("Filesystem unmounted")
	return nil
}

// IsMounted checks if the filesystem is currently mounted
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// GetMountPoint returns the current mount point
func (m *MountManager) GetMountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the kernel unmounts the filesystem.
func (m *MountManager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server != nil {
		server.Wait()
	}
}

// Helper methods

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.config.MountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.config.MountPoint)
	}

	entries, err := os.ReadDir(m.config.MountPoint)
	if err != nil {
		return fmt.Errorf("cannot read mount point directory: %w", err)
	}
	if len(entries) > 0 {
		m.logger.Warn("Mount point is not empty", zap.String("mount_point", m.config.MountPoint))
	}

	if m.isAlreadyMounted() {
		return fmt.Errorf("mount point %s is already mounted", m.config.MountPoint)
	}

	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	o := m.config.Options
	attrTimeout := o.AttrTimeout
	entryTimeout := o.EntryTimeout

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       o.Subtype,
			FsName:     o.FSName,
			Debug:      o.Debug,
			AllowOther: o.AllowOther,
			MaxWrite:   int(o.MaxWrite),
		},

		// Attribute caching
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,

		NullPermissions: !o.DefaultPerms,
	}

	if o.ReadOnly {
		opts.Options = append(opts.Options, "ro")
	}
	if o.AllowRoot {
		opts.Options = append(opts.Options, "allow_root")
	}
	if o.DefaultPerms {
		opts.Options = append(opts.Options, "default_permissions")
	}

	return opts
}

func (m *MountManager) isAlreadyMounted() bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		// No /proc/mounts (e.g. macOS): assume not mounted.
		return false
	}
	return mountedAt(string(data), m.config.MountPoint)
}

func (m *MountManager) forceUnmount() error {
	return unix.Unmount(m.config.MountPoint, unix.MNT_FORCE)
}

// mountedAt reports whether the mount table lists mountPoint as a target.
func mountedAt(mounts, mountPoint string) bool {
	target := filepath.Clean(mountPoint)
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == target {
			return true
		}
	}
	return false
}
