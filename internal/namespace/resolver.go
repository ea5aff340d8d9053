// Package namespace derives POSIX directory semantics from the flat key space
// of the remote store and the contents of the local cache.
package namespace

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/objectfs/blobfs/internal/cache"
	"github.com/objectfs/blobfs/internal/pathlock"
	fserrors "github.com/objectfs/blobfs/pkg/errors"
	"github.com/objectfs/blobfs/pkg/retry"
	"github.com/objectfs/blobfs/pkg/types"
	"github.com/objectfs/blobfs/pkg/utils"
)

const (
	// DirectorySize is the st_size reported for every remote directory.
	DirectorySize = 4096

	attrPageSize  = 2
	emptyPageSize = 2
	childWindow   = 3
)

// Config holds the resolver settings.
type Config struct {
	Container string
	PageSize  int
	Retry     retry.Config
	UID       uint32
	GID       uint32
	FileMode  uint32
	DirMode   uint32
	Clock     func() time.Time
}

// Attributes is the stat result returned to the kernel adapter.
type Attributes struct {
	Mode  uint32
	Nlink uint32
	Size  int64
	Mtime time.Time
	Ctime time.Time
	Atime time.Time
	UID   uint32
	GID   uint32
}

// IsDir reports whether the attributes describe a directory.
func (a *Attributes) IsDir() bool {
	return a.Mode&unix.S_IFMT == unix.S_IFDIR
}

// DirEntry is one name returned by ReadDir.
type DirEntry struct {
	Name  string
	IsDir bool
}

// Resolver answers attribute, listing and emptiness questions.
type Resolver struct {
	store   types.BlobStore
	local   *cache.Local
	locks   *pathlock.Registry
	config  Config
	retryer *retry.Retryer
	logger  *zap.Logger
	metrics types.MetricsCollector
}

// New creates a resolver.
func New(store types.BlobStore, local *cache.Local, locks *pathlock.Registry, config Config, logger *zap.Logger, metrics types.MetricsCollector) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	if config.FileMode == 0 {
		config.FileMode = 0o770
	}
	if config.DirMode == 0 {
		config.DirMode = 0o770
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	r := &Resolver{
		store:   store,
		local:   local,
		locks:   locks,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}

	rc := config.Retry
	userHook := rc.OnRetry
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.RecordListRetry()
		logger.Debug("retrying remote call",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if userHook != nil {
			userHook(attempt, err, delay)
		}
	}
	r.retryer = retry.New(rc)
	return r
}

// Container returns the container the resolver reads from.
func (r *Resolver) Container() string {
	return r.config.Container
}

func (r *Resolver) rootAttributes() *Attributes {
	now := r.config.Clock()
	return &Attributes{
		Mode:  unix.S_IFDIR | r.config.DirMode,
		Nlink: 2,
		Size:  DirectorySize,
		Mtime: now,
		Ctime: now,
		Atime: now,
		UID:   r.config.UID,
		GID:   r.config.GID,
	}
}

// GetAttributes returns the attributes of p. A cached copy takes precedence
// over the remote store.
func (r *Resolver) GetAttributes(ctx context.Context, p string) (*Attributes, error) {
	p = utils.CleanPath(p)
	if utils.IsRoot(p) {
		return r.rootAttributes(), nil
	}

	lock := r.locks.Get(p)
	lock.Lock()
	defer lock.Unlock()

	if attrs, err := r.localAttributes(p); err != nil || attrs != nil {
		return attrs, err
	}
	return r.remoteAttributes(ctx, p)
}

// localAttributes stats the cache copy of p. It returns nil attributes and
// no error when there is no cache copy.
func (r *Resolver) localAttributes(p string) (*Attributes, error) {
	var st unix.Stat_t
	if err := unix.Lstat(r.local.Path(p), &st); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTDIR) {
			return nil, nil
		}
		return nil, fserrors.LocalIO("lstat", p, err).WithComponent("namespace")
	}

	mtime, ctime := cache.StatTimes(&st)
	return &Attributes{
		Mode:  uint32(st.Mode),
		Nlink: uint32(st.Nlink),
		Size:  st.Size,
		Mtime: mtime,
		Ctime: ctime,
		Atime: mtime,
		UID:   st.Uid,
		GID:   st.Gid,
	}, nil
}

func (r *Resolver) remoteAttributes(ctx context.Context, p string) (*Attributes, error) {
	name := utils.ObjectName(p)
	dirName := name + types.Delimiter

	var match *types.ListItem
	err := r.walk(ctx, r.config.Container, name, types.Delimiter, attrPageSize, func(page Page) bool {
		for _, item := range page.Visible() {
			if item.Name == name || item.Name == dirName {
				it := item
				match = &it
				return false
			}
		}
		return true
	})
	if err != nil {
		if fserrors.IsNotFound(err) {
			return nil, fserrors.NotFound("getattr", p).WithComponent("namespace")
		}
		return nil, err
	}
	if match == nil {
		return nil, fserrors.NotFound("getattr", p).WithComponent("namespace")
	}

	if match.IsDirectory || match.Name == dirName || types.IsDirectoryMarker(match.Size, match.Metadata) {
		return r.directoryAttributes(ctx, name, match), nil
	}
	return r.fileAttributes(ctx, p, name)
}

func (r *Resolver) directoryAttributes(ctx context.Context, name string, item *types.ListItem) *Attributes {
	attrs := r.rootAttributes()
	if !item.LastModified.IsZero() {
		attrs.Mtime, attrs.Ctime, attrs.Atime = item.LastModified, item.LastModified, item.LastModified
	}
	if r.hasChild(ctx, name) {
		attrs.Nlink = 3
	}
	return attrs
}

// hasChild looks at a single small window below name and reports whether it
// holds anything besides the directory's own markers.
func (r *Resolver) hasChild(ctx context.Context, name string) bool {
	prefix := name + types.Delimiter
	var res *types.ListResult
	err := r.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var err error
		res, err = r.store.ListHierarchical(ctx, r.config.Container, types.Delimiter, "", prefix, childWindow)
		r.metrics.RecordRemoteCall("list", err == nil)
		return err
	})
	if err != nil {
		r.logger.Debug("child window listing failed, reporting nlink 2",
			zap.String("name", name), zap.Error(err))
		return false
	}
	for _, item := range res.Items {
		if item.Name == prefix {
			continue
		}
		if !item.IsDirectory && types.IsLegacyMarker(item.Name) {
			continue
		}
		return true
	}
	return false
}

func (r *Resolver) fileAttributes(ctx context.Context, p, name string) (*Attributes, error) {
	props, err := r.properties(ctx, name)
	if err != nil {
		return nil, err
	}
	if !props.Exists {
		return nil, fserrors.NotFound("getattr", p).WithComponent("namespace")
	}
	return &Attributes{
		Mode:  unix.S_IFREG | r.config.FileMode,
		Nlink: 1,
		Size:  props.Size,
		Mtime: props.LastModified,
		Ctime: props.LastModified,
		Atime: props.LastModified,
		UID:   r.config.UID,
		GID:   r.config.GID,
	}, nil
}

func (r *Resolver) properties(ctx context.Context, name string) (*types.Properties, error) {
	var props *types.Properties
	err := r.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var err error
		props, err = r.store.GetProperties(ctx, r.config.Container, name)
		r.metrics.RecordRemoteCall("get_properties", err == nil)
		return err
	})
	return props, err
}

// ReadDir merges the remote listing of p with the names present in the
// local cache. Directory markers and hidden cache files are not listed.
func (r *Resolver) ReadDir(ctx context.Context, p string) ([]DirEntry, error) {
	p = utils.CleanPath(p)
	prefix := ""
	if name := utils.ObjectName(p); name != "" {
		prefix = name + types.Delimiter
	}

	seen := make(map[string]bool)
	err := r.walk(ctx, r.config.Container, prefix, types.Delimiter, r.config.PageSize, func(page Page) bool {
		for _, item := range page.Visible() {
			if item.Name == prefix {
				continue
			}
			rel := strings.TrimSuffix(strings.TrimPrefix(item.Name, prefix), types.Delimiter)
			if rel == "" || (!item.IsDirectory && types.IsLegacyMarker(item.Name)) {
				continue
			}
			isDir := item.IsDirectory || types.IsDirectoryMarker(item.Size, item.Metadata)
			seen[rel] = seen[rel] || isDir
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	locals, lerr := os.ReadDir(r.local.Path(p))
	if lerr != nil && !errors.Is(lerr, os.ErrNotExist) {
		r.logger.Debug("failed to read cache directory", zap.String("path", p), zap.Error(lerr))
	}
	for _, de := range locals {
		if utils.IsHidden(de.Name()) {
			continue
		}
		seen[de.Name()] = seen[de.Name()] || de.IsDir()
	}

	entries := make([]DirEntry, 0, len(seen))
	for name, isDir := range seen {
		entries = append(entries, DirEntry{Name: name, IsDir: isDir})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}
