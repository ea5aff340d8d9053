package fuse

import (
	"context"
	"errors"
	"io"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/objectfs/blobfs/internal/adapter"
	"github.com/objectfs/blobfs/internal/namespace"
	"github.com/objectfs/blobfs/pkg/types"
	"github.com/objectfs/blobfs/pkg/utils"
)

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if uint64(i) > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// operationRecorder is implemented by collectors that time kernel-facing
// operations.
type operationRecorder interface {
	RecordOperation(operation string, duration time.Duration, success bool)
}

// FileSystem is the go-fuse node tree over the filesystem core. Nodes carry
// no state of their own; every operation resolves the node's current path
// and calls the core.
type FileSystem struct {
	core     *adapter.Adapter
	logger   *zap.Logger
	recorder operationRecorder

	attrTimeout  time.Duration
	entryTimeout time.Duration
}

// NewFileSystem creates the node tree. metrics may be nil.
func NewFileSystem(core *adapter.Adapter, options *MountOptions, logger *zap.Logger, metrics types.MetricsCollector) *FileSystem {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options == nil {
		options = DefaultMountOptions()
	}
	filesystem := &FileSystem{
		core:         core,
		logger:       logger,
		attrTimeout:  options.AttrTimeout,
		entryTimeout: options.EntryTimeout,
	}
	if rec, ok := metrics.(operationRecorder); ok {
		filesystem.recorder = rec
	}
	return filesystem
}

// Root returns the root inode
func (f *FileSystem) Root() fs.InodeEmbedder {
	return &DirectoryNode{node: node{fsys: f}}
}

// Core returns the filesystem core the tree calls into.
func (f *FileSystem) Core() *adapter.Adapter {
	return f.core
}

// errno converts a core error for the kernel.
func (f *FileSystem) errno(err error) syscall.Errno {
	if err == nil {
		return fs.OK
	}
	return f.core.Errno(err)
}

// observe records the outcome of a kernel-facing operation.
func (f *FileSystem) observe(op, p string, start time.Time, errno syscall.Errno) {
	if f.recorder != nil {
		f.recorder.RecordOperation(op, time.Since(start), errno == fs.OK)
	}
	if errno != fs.OK && errno != syscall.ENOENT {
		f.logger.Debug("Operation failed",
			zap.String("op", op),
			zap.String("path", p),
			zap.String("errno", errno.Error()))
	}
}

// fillAttr converts core attributes into a kernel attribute block.
func fillAttr(a *namespace.Attributes, out *fuse.Attr) {
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	out.Size = safeInt64ToUint64(a.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = 4096
	out.Owner = fuse.Owner{Uid: a.UID, Gid: a.GID}
	atime, mtime, ctime := a.Atime, a.Mtime, a.Ctime
	out.SetTimes(&atime, &mtime, &ctime)
}

// direntMode returns the file type bits for a directory entry.
func direntMode(e namespace.DirEntry) uint32 {
	if e.IsDir {
		return syscall.S_IFDIR
	}
	return syscall.S_IFREG
}

// node holds the behaviour shared by files and directories.
type node struct {
	fs.Inode
	fsys *FileSystem
}

// path returns the node's absolute filesystem path. It follows renames
// because it is computed from the live tree.
func (n *node) path() string {
	return utils.CleanPath("/" + n.Path(nil))
}

func (n *node) childPath(name string) string {
	return path.Join(n.path(), name)
}

func (n *node) getattr(ctx context.Context, p string, out *fuse.AttrOut) syscall.Errno {
	attrs, err := n.fsys.core.GetAttributes(ctx, p)
	if err != nil {
		return n.fsys.errno(err)
	}
	fillAttr(attrs, &out.Attr)
	out.SetTimeout(n.fsys.attrTimeout)
	return fs.OK
}

// Getattr reports the node's attributes.
func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	start := time.Now()
	p := n.path()
	errno := n.getattr(ctx, p, out)
	n.fsys.observe("getattr", p, start, errno)
	return errno
}

// Setattr applies size changes; mode, ownership and time changes are
// accepted and ignored by the core.
func (n *node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	start := time.Now()
	p := n.path()
	errno := n.setattr(ctx, p, f, in)
	if errno == fs.OK {
		errno = n.getattr(ctx, p, out)
	}
	n.fsys.observe("setattr", p, start, errno)
	return errno
}

func (n *node) setattr(ctx context.Context, p string, f fs.FileHandle, in *fuse.SetAttrIn) syscall.Errno {
	core := n.fsys.core
	if size, ok := in.GetSize(); ok {
		var err error
		if fh, isHandle := f.(*FileHandle); isHandle {
			err = fh.handle.Truncate(int64(size))
		} else {
			err = core.Truncate(ctx, p, int64(size))
		}
		if err != nil {
			return n.fsys.errno(err)
		}
	}
	if mode, ok := in.GetMode(); ok {
		if err := core.Chmod(ctx, p, mode); err != nil {
			return n.fsys.errno(err)
		}
	}
	uid, uidOK := in.GetUID()
	gid, gidOK := in.GetGID()
	if uidOK || gidOK {
		if err := core.Chown(ctx, p, uid, gid); err != nil {
			return n.fsys.errno(err)
		}
	}
	atime, atimeOK := in.GetATime()
	mtime, mtimeOK := in.GetMTime()
	if atimeOK || mtimeOK {
		if err := core.Utimens(ctx, p, atime, mtime); err != nil {
			return n.fsys.errno(err)
		}
	}
	return fs.OK
}

// Access always grants access; permissions are not enforced per file.
func (n *node) Access(ctx context.Context, mask uint32) syscall.Errno {
	return n.fsys.errno(n.fsys.core.Access(ctx, n.path(), mask))
}

// Statfs reports the capacity of the disk holding the local cache.
func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, err := n.fsys.core.Statfs()
	if err != nil {
		return n.fsys.errno(err)
	}
	fillStatfs(st, out)
	return fs.OK
}

func (n *node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	_, err := n.fsys.core.Getxattr(ctx, n.path(), attr)
	return 0, n.fsys.errno(err)
}

func (n *node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return n.fsys.errno(n.fsys.core.Setxattr(ctx, n.path(), attr, data, int(flags)))
}

func (n *node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	_, err := n.fsys.core.Listxattr(ctx, n.path())
	return 0, n.fsys.errno(err)
}

func (n *node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return n.fsys.errno(n.fsys.core.Removexattr(ctx, n.path(), attr))
}

// newChild builds the inode for a looked-up or newly created entry.
func (n *node) newChild(ctx context.Context, attrs *namespace.Attributes) *fs.Inode {
	if attrs.IsDir() {
		return n.NewInode(ctx, &DirectoryNode{node: node{fsys: n.fsys}}, fs.StableAttr{Mode: syscall.S_IFDIR})
	}
	return n.NewInode(ctx, &FileNode{node: node{fsys: n.fsys}}, fs.StableAttr{Mode: syscall.S_IFREG})
}

func (n *node) entry(attrs *namespace.Attributes, out *fuse.EntryOut) {
	fillAttr(attrs, &out.Attr)
	out.SetEntryTimeout(n.fsys.entryTimeout)
	out.SetAttrTimeout(n.fsys.attrTimeout)
}

// DirectoryNode represents a directory in the filesystem
type DirectoryNode struct {
	node
}

var (
	_ fs.NodeLookuper  = (*DirectoryNode)(nil)
	_ fs.NodeReaddirer = (*DirectoryNode)(nil)
	_ fs.NodeMkdirer   = (*DirectoryNode)(nil)
	_ fs.NodeRmdirer   = (*DirectoryNode)(nil)
	_ fs.NodeUnlinker  = (*DirectoryNode)(nil)
	_ fs.NodeRenamer   = (*DirectoryNode)(nil)
	_ fs.NodeCreater   = (*DirectoryNode)(nil)
	_ fs.NodeGetattrer = (*DirectoryNode)(nil)
	_ fs.NodeSetattrer = (*DirectoryNode)(nil)
	_ fs.NodeStatfser  = (*DirectoryNode)(nil)
)

// Lookup looks up a child node by name
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	start := time.Now()
	p := n.childPath(name)

	attrs, err := n.fsys.core.GetAttributes(ctx, p)
	errno := n.fsys.errno(err)
	n.fsys.observe("lookup", p, start, errno)
	if errno != fs.OK {
		return nil, errno
	}

	n.entry(attrs, out)
	return n.newChild(ctx, attrs), fs.OK
}

// Readdir lists the merged remote and cached entries of the directory.
func (n *DirectoryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	start := time.Now()
	p := n.path()

	entries, err := n.fsys.core.ReadDir(ctx, p)
	errno := n.fsys.errno(err)
	n.fsys.observe("readdir", p, start, errno)
	if errno != fs.OK {
		return nil, errno
	}
	return fs.NewListDirStream(dirEntries(entries)), fs.OK
}

func dirEntries(entries []namespace.DirEntry) []fuse.DirEntry {
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: direntMode(e)})
	}
	return out
}

// Mkdir creates a directory marker and its cache directory.
func (n *DirectoryNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	start := time.Now()
	p := n.childPath(name)

	errno := n.fsys.errno(n.fsys.core.Mkdir(ctx, p))
	var attrs *namespace.Attributes
	if errno == fs.OK {
		var err error
		attrs, err = n.fsys.core.GetAttributes(ctx, p)
		errno = n.fsys.errno(err)
	}
	n.fsys.observe("mkdir", p, start, errno)
	if errno != fs.OK {
		return nil, errno
	}

	n.entry(attrs, out)
	return n.newChild(ctx, attrs), fs.OK
}

// Rmdir removes an empty directory.
func (n *DirectoryNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	start := time.Now()
	p := n.childPath(name)
	errno := n.fsys.errno(n.fsys.core.Rmdir(ctx, p))
	n.fsys.observe("rmdir", p, start, errno)
	return errno
}

// Unlink removes a file locally and remotely.
func (n *DirectoryNode) Unlink(ctx context.Context, name string) syscall.Errno {
	start := time.Now()
	p := n.childPath(name)
	errno := n.fsys.errno(n.fsys.core.Unlink(ctx, p))
	n.fsys.observe("unlink", p, start, errno)
	return errno
}

// Rename relocates a file or a whole directory subtree.
func (n *DirectoryNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	start := time.Now()
	src := n.childPath(name)
	if flags != 0 {
		n.fsys.observe("rename", src, start, syscall.EINVAL)
		return syscall.EINVAL
	}
	dst := path.Join(utils.CleanPath("/"+newParent.EmbeddedInode().Path(nil)), newName)

	errno := n.fsys.errno(n.fsys.core.Relocate(ctx, src, dst))
	n.fsys.observe("rename", src, start, errno)
	return errno
}

// Create creates a file in the local cache and opens it.
func (n *DirectoryNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	start := time.Now()
	p := n.childPath(name)

	h, err := n.fsys.core.Create(ctx, p, int(flags), mode)
	errno := n.fsys.errno(err)
	var attrs *namespace.Attributes
	if errno == fs.OK {
		attrs, err = n.fsys.core.GetAttributes(ctx, p)
		if errno = n.fsys.errno(err); errno != fs.OK {
			_ = n.fsys.core.Release(ctx, h)
		}
	}
	n.fsys.observe("create", p, start, errno)
	if errno != fs.OK {
		return nil, nil, 0, errno
	}

	n.entry(attrs, out)
	return n.newChild(ctx, attrs), &FileHandle{fsys: n.fsys, handle: h}, 0, fs.OK
}

// FileNode represents a regular file in the filesystem
type FileNode struct {
	node
}

var (
	_ fs.NodeOpener     = (*FileNode)(nil)
	_ fs.NodeGetattrer  = (*FileNode)(nil)
	_ fs.NodeSetattrer  = (*FileNode)(nil)
	_ fs.NodeFsyncer    = (*FileNode)(nil)
	_ fs.NodeReadlinker = (*FileNode)(nil)
)

// Open materialises the file in the local cache and opens it.
func (n *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	start := time.Now()
	p := n.path()

	h, err := n.fsys.core.Open(ctx, p, int(flags))
	errno := n.fsys.errno(err)
	n.fsys.observe("open", p, start, errno)
	if errno != fs.OK {
		return nil, 0, errno
	}
	return &FileHandle{fsys: n.fsys, handle: h}, 0, fs.OK
}

func (n *FileNode) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	return n.fsys.errno(n.fsys.core.Fsync(ctx, n.path()))
}

func (n *FileNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	_, err := n.fsys.core.Readlink(ctx, n.path())
	return nil, n.fsys.errno(err)
}

// FileHandle wraps an open cache file.
type FileHandle struct {
	fsys   *FileSystem
	handle *adapter.Handle
}

var (
	_ fs.FileReader   = (*FileHandle)(nil)
	_ fs.FileWriter   = (*FileHandle)(nil)
	_ fs.FileFlusher  = (*FileHandle)(nil)
	_ fs.FileReleaser = (*FileHandle)(nil)
	_ fs.FileFsyncer  = (*FileHandle)(nil)
)

// Read reads from the cache copy.
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := fh.handle.ReadAt(dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fh.fsys.errno(err)
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

// Write writes to the cache copy.
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := fh.handle.WriteAt(data, off)
	if err != nil {
		return safeIntToUint32(n), fh.fsys.errno(err)
	}
	return safeIntToUint32(n), fs.OK
}

// Flush uploads the file if it was modified through this handle.
func (fh *FileHandle) Flush(ctx context.Context) syscall.Errno {
	start := time.Now()
	errno := fh.fsys.errno(fh.fsys.core.Flush(ctx, fh.handle))
	fh.fsys.observe("flush", fh.handle.Path(), start, errno)
	return errno
}

// Release closes the handle and queues the cache copy for eviction.
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	start := time.Now()
	errno := fh.fsys.errno(fh.fsys.core.Release(ctx, fh.handle))
	fh.fsys.observe("release", fh.handle.Path(), start, errno)
	return errno
}

func (fh *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return fh.fsys.errno(fh.fsys.core.Fsync(ctx, fh.handle.Path()))
}
