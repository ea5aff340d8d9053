package cache

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	fserrors "github.com/objectfs/blobfs/pkg/errors"
	"github.com/objectfs/blobfs/pkg/utils"
)

const rootDirName = "root"

// Local describes the layout of the local cache directory.
type Local struct {
	dir string
}

// NewLocal returns the layout rooted at cacheDir.
func NewLocal(cacheDir string) *Local {
	return &Local{dir: filepath.Clean(cacheDir)}
}

// Dir returns the configured cache directory.
func (l *Local) Dir() string {
	return l.dir
}

// Root returns the directory mirroring the mounted tree.
func (l *Local) Root() string {
	return filepath.Join(l.dir, rootDirName)
}

// Path maps a filesystem path such as "/docs/a.txt" to its cache location.
func (l *Local) Path(p string) string {
	clean := utils.ObjectName(p)
	if clean == "" {
		return l.Root()
	}
	return filepath.Join(l.Root(), filepath.FromSlash(clean))
}

// Exists reports whether a cache copy of p is present.
func (l *Local) Exists(p string) bool {
	_, err := os.Lstat(l.Path(p))
	return err == nil
}

// EnsureParentDirs creates every missing directory above p's cache location.
// Concurrent creators of the same directory are tolerated.
func (l *Local) EnsureParentDirs(p string) error {
	parent := filepath.Dir(l.Path(p))
	if err := os.MkdirAll(parent, 0o770); err != nil && !errors.Is(err, fs.ErrExist) {
		return fserrors.LocalIO("mkdir", parent, err)
	}
	return nil
}

// Destroy deletes the whole cache tree. Called once at unmount.
func (l *Local) Destroy() error {
	if err := os.RemoveAll(l.Root()); err != nil {
		return fserrors.LocalIO("destroy", l.Root(), err)
	}
	return nil
}
