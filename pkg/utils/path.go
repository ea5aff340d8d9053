// Package utils holds path helpers shared by the filesystem core and the
// kernel adapters.
//
// Filesystem paths are absolute and slash-separated ("/docs/a.txt"); object
// names are the same path without the leading slash ("docs/a.txt"). The root
// directory has the empty object name.
package utils

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// CleanPath returns the canonical absolute form of a filesystem path.
func CleanPath(p string) string {
	return path.Clean("/" + p)
}

// ObjectName converts a filesystem path into the object name it is stored under.
func ObjectName(p string) string {
	return strings.TrimPrefix(CleanPath(p), "/")
}

// FromObjectName converts an object name back into a filesystem path.
func FromObjectName(name string) string {
	return CleanPath(strings.TrimSuffix(name, "/"))
}

// IsRoot reports whether p names the root of the mounted tree.
func IsRoot(p string) bool {
	return CleanPath(p) == "/"
}

// JoinPath appends a child name to a filesystem path.
func JoinPath(dir, name string) string {
	return path.Join(CleanPath(dir), name)
}

// IsHidden reports whether a directory entry name starts with a dot.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// ValidatePath validates that a file path is safe and does not contain directory traversal attempts.
//
// Example usage:
//
//	if err := ValidatePath(mountPoint, true); err != nil {
//		return fmt.Errorf("invalid mount point: %w", err)
//	}
func ValidatePath(p string, allowAbsolute bool) error {
	if p == "" {
		return fmt.Errorf("path cannot be empty")
	}

	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", p)
		}
	}

	if !allowAbsolute && filepath.IsAbs(filepath.Clean(p)) {
		return fmt.Errorf("absolute paths not allowed: %s", p)
	}

	return nil
}

// IsWithinBase reports whether target lies at or below base. Both are cleaned
// before comparison.
func IsWithinBase(base, target string) bool {
	cleanBase := filepath.Clean(base)
	cleanTarget := filepath.Clean(target)
	if cleanTarget == cleanBase {
		return true
	}
	if cleanBase == string(filepath.Separator) {
		return filepath.IsAbs(cleanTarget)
	}
	return strings.HasPrefix(cleanTarget, cleanBase+string(filepath.Separator))
}
