package namespace

import (
	"context"

	"go.uber.org/zap"

	fserrors "github.com/objectfs/blobfs/pkg/errors"
	"github.com/objectfs/blobfs/pkg/types"
)

// DirStatus is the result of an emptiness check.
type DirStatus int

const (
	DirUnknown DirStatus = iota
	DirNotExist
	DirEmpty
	DirNotEmpty
)

func (s DirStatus) String() string {
	switch s {
	case DirNotExist:
		return "not_exist"
	case DirEmpty:
		return "empty"
	case DirNotEmpty:
		return "not_empty"
	default:
		return "unknown"
	}
}

// IsDirectoryEmpty reports whether dirName (an object name without trailing
// delimiter) is a directory with no children. The directory's own markers do
// not count as children; neither does a single legacy marker.
func (r *Resolver) IsDirectoryEmpty(ctx context.Context, container, dirName string) (DirStatus, error) {
	markerSeen := false

	var props *types.Properties
	err := r.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var err error
		props, err = r.store.GetProperties(ctx, container, dirName)
		r.metrics.RecordRemoteCall("get_properties", err == nil)
		return err
	})
	switch {
	case err != nil && !fserrors.IsNotFound(err):
		return DirUnknown, err
	case err == nil && props.Exists && types.IsDirectoryMarker(props.Size, props.Metadata):
		markerSeen = true
	}

	prefix := dirName + types.Delimiter
	status := DirUnknown
	legacySeen := false
	children := 0

	err = r.walk(ctx, container, prefix, types.Delimiter, emptyPageSize, func(page Page) bool {
		for _, item := range page.Visible() {
			if item.Name == prefix {
				markerSeen = true
				continue
			}
			children++
			if children > 1 {
				status = DirNotEmpty
				return false
			}
			if !legacySeen && !item.IsDirectory && types.IsLegacyMarker(item.Name) {
				legacySeen = true
				continue
			}
			status = DirNotEmpty
			return false
		}
		return true
	})
	if err != nil {
		r.logger.Debug("emptiness check failed", zap.String("dir", dirName), zap.Error(err))
		return DirUnknown, err
	}

	if status == DirNotEmpty {
		return DirNotEmpty, nil
	}
	if markerSeen || legacySeen {
		return DirEmpty, nil
	}
	return DirNotExist, nil
}
