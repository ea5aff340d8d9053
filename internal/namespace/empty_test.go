package namespace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/blobfs/internal/storage/memory"
	"github.com/objectfs/blobfs/pkg/types"
)

func TestIsDirectoryEmpty(t *testing.T) {
	folder := types.FolderMetadata()

	tests := []struct {
		name    string
		objects map[string]map[string]string
		want    DirStatus
	}{
		{"nothing", nil, DirNotExist},
		{"sibling only", map[string]map[string]string{"dx": nil}, DirNotExist},
		{"flagged marker", map[string]map[string]string{"d": folder}, DirEmpty},
		{"companion", map[string]map[string]string{"d/": nil}, DirEmpty},
		{"both markers", map[string]map[string]string{"d": folder, "d/": nil}, DirEmpty},
		{"legacy marker only", map[string]map[string]string{"d/.directory": nil}, DirEmpty},
		{"marker and legacy", map[string]map[string]string{"d": folder, "d/.directory": nil}, DirEmpty},
		{"marker and child", map[string]map[string]string{"d": folder, "d/a": nil}, DirNotEmpty},
		{"implicit child", map[string]map[string]string{"d/a": nil}, DirNotEmpty},
		{"child directory", map[string]map[string]string{"d": folder, "d/sub/x": nil}, DirNotEmpty},
		{"legacy and child", map[string]map[string]string{"d/.directory": nil, "d/z": nil}, DirNotEmpty},
		{"unflagged file with name", map[string]map[string]string{"d": nil}, DirNotExist},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			for name, md := range tt.objects {
				store.Put(container, name, nil, md)
			}
			r, _ := newResolver(t, store)

			got, err := r.IsDirectoryEmpty(context.Background(), container, "d")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "got %s", got)
		})
	}
}

func TestIsDirectoryEmptyAcrossPages(t *testing.T) {
	store := memory.New()
	store.OverlapPages = true
	store.Put(container, "d", nil, types.FolderMetadata())
	store.Put(container, "d/", nil, nil)
	store.Put(container, "d/.directory", nil, nil)
	r, _ := newResolver(t, store)

	got, err := r.IsDirectoryEmpty(context.Background(), container, "d")
	require.NoError(t, err)
	assert.Equal(t, DirEmpty, got)
}

func TestIsDirectoryEmptyFailure(t *testing.T) {
	store := memory.New()
	store.Put(container, "d", nil, types.FolderMetadata())
	store.FailNext(memory.OpList, 100, 500)
	r, _ := newResolver(t, store)

	got, err := r.IsDirectoryEmpty(context.Background(), container, "d")
	require.Error(t, err)
	assert.Equal(t, DirUnknown, got)

	store.FailNext(memory.OpGetProperties, 100, 403)
	got, err = r.IsDirectoryEmpty(context.Background(), container, "d")
	require.Error(t, err)
	assert.Equal(t, DirUnknown, got)
}

func TestDirStatusString(t *testing.T) {
	assert.Equal(t, "empty", DirEmpty.String())
	assert.Equal(t, "not_empty", DirNotEmpty.String())
	assert.Equal(t, "not_exist", DirNotExist.String())
	assert.Equal(t, "unknown", DirUnknown.String())
}
