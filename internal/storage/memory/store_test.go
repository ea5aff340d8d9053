package memory

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/blobfs/pkg/errors"
	"github.com/objectfs/blobfs/pkg/types"
)

func names(items []types.ListItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Name
	}
	return out
}

func seeded() *Store {
	s := New()
	s.Put("c", "docs", nil, types.FolderMetadata())
	s.Put("c", "docs/", nil, nil)
	s.Put("c", "docs/readme.txt", []byte("hello"), nil)
	s.Put("c", "docs/sub/a.txt", []byte("a"), nil)
	s.Put("c", "docs.txt", []byte("x"), nil)
	s.Put("c", "zeta", []byte("z"), nil)
	return s
}

func TestListHierarchicalRollsUpPrefixes(t *testing.T) {
	s := seeded()
	ctx := context.Background()

	res, err := s.ListHierarchical(ctx, "c", "/", "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs", "docs.txt", "docs/", "zeta"}, names(res.Items))
	assert.True(t, res.Items[2].IsDirectory)
	assert.Empty(t, res.NextToken)

	res, err = s.ListHierarchical(ctx, "c", "/", "", "docs/", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/", "docs/readme.txt", "docs/sub/"}, names(res.Items))
	assert.False(t, res.Items[0].IsDirectory)
	assert.Equal(t, int64(5), res.Items[1].Size)
	assert.True(t, res.Items[2].IsDirectory)
}

func TestListHierarchicalPaginates(t *testing.T) {
	s := seeded()
	ctx := context.Background()

	var all []string
	token := ""
	pages := 0
	for {
		res, err := s.ListHierarchical(ctx, "c", "/", token, "", 2)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(res.Items), 2)
		all = append(all, names(res.Items)...)
		pages++
		if res.NextToken == "" {
			break
		}
		token = res.NextToken
	}
	assert.Equal(t, 2, pages)
	assert.Equal(t, []string{"docs", "docs.txt", "docs/", "zeta"}, all)
}

func TestListHierarchicalOverlapPages(t *testing.T) {
	s := seeded()
	s.OverlapPages = true
	ctx := context.Background()

	first, err := s.ListHierarchical(ctx, "c", "/", "", "", 2)
	require.NoError(t, err)
	require.Equal(t, "docs.txt", first.NextToken)

	second, err := s.ListHierarchical(ctx, "c", "/", first.NextToken, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs.txt", "docs/"}, names(second.Items))
}

func TestPropertiesCopyDelete(t *testing.T) {
	s := seeded()
	ctx := context.Background()

	props, err := s.GetProperties(ctx, "c", "missing")
	require.NoError(t, err)
	assert.False(t, props.Exists)

	props, err = s.GetProperties(ctx, "c", "docs")
	require.NoError(t, err)
	assert.True(t, props.Exists)
	assert.True(t, types.IsDirectoryMarker(props.Size, props.Metadata))

	require.NoError(t, s.Copy(ctx, "c", "docs", "docs2"))
	props, err = s.GetProperties(ctx, "c", "docs2")
	require.NoError(t, err)
	assert.Equal(t, "true", props.Metadata[types.FolderMetadataKey])

	err = s.Copy(ctx, "c", "nope", "x")
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, s.Delete(ctx, "c", "docs2"))
	require.NoError(t, s.Delete(ctx, "c", "docs2"))
	assert.False(t, s.Has("c", "docs2"))
}

func TestUploadDownload(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Upload(ctx, "c", "a/b.txt", strings.NewReader("payload"), map[string]string{"k": "v"}))

	var buf bytes.Buffer
	require.NoError(t, s.Download(ctx, "c", "a/b.txt", &buf))
	assert.Equal(t, "payload", buf.String())

	err := s.Download(ctx, "c", "missing", &buf)
	assert.True(t, errors.IsNotFound(err))
}

func TestFailNext(t *testing.T) {
	s := seeded()
	ctx := context.Background()
	s.FailNext(OpList, 2, 503)

	for i := 0; i < 2; i++ {
		_, err := s.ListHierarchical(ctx, "c", "/", "", "", 0)
		require.Error(t, err)
		var fe *errors.FSError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, 503, fe.Status)
		assert.True(t, fe.Retryable)
	}

	_, err := s.ListHierarchical(ctx, "c", "/", "", "", 0)
	assert.NoError(t, err)
	assert.Equal(t, 3, s.Calls(OpList))
}

func TestCanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.GetProperties(ctx, "c", "x")
	assert.Equal(t, errors.ErrCodeOperationCanceled, errors.CodeOf(err))
}
