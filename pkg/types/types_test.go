package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDirectoryMarker(t *testing.T) {
	assert.True(t, IsDirectoryMarker(0, map[string]string{"hdi_isfolder": "true"}))
	assert.True(t, IsDirectoryMarker(0, map[string]string{"Hdi_isfolder": "true"}))
	assert.False(t, IsDirectoryMarker(10, map[string]string{"hdi_isfolder": "true"}))
	assert.False(t, IsDirectoryMarker(0, map[string]string{"hdi_isfolder": "false"}))
	assert.False(t, IsDirectoryMarker(0, nil))
}

func TestIsLegacyMarker(t *testing.T) {
	assert.True(t, IsLegacyMarker("docs/.directory"))
	assert.True(t, IsLegacyMarker("x.directory"))
	assert.False(t, IsLegacyMarker(".directory"))
	assert.False(t, IsLegacyMarker("docs/readme.txt"))
}

func TestFolderMetadata(t *testing.T) {
	md := FolderMetadata()
	assert.True(t, IsDirectoryMarker(0, md))
}
