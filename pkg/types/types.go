package types

import (
	"strings"
	"time"
)

const (
	// Delimiter separates path components in object names.
	Delimiter = "/"

	// FolderMetadataKey flags a zero-size object as a directory marker.
	FolderMetadataKey = "hdi_isfolder"

	// LegacyDirectorySuffix names the deprecated directory marker object.
	// It is only honoured by emptiness checks.
	LegacyDirectorySuffix = ".directory"
)

// ListItem is one entry of a hierarchical listing page.
type ListItem struct {
	Name         string            `json:"name"`
	IsDirectory  bool              `json:"is_directory"`
	Size         int64             `json:"size"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// ListResult is a single page returned by BlobStore.ListHierarchical.
type ListResult struct {
	Items     []ListItem `json:"items"`
	NextToken string     `json:"next_token"`
}

// Properties describes a single object.
type Properties struct {
	Exists       bool              `json:"exists"`
	Size         int64             `json:"size"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// IsDirectoryMarker reports whether an object with the given size and
// metadata stands for a directory.
func IsDirectoryMarker(size int64, metadata map[string]string) bool {
	if size != 0 {
		return false
	}
	for k, v := range metadata {
		if strings.EqualFold(k, FolderMetadataKey) && v == "true" {
			return true
		}
	}
	return false
}

// IsLegacyMarker reports whether name is a deprecated directory marker.
func IsLegacyMarker(name string) bool {
	return len(name) > len(LegacyDirectorySuffix) && strings.HasSuffix(name, LegacyDirectorySuffix)
}

// FolderMetadata returns the metadata set on new directory markers.
func FolderMetadata() map[string]string {
	return map[string]string{FolderMetadataKey: "true"}
}
