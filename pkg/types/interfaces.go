package types

import (
	"context"
	"io"
)

// BlobStore is the remote object store the filesystem core is built on.
// Implementations report failures as *errors.FSError carrying the backend
// status code so the translator can map them to an errno.
type BlobStore interface {
	// ListHierarchical returns one page of a delimiter-aware listing.
	// Names sharing a prefix up to the next delimiter are rolled up into a
	// single item with IsDirectory set and a trailing delimiter.
	ListHierarchical(ctx context.Context, container, delimiter, token, prefix string, pageSize int) (*ListResult, error)

	// GetProperties fetches object properties. A missing object is not an
	// error: Exists is false.
	GetProperties(ctx context.Context, container, name string) (*Properties, error)

	// Copy duplicates an object, metadata included, under a new name.
	Copy(ctx context.Context, container, src, dst string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, container, name string) error

	// Download streams the object body into w.
	Download(ctx context.Context, container, name string, w io.Writer) error

	// Upload stores the contents of r under name.
	Upload(ctx context.Context, container, name string, r io.Reader, metadata map[string]string) error
}

// MetricsCollector is the subset of the metrics collector the core records into.
type MetricsCollector interface {
	RecordRemoteCall(operation string, success bool)
	RecordListRetry()
	RecordEviction(outcome string)
	RecordRelocation(kind string, success bool)
	RecordErrno(errno int)
	SetQueueLength(n int)
	SetDiskPressure(asserted bool)
	SetLockCount(n int)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) RecordRemoteCall(string, bool) {}
func (NopMetrics) RecordListRetry()              {}
func (NopMetrics) RecordEviction(string)         {}
func (NopMetrics) RecordRelocation(string, bool) {}
func (NopMetrics) RecordErrno(int)               {}
func (NopMetrics) SetQueueLength(int)            {}
func (NopMetrics) SetDiskPressure(bool)          {}
func (NopMetrics) SetLockCount(int)              {}
