// Package memory implements types.BlobStore in process memory. It backs the
// "memory" storage backend and the tests of every package above the store.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/blobfs/pkg/errors"
	"github.com/objectfs/blobfs/pkg/types"
)

// Operation names used for failure injection and call counting.
const (
	OpList          = "list"
	OpGetProperties = "get_properties"
	OpCopy          = "copy"
	OpDelete        = "delete"
	OpDownload      = "download"
	OpUpload        = "upload"
)

const defaultPageSize = 5000

type object struct {
	data     []byte
	metadata map[string]string
	modified time.Time
}

type failure struct {
	remaining int
	status    int
}

// Store is a flat, sorted key space per container.
type Store struct {
	mu         sync.RWMutex
	containers map[string]map[string]*object
	failures   map[string]*failure
	calls      map[string]int

	// OverlapPages makes each continuation page start with the item that
	// ended the previous page, as some stores do at page boundaries.
	OverlapPages bool
}

// New returns an empty store.
func New() *Store {
	return &Store{
		containers: make(map[string]map[string]*object),
		failures:   make(map[string]*failure),
		calls:      make(map[string]int),
	}
}

// Put stores an object directly, bypassing failure injection.
func (s *Store) Put(container, name string, data []byte, metadata map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(container)[name] = &object{
		data:     append([]byte(nil), data...),
		metadata: copyMetadata(metadata),
		modified: time.Now(),
	}
}

// Has reports whether an object exists.
func (s *Store) Has(container, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.containers[container][name]
	return ok
}

// Names returns every object name in container in sorted order.
func (s *Store) Names(container string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedNames(s.containers[container], "")
}

// FailNext makes the next n calls of op fail with the given backend status.
func (s *Store) FailNext(op string, n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = &failure{remaining: n, status: status}
}

// Calls returns how many times op has been invoked.
func (s *Store) Calls(op string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// ListHierarchical implements types.BlobStore.
func (s *Store) ListHierarchical(ctx context.Context, container, delimiter, token, prefix string, pageSize int) (*types.ListResult, error) {
	if err := s.begin(ctx, OpList, prefix); err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	s.mu.RLock()
	items := s.rollUp(container, delimiter, prefix)
	s.mu.RUnlock()

	start := 0
	if token != "" {
		overlap := s.OverlapPages && pageSize > 1
		start = sort.Search(len(items), func(i int) bool {
			if overlap {
				return items[i].Name >= token
			}
			return items[i].Name > token
		})
	}

	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}

	result := &types.ListResult{Items: items[start:end]}
	if end < len(items) {
		result.NextToken = items[end-1].Name
	}
	return result, nil
}

// rollUp returns the sorted listing of names under prefix, with names that
// contain delimiter past the prefix collapsed into one directory item.
func (s *Store) rollUp(container, delimiter, prefix string) []types.ListItem {
	bucket := s.containers[container]
	var items []types.ListItem
	for _, name := range sortedNames(bucket, prefix) {
		rest := name[len(prefix):]
		if delimiter != "" {
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				dir := prefix + rest[:idx+len(delimiter)]
				if n := len(items); n == 0 || items[n-1].Name != dir {
					items = append(items, types.ListItem{Name: dir, IsDirectory: true})
				}
				continue
			}
		}
		obj := bucket[name]
		items = append(items, types.ListItem{
			Name:         name,
			Size:         int64(len(obj.data)),
			Metadata:     copyMetadata(obj.metadata),
			LastModified: obj.modified,
		})
	}
	return items
}

// GetProperties implements types.BlobStore.
func (s *Store) GetProperties(ctx context.Context, container, name string) (*types.Properties, error) {
	if err := s.begin(ctx, OpGetProperties, name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.containers[container][name]
	if !ok {
		return &types.Properties{Exists: false}, nil
	}
	return &types.Properties{
		Exists:       true,
		Size:         int64(len(obj.data)),
		Metadata:     copyMetadata(obj.metadata),
		LastModified: obj.modified,
	}, nil
}

// Copy implements types.BlobStore.
func (s *Store) Copy(ctx context.Context, container, src, dst string) error {
	if err := s.begin(ctx, OpCopy, src); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.containers[container][src]
	if !ok {
		return notFound("Copy", src)
	}
	s.bucket(container)[dst] = &object{
		data:     append([]byte(nil), obj.data...),
		metadata: copyMetadata(obj.metadata),
		modified: time.Now(),
	}
	return nil
}

// Delete implements types.BlobStore.
func (s *Store) Delete(ctx context.Context, container, name string) error {
	if err := s.begin(ctx, OpDelete, name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.containers[container], name)
	return nil
}

// Download implements types.BlobStore.
func (s *Store) Download(ctx context.Context, container, name string, w io.Writer) error {
	if err := s.begin(ctx, OpDownload, name); err != nil {
		return err
	}
	s.mu.RLock()
	obj, ok := s.containers[container][name]
	var data []byte
	if ok {
		data = obj.data
	}
	s.mu.RUnlock()

	if !ok {
		return notFound("Download", name)
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

// Upload implements types.BlobStore.
func (s *Store) Upload(ctx context.Context, container, name string, r io.Reader, metadata map[string]string) error {
	if err := s.begin(ctx, OpUpload, name); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.NewError(errors.ErrCodeLocalIO, "failed to read upload body").
			WithComponent("memory").WithOperation("Upload").WithPath(name).WithCause(err)
	}
	s.Put(container, name, data, metadata)
	return nil
}

// begin counts the call and returns an injected failure, if any is pending.
func (s *Store) begin(ctx context.Context, op, name string) error {
	if err := ctx.Err(); err != nil {
		return errors.NewError(errors.ErrCodeOperationCanceled, "request canceled").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++

	f, ok := s.failures[op]
	if !ok || f.remaining == 0 {
		return nil
	}
	f.remaining--
	return errors.NewError(errors.ErrCodeBackendFailure, "injected failure").
		WithComponent("memory").
		WithOperation(op).
		WithPath(name).
		WithStatus(f.status)
}

func (s *Store) bucket(container string) map[string]*object {
	b, ok := s.containers[container]
	if !ok {
		b = make(map[string]*object)
		s.containers[container] = b
	}
	return b
}

func sortedNames(bucket map[string]*object, prefix string) []string {
	names := make([]string, 0, len(bucket))
	for name := range bucket {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func notFound(op, name string) error {
	return errors.NewError(errors.ErrCodeObjectNotFound, "object not found").
		WithComponent("memory").
		WithOperation(op).
		WithPath(name).
		WithStatus(404)
}

func copyMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
