// Package pathlock hands out one mutex per filesystem path. Every component
// that touches a path's local state, or uses the path as a synchronization
// point, takes the same handle from the shared Registry.
package pathlock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 64

type shard struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Registry is a sharded map of per-path mutexes. Handles are created lazily
// and never removed, so two callers naming the same path always share one
// handle for the registry's lifetime.
type Registry struct {
	shards []*shard
}

// New creates a registry with the default shard count.
func New() *Registry {
	return NewWithShards(defaultShards)
}

// NewWithShards creates a registry with n shards (at least one).
func NewWithShards(n int) *Registry {
	if n < 1 {
		n = 1
	}
	r := &Registry{shards: make([]*shard, n)}
	for i := range r.shards {
		r.shards[i] = &shard{locks: make(map[string]*sync.Mutex)}
	}
	return r
}

func (r *Registry) shardFor(path string) *shard {
	return r.shards[xxhash.Sum64String(path)%uint64(len(r.shards))]
}

// Get returns the mutex for path, creating it on first use.
func (r *Registry) Get(path string) *sync.Mutex {
	s := r.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.locks[path]
	if !ok {
		m = &sync.Mutex{}
		s.locks[path] = m
	}
	return m
}

// LockPair locks the handles of two paths in a stable order and returns a
// function releasing both. Locking the same path twice is avoided.
func (r *Registry) LockPair(a, b string) func() {
	if a == b {
		m := r.Get(a)
		m.Lock()
		return m.Unlock
	}
	if b < a {
		a, b = b, a
	}
	first, second := r.Get(a), r.Get(b)
	first.Lock()
	second.Lock()
	return func() {
		second.Unlock()
		first.Unlock()
	}
}

// Len returns the number of distinct paths seen so far.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
