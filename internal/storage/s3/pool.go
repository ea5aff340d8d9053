package s3

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ConnectionPool bounds the number of concurrent requests issued through
// S3 clients built by factory.
type ConnectionPool struct {
	mu          sync.RWMutex
	connections chan *s3.Client
	factory     func() (*s3.Client, error)
	maxSize     int
	currentSize int
	closed      bool

	// Statistics
	stats PoolStats
}

// PoolStats tracks connection pool statistics
type PoolStats struct {
	Active      int       `json:"active"`
	Idle        int       `json:"idle"`
	Total       int       `json:"total"`
	MaxSize     int       `json:"max_size"`
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	Created     int64     `json:"created"`
	LastCreated time.Time `json:"last_created"`
}

// NewConnectionPool creates a new connection pool
func NewConnectionPool(maxSize int, factory func() (*s3.Client, error)) (*ConnectionPool, error) {
	if maxSize <= 0 {
		maxSize = 8 // Default pool size
	}

	if factory == nil {
		return nil, fmt.Errorf("connection factory cannot be nil")
	}

	return &ConnectionPool{
		connections: make(chan *s3.Client, maxSize),
		factory:     factory,
		maxSize:     maxSize,
		stats: PoolStats{
			MaxSize: maxSize,
		},
	}, nil
}

// Get retrieves a client, creating one while the pool is below its size and
// otherwise waiting for a client to be returned.
func (p *ConnectionPool) Get(ctx context.Context) (*s3.Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("connection pool is closed")
	}
	select {
	case conn := <-p.connections:
		p.stats.Hits++
		p.stats.Active++
		p.mu.Unlock()
		return conn, nil
	default:
	}

	if p.currentSize < p.maxSize {
		p.currentSize++
		p.mu.Unlock()

		conn, err := p.factory()
		p.mu.Lock()
		defer p.mu.Unlock()
		if err != nil {
			p.currentSize--
			return nil, err
		}
		p.stats.Created++
		p.stats.Active++
		p.stats.LastCreated = time.Now()
		return conn, nil
	}
	p.stats.Misses++
	p.mu.Unlock()

	select {
	case conn := <-p.connections:
		p.mu.Lock()
		p.stats.Active++
		p.mu.Unlock()
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a connection to the pool
func (p *ConnectionPool) Put(conn *s3.Client) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	select {
	case p.connections <- conn:
		p.stats.Active--
	default:
		// Pool is full, discard the connection
		p.currentSize--
		p.stats.Active--
	}
}

// Stats returns current pool statistics
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := p.stats
	stats.Total = p.currentSize
	stats.Idle = len(p.connections)

	return stats
}

// Close closes the connection pool
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	for {
		select {
		case <-p.connections:
		default:
			return nil
		}
	}
}
