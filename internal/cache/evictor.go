package cache

import (
	"errors"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/objectfs/blobfs/internal/pathlock"
	"github.com/objectfs/blobfs/pkg/types"
	"github.com/objectfs/blobfs/pkg/utils"
)

// Eviction outcomes recorded in metrics.
const (
	OutcomeDeleted = "deleted"
	OutcomeBusy    = "busy"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Entry is a file waiting to be removed from the cache.
type Entry struct {
	Path     string
	ClosedAt time.Time
}

// EvictorConfig controls when cached files are removed.
type EvictorConfig struct {
	TTL           time.Duration
	HighThreshold float64 // percent of disk used that asserts pressure
	LowThreshold  float64 // percent of disk used that clears pressure
	PollInterval  time.Duration
	Probe         DiskProbe
	Clock         func() time.Time
}

// Evictor deletes closed files from the local cache.
type Evictor struct {
	local   *Local
	locks   *pathlock.Registry
	config  EvictorConfig
	logger  *zap.Logger
	metrics types.MetricsCollector

	mu    sync.Mutex
	queue []Entry

	pressure atomic.Bool
	wake     chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopCh    chan struct{}
	done      chan struct{}
}

// NewEvictor creates an evictor over the given cache layout. Paths are
// locked through locks, the same registry the rest of the core uses.
func NewEvictor(local *Local, locks *pathlock.Registry, config EvictorConfig, logger *zap.Logger, metrics types.MetricsCollector) *Evictor {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.Probe == nil {
		config.Probe = StatfsProbe{Dir: local.Dir()}
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}

	return &Evictor{
		local:   local,
		locks:   locks,
		config:  config,
		logger:  logger,
		metrics: metrics,
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Enqueue records that path was closed now and wakes the sweeper.
func (e *Evictor) Enqueue(path string) {
	e.mu.Lock()
	e.queue = append(e.queue, Entry{Path: utils.CleanPath(path), ClosedAt: e.config.Clock()})
	n := len(e.queue)
	e.mu.Unlock()

	e.metrics.SetQueueLength(n)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of pending entries.
func (e *Evictor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Pressure reports whether disk pressure is currently asserted.
func (e *Evictor) Pressure() bool {
	return e.pressure.Load()
}

// Start launches the background sweeper. Calling it twice has no effect.
func (e *Evictor) Start() {
	e.startOnce.Do(func() {
		e.started.Store(true)
		e.updatePressure()
		go e.run()
	})
}

// Stop terminates the sweeper and waits for it to exit.
func (e *Evictor) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	if e.started.Load() {
		<-e.done
	}
}

func (e *Evictor) run() {
	defer close(e.done)

	timer := time.NewTimer(e.config.PollInterval)
	defer timer.Stop()

	for {
		wait := e.sweep()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-e.stopCh:
			return
		case <-e.wake:
		case <-timer.C:
		}
		e.updatePressure()
	}
}

// sweep evaluates every entry that is due and returns how long to wait
// before the front entry could become due.
func (e *Evictor) sweep() time.Duration {
	for {
		select {
		case <-e.stopCh:
			return e.config.PollInterval
		default:
		}

		entry, ok := e.peek()
		if !ok {
			return e.config.PollInterval
		}

		age := e.config.Clock().Sub(entry.ClosedAt)
		if age <= e.config.TTL && !e.pressure.Load() {
			wait := e.config.TTL - age + time.Millisecond
			if wait > e.config.PollInterval {
				wait = e.config.PollInterval
			}
			return wait
		}

		e.evaluate(entry)
		e.pop()
	}
}

func (e *Evictor) peek() (Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return Entry{}, false
	}
	return e.queue[0], true
}

func (e *Evictor) pop() {
	e.mu.Lock()
	if len(e.queue) > 0 {
		e.queue[0] = Entry{}
		e.queue = e.queue[1:]
	}
	n := len(e.queue)
	e.mu.Unlock()
	e.metrics.SetQueueLength(n)
}

// evaluate deletes the cache file of entry when it is stale or the disk is
// under pressure, unless another handle still holds an advisory lock on it.
// Directories left empty by the deletion are removed as well.
func (e *Evictor) evaluate(entry Entry) {
	if e.evict(entry) {
		e.pruneParents(entry.Path)
	}
}

func (e *Evictor) evict(entry Entry) bool {
	lock := e.locks.Get(entry.Path)
	lock.Lock()
	defer lock.Unlock()

	file := e.local.Path(entry.Path)
	log := e.logger.With(zap.String("path", entry.Path))

	var st unix.Stat_t
	if err := unix.Stat(file, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			log.Debug("cached file already gone")
		} else {
			log.Error("failed to stat cached file", zap.Error(err))
		}
		e.metrics.RecordEviction(OutcomeSkipped)
		return false
	}

	now := e.config.Clock()
	mtime, ctime := StatTimes(&st)
	stale := now.Sub(mtime) > e.config.TTL && now.Sub(ctime) > e.config.TTL
	if !stale && !e.pressure.Load() {
		log.Debug("cached file touched within ttl, keeping")
		e.metrics.RecordEviction(OutcomeSkipped)
		return false
	}

	fd, err := unix.Open(file, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		log.Error("failed to open cached file for eviction", zap.Error(err))
		e.metrics.RecordEviction(OutcomeFailed)
		return false
	}
	defer unix.Close(fd)

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			log.Debug("cached file still in use, skipping")
			e.metrics.RecordEviction(OutcomeBusy)
			return false
		}
		log.Error("failed to lock cached file", zap.Error(err))
		e.metrics.RecordEviction(OutcomeFailed)
		return false
	}

	deleted := false
	if err := unix.Unlink(file); err != nil {
		log.Error("failed to delete cached file", zap.Error(err))
		e.metrics.RecordEviction(OutcomeFailed)
	} else {
		log.Debug("evicted cached file", zap.Bool("pressure", e.pressure.Load()))
		e.metrics.RecordEviction(OutcomeDeleted)
		deleted = true
	}
	_ = unix.Flock(fd, unix.LOCK_UN)

	e.updatePressure()
	return deleted
}

// pruneParents removes the now empty cache directories above p, nearest
// first, each under its own path lock. It stops at the cache root or the
// first directory that still has entries.
func (e *Evictor) pruneParents(p string) {
	for dir := path.Dir(p); !utils.IsRoot(dir); dir = path.Dir(dir) {
		lock := e.locks.Get(dir)
		lock.Lock()
		err := unix.Rmdir(e.local.Path(dir))
		lock.Unlock()
		if err != nil {
			if !errors.Is(err, unix.ENOTEMPTY) && !errors.Is(err, unix.EEXIST) && !errors.Is(err, unix.ENOENT) {
				e.logger.Debug("failed to prune cache directory", zap.String("path", dir), zap.Error(err))
			}
			return
		}
		e.logger.Debug("pruned empty cache directory", zap.String("path", dir))
	}
}


func (e *Evictor) updatePressure() {
	used, err := e.config.Probe.UsedPercent()
	if err != nil {
		e.logger.Debug("disk usage probe failed, assuming no pressure", zap.Error(err))
		used = 0
	}

	prev := e.pressure.Load()
	next := nextPressure(prev, used, e.config.LowThreshold, e.config.HighThreshold)
	e.pressure.Store(next)
	e.metrics.SetDiskPressure(next)

	if next != prev {
		e.logger.Info("disk pressure changed",
			zap.Bool("asserted", next),
			zap.Float64("used_percent", used))
	}
}

// nextPressure applies the watermark hysteresis.
func nextPressure(current bool, used, low, high float64) bool {
	switch {
	case used >= high:
		return true
	case used <= low:
		return false
	default:
		return current
	}
}
