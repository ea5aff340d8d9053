package cache

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/objectfs/blobfs/internal/pathlock"
	"github.com/objectfs/blobfs/pkg/types"
)

type recordingMetrics struct {
	types.NopMetrics
	mu       sync.Mutex
	outcomes []string
}

func (m *recordingMetrics) RecordEviction(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) Outcomes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.outcomes...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func writeCached(t *testing.T, local *Local, p string) string {
	t.Helper()
	require.NoError(t, local.EnsureParentDirs(p))
	file := local.Path(p)
	require.NoError(t, os.WriteFile(file, []byte("cached"), 0o644))
	return file
}

func newTestEvictor(t *testing.T, used float64, clock *fakeClock) (*Evictor, *Local, *recordingMetrics) {
	t.Helper()
	local := NewLocal(t.TempDir())
	metrics := &recordingMetrics{}
	cfg := EvictorConfig{
		TTL:           time.Hour,
		HighThreshold: 90,
		LowThreshold:  80,
		PollInterval:  10 * time.Millisecond,
		Probe:         ProbeFunc(func() (float64, error) { return used, nil }),
	}
	if clock != nil {
		cfg.Clock = clock.Now
	}
	return NewEvictor(local, pathlock.New(), cfg, nil, metrics), local, metrics
}

func TestLocalPath(t *testing.T) {
	local := NewLocal("/var/cache/blobfs/")

	assert.Equal(t, "/var/cache/blobfs/root", local.Root())
	assert.Equal(t, "/var/cache/blobfs/root", local.Path("/"))
	assert.Equal(t, "/var/cache/blobfs/root/docs/a.txt", local.Path("/docs/a.txt"))
	assert.Equal(t, "/var/cache/blobfs/root/docs/a.txt", local.Path("docs//a.txt"))
	assert.Equal(t, "/var/cache/blobfs/root/etc", local.Path("/../etc"))
}

func TestLocalDestroy(t *testing.T) {
	local := NewLocal(t.TempDir())
	file := writeCached(t, local, "/a/b/c.txt")
	require.FileExists(t, file)
	assert.True(t, local.Exists("/a/b/c.txt"))

	require.NoError(t, local.Destroy())
	assert.NoDirExists(t, local.Root())
	assert.DirExists(t, local.Dir())
}

func TestNextPressure(t *testing.T) {
	tests := []struct {
		name    string
		current bool
		used    float64
		want    bool
	}{
		{"below low stays clear", false, 50, false},
		{"between stays clear", false, 85, false},
		{"at high asserts", false, 90, true},
		{"above high asserts", false, 99, true},
		{"between stays asserted", true, 85, true},
		{"just above low stays asserted", true, 80.1, true},
		{"at low clears", true, 80, false},
		{"below low clears", true, 10, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextPressure(tt.current, tt.used, 80, 90))
		})
	}
}

func TestEvictorHysteresis(t *testing.T) {
	used := 0.0
	local := NewLocal(t.TempDir())
	e := NewEvictor(local, pathlock.New(), EvictorConfig{
		TTL:           time.Hour,
		HighThreshold: 90,
		LowThreshold:  80,
		Probe:         ProbeFunc(func() (float64, error) { return used, nil }),
	}, nil, nil)

	steps := []struct {
		used float64
		want bool
	}{
		{70, false}, {85, false}, {90, true}, {85, true}, {81, true}, {80, false}, {85, false},
	}
	for _, s := range steps {
		used = s.used
		e.updatePressure()
		assert.Equal(t, s.want, e.Pressure(), "used=%v", s.used)
	}
}

func TestEvictorProbeFailureIsNoPressure(t *testing.T) {
	local := NewLocal(t.TempDir())
	e := NewEvictor(local, pathlock.New(), EvictorConfig{
		TTL:           time.Hour,
		HighThreshold: 90,
		LowThreshold:  80,
		Probe:         ProbeFunc(func() (float64, error) { return 0, errors.New("statfs failed") }),
	}, nil, nil)

	e.pressure.Store(true)
	e.updatePressure()
	assert.False(t, e.Pressure())
}

func TestEvictorKeepsFileBeforeTTL(t *testing.T) {
	e, local, _ := newTestEvictor(t, 10, nil)
	file := writeCached(t, local, "/docs/a.txt")

	e.Enqueue("/docs/a.txt")
	e.sweep()

	assert.FileExists(t, file)
	assert.Equal(t, 1, e.Len())
}

func TestEvictorDeletesAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	e, local, metrics := newTestEvictor(t, 10, clock)
	file := writeCached(t, local, "/docs/a.txt")

	e.Enqueue("/docs/a.txt")
	clock.Advance(2 * time.Hour)
	e.sweep()

	assert.NoFileExists(t, file)
	assert.Equal(t, 0, e.Len())
	assert.Equal(t, []string{OutcomeDeleted}, metrics.Outcomes())
}

func TestEvictorPrunesEmptyParents(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	e, local, _ := newTestEvictor(t, 10, clock)
	writeCached(t, local, "/docs/deep/nested/a.txt")
	sibling := writeCached(t, local, "/docs/b.txt")

	e.Enqueue("/docs/deep/nested/a.txt")
	clock.Advance(2 * time.Hour)
	e.sweep()

	assert.NoDirExists(t, local.Path("/docs/deep/nested"))
	assert.NoDirExists(t, local.Path("/docs/deep"))
	assert.DirExists(t, local.Path("/docs"))
	assert.FileExists(t, sibling)
	assert.DirExists(t, local.Root())
}

func TestEvictorBusyFileKeepsParents(t *testing.T) {
	e, local, _ := newTestEvictor(t, 95, nil)
	file := writeCached(t, local, "/docs/busy.bin")

	f, err := os.Open(file)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, unix.Flock(int(f.Fd()), unix.LOCK_SH))

	e.updatePressure()
	e.Enqueue("/docs/busy.bin")
	e.sweep()

	assert.FileExists(t, file)
	assert.DirExists(t, local.Path("/docs"))
}

func TestEvictorRecentlyModifiedFileSurvivesExpiredEntry(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	e, local, metrics := newTestEvictor(t, 10, clock)

	e.Enqueue("/a.txt")
	clock.Advance(2 * time.Hour)
	// Written after close; its mtime is relative to the advanced clock.
	file := writeCached(t, local, "/a.txt")
	future := clock.Now()
	require.NoError(t, os.Chtimes(file, future, future))

	e.sweep()

	assert.FileExists(t, file)
	assert.Equal(t, 0, e.Len())
	assert.Equal(t, []string{OutcomeSkipped}, metrics.Outcomes())
}

func TestEvictorLockedFileSurvivesPressure(t *testing.T) {
	e, local, metrics := newTestEvictor(t, 95, nil)
	file := writeCached(t, local, "/busy.bin")

	f, err := os.Open(file)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, unix.Flock(int(f.Fd()), unix.LOCK_SH))

	e.updatePressure()
	require.True(t, e.Pressure())

	e.Enqueue("/busy.bin")
	e.sweep()

	assert.FileExists(t, file)
	assert.Equal(t, 0, e.Len(), "skipped entries are dropped")
	assert.Equal(t, []string{OutcomeBusy}, metrics.Outcomes())
}

func TestEvictorPressureDeletesFreshFiles(t *testing.T) {
	e, local, _ := newTestEvictor(t, 95, nil)
	file := writeCached(t, local, "/fresh.bin")

	e.updatePressure()
	e.Enqueue("/fresh.bin")
	e.sweep()

	assert.NoFileExists(t, file)
}

func TestEvictorFIFO(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	e, local, _ := newTestEvictor(t, 10, clock)
	first := writeCached(t, local, "/first")
	second := writeCached(t, local, "/second")

	e.Enqueue("/first")
	clock.Advance(50 * time.Minute)
	e.Enqueue("/second")
	clock.Advance(11 * time.Minute)

	wait := e.sweep()

	assert.NoFileExists(t, first)
	assert.FileExists(t, second)
	require.Equal(t, 1, e.Len())
	entry, ok := e.peek()
	require.True(t, ok)
	assert.Equal(t, "/second", entry.Path)
	assert.LessOrEqual(t, wait, 10*time.Millisecond)
}

func TestEvictorMissingFileIsDropped(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	e, _, metrics := newTestEvictor(t, 10, clock)

	e.Enqueue("/never-cached")
	clock.Advance(2 * time.Hour)
	e.sweep()

	assert.Equal(t, 0, e.Len())
	assert.Equal(t, []string{OutcomeSkipped}, metrics.Outcomes())
}

func TestEvictorBackgroundSweep(t *testing.T) {
	local := NewLocal(t.TempDir())
	e := NewEvictor(local, pathlock.New(), EvictorConfig{
		TTL:           20 * time.Millisecond,
		HighThreshold: 90,
		LowThreshold:  80,
		PollInterval:  5 * time.Millisecond,
		Probe:         ProbeFunc(func() (float64, error) { return 10, nil }),
	}, nil, nil)

	file := writeCached(t, local, "/bg.txt")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(file, past, past))

	e.Start()
	defer e.Stop()
	e.Enqueue("/bg.txt")

	require.Eventually(t, func() bool {
		_, err := os.Stat(file)
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return e.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEvictorStopWithoutStart(t *testing.T) {
	e, _, _ := newTestEvictor(t, 10, nil)
	done := make(chan struct{})
	go func() {
		e.Stop()
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without Start")
	}
}

func TestStatfsProbe(t *testing.T) {
	used, err := StatfsProbe{Dir: t.TempDir()}.UsedPercent()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, used, 0.0)
	assert.LessOrEqual(t, used, 100.0)

	_, err = StatfsProbe{Dir: filepath.Join(t.TempDir(), "missing")}.UsedPercent()
	assert.Error(t, err)
}
