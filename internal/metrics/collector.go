package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/objectfs/blobfs/pkg/health"
	"github.com/objectfs/blobfs/pkg/types"
)

var _ types.MetricsCollector = (*Collector)(nil)

// Collector records core and kernel-adapter metrics into a private
// Prometheus registry and optionally serves them over HTTP.
type Collector struct {
	config   *Config
	registry *prometheus.Registry
	logger   *zap.Logger

	// Prometheus metrics
	remoteCalls       *prometheus.CounterVec
	listRetries       prometheus.Counter
	evictions         *prometheus.CounterVec
	relocations       *prometheus.CounterVec
	errnos            *prometheus.CounterVec
	unmapped          *prometheus.CounterVec
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	queueLength       prometheus.Gauge
	diskPressure      prometheus.Gauge
	lockCount         prometheus.Gauge

	// HTTP server for metrics endpoint
	server   *http.Server
	listener net.Listener

	healthSource HealthSource
}

// HealthSource reports component health for the /health endpoint.
type HealthSource interface {
	GetOverallHealth() health.HealthState
	GetAllComponents() map[string]*health.ComponentHealth
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9100,
		Path:      "/metrics",
		Namespace: "blobfs",
	}
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *zap.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	collector := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}
	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Registry exposes the underlying registry, mainly for tests and for
// embedding the metrics in another handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// SetHealthSource makes /health report the given component health. Call it
// before Start.
func (c *Collector) SetHealthSource(src HealthSource) {
	c.healthSource = src
}

// Start serves the metrics endpoint in the background. It is a no-op when
// the collector is disabled or no port is configured.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Port <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", c.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on metrics port: %w", err)
	}
	c.listener = ln

	c.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	c.logger.Info("Metrics server started",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", c.config.Path))
	return nil
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordRemoteCall implements types.MetricsCollector.
func (c *Collector) RecordRemoteCall(operation string, success bool) {
	if !c.config.Enabled {
		return
	}
	c.remoteCalls.WithLabelValues(operation, status(success)).Inc()
}

// RecordListRetry implements types.MetricsCollector.
func (c *Collector) RecordListRetry() {
	if !c.config.Enabled {
		return
	}
	c.listRetries.Inc()
}

// RecordEviction implements types.MetricsCollector.
func (c *Collector) RecordEviction(outcome string) {
	if !c.config.Enabled {
		return
	}
	c.evictions.WithLabelValues(outcome).Inc()
}

// RecordRelocation implements types.MetricsCollector.
func (c *Collector) RecordRelocation(kind string, success bool) {
	if !c.config.Enabled {
		return
	}
	c.relocations.WithLabelValues(kind, status(success)).Inc()
}

// RecordErrno implements types.MetricsCollector.
func (c *Collector) RecordErrno(errno int) {
	if !c.config.Enabled {
		return
	}
	c.errnos.WithLabelValues(strconv.Itoa(errno)).Inc()
}

// RecordUnmappedStatus counts backend status codes missing from the errno
// table.
func (c *Collector) RecordUnmappedStatus(code int) {
	if !c.config.Enabled {
		return
	}
	c.unmapped.WithLabelValues(strconv.Itoa(code)).Inc()
}

// RecordOperation records a kernel-facing filesystem operation.
func (c *Collector) RecordOperation(operation string, duration time.Duration, success bool) {
	if !c.config.Enabled {
		return
	}
	c.operationCounter.WithLabelValues(operation, status(success)).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetQueueLength implements types.MetricsCollector.
func (c *Collector) SetQueueLength(n int) {
	if !c.config.Enabled {
		return
	}
	c.queueLength.Set(float64(n))
}

// SetDiskPressure implements types.MetricsCollector.
func (c *Collector) SetDiskPressure(asserted bool) {
	if !c.config.Enabled {
		return
	}
	v := 0.0
	if asserted {
		v = 1
	}
	c.diskPressure.Set(v)
}

// SetLockCount implements types.MetricsCollector.
func (c *Collector) SetLockCount(n int) {
	if !c.config.Enabled {
		return
	}
	c.lockCount.Set(float64(n))
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Helper methods

func (c *Collector) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func (c *Collector) gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      name,
		Help:      help,
	})
}

func (c *Collector) initMetrics() {
	c.remoteCalls = c.counterVec("remote_calls_total",
		"Blob store calls by operation and outcome", "operation", "status")
	c.listRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      "list_retries_total",
		Help:      "Listing page requests retried after a failure",
	})
	c.evictions = c.counterVec("evictions_total",
		"Cache eviction attempts by outcome", "outcome")
	c.relocations = c.counterVec("relocations_total",
		"Rename operations by kind and outcome", "kind", "status")
	c.errnos = c.counterVec("errno_total",
		"Errors returned to the kernel by errno", "errno")
	c.unmapped = c.counterVec("unmapped_status_total",
		"Backend status codes with no errno mapping", "code")
	c.operationCounter = c.counterVec("operations_total",
		"Filesystem operations by outcome", "operation", "status")

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Duration of filesystem operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"operation"},
	)

	c.queueLength = c.gauge("eviction_queue_length", "Files waiting for eviction")
	c.diskPressure = c.gauge("disk_pressure", "1 while the cache disk is above its high watermark")
	c.lockCount = c.gauge("path_locks", "Distinct path locks allocated")
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.remoteCalls,
		c.listRetries,
		c.evictions,
		c.relocations,
		c.errnos,
		c.unmapped,
		c.operationCounter,
		c.operationDuration,
		c.queueLength,
		c.diskPressure,
		c.lockCount,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// HTTP handlers

type healthResponse struct {
	Status     string                             `json:"status"`
	Service    string                             `json:"service"`
	Components map[string]*health.ComponentHealth `json:"components,omitempty"`
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: health.StateHealthy.String(), Service: "blobfs"}
	code := http.StatusOK
	if c.healthSource != nil {
		state := c.healthSource.GetOverallHealth()
		resp.Status = state.String()
		resp.Components = c.healthSource.GetAllComponents()
		if state == health.StateUnavailable {
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp) // Ignore write error for health check
}
