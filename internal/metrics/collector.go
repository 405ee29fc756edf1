// Package metrics exports the filesystem's counters to Prometheus.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seafs/seafs/pkg/types"
	"github.com/seafs/seafs/pkg/utils"
)

var _ types.MetricsCollector = (*Collector)(nil)

// Collector implements types.MetricsCollector on a private Prometheus registry.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	placementCounter  *prometheus.CounterVec
	exhaustedCounter  prometheus.Counter
	migrationCounter  *prometheus.CounterVec
	migrationBytes    *prometheus.CounterVec
	flushCounter      *prometheus.CounterVec
	flushBytes        *prometheus.CounterVec
	evictionCounter   *prometheus.CounterVec
	evictionBytes     *prometheus.CounterVec
	partialCounter    *prometheus.CounterVec
	memoryUtilization prometheus.Gauge

	operations map[string]*OperationMetrics
	lastReset  time.Time

	health http.Handler
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *utils.StructuredLogger) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9100,
			Path:      "/metrics",
			Namespace: "seafs",
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	collector := &Collector{
		config:     config,
		logger:     logger.WithComponent("metrics"),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return collector, nil
}

// Registry returns the collector's registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// SetHealthHandler serves h at /health next to the metrics.
func (c *Collector) SetHealthHandler(h http.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = h
}

// Handler returns the mux served by Start.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.registry != nil {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Start serves metrics on the configured port. It returns once the listener
// is bound.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Port <= 0 {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.config.Port))
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server error", map[string]interface{}{"error": err.Error()})
		}
	}()
	c.logger.Info("serving metrics", map[string]interface{}{"addr": ln.Addr().String()})
	return nil
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records an operation with its metrics
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	metrics, exists := c.operations[operation]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[operation] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	metrics.TotalSize += size
	if !success {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
	c.mu.Unlock()

	c.operationCounter.With(prometheus.Labels{
		"operation": operation,
		"status":    status(success),
	}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.With(prometheus.Labels{"operation": operation}).Observe(float64(size))
	}
}

// RecordPlacement counts a new entry placed on tier.
func (c *Collector) RecordPlacement(tier string) {
	if !c.config.Enabled {
		return
	}
	c.placementCounter.WithLabelValues(tier).Inc()
}

// RecordCapacityExhausted counts a placement no mountpoint could satisfy.
func (c *Collector) RecordCapacityExhausted() {
	if !c.config.Enabled {
		return
	}
	c.exhaustedCounter.Inc()
}

// RecordMigration counts an open file moved between tiers.
func (c *Collector) RecordMigration(from, to string, bytes int64, success bool) {
	if !c.config.Enabled {
		return
	}
	c.migrationCounter.WithLabelValues(from, to, status(success)).Inc()
	if success {
		c.migrationBytes.WithLabelValues(from, to).Add(float64(bytes))
	}
}

// RecordFlush counts a copy to the backing root.
func (c *Collector) RecordFlush(tier string, bytes int64, success bool) {
	if !c.config.Enabled {
		return
	}
	c.flushCounter.WithLabelValues(tier, status(success)).Inc()
	if success {
		c.flushBytes.WithLabelValues(tier).Add(float64(bytes))
	}
}

// RecordEviction counts a fast copy removed after flushing.
func (c *Collector) RecordEviction(tier string, bytes int64) {
	if !c.config.Enabled {
		return
	}
	c.evictionCounter.WithLabelValues(tier).Inc()
	c.evictionBytes.WithLabelValues(tier).Add(float64(bytes))
}

// RecordPartialTierFailure counts a mirrored operation that left the tiers
// inconsistent.
func (c *Collector) RecordPartialTierFailure(op string) {
	if !c.config.Enabled {
		return
	}
	c.partialCounter.WithLabelValues(op).Inc()
}

// RecordMemoryUtilization sets the host memory utilization percentage.
func (c *Collector) RecordMemoryUtilization(pct float64) {
	if !c.config.Enabled {
		return
	}
	c.memoryUtilization.Set(pct)
}

// GetOperations returns a copy of the per-operation summaries.
func (c *Collector) GetOperations() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for name, op := range c.operations {
		out[name] = *op
	}
	return out
}

// ResetMetrics clears the per-operation summaries. Prometheus counters are
// monotonic and keep their values.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func (c *Collector) initMetrics() {
	ns, sub := c.config.Namespace, c.config.Subsystem
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help,
		}, labels)
	}

	c.operationCounter = counterVec("operations_total", "Total number of filesystem operations", "operation", "status")
	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "operation_duration_seconds",
			Help:      "Duration of filesystem operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18), // 100us to ~13s
		},
		[]string{"operation"},
	)
	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "operation_size_bytes",
			Help:      "Bytes moved by read and write operations",
			Buckets:   prometheus.ExponentialBuckets(512, 4, 12),
		},
		[]string{"operation"},
	)
	c.placementCounter = counterVec("placements_total", "New entries placed, by tier", "tier")
	c.exhaustedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "capacity_exhausted_total",
		Help: "Placements that found no mountpoint with room",
	})
	c.migrationCounter = counterVec("migrations_total", "Open files moved between tiers", "from", "to", "status")
	c.migrationBytes = counterVec("migration_bytes_total", "Bytes copied by migrations", "from", "to")
	c.flushCounter = counterVec("flushes_total", "Files copied to the backing root", "tier", "status")
	c.flushBytes = counterVec("flush_bytes_total", "Bytes copied to the backing root", "tier")
	c.evictionCounter = counterVec("evictions_total", "Flushed files removed from fast tiers", "tier")
	c.evictionBytes = counterVec("eviction_bytes_total", "Bytes freed on fast tiers", "tier")
	c.partialCounter = counterVec("partial_tier_failures_total", "Mirrored operations that failed on some tiers", "operation")
	c.memoryUtilization = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub,
		Name: "memory_utilization_percent",
		Help: "Host memory utilization seen by the eviction daemon",
	})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.placementCounter,
		c.exhaustedCounter,
		c.migrationCounter,
		c.migrationBytes,
		c.flushCounter,
		c.flushBytes,
		c.evictionCounter,
		c.evictionBytes,
		c.partialCounter,
		c.memoryUtilization,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	h := c.health
	c.mu.RUnlock()
	if h != nil {
		h.ServeHTTP(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"seafs"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	ops := c.GetOperations()
	c.mu.RLock()
	lastReset := c.lastReset
	c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("SeaFS Operations Summary\n")
	writef("========================\n\n")
	writef("Since: %v\n\n", lastReset.Format(time.RFC3339))

	if len(ops) == 0 {
		writef("No operations recorded.\n")
		return
	}

	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	writef("%-12s %10s %10s %14s %12s\n", "Operation", "Count", "Errors", "Avg Duration", "Bytes")
	writef("%-12s %10s %10s %14s %12s\n", "---------", "-----", "------", "------------", "-----")
	for _, name := range names {
		op := ops[name]
		writef("%-12s %10d %10d %14v %12s\n",
			name, op.Count, op.Errors, op.AvgDuration, utils.FormatBytes(uint64(op.TotalSize)))
	}
}
