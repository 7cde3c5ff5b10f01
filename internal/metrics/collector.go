package metrics

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zstore/zstore/internal/stats"
	"github.com/zstore/zstore/pkg/errors"
	"github.com/zstore/zstore/pkg/health"
)

// Collector exports session activity to Prometheus. It implements
// stats.Observer so that it can be attached to every session's tracker.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *slog.Logger

	commandCounter  *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec
	commandBytes    *prometheus.CounterVec
	outstandingCmds *prometheus.GaugeVec
	writePointer    *prometheus.GaugeVec
	activeZone      *prometheus.GaugeVec
	diverged        prometheus.Gauge
	errorCounter    *prometheus.CounterVec

	// Per device/op aggregates for the debug endpoint
	operations map[string]*OperationMetrics
	lastReset  time.Time

	health *health.Tracker
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Address   string            `yaml:"address"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// DefaultConfig returns the default exporter settings.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Address:   ":9464",
		Path:      "/metrics",
		Namespace: "zstore",
		Labels:    make(map[string]string),
	}
}

// OperationMetrics tracks one device's commands of one kind
type OperationMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalLatency  time.Duration `json:"total_latency"`
	TotalBytes    int64         `json:"total_bytes"`
	LastOperation time.Time     `json:"last_operation"`
	AvgLatency    time.Duration `json:"avg_latency"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *slog.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	collector := &Collector{
		config:     config,
		logger:     logger.With("component", "metrics"),
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

// WithHealth reports tracker's components on /health. Without it /health is
// a bare liveness probe.
func (c *Collector) WithHealth(tracker *health.Tracker) *Collector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = tracker
	return c
}

// Enabled reports whether metrics are exported.
func (c *Collector) Enabled() bool { return c.config.Enabled }

// Handler returns the HTTP handler serving the metrics and debug endpoints.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.config.Enabled {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Serve runs the metrics endpoint until ctx is done.
func (c *Collector) Serve(ctx context.Context) error {
	if !c.config.Enabled {
		<-ctx.Done()
		return nil
	}

	server := &http.Server{
		Addr:              c.config.Address,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("serving metrics", "address", c.config.Address, "path", c.config.Path)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// ObserveSubmit implements stats.Observer.
func (c *Collector) ObserveSubmit(device string, op stats.OpKind, outstanding int) {
	if !c.config.Enabled {
		return
	}
	c.outstandingCmds.With(prometheus.Labels{"device": device}).Set(float64(outstanding))
}

// ObserveCompletion implements stats.Observer.
func (c *Collector) ObserveCompletion(device string, rec stats.CompletionRecord, outstanding int) {
	if !c.config.Enabled {
		return
	}

	op := string(rec.Op)
	status := "success"
	if !rec.Success {
		status = "failure"
	}
	latency := rec.Latency()

	c.commandCounter.With(prometheus.Labels{"device": device, "op": op, "status": status}).Inc()
	c.commandLatency.With(prometheus.Labels{"device": device, "op": op}).Observe(latency.Seconds())
	if rec.Success && rec.Bytes > 0 {
		c.commandBytes.With(prometheus.Labels{"device": device, "op": op}).Add(float64(rec.Bytes))
	}
	c.outstandingCmds.With(prometheus.Labels{"device": device}).Set(float64(outstanding))

	c.mu.Lock()
	defer c.mu.Unlock()
	key := device + "/" + op
	m, ok := c.operations[key]
	if !ok {
		m = &OperationMetrics{}
		c.operations[key] = m
	}
	m.Count++
	if !rec.Success {
		m.Errors++
	}
	m.TotalLatency += latency
	m.TotalBytes += int64(rec.Bytes)
	m.LastOperation = rec.Completed
	m.AvgLatency = time.Duration(int64(m.TotalLatency) / m.Count)
}

// UpdateZone records a device's active zone and write pointer offset.
func (c *Collector) UpdateZone(device string, zone, writePointer uint64) {
	if !c.config.Enabled {
		return
	}
	c.activeZone.With(prometheus.Labels{"device": device}).Set(float64(zone))
	c.writePointer.With(prometheus.Labels{"device": device}).Set(float64(writePointer))
}

// SetDiverged records whether the replica set is fenced.
func (c *Collector) SetDiverged(diverged bool) {
	if !c.config.Enabled {
		return
	}
	if diverged {
		c.diverged.Set(1)
	} else {
		c.diverged.Set(0)
	}
}

// RecordError counts an error by component and code.
func (c *Collector) RecordError(err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	component := "unknown"
	code := string(errors.CodeOf(err))
	if code == "" {
		code = "uncoded"
	}
	var zerr *errors.ZStoreError
	if stderrors.As(err, &zerr) && zerr.Component != "" {
		component = zerr.Component
	}
	c.errorCounter.With(prometheus.Labels{"component": component, "code": code}).Inc()
}

// GetOperations returns a copy of the per device/op aggregates.
func (c *Collector) GetOperations() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics clears the debug aggregates. Prometheus counters are not reset.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	constLabels := prometheus.Labels(c.config.Labels)

	c.commandCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "commands_total",
			Help:        "Completed device commands by outcome",
			ConstLabels: constLabels,
		},
		[]string{"device", "op", "status"},
	)

	c.commandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "command_latency_seconds",
			Help:        "Submission to completion latency of device commands",
			Buckets:     prometheus.ExponentialBuckets(1e-6, 2, 22), // 1µs to ~2s
			ConstLabels: constLabels,
		},
		[]string{"device", "op"},
	)

	c.commandBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "command_bytes_total",
			Help:        "Bytes moved by successful device commands",
			ConstLabels: constLabels,
		},
		[]string{"device", "op"},
	)

	c.outstandingCmds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "outstanding_commands",
			Help:        "Commands submitted but not yet completed",
			ConstLabels: constLabels,
		},
		[]string{"device"},
	)

	c.writePointer = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "zone_write_pointer_blocks",
			Help:        "Write pointer offset within the active zone",
			ConstLabels: constLabels,
		},
		[]string{"device"},
	)

	c.activeZone = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "active_zone",
			Help:        "Index of the zone being appended to",
			ConstLabels: constLabels,
		},
		[]string{"device"},
	)

	c.diverged = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "replica_set_diverged",
			Help:        "1 while the replica set is fenced after divergence",
			ConstLabels: constLabels,
		},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "errors_total",
			Help:        "Errors by component and code",
			ConstLabels: constLabels,
		},
		[]string{"component", "code"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.commandCounter,
		c.commandLatency,
		c.commandBytes,
		c.outstandingCmds,
		c.writePointer,
		c.activeZone,
		c.diverged,
		c.errorCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	tracker := c.health
	c.mu.RUnlock()

	report := healthReport{Status: health.StateHealthy, Service: "zstore-metrics"}
	if tracker != nil {
		report.Status = tracker.GetOverallHealth()
		report.Components = tracker.Components()
	}

	status := http.StatusOK
	if report.Status == health.StateUnavailable {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		c.logger.Debug("failed to write health report", "error", err)
	}
}

type healthReport struct {
	Status     health.HealthState       `json:"status"`
	Service    string                   `json:"service"`
	Components []health.ComponentHealth `json:"components,omitempty"`
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("zstore Operations Summary\n")
	writef("=========================\n\n")
	writef("Since: %v\n\n", c.lastReset.Format(time.RFC3339))

	if len(c.operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	keys := make([]string, 0, len(c.operations))
	for k := range c.operations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writef("%-24s %10s %10s %12s %14s\n", "Device/Op", "Count", "Errors", "Avg Latency", "Bytes")
	for _, k := range keys {
		op := c.operations[k]
		writef("%-24s %10d %10d %12v %14d\n", k, op.Count, op.Errors, op.AvgLatency, op.TotalBytes)
	}
}
