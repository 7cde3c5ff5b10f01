package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/zstore/zstore/internal/circuit"
	"github.com/zstore/zstore/internal/config"
	"github.com/zstore/zstore/internal/cursor"
	"github.com/zstore/zstore/internal/driver"
	"github.com/zstore/zstore/internal/driver/emulator"
	"github.com/zstore/zstore/internal/metrics"
	"github.com/zstore/zstore/internal/mirror"
	"github.com/zstore/zstore/internal/runtime"
	"github.com/zstore/zstore/internal/session"
	"github.com/zstore/zstore/internal/stats"
	"github.com/zstore/zstore/pkg/errors"
	"github.com/zstore/zstore/pkg/health"
	"github.com/zstore/zstore/pkg/utils"
)

// app holds everything a subcommand needs before it touches a device.
type app struct {
	cfg       *config.Configuration
	logger    *slog.Logger
	logCloser io.Closer
	drv       driver.Driver
	collector *metrics.Collector
	health    *health.Tracker
}

func loadConfig(cmd *cobra.Command) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if flagMain.Config != "" {
		if err := cfg.LoadFromFile(flagMain.Config); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Global.LogLevel = flagMain.LogLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Global.LogFormat = flagMain.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger, closer, err := utils.SetupLogging(utils.LogOptions{
		Level:      cfg.Global.LogLevel,
		Format:     cfg.Global.LogFormat,
		File:       cfg.Global.LogFile,
		MaxSizeMB:  cfg.Global.LogMaxSizeMB,
		MaxBackups: cfg.Global.LogMaxBackups,
	})
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "failed to set up logging").
			WithComponent("main").WithCause(err)
	}

	collector, err := metrics.NewCollector(&cfg.Monitoring.Metrics, logger)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	tracker := health.NewTracker(cfg.Monitoring.Health)
	tracker.AddStateChangeCallback(func(component string, from, to health.HealthState, err error) {
		logger.Warn("health changed", "component", "health", "target", component,
			"from", from.String(), "to", to.String(), "error", err)
	})
	collector.WithHealth(tracker)

	return &app{
		cfg:       cfg,
		logger:    logger,
		logCloser: closer,
		drv:       newDriver(cfg),
		collector: collector,
		health:    tracker,
	}, nil
}

// newDriver builds the transport named by the configuration. Validate has
// already rejected anything but the emulator.
func newDriver(cfg *config.Configuration) driver.Driver {
	drv := emulator.NewDriver()
	for _, dev := range cfg.Devices {
		drv.Register(dev.Target, dev.Geometry.Apply(emulator.DefaultDescriptor()))
	}
	return drv
}

func (a *app) close() {
	_ = a.logCloser.Close()
}

// start runs fn through the runtime with the metrics endpoint alongside it.
func (a *app) start(name string, fn func(ctx context.Context) error) error {
	opts := runtime.Options{
		Name:   name,
		Logger: a.logger,
		Pin:    flagMain.Pin >= 0,
		CPU:    flagMain.Pin,
	}
	return runtime.Start(opts, func(ctx context.Context) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		if a.collector.Enabled() {
			g.Go(func() error { return a.collector.Serve(gctx) })
		}
		err := fn(gctx)
		cancel()
		return multierr.Append(err, g.Wait())
	})
}

func (a *app) cursorStore(ctx context.Context) (cursor.Store, error) {
	var stores cursor.Tee
	if a.cfg.Cursor.Path != "" {
		stores = append(stores, cursor.NewFileStore(a.cfg.Cursor.Path, a.logger))
	}
	if a.cfg.Cursor.S3.Enabled {
		obj := a.cfg.Cursor.S3.Object
		client, err := cursor.NewS3Client(ctx, obj)
		if err != nil {
			return nil, err
		}
		s3store, err := cursor.NewS3Store(client, obj.Bucket, obj.Key, a.logger)
		if err != nil {
			return nil, err
		}
		stores = append(stores, s3store.WithBreaker(a.cursorBreaker()))
	}
	if len(stores) == 1 {
		return stores[0], nil
	}
	return stores, nil
}

func (a *app) cursorBreaker() *circuit.CircuitBreaker {
	cfg := a.cfg.Cursor.S3.Breaker
	cfg.OnStateChange = func(name string, from, to circuit.State) {
		a.logger.Warn("cursor breaker changed state",
			"component", "cursor", "breaker", name, "from", from.String(), "to", to.String())
	}
	return circuit.NewCircuitBreaker("cursor-s3", cfg)
}

func (a *app) sessionOptions() (session.Options, error) {
	budget, err := a.cfg.BufferBudgetBytes()
	if err != nil {
		return session.Options{}, err
	}
	opts := session.Options{
		QueueDepth:       a.cfg.Session.QueueDepth,
		OperationTimeout: a.cfg.Session.OperationTimeout,
		BufferBudget:     budget,
		Logger:           a.logger,
	}
	opts.Observers = []stats.Observer{a.health}
	if a.collector.Enabled() {
		opts.Observers = append(opts.Observers, a.collector)
	}
	return opts, nil
}

// openReplicaSet opens the configured replicas at the cursor zone.
func (a *app) openReplicaSet(ctx context.Context) (*mirror.Coordinator, error) {
	store, err := a.cursorStore(ctx)
	if err != nil {
		return nil, err
	}
	sessOpts, err := a.sessionOptions()
	if err != nil {
		return nil, err
	}

	devices := a.cfg.ReplicaDevices()
	targets := make([]driver.Target, 0, len(devices))
	names := make([]string, 0, len(devices))
	for _, dev := range devices {
		targets = append(targets, dev.Target)
		names = append(names, dev.Name)
	}

	c, err := mirror.Open(ctx, a.drv, targets, names, store, sessOpts, mirror.Options{Logger: a.logger})
	if err != nil {
		a.collector.RecordError(err)
		a.health.RecordError(replicaSetComponent, err)
		return nil, err
	}
	a.SetDiverged(c.Diverged())
	return c, nil
}

const replicaSetComponent = "replica-set"

// SetDiverged publishes the fence state of the replica set to metrics and health.
func (a *app) SetDiverged(diverged bool) {
	a.collector.SetDiverged(diverged)
	if diverged {
		a.health.MarkUnavailable(replicaSetComponent, errors.NewError(errors.ErrCodeMirrorDivergence, "replica set is fenced"))
	} else {
		a.health.Reset(replicaSetComponent)
	}
}

// UpdateZone implements workload.Recorder.
func (a *app) UpdateZone(device string, zone, writePointer uint64) {
	a.collector.UpdateZone(device, zone, writePointer)
}

// RecordError implements workload.Recorder.
func (a *app) RecordError(err error) {
	a.collector.RecordError(err)
}
