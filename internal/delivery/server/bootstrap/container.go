// Package bootstrap wires configuration into the running orchestrator.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"switchboard/internal/app/batch"
	"switchboard/internal/app/coordinator"
	"switchboard/internal/app/jobs"
	"switchboard/internal/app/progress"
	"switchboard/internal/app/runner"
	"switchboard/internal/app/runstore"
	"switchboard/internal/app/scheduler"
	"switchboard/internal/app/session"
	"switchboard/internal/infra/external/claudecode"
	"switchboard/internal/infra/observability"
	"switchboard/internal/shared/config"
	"switchboard/internal/shared/logging"
	id "switchboard/internal/shared/utils/id"
)

// Version is reported to the tracer and by the CLI.
var Version = "dev"

// Container holds every long-lived component.
type Container struct {
	Config      config.Config
	Registry    *prometheus.Registry
	Metrics     *observability.Metrics
	Tracer      *observability.TracerProvider
	Invoker     session.Invoker
	Scheduler   *scheduler.Scheduler
	Sessions    *session.Store
	Runs        *runstore.Store
	Tracker     *progress.Tracker
	Runner      *runner.Runner
	Batches     *batch.Orchestrator
	Coordinator *coordinator.Coordinator
	Jobs        *jobs.Runner
	Degraded    *DegradedComponents

	logger logging.Logger
}

// BuildOption customises Build.
type BuildOption func(*buildOptions)

type buildOptions struct {
	invoker session.Invoker
	logger  logging.Logger
}

// WithInvoker replaces the CLI invoker, mainly for tests.
func WithInvoker(inv session.Invoker) BuildOption {
	return func(o *buildOptions) { o.invoker = inv }
}

// WithLogger overrides the bootstrap logger.
func WithLogger(logger logging.Logger) BuildOption {
	return func(o *buildOptions) { o.logger = logger }
}

// ConfigureLogging applies the log section to the process-wide sinks.
func ConfigureLogging(cfg config.LogConfig) {
	logging.Configure(logging.Options{
		Dir:     cfg.Dir,
		Level:   logging.ParseLevel(cfg.Level),
		Console: cfg.Console,
	})
}

// Build constructs the container. Nothing is started; call Start.
func Build(cfg config.Config, opts ...BuildOption) (*Container, error) {
	options := buildOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger
	if logger == nil {
		logger = logging.NewComponentLogger("Bootstrap")
	}

	c := &Container{Config: cfg, Degraded: NewDegradedComponents(), logger: logger}
	stages := []Stage{
		{Name: "config", Required: true, Init: func() error { return config.Validate(cfg) }},
		{Name: "ids", Required: true, Init: c.initIDs},
		{Name: "metrics", Required: true, Init: c.initMetrics},
		{Name: "tracing", Required: false, Init: c.initTracing},
		{Name: "executable", Required: false, Init: func() error { return c.initInvoker(options.invoker) }},
		{Name: "run-store", Required: true, Init: c.initRunStore},
		{Name: "services", Required: true, Init: c.initServices},
		{Name: "jobs", Required: true, Init: c.initJobs},
	}
	if err := RunStages(stages, c.Degraded, logger); err != nil {
		return nil, err
	}
	if !c.Degraded.IsEmpty() {
		logger.Warn("Started with degraded components: %v", c.Degraded.Names())
	}
	return c, nil
}

func (c *Container) initIDs() error {
	strategy, err := id.ParseStrategy(c.Config.IDs.Strategy)
	if err != nil {
		return err
	}
	id.SetStrategy(strategy)
	c.logger.Debug("Generating ids with %s", strategy)
	return nil
}

func (c *Container) initMetrics() error {
	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.Metrics = observability.MustNewMetrics(c.Registry)
	return nil
}

func (c *Container) initTracing() error {
	c.Tracer = observability.NewNoopTracerProvider()
	tc := c.Config.Tracing
	if !tc.Enabled {
		return nil
	}
	tp, err := observability.NewTracerProvider(observability.TracingConfig{
		Enabled:        true,
		Exporter:       tc.Exporter,
		OTLPEndpoint:   tc.OTLPEndpoint,
		ZipkinEndpoint: tc.ZipkinEndpoint,
		SampleRate:     tc.SampleRate,
		ServiceName:    tc.ServiceName,
		ServiceVersion: Version,
	})
	if err != nil {
		return err
	}
	c.Tracer = tp
	return nil
}

// initInvoker always installs an invoker. A missing executable degrades the
// service: every execution then fails fast as unavailable.
func (c *Container) initInvoker(override session.Invoker) error {
	if override != nil {
		c.Invoker = override
		return nil
	}
	ec := c.Config.Executable
	c.Invoker = claudecode.New(claudecode.Config{
		BinaryPath:   ec.Path,
		APIKey:       ec.APIKey,
		DefaultModel: ec.DefaultModel,
		ExtraArgs:    ec.ExtraArgs,
		Timeout:      ec.Timeout,
		GracePeriod:  ec.GracePeriod,
		Env:          ec.Env,
	})
	return c.Invoker.Available()
}

func (c *Container) initRunStore() error {
	rc := c.Config.Runs
	store, err := runstore.New(rc.Root,
		runstore.WithArchiveDir(rc.ArchiveDir),
		runstore.WithRetention(rc.Retention),
		runstore.WithCacheSize(rc.CacheSize),
		runstore.WithRecorder(c.Metrics),
	)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	c.Runs = store
	return nil
}

func (c *Container) initServices() error {
	cfg := c.Config
	c.Scheduler = scheduler.New(scheduler.Config{
		MaxConcurrent:   cfg.Scheduler.MaxConcurrent,
		StartsPerSecond: cfg.Scheduler.StartsPerSecond,
		Burst:           cfg.Scheduler.Burst,
		Middleware: []scheduler.Middleware{
			scheduler.Tracing(c.Tracer),
			scheduler.Logging(logging.NewComponentLogger("Scheduler")),
		},
		Observer: c.Metrics,
	})
	c.Sessions = session.NewStore(c.Invoker, c.Scheduler,
		session.WithDefaultModel(cfg.Executable.DefaultModel),
		session.WithIdleTTL(cfg.Sessions.IdleTTL),
	)
	c.Tracker = progress.NewTracker(progress.WithRetention(cfg.Progress.Retention))
	c.Runner = runner.New(c.Sessions, c.Runs, c.Tracker, runner.WithTracer(c.Tracer))
	c.Batches = batch.New(c.Runner, c.Tracker,
		batch.WithMaxFanout(cfg.Batch.MaxFanout),
		batch.WithDefaults(cfg.Batch.DefaultModel, cfg.Batch.Temperature),
	)
	c.Coordinator = coordinator.New(c.Sessions, c.Runs, c.Tracker, c.Runner, c.Batches,
		coordinator.WithTracer(c.Tracer),
	)
	return nil
}

func (c *Container) initJobs() error {
	cfg := c.Config
	c.Jobs = jobs.New()
	logger := logging.NewComponentLogger("Jobs")
	for _, job := range []jobs.Job{
		jobs.RunRetention(c.Runs, cfg.Runs.CleanupInterval, logger),
		jobs.ProgressSweep(c.Tracker, cfg.Progress.SweepInterval, logger),
		jobs.SessionSweep(c.Sessions, cfg.Sessions.SweepInterval, logger),
	} {
		if err := c.Jobs.Register(job); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the background jobs.
func (c *Container) Start(ctx context.Context) {
	c.Jobs.Start(ctx)
}

// Shutdown stops jobs, terminates sessions, drains the scheduler and flushes
// traces.
func (c *Container) Shutdown(ctx context.Context) error {
	c.Jobs.Stop()
	var errs []error
	if err := c.Sessions.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sessions: %w", err))
	}
	if err := c.Scheduler.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	c.Tracker.Close()
	if err := c.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer: %w", err))
	}
	return errors.Join(errs...)
}
