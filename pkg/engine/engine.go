// Package engine assembles the pipeline engine: processor registry, resource
// monitor, worker pool, progress tracking, run manager, checkpointing and
// monitoring, all driven from one config.Config.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/spherical-ai/pipeline-engine/internal/checkpoint"
	"github.com/spherical-ai/pipeline-engine/internal/config"
	"github.com/spherical-ai/pipeline-engine/internal/dag"
	"github.com/spherical-ai/pipeline-engine/internal/events"
	"github.com/spherical-ai/pipeline-engine/internal/monitoring"
	"github.com/spherical-ai/pipeline-engine/internal/observability"
	"github.com/spherical-ai/pipeline-engine/internal/pipeline"
	"github.com/spherical-ai/pipeline-engine/internal/processor"
	"github.com/spherical-ai/pipeline-engine/internal/processor/builtin"
	"github.com/spherical-ai/pipeline-engine/internal/progress"
	"github.com/spherical-ai/pipeline-engine/internal/resource"
	"github.com/spherical-ai/pipeline-engine/internal/workerpool"
)

// ErrNoCheckpointStore is returned by checkpoint queries when checkpointing
// is disabled.
var ErrNoCheckpointStore = errors.New("checkpointing is disabled")

// ErrNoAuditStore is returned by AuditTrail when no audit store is configured.
var ErrNoAuditStore = errors.New("audit store is not configured")

// Option customizes an Engine.
type Option func(*options)

type options struct {
	logger     *observability.Logger
	sampler    resource.Sampler
	processors []processor.Processor
	factories  map[string]processor.Factory
	names      []string
}

// WithLogger replaces the logger built from the observability config.
func WithLogger(l *observability.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSampler replaces the system resource sampler.
func WithSampler(s resource.Sampler) Option {
	return func(o *options) { o.sampler = s }
}

// WithProcessor registers p next to the built-in processors.
func WithProcessor(p processor.Processor) Option {
	return func(o *options) { o.processors = append(o.processors, p) }
}

// WithProcessorFactory registers a lazily built processor.
func WithProcessorFactory(name string, f processor.Factory) Option {
	return func(o *options) {
		if o.factories == nil {
			o.factories = make(map[string]processor.Factory)
		}
		if _, ok := o.factories[name]; !ok {
			o.names = append(o.names, name)
		}
		o.factories[name] = f
	}
}

// Engine is a running pipeline engine.
type Engine struct {
	cfg    *config.Config
	logger *observability.Logger

	registry *processor.Registry
	bus      *events.Bus
	monitor  *resource.Monitor
	pool     *workerpool.Pool
	tracker  *progress.Tracker
	manager  *pipeline.Manager
	store    checkpoint.Store

	metrics    *monitoring.Metrics
	health     *monitoring.HealthChecker
	audit      *monitoring.AuditWriter
	auditStore *monitoring.SQLAuditStore
	bridge     *events.RedisBridge

	detach    []func()
	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
}

// New builds an engine from cfg. A nil cfg uses config.DefaultConfig. The
// engine does not sample resources until Start is called.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = NewLogger(cfg)
	}

	e := &Engine{cfg: cfg, logger: logger.WithComponent("engine")}

	registry, err := buildRegistry(cfg, o, logger)
	if err != nil {
		return nil, err
	}
	e.registry = registry
	e.bus = events.NewBus(logger)

	e.monitor = resource.NewMonitor(resource.Limits{
		MaxCPUPercent:    cfg.Resources.MaxCPUPercent,
		MaxMemoryPercent: cfg.Resources.MaxMemoryPercent,
		MaxActive:        cfg.Resources.MaxActive,
		SampleInterval:   cfg.Resources.SampleInterval,
	}, o.sampler, logger)

	poolOpts := []workerpool.Option{
		workerpool.WithLogger(logger),
		workerpool.WithAdmitter(e.monitor),
		workerpool.WithPublisher(e.bus),
	}
	if cfg.Workers.Process > 0 {
		exec, err := workerpool.NewProcessExecutor(workerpool.ProcessConfig{
			Command:   cfg.Workers.ProcessCommand,
			Args:      cfg.Workers.ProcessArgs,
			KillGrace: cfg.Workers.KillGrace,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create process executor: %w", err)
		}
		poolOpts = append(poolOpts, workerpool.WithProcessExecutor(exec))
	}
	e.pool = workerpool.New(workerpool.Config{
		CooperativeWorkers: cfg.Workers.Cooperative,
		ThreadWorkers:      cfg.Workers.Thread,
		ProcessWorkers:     cfg.Workers.Process,
		QueueCapacity:      cfg.Workers.QueueCapacity,
		ThrottleInterval:   cfg.Workers.ThrottleInterval,
		DefaultTimeout:     cfg.Workers.DefaultTimeout,
	}, poolOpts...)
	e.monitor.Attach(e.pool)

	e.tracker = progress.NewTracker(logger)
	e.detach = append(e.detach, e.tracker.Attach(e.bus))

	store, err := checkpoint.Open(ctx, checkpoint.Config{
		Driver:   cfg.CheckpointDriver(),
		Dir:      cfg.Checkpoint.Dir,
		DSN:      cfg.Checkpoint.DSN,
		InMemory: cfg.Checkpoint.InMemory,
		Redis: checkpoint.RedisConfig{
			Addr:     cfg.Checkpoint.Redis.Addr,
			Password: cfg.Checkpoint.Redis.Password,
			DB:       cfg.Checkpoint.Redis.DB,
			PoolSize: cfg.Checkpoint.Redis.PoolSize,
			Prefix:   cfg.Checkpoint.Redis.Prefix,
			TTL:      cfg.Checkpoint.Redis.TTL,
		},
	}, logger)
	if err != nil {
		e.abort()
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	e.store = store

	e.manager = pipeline.NewManager(registry, e.pool, pipeline.Config{
		Retention:   cfg.Pipeline.Retention,
		WaitTimeout: cfg.Pipeline.WaitTimeout,
	},
		pipeline.WithLogger(logger),
		pipeline.WithPublisher(e.bus),
		pipeline.WithCheckpointStore(store),
		pipeline.WithTracker(e.tracker),
	)

	e.metrics = monitoring.NewMetrics(e.pool, e.monitor)
	e.detach = append(e.detach, e.metrics.Attach(e.bus))
	e.health = monitoring.NewHealthChecker(e.pool, e.monitor, registry, e.manager.Active)

	if cfg.Audit.Enabled {
		var auditStore monitoring.AuditStore
		if driver := cfg.AuditDriver(); driver != "none" {
			s, err := monitoring.OpenSQLAuditStore(ctx, driver, cfg.Audit.DSN)
			if err != nil {
				e.abort()
				return nil, fmt.Errorf("open audit store: %w", err)
			}
			e.auditStore = s
			auditStore = s
		}
		e.audit = monitoring.NewAuditWriter(logger, auditStore, monitoring.AuditConfig{
			BufferSize:     cfg.Audit.BufferSize,
			BatchSize:      cfg.Audit.BatchSize,
			FlushInterval:  cfg.Audit.FlushInterval,
			EnableAsync:    true,
			IncludePayload: cfg.Audit.IncludePayload,
		})
		e.detach = append(e.detach, e.audit.Attach(e.bus))
	}

	if cfg.Events.RedisBridge {
		bridge, err := events.NewRedisBridge(events.RedisConfig{
			Addr:     cfg.Events.Redis.Addr,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			PoolSize: cfg.Events.Redis.PoolSize,
			Prefix:   cfg.Events.Redis.Prefix,
			Channel:  cfg.Events.Channel,
			Buffer:   cfg.Events.Buffer,
		}, logger)
		if err != nil {
			e.abort()
			return nil, fmt.Errorf("connect event bridge: %w", err)
		}
		e.bridge = bridge
		e.detach = append(e.detach, bridge.Attach(e.bus))
	}

	e.logger.Info().
		Strs("processors", registry.Names()).
		Str("checkpoint", cfg.Checkpoint.Driver).
		Bool("audit", cfg.Audit.Enabled).
		Bool("redis_bridge", cfg.Events.RedisBridge).
		Msg("Pipeline engine initialized")
	return e, nil
}

// NewLogger builds the logger described by cfg.Observability.
func NewLogger(cfg *config.Config) *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
}

func buildRegistry(cfg *config.Config, o *options, logger *observability.Logger) (*processor.Registry, error) {
	registry := processor.NewRegistry(logger)
	if err := builtin.RegisterAll(registry, builtin.Options{
		AllowedExtensions: cfg.Processors.AllowedExtensions,
		MaxSizeBytes:      cfg.Processors.MaxSizeBytes,
		MaxPages:          cfg.Processors.MaxPages,
	}); err != nil {
		return nil, err
	}
	for _, p := range o.processors {
		if err := registry.RegisterInstance(p); err != nil {
			return nil, err
		}
	}
	for _, name := range o.names {
		if err := registry.Register(name, o.factories[name]); err != nil {
			return nil, err
		}
	}
	registry.Seal()
	return registry, nil
}

// ServeWorker answers one process-strategy request read from r. It is the
// body of the worker subcommand and only needs the processor registry.
func ServeWorker(ctx context.Context, cfg *config.Config, r io.Reader, w io.Writer, opts ...Option) error {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	registry, err := buildRegistry(cfg, o, logger)
	if err != nil {
		return err
	}
	return workerpool.ServeProcess(ctx, registry, r, w)
}

// Start begins resource sampling. It is safe to call more than once.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.monitor.Start(context.WithoutCancel(ctx))
		e.logger.Info().Msg("Pipeline engine started")
	})
}

// Shutdown stops accepting runs, cancels active ones, waits for in-flight
// tasks up to the configured stop grace and releases every store.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.logger.Info().Msg("Shutting down pipeline engine")

		var errs []error
		if err := e.manager.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := e.pool.Stop(e.cfg.Workers.StopGrace); err != nil {
			errs = append(errs, fmt.Errorf("stop worker pool: %w", err))
		}
		if err := e.release(ctx); err != nil {
			errs = append(errs, err)
		}
		e.stopErr = errors.Join(errs...)

		if e.stopErr != nil {
			e.logger.Warn().Err(e.stopErr).Msg("Pipeline engine stopped with errors")
		} else {
			e.logger.Info().Msg("Pipeline engine stopped")
		}
	})
	return e.stopErr
}

// release stops the background components concurrently.
func (e *Engine) release(ctx context.Context) error {
	for _, fn := range e.detach {
		fn()
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.monitor.Stop()
		return nil
	})
	if e.audit != nil {
		g.Go(func() error {
			e.audit.Stop()
			if e.auditStore != nil {
				return e.auditStore.Close()
			}
			return nil
		})
	}
	if e.bridge != nil {
		g.Go(e.bridge.Close)
	}
	if e.store != nil {
		g.Go(e.store.Close)
	}
	return g.Wait()
}

// abort releases what New built before failing.
func (e *Engine) abort() {
	if e.pool != nil {
		_ = e.pool.Stop(0)
	}
	_ = e.release(context.Background())
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Logger returns the engine logger.
func (e *Engine) Logger() *observability.Logger { return e.logger }

// Events returns the process-wide event bus.
func (e *Engine) Events() *events.Bus { return e.bus }

// Tracker returns the progress tracker.
func (e *Engine) Tracker() *progress.Tracker { return e.tracker }

// Processors describes every registered processor.
func (e *Engine) Processors() []processor.Descriptor { return e.registry.Describe() }

// Plan validates a pipeline configuration against the registry and returns
// its execution graph.
func (e *Engine) Plan(cfg *dag.PipelineConfig) (*dag.Graph, error) {
	return e.manager.Plan(cfg)
}

// RunPipeline starts a run in the background and returns its id.
func (e *Engine) RunPipeline(ctx context.Context, cfg *dag.PipelineConfig, in pipeline.Inputs) (string, error) {
	return e.manager.Start(ctx, cfg, in)
}

// Run executes a pipeline and waits for its report.
func (e *Engine) Run(ctx context.Context, cfg *dag.PipelineConfig, in pipeline.Inputs) (*pipeline.Report, error) {
	return e.manager.Run(ctx, cfg, in)
}

// Wait blocks until runID finishes.
func (e *Engine) Wait(ctx context.Context, runID string) (*pipeline.Report, error) {
	return e.manager.Wait(ctx, runID)
}

// GetRunStatus returns the state, progress and per-stage status of a run.
func (e *Engine) GetRunStatus(runID string) (pipeline.Status, error) {
	return e.manager.Status(runID)
}

// CancelRun requests cancellation of a run. Stages already running finish;
// no further level starts.
func (e *Engine) CancelRun(runID string) error {
	return e.manager.Cancel(runID)
}

// ListRuns returns the status of every tracked run.
func (e *Engine) ListRuns() []pipeline.Status {
	return e.manager.List()
}

// Resume continues runID from its stored checkpoint.
func (e *Engine) Resume(ctx context.Context, runID string, cfg *dag.PipelineConfig) (string, error) {
	if e.store == nil {
		return "", ErrNoCheckpointStore
	}
	return e.manager.ResumeFromStore(ctx, runID, cfg)
}

// Checkpoints lists stored checkpoints.
func (e *Engine) Checkpoints(ctx context.Context) ([]checkpoint.Summary, error) {
	if e.store == nil {
		return nil, ErrNoCheckpointStore
	}
	return e.store.List(ctx)
}

// DeleteCheckpoint removes the checkpoint of runID.
func (e *Engine) DeleteCheckpoint(ctx context.Context, runID string) error {
	if e.store == nil {
		return ErrNoCheckpointStore
	}
	return e.store.Delete(ctx, runID)
}

// AuditTrail returns the persisted audit events of a run.
func (e *Engine) AuditTrail(ctx context.Context, runID string) ([]monitoring.AuditEvent, error) {
	if e.auditStore == nil {
		return nil, ErrNoAuditStore
	}
	return e.auditStore.ListByRun(ctx, runID)
}

// Health runs the health probes.
func (e *Engine) Health(ctx context.Context) monitoring.Health {
	return e.health.Check(ctx)
}

// Live reports whether the worker pool accepts work.
func (e *Engine) Live() bool { return e.health.Live() }

// PoolStats returns live worker pool statistics.
func (e *Engine) PoolStats() workerpool.PoolStats { return e.pool.PoolStats() }

// MetricsHandler serves the Prometheus exposition of the engine metrics.
func (e *Engine) MetricsHandler() http.Handler { return e.metrics.Handler() }
