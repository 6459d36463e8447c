package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/spherical-ai/pipeline-engine/internal/checkpoint"
	"github.com/spherical-ai/pipeline-engine/internal/dag"
	"github.com/spherical-ai/pipeline-engine/internal/events"
	"github.com/spherical-ai/pipeline-engine/internal/observability"
	"github.com/spherical-ai/pipeline-engine/internal/processor"
	"github.com/spherical-ai/pipeline-engine/internal/progress"
	"github.com/spherical-ai/pipeline-engine/internal/workerpool"
)

// Submitter accepts tasks. *workerpool.Pool implements it.
type Submitter interface {
	Submit(t *workerpool.Task) (*workerpool.Handle, error)
}

// Resolver looks processors up by name. *processor.Registry implements it.
type Resolver interface {
	Has(name string) bool
	Resolve(name string) (processor.Processor, error)
}

// Config tunes the manager.
type Config struct {
	// Retention is how many finished runs stay queryable.
	Retention int
	// WaitTimeout bounds each wait on a stage attempt. A wait that expires
	// fails the attempt as a timeout; the task itself keeps running.
	WaitTimeout time.Duration
}

// DefaultConfig returns the default manager settings.
func DefaultConfig() Config {
	return Config{Retention: 100}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *observability.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l.WithComponent("pipeline_manager")
		}
	}
}

// WithPublisher sets where stage and run events go.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithCheckpointStore enables checkpointing after every level.
func WithCheckpointStore(s checkpoint.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithTracker registers runs with a progress tracker and reads progress
// from it.
func WithTracker(t *progress.Tracker) Option {
	return func(m *Manager) { m.tracker = t }
}

// Manager drives pipeline runs. Each run is executed by one goroutine that
// is the only writer of its RunContext.
type Manager struct {
	registry  Resolver
	pool      Submitter
	cfg       Config
	logger    *observability.Logger
	publisher events.Publisher
	store     checkpoint.Store
	tracker   *progress.Tracker

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.RWMutex
	runs     map[string]*run
	finished []string
	closed   bool
}

// NewManager creates a manager executing stages from registry on pool.
func NewManager(registry Resolver, pool Submitter, cfg Config, opts ...Option) *Manager {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		registry:  registry,
		pool:      pool,
		cfg:       cfg,
		logger:    observability.NewNopLogger(),
		publisher: events.Discard,
		baseCtx:   ctx,
		cancelAll: cancel,
		runs:      make(map[string]*run),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// run is the manager's bookkeeping for one pipeline run.
type run struct {
	id         string
	graph      *dag.Graph
	levels     [][]string
	rc         *RunContext
	configHash string
	resumed    bool
	done       chan struct{}

	mu         sync.Mutex
	state      RunState
	level      int
	live       map[string]liveStage
	report     *Report
	finishedAt time.Time
}

type liveStage struct {
	state   StageState
	attempt int
}

func newRun(id string, g *dag.Graph, in Inputs, resumed bool) *run {
	return &run{
		id:         id,
		graph:      g,
		levels:     g.Levels(),
		rc:         newRunContext(id, in, time.Now()),
		configHash: g.Config().Hash(),
		resumed:    resumed,
		done:       make(chan struct{}),
		state:      RunInitialized,
		live:       make(map[string]liveStage),
	}
}

func (r *run) setState(s RunState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *run) setLive(stage string, state StageState, attempt int) {
	r.mu.Lock()
	r.live[stage] = liveStage{state: state, attempt: attempt}
	r.mu.Unlock()
}

func (r *run) clearLive(stage string) {
	r.mu.Lock()
	delete(r.live, stage)
	r.mu.Unlock()
}

// Plan validates cfg against the registry and returns its graph.
func (m *Manager) Plan(cfg *dag.PipelineConfig) (*dag.Graph, error) {
	g, err := dag.Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := g.CheckProcessors(m.registry.Has); err != nil {
		return nil, err
	}
	return g, nil
}

// Start validates cfg and starts a run in the background. Configuration
// errors are returned before anything executes.
func (m *Manager) Start(ctx context.Context, cfg *dag.PipelineConfig, in Inputs) (string, error) {
	g, err := m.Plan(cfg)
	if err != nil {
		return "", err
	}
	r := newRun(uuid.NewString(), g, in, false)
	if err := m.launch(ctx, r, 0); err != nil {
		return "", err
	}
	return r.id, nil
}

// Run starts a run and waits for it.
func (m *Manager) Run(ctx context.Context, cfg *dag.PipelineConfig, in Inputs) (*Report, error) {
	id, err := m.Start(ctx, cfg, in)
	if err != nil {
		return nil, err
	}
	return m.Wait(ctx, id)
}

// Resume continues the run captured by cp. Stages that succeeded are
// restored; failed and skipped stages are evaluated again. cfg must be the
// configuration the checkpoint was taken with.
func (m *Manager) Resume(ctx context.Context, cp *checkpoint.Checkpoint, cfg *dag.PipelineConfig) (string, error) {
	if cp == nil {
		return "", fmt.Errorf("%w: nil checkpoint", checkpoint.ErrInvalidInput)
	}
	if err := cp.Verify(); err != nil {
		return "", err
	}
	g, err := m.Plan(cfg)
	if err != nil {
		return "", err
	}
	if cp.ConfigHash != g.Config().Hash() {
		return "", fmt.Errorf("%w: run %s", ErrCheckpointMismatch, cp.RunID)
	}

	r := newRun(cp.RunID, g, Inputs{DocumentID: cp.DocumentID, Source: cp.Source, Metadata: cp.Metadata}, true)
	start := len(r.levels)
	for level, names := range r.levels {
		for _, name := range names {
			rec, ok := cp.Stages[name]
			if ok && StageState(rec.State) == StageSucceeded {
				r.rc.set(StageResult{
					Stage:    name,
					State:    StageSucceeded,
					Attempts: rec.Attempts,
					Result:   rec.Result,
					Reason:   ReasonRestored,
				})
				continue
			}
			if level < start {
				start = level
			}
		}
	}

	if err := m.launch(ctx, r, start); err != nil {
		return "", err
	}
	return r.id, nil
}

// ResumeFromStore loads the checkpoint of runID from the configured store
// and resumes it.
func (m *Manager) ResumeFromStore(ctx context.Context, runID string, cfg *dag.PipelineConfig) (string, error) {
	if m.store == nil {
		return "", fmt.Errorf("resume %s: no checkpoint store configured", runID)
	}
	cp, err := m.store.Load(ctx, runID)
	if err != nil {
		return "", err
	}
	return m.Resume(ctx, cp, cfg)
}

func (m *Manager) launch(ctx context.Context, r *run, start int) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if prev, ok := m.runs[r.id]; ok {
		prev.mu.Lock()
		active := !prev.state.Terminal()
		prev.mu.Unlock()
		if active {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrRunActive, r.id)
		}
		m.dropFinishedLocked(r.id)
	}
	m.runs[r.id] = r
	m.wg.Add(1)
	m.mu.Unlock()

	if m.tracker != nil {
		specs := make([]progress.StageSpec, 0, r.graph.Len())
		for _, name := range r.graph.StageNames() {
			st, _ := r.graph.Stage(name)
			specs = append(specs, progress.StageSpec{Name: name, Weight: st.Config.Resources.ProgressWeight()})
		}
		m.tracker.StartRun(r.id, r.graph.Name(), specs)
	}

	// keep the caller's trace but not its cancellation
	runCtx := trace.ContextWithSpanContext(m.baseCtx, trace.SpanContextFromContext(ctx))
	go m.execute(runCtx, r, start)
	return nil
}

// Wait blocks until the run finishes or ctx ends. A run that did not
// succeed returns its report together with a *RunError.
func (m *Manager) Wait(ctx context.Context, runID string) (*Report, error) {
	r, err := m.get(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	report := r.report
	r.mu.Unlock()
	if report.State != RunSucceeded {
		return report, &RunError{RunID: runID, State: report.State, Failed: report.FailedStages()}
	}
	return report, nil
}

// Cancel requests cancellation. The run stops before its next level;
// stages already submitted finish.
func (m *Manager) Cancel(runID string) error {
	r, err := m.get(runID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	terminal := r.state.Terminal()
	r.mu.Unlock()
	if terminal {
		return fmt.Errorf("%w: %s", ErrRunFinished, runID)
	}
	if r.rc.cancel() {
		m.logger.WithRun(runID).Info().Msg("Run cancellation requested")
	}
	return nil
}

// Context returns the run context of runID.
func (m *Manager) Context(runID string) (*RunContext, error) {
	r, err := m.get(runID)
	if err != nil {
		return nil, err
	}
	return r.rc, nil
}

// Status returns the live view of a run.
func (m *Manager) Status(runID string) (Status, error) {
	r, err := m.get(runID)
	if err != nil {
		return Status{}, err
	}
	return m.status(r), nil
}

// List returns the status of every known run, oldest first.
func (m *Manager) List() []Status {
	m.mu.RLock()
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(runs))
	for _, r := range runs {
		out = append(out, m.status(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out
}

// Active returns the number of runs that have not finished.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.runs {
		r.mu.Lock()
		if !r.state.Terminal() {
			n++
		}
		r.mu.Unlock()
	}
	return n
}

func (m *Manager) status(r *run) Status {
	results := r.rc.Results()

	r.mu.Lock()
	st := Status{
		RunID:     r.id,
		Pipeline:  r.graph.Name(),
		State:     r.state,
		Level:     r.level,
		Levels:    len(r.levels),
		StartedAt: r.rc.StartedAt(),
		Resumed:   r.resumed,
	}
	if !r.finishedAt.IsZero() {
		t := r.finishedAt
		st.FinishedAt = &t
	}
	live := make(map[string]liveStage, len(r.live))
	for k, v := range r.live {
		live[k] = v
	}
	r.mu.Unlock()

	var tracked map[string]progress.StageProgress
	if m.tracker != nil {
		if snap, ok := m.tracker.Snapshot(r.id); ok {
			st.Progress = snap.Percent
			tracked = make(map[string]progress.StageProgress, len(snap.Stages))
			for _, s := range snap.Stages {
				tracked[s.Name] = s
			}
		}
	}

	var doneWeight, totalWeight float64
	for _, name := range r.graph.StageNames() {
		stage, _ := r.graph.Stage(name)
		ss := StageStatus{Name: name, State: StagePending, Level: stage.Level}
		if res, ok := results[name]; ok {
			ss.State = res.State
			ss.Attempts = res.Attempts
			ss.Error = res.Error
			ss.Reason = res.Reason
			ss.Percent = 100
		} else if l, ok := live[name]; ok {
			ss.State = l.state
			ss.Attempts = l.attempt
		}
		if t, ok := tracked[name]; ok && !ss.State.Terminal() {
			ss.Percent = t.Percent
		}

		w := stage.Config.Resources.ProgressWeight()
		totalWeight += w
		if ss.State.Terminal() {
			doneWeight += w
		}
		st.Stages = append(st.Stages, ss)
	}
	if tracked == nil && totalWeight > 0 {
		st.Progress = doneWeight / totalWeight * 100
	}
	return st
}

func (m *Manager) get(runID string) (*run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, nil
}

// retire records a finished run and evicts the oldest finished runs beyond
// the retention limit.
func (m *Manager) retire(r *run) {
	m.mu.Lock()
	m.finished = append(m.finished, r.id)
	var evicted []string
	for len(m.finished) > m.cfg.Retention {
		id := m.finished[0]
		m.finished = m.finished[1:]
		delete(m.runs, id)
		evicted = append(evicted, id)
	}
	m.mu.Unlock()

	if m.tracker != nil {
		for _, id := range evicted {
			m.tracker.Forget(id)
		}
	}
}

func (m *Manager) dropFinishedLocked(id string) {
	kept := m.finished[:0]
	for _, f := range m.finished {
		if f != id {
			kept = append(kept, f)
		}
	}
	m.finished = kept
}

// Shutdown stops accepting runs and interrupts the active ones, which end
// as cancelled. It waits for their goroutines until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancelAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline manager shutdown: %w", ctx.Err())
	}
}
