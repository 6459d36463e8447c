package workerpool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/spherical-ai/pipeline-engine/internal/events"
	"github.com/spherical-ai/pipeline-engine/internal/observability"
	"github.com/spherical-ai/pipeline-engine/internal/processor"
	"github.com/spherical-ai/pipeline-engine/internal/resource"
)

// Config sizes the pool.
type Config struct {
	CooperativeWorkers int
	ThreadWorkers      int
	ProcessWorkers     int
	// QueueCapacity bounds queued tasks across strategies. Zero means
	// unbounded.
	QueueCapacity int
	// ThrottleInterval is how long the dispatcher waits before asking the
	// admitter again after a denial.
	ThrottleInterval time.Duration
	// DefaultTimeout applies to tasks without their own timeout. Zero means
	// no timeout.
	DefaultTimeout time.Duration
}

// DefaultConfig returns a pool sized for the current host.
func DefaultConfig() Config {
	cpus := runtime.NumCPU()
	return Config{
		CooperativeWorkers: cpus,
		ThreadWorkers:      2,
		ProcessWorkers:     max(1, cpus/2),
		ThrottleInterval:   20 * time.Millisecond,
	}
}

// Admitter decides whether a task may be dispatched now.
// *resource.Monitor implements it.
type Admitter interface {
	Check(h resource.Hint) error
}

// Executor runs a task outside the current process.
type Executor interface {
	Execute(ctx context.Context, t *Task) (*processor.Result, error)
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *observability.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l.WithComponent("worker_pool")
		}
	}
}

// WithAdmitter sets the admission controller.
func WithAdmitter(a Admitter) Option {
	return func(p *Pool) { p.admitter = a }
}

// WithPublisher sets where progress events go.
func WithPublisher(pub events.Publisher) Option {
	return func(p *Pool) {
		if pub != nil {
			p.publisher = pub
		}
	}
}

// WithProcessExecutor enables the process strategy.
func WithProcessExecutor(e Executor) Option {
	return func(p *Pool) { p.process = e }
}

// Pool runs tasks on a bounded number of workers per strategy.
type Pool struct {
	cfg       Config
	logger    *observability.Logger
	admitter  Admitter
	publisher events.Publisher
	process   Executor

	runCtx    context.Context
	cancelRun context.CancelFunc

	slots      map[Strategy]*semaphore.Weighted
	capacity   map[Strategy]int
	threadJobs chan *job

	mu       sync.Mutex
	queues   map[Strategy]*taskQueue
	active   map[Strategy]int
	seq      uint64
	pending  int
	idle     chan struct{}
	stopping bool
	forced   bool
	stats    counters

	activeN  atomic.Int64
	queuedN  atomic.Int64
	threads  atomic.Int64
	throttle atomic.Bool

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

type counters struct {
	submitted  uint64
	succeeded  uint64
	failed     uint64
	timedOut   uint64
	panicked   uint64
	cancelled  uint64
	rejected   uint64
	throttled  uint64
	peakActive int
}

// New creates a pool and starts its dispatcher and thread workers.
func New(cfg Config, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.CooperativeWorkers <= 0 {
		cfg.CooperativeWorkers = def.CooperativeWorkers
	}
	if cfg.ThreadWorkers < 0 {
		cfg.ThreadWorkers = 0
	}
	if cfg.ProcessWorkers < 0 {
		cfg.ProcessWorkers = 0
	}
	if cfg.ThrottleInterval <= 0 {
		cfg.ThrottleInterval = def.ThrottleInterval
	}

	idle := make(chan struct{})
	close(idle)

	runCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		logger:    observability.NewNopLogger(),
		publisher: events.Discard,
		runCtx:    runCtx,
		cancelRun: cancel,
		slots:     make(map[Strategy]*semaphore.Weighted),
		capacity: map[Strategy]int{
			StrategyCooperative: cfg.CooperativeWorkers,
			StrategyThread:      cfg.ThreadWorkers,
			StrategyProcess:     cfg.ProcessWorkers,
		},
		threadJobs: make(chan *job, max(1, cfg.ThreadWorkers)),
		queues:     make(map[Strategy]*taskQueue),
		active:     make(map[Strategy]int),
		idle:       idle,
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.process == nil {
		p.capacity[StrategyProcess] = 0
	}
	for _, s := range strategies {
		if n := p.capacity[s]; n > 0 {
			p.slots[s] = semaphore.NewWeighted(int64(n))
		}
		q := make(taskQueue, 0)
		p.queues[s] = &q
	}

	for i := 0; i < cfg.ThreadWorkers; i++ {
		p.spawnThreadWorker()
	}

	p.wg.Add(1)
	go p.dispatchLoop()

	p.logger.Info().
		Int("cooperative", p.capacity[StrategyCooperative]).
		Int("thread", p.capacity[StrategyThread]).
		Int("process", p.capacity[StrategyProcess]).
		Msg("Worker pool started")
	return p
}

// Submit enqueues t and returns its handle. It fails with ErrPoolShutdown
// once Stop has begun.
func (p *Pool) Submit(t *Task) (*Handle, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil task", ErrInvalidTask)
	}
	if t.Strategy == "" {
		t.Strategy = StrategyCooperative
	}
	if t.Strategy == StrategyProcess {
		if t.name() == "" {
			return nil, fmt.Errorf("%w: process task needs a processor name", ErrInvalidTask)
		}
	} else if t.Processor == nil {
		return nil, fmt.Errorf("%w: task has no processor", ErrInvalidTask)
	}
	if t.Context == nil {
		t.Context = processor.NewContext(processor.ContextParams{})
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timeout <= 0 {
		t.Timeout = p.cfg.DefaultTimeout
	}

	p.mu.Lock()
	if p.stopping {
		p.stats.rejected++
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}
	if p.capacity[t.Strategy] <= 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: no %s workers configured", ErrUnsupportedStrategy, t.Strategy)
	}
	if p.cfg.QueueCapacity > 0 && int(p.queuedN.Load()) >= p.cfg.QueueCapacity {
		p.stats.rejected++
		p.mu.Unlock()
		return nil, ErrQueueFull
	}

	p.seq++
	j := &job{
		task:       t,
		handle:     newHandle(t.ID),
		seq:        p.seq,
		enqueuedAt: time.Now(),
	}
	heap.Push(p.queues[t.Strategy], j)
	if p.pending == 0 {
		p.idle = make(chan struct{})
	}
	p.pending++
	p.stats.submitted++
	p.queuedN.Add(1)
	p.mu.Unlock()

	p.emit(j, events.PhaseQueued, "", nil)
	p.signal()
	return j.handle, nil
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) dispatchLoop() {
	defer p.wg.Done()

	var retry <-chan time.Time
	for {
		select {
		case <-p.quit:
			return
		case <-p.wake:
		case <-retry:
			retry = nil
		}
		if p.dispatch() && retry == nil {
			retry = time.After(p.cfg.ThrottleInterval)
		}
	}
}

// dispatch starts as many queued tasks as slots and admission allow. A task
// the admitter denies is passed over for the rest of this pass so lower
// priority tasks that fit can still start. It reports whether any task was
// denied.
func (p *Pool) dispatch() (throttled bool) {
	var denied map[*job]bool
	for {
		p.mu.Lock()
		if p.forced {
			p.mu.Unlock()
			return false
		}
		j := p.nextLocked(denied)
		p.mu.Unlock()
		if j == nil {
			return throttled
		}

		if p.admitter != nil {
			if err := p.admitter.Check(j.task.Hint); err != nil {
				p.slots[j.task.Strategy].Release(1)
				p.mu.Lock()
				p.stats.throttled++
				p.mu.Unlock()
				if !p.throttle.Swap(true) {
					p.logger.Debug().Err(err).Str("task_id", j.task.ID).Msg("Dispatch delayed")
				}
				if denied == nil {
					denied = make(map[*job]bool)
				}
				denied[j] = true
				throttled = true
				continue
			}
		}
		if !throttled {
			p.throttle.Store(false)
		}

		p.mu.Lock()
		if !p.queues[j.task.Strategy].remove(j) {
			// resolved by a forced stop meanwhile
			p.mu.Unlock()
			p.slots[j.task.Strategy].Release(1)
			continue
		}
		p.active[j.task.Strategy]++
		p.queuedN.Add(-1)
		if n := int(p.activeN.Add(1)); n > p.stats.peakActive {
			p.stats.peakActive = n
		}
		p.mu.Unlock()

		p.start(j)
	}
}

// nextLocked picks the highest-priority queued task, skipping denied ones,
// whose strategy has a free slot, and reserves that slot.
func (p *Pool) nextLocked(denied map[*job]bool) *job {
	var candidates []*job
	for _, s := range strategies {
		if j := p.queues[s].best(denied); j != nil {
			candidates = append(candidates, j)
		}
	}
	for len(candidates) > 0 {
		best := 0
		for i := 1; i < len(candidates); i++ {
			if before(candidates[i], candidates[best]) {
				best = i
			}
		}
		j := candidates[best]
		if p.slots[j.task.Strategy].TryAcquire(1) {
			return j
		}
		candidates = append(candidates[:best], candidates[best+1:]...)
	}
	return nil
}

func (p *Pool) start(j *job) {
	j.startedAt = time.Now()
	switch j.task.Strategy {
	case StrategyThread:
		p.threadJobs <- j
	default:
		go p.run(j)
	}
}

// complete resolves a dispatched job and frees its slot. Run and interrupt
// arbitrate through the job state, so it is called once per job. Counters
// and events are updated before the handle resolves, and the pending count
// only drops after it.
func (p *Pool) complete(j *job, res *processor.Result, err error) {
	p.mu.Lock()
	p.active[j.task.Strategy]--
	p.record(res, err)
	p.mu.Unlock()
	p.activeN.Add(-1)
	p.slots[j.task.Strategy].Release(1)

	phase := events.PhaseSucceeded
	msg := ""
	if res == nil || !res.Success {
		phase = events.PhaseFailed
		if err != nil {
			msg = err.Error()
		}
	}
	if IsShutdown(err) {
		phase = events.PhaseCancelled
	}
	p.emit(j, phase, msg, nil)
	j.handle.resolve(res, err)

	p.mu.Lock()
	p.donePendingLocked()
	p.mu.Unlock()
	p.signal()
}

func (p *Pool) record(res *processor.Result, err error) {
	switch {
	case res != nil && res.Success:
		p.stats.succeeded++
		return
	case IsShutdown(err):
		p.stats.cancelled++
		return
	}
	p.stats.failed++
	if res != nil && res.Error != nil {
		switch res.Error.Kind {
		case processor.ErrorKindTimeout:
			p.stats.timedOut++
		case processor.ErrorKindPanic:
			p.stats.panicked++
		}
	}
}

func (p *Pool) donePendingLocked() {
	p.pending--
	if p.pending == 0 {
		close(p.idle)
	}
}

func (p *Pool) emit(j *job, phase events.Phase, errMsg string, percent *float64) {
	p.publisher.Publish(events.ProgressEvent{
		TaskID:    j.task.ID,
		RunID:     j.task.runID(),
		Stage:     j.task.stage(),
		Phase:     phase,
		Timestamp: time.Now(),
		Percent:   percent,
		Attempt:   j.task.Context.Attempt(),
		Strategy:  string(j.task.Strategy),
		Error:     errMsg,
	})
}

// WaitForCompletion blocks until no task is queued or running, or until
// timeout elapses. It reports whether everything finished.
func (p *Pool) WaitForCompletion(timeout time.Duration) bool {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()

	if timeout <= 0 {
		select {
		case <-idle:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
		return false
	}
}

// Stop refuses new tasks and waits up to timeout for queued and running
// tasks to finish. Tasks still pending after timeout are resolved as
// cancelled, their contexts are cancelled and process workers are killed;
// Stop then returns ErrStopTimeout. Stopping a stopped pool returns
// ErrPoolShutdown.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.stopping = true
	p.mu.Unlock()

	p.logger.Info().Dur("timeout", timeout).Msg("Stopping worker pool")

	if p.WaitForCompletion(timeout) {
		p.shutdown()
		p.logger.Info().Msg("Worker pool stopped")
		return nil
	}

	p.mu.Lock()
	p.forced = true
	var queued []*job
	for _, s := range strategies {
		q := p.queues[s]
		for q.Len() > 0 {
			queued = append(queued, heap.Pop(q).(*job))
		}
	}
	p.mu.Unlock()

	for _, j := range queued {
		p.cancelQueued(j)
	}

	p.cancelRun()
	p.drainThreadJobs()

	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()
	<-idle

	p.shutdown()
	p.logger.Warn().Int("cancelled_queued", len(queued)).Msg("Worker pool force stopped")
	return fmt.Errorf("%w after %s", ErrStopTimeout, timeout)
}

func (p *Pool) cancelQueued(j *job) {
	err := fmt.Errorf("task %s: %w", j.task.ID, ErrPoolShutdown)
	res := processor.Failed(processor.ErrorKindShutdown, err)
	now := time.Now()
	res.Stamp(now, now)

	p.mu.Lock()
	p.queuedN.Add(-1)
	p.stats.cancelled++
	p.mu.Unlock()

	p.emit(j, events.PhaseCancelled, err.Error(), nil)
	j.handle.resolve(res, err)

	p.mu.Lock()
	p.donePendingLocked()
	p.mu.Unlock()
}

func (p *Pool) drainThreadJobs() {
	for {
		select {
		case j := <-p.threadJobs:
			p.interrupt(j, context.Canceled)
		default:
			return
		}
	}
}

func (p *Pool) shutdown() {
	select {
	case <-p.quit:
	default:
		close(p.quit)
	}
	p.wg.Wait()
	p.cancelRun()
}

// Stopped reports whether Stop has been called.
func (p *Pool) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// ActiveWorkers implements resource.Counter.
func (p *Pool) ActiveWorkers() int { return int(p.activeN.Load()) }

// QueuedTasks implements resource.Counter.
func (p *Pool) QueuedTasks() int { return int(p.queuedN.Load()) }

// IsShutdown reports whether err resolved a task because the pool stopped.
func IsShutdown(err error) bool {
	return errors.Is(err, ErrPoolShutdown)
}
