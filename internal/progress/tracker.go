// Package progress aggregates task lifecycle events into per-stage and
// per-run completion and pushes updates to subscribers.
package progress

import (
	"sort"
	"sync"
	"time"

	"github.com/spherical-ai/pipeline-engine/internal/events"
	"github.com/spherical-ai/pipeline-engine/internal/observability"
)

// Stage states reported by the tracker. Terminal values mirror the
// pipeline's stage states.
const (
	StatePending   = "pending"
	StateQueued    = "queued"
	StateRunning   = "running"
	StateRetrying  = "retrying"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateSkipped   = "skipped"
	StateCancelled = "cancelled"
)

// StageSpec declares a stage and its share of run progress.
type StageSpec struct {
	Name   string
	Weight float64
}

// Update is pushed to subscribers on every phase transition.
type Update struct {
	RunID        string       `json:"run_id"`
	Stage        string       `json:"stage,omitempty"`
	TaskID       string       `json:"task_id,omitempty"`
	Phase        events.Phase `json:"phase,omitempty"`
	StageState   string       `json:"stage_state,omitempty"`
	StagePercent float64      `json:"stage_percent"`
	RunPercent   float64      `json:"run_percent"`
	RunState     string       `json:"run_state,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Subscriber receives updates synchronously.
type Subscriber func(Update)

// StageProgress is the aggregated view of one stage.
type StageProgress struct {
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Weight   float64 `json:"weight"`
	Percent  float64 `json:"percent"`
	Tasks    int     `json:"tasks"`
	Attempts int     `json:"attempts"`
}

// RunProgress is the aggregated view of a run.
type RunProgress struct {
	RunID     string          `json:"run_id"`
	Pipeline  string          `json:"pipeline"`
	State     string          `json:"state"`
	Percent   float64         `json:"percent"`
	Stages    []StageProgress `json:"stages"`
	Tasks     map[string]int  `json:"tasks"`
	StartedAt time.Time       `json:"started_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type taskNode struct {
	phase      events.Phase
	percent    float64
	superseded bool
}

type stageNode struct {
	name     string
	weight   float64
	state    string
	tasks    map[string]*taskNode
	attempts int
}

// forgetWindow bounds how many forgotten run ids are remembered so late
// events for them are dropped instead of recreating the run.
const forgetWindow = 1024

type runNode struct {
	id        string
	pipeline  string
	state     string
	order     []string
	stages    map[string]*stageNode
	startedAt time.Time
	updatedAt time.Time
}

// Tracker maintains a run -> stage -> task tree. It is safe for concurrent
// use.
type Tracker struct {
	logger *observability.Logger

	mu        sync.RWMutex
	runs      map[string]*runNode
	forgotten map[string]struct{}
	forgetLog []string

	subMu  sync.RWMutex
	nextID uint64
	subs   map[uint64]Subscriber
}

// NewTracker creates an empty tracker.
func NewTracker(logger *observability.Logger) *Tracker {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Tracker{
		logger:    logger.WithComponent("progress_tracker"),
		runs:      make(map[string]*runNode),
		forgotten: make(map[string]struct{}),
		subs:      make(map[uint64]Subscriber),
	}
}

// Attach subscribes the tracker to bus and returns the detach function.
func (t *Tracker) Attach(bus *events.Bus) func() {
	return bus.Subscribe(t.Handle)
}

// Subscribe registers fn for updates.
func (t *Tracker) Subscribe(fn Subscriber) (unsubscribe func()) {
	t.subMu.Lock()
	t.nextID++
	id := t.nextID
	t.subs[id] = fn
	t.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.subMu.Lock()
			delete(t.subs, id)
			t.subMu.Unlock()
		})
	}
}

// StartRun registers a run with its stages. Weights <= 0 count as 1.
func (t *Tracker) StartRun(runID, pipeline string, stages []StageSpec) {
	now := time.Now()
	run := &runNode{
		id:        runID,
		pipeline:  pipeline,
		state:     "running",
		stages:    make(map[string]*stageNode, len(stages)),
		startedAt: now,
		updatedAt: now,
	}
	for _, s := range stages {
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		run.order = append(run.order, s.Name)
		run.stages[s.Name] = &stageNode{name: s.Name, weight: w, state: StatePending, tasks: map[string]*taskNode{}}
	}

	t.mu.Lock()
	t.runs[runID] = run
	delete(t.forgotten, runID)
	t.mu.Unlock()

	t.publish(Update{RunID: runID, RunState: run.state, Timestamp: now})
}

// Forget drops a run's tree. Events that arrive for the run afterwards are
// ignored until StartRun registers it again.
func (t *Tracker) Forget(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, runID)
	if _, ok := t.forgotten[runID]; ok {
		return
	}
	t.forgotten[runID] = struct{}{}
	t.forgetLog = append(t.forgetLog, runID)
	if len(t.forgetLog) > forgetWindow {
		delete(t.forgotten, t.forgetLog[0])
		t.forgetLog = t.forgetLog[1:]
	}
}

// Handle consumes a bus event.
func (t *Tracker) Handle(e events.Event) {
	switch ev := e.(type) {
	case events.ProgressEvent:
		t.onProgress(ev)
	case events.StageEvent:
		t.onStage(ev)
	case events.RunEvent:
		t.onRun(ev)
	}
}

func (t *Tracker) onProgress(ev events.ProgressEvent) {
	t.mu.Lock()
	run := t.runLocked(ev.RunID)
	if run == nil {
		t.mu.Unlock()
		return
	}
	stage := run.stageLocked(ev.Stage)
	task, ok := stage.tasks[ev.TaskID]
	if !ok {
		task = &taskNode{}
		stage.tasks[ev.TaskID] = task
		stage.attempts++
	}

	task.phase = ev.Phase
	switch ev.Phase {
	case events.PhaseProgress:
		if ev.Percent != nil && *ev.Percent > task.percent {
			task.percent = *ev.Percent
		}
	case events.PhaseRetrying:
		task.superseded = true
	}
	if ev.Phase.Terminal() {
		task.percent = 100
	}
	if !terminalState(stage.state) {
		stage.state = stageStateFromTasks(stage)
	}

	run.updatedAt = ev.Timestamp
	u := Update{
		RunID:        ev.RunID,
		Stage:        ev.Stage,
		TaskID:       ev.TaskID,
		Phase:        ev.Phase,
		StageState:   stage.state,
		StagePercent: stage.percent(),
		RunPercent:   run.percent(),
		RunState:     run.state,
		Timestamp:    ev.Timestamp,
	}
	t.mu.Unlock()

	t.publish(u)
}

func (t *Tracker) onStage(ev events.StageEvent) {
	t.mu.Lock()
	run := t.runLocked(ev.RunID)
	if run == nil {
		t.mu.Unlock()
		return
	}
	stage := run.stageLocked(ev.Stage)
	stage.state = ev.State
	if ev.Attempts > stage.attempts {
		stage.attempts = ev.Attempts
	}
	run.updatedAt = ev.Timestamp
	u := Update{
		RunID:        ev.RunID,
		Stage:        ev.Stage,
		StageState:   stage.state,
		StagePercent: stage.percent(),
		RunPercent:   run.percent(),
		RunState:     run.state,
		Timestamp:    ev.Timestamp,
	}
	t.mu.Unlock()

	t.publish(u)
}

func (t *Tracker) onRun(ev events.RunEvent) {
	t.mu.Lock()
	run := t.runLocked(ev.RunID)
	if run == nil {
		t.mu.Unlock()
		return
	}
	run.state = ev.State
	if ev.Pipeline != "" {
		run.pipeline = ev.Pipeline
	}
	run.updatedAt = ev.Timestamp
	u := Update{
		RunID:      ev.RunID,
		RunPercent: run.percent(),
		RunState:   run.state,
		Timestamp:  ev.Timestamp,
	}
	t.mu.Unlock()

	t.publish(u)
}

func (t *Tracker) publish(u Update) {
	t.subMu.RLock()
	ids := make([]uint64, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	subs := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, t.subs[id])
	}
	t.subMu.RUnlock()

	for _, s := range subs {
		s(u)
	}
}

// runLocked returns the run node, creating it for events of runs that were
// never registered. It returns nil for recently forgotten runs.
func (t *Tracker) runLocked(id string) *runNode {
	run, ok := t.runs[id]
	if !ok {
		if _, gone := t.forgotten[id]; gone {
			return nil
		}
		now := time.Now()
		run = &runNode{id: id, state: "running", stages: map[string]*stageNode{}, startedAt: now, updatedAt: now}
		t.runs[id] = run
	}
	return run
}

func (r *runNode) stageLocked(name string) *stageNode {
	s, ok := r.stages[name]
	if !ok {
		s = &stageNode{name: name, weight: 1, state: StatePending, tasks: map[string]*taskNode{}}
		r.stages[name] = s
		r.order = append(r.order, name)
	}
	return s
}

func terminalState(state string) bool {
	switch state {
	case StateSucceeded, StateFailed, StateSkipped, StateCancelled:
		return true
	}
	return false
}

func stageStateFromTasks(s *stageNode) string {
	state := StatePending
	for _, task := range s.tasks {
		if task.superseded {
			if state == StatePending {
				state = StateRetrying
			}
			continue
		}
		switch task.phase {
		case events.PhaseStarted, events.PhaseProgress:
			return StateRunning
		case events.PhaseQueued:
			state = StateQueued
		}
	}
	return state
}

// percent averages the live tasks of the stage. A stage in a terminal state
// is complete.
func (s *stageNode) percent() float64 {
	if terminalState(s.state) {
		return 100
	}
	var sum float64
	n := 0
	for _, task := range s.tasks {
		if task.superseded {
			continue
		}
		sum += task.percent
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// percent weighs each stage's completion by its declared weight.
func (r *runNode) percent() float64 {
	var total, done float64
	for _, name := range r.order {
		s := r.stages[name]
		total += s.weight
		done += s.weight * s.percent() / 100
	}
	if total == 0 {
		return 0
	}
	return done / total * 100
}

// Snapshot returns the aggregated progress of a run.
func (t *Tracker) Snapshot(runID string) (RunProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	run, ok := t.runs[runID]
	if !ok {
		return RunProgress{}, false
	}

	rp := RunProgress{
		RunID:     run.id,
		Pipeline:  run.pipeline,
		State:     run.state,
		Percent:   run.percent(),
		Stages:    make([]StageProgress, 0, len(run.order)),
		Tasks:     map[string]int{},
		StartedAt: run.startedAt,
		UpdatedAt: run.updatedAt,
	}
	for _, name := range run.order {
		s := run.stages[name]
		rp.Stages = append(rp.Stages, StageProgress{
			Name:     s.name,
			State:    s.state,
			Weight:   s.weight,
			Percent:  s.percent(),
			Tasks:    len(s.tasks),
			Attempts: s.attempts,
		})
		for _, task := range s.tasks {
			rp.Tasks[string(task.phase)]++
		}
	}
	return rp, true
}

// Runs returns the ids of tracked runs, sorted.
func (t *Tracker) Runs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.runs))
	for id := range t.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
