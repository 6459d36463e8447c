package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/spherical-ai/pipeline-engine/internal/checkpoint"
	"github.com/spherical-ai/pipeline-engine/internal/dag"
	"github.com/spherical-ai/pipeline-engine/internal/events"
	"github.com/spherical-ai/pipeline-engine/internal/observability"
	"github.com/spherical-ai/pipeline-engine/internal/processor"
	"github.com/spherical-ai/pipeline-engine/internal/resource"
	"github.com/spherical-ai/pipeline-engine/internal/workerpool"
)

// execute drives r from level start to completion. It is the only writer of
// r.rc.
func (m *Manager) execute(ctx context.Context, r *run, start int) {
	defer m.wg.Done()

	ctx, span := observability.Tracer().Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run.id", r.id),
			attribute.String("pipeline.name", r.graph.Name()),
			attribute.Int("pipeline.stages", r.graph.Len()),
			attribute.Int("pipeline.levels", len(r.levels)),
			attribute.Bool("run.resumed", r.resumed),
		))
	defer span.End()

	logger := m.logger.WithRun(r.id)
	logger.Info().
		Str("pipeline", r.graph.Name()).
		Int("stages", r.graph.Len()).
		Int("levels", len(r.levels)).
		Int("start_level", start).
		Bool("resumed", r.resumed).
		Msg("Starting pipeline run")

	r.setState(RunRunning)
	m.publisher.Publish(events.RunEvent{RunID: r.id, Pipeline: r.graph.Name(), State: string(RunRunning), Timestamp: time.Now()})
	for _, res := range r.rc.Results() {
		m.publishStage(r, res)
	}

	cancelled := false
	for level := start; level < len(r.levels); level++ {
		if r.rc.Cancelled() || ctx.Err() != nil {
			m.skipRemaining(r, level)
			cancelled = true
			break
		}
		r.mu.Lock()
		r.level = level
		r.mu.Unlock()

		m.runLevel(ctx, r, level)
		m.saveCheckpoint(ctx, r, level+1)
	}
	if ctx.Err() != nil {
		cancelled = true
	}

	report := m.finish(r, cancelled)
	span.SetAttributes(
		attribute.String("run.state", string(report.State)),
		attribute.Int("run.succeeded", report.Succeeded),
		attribute.Int("run.failed", report.Failed),
		attribute.Int("run.skipped", report.Skipped),
	)
	if report.State == RunSucceeded {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(report.State))
	}

	logger.Info().
		Str("state", string(report.State)).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Dur("duration", report.Duration).
		Msg("Pipeline run finished")

	m.retire(r)
	close(r.done)
}

// runLevel executes the runnable stages of one level and records every
// outcome as it arrives.
func (m *Manager) runLevel(ctx context.Context, r *run, level int) {
	names := r.levels[level]
	ctx, span := observability.Tracer().Start(ctx, "pipeline.level",
		trace.WithAttributes(
			attribute.Int("level.index", level),
			attribute.StringSlice("level.stages", names),
		))
	defer span.End()

	var ready []*dag.Stage
	for _, name := range names {
		if r.rc.state(name).Terminal() {
			continue
		}
		st, _ := r.graph.Stage(name)
		if !st.Config.IsEnabled() {
			m.record(r, skipped(name, ReasonDisabled))
			continue
		}
		if dep, state, blocked := m.blockedBy(r, name); blocked {
			m.record(r, skipped(name, fmt.Sprintf("dependency %q %s", dep, state)))
			continue
		}
		ready = append(ready, st)
	}

	m.logger.WithRun(r.id).Debug().
		Int("level", level).
		Int("ready", len(ready)).
		Int("stages", len(names)).
		Msg("Executing level")

	out := make(chan StageResult, len(ready))
	for _, st := range ready {
		upstream := r.rc.upstream(r.graph.Dependencies(st.Name()))
		r.setLive(st.Name(), StageReady, 0)
		go func(st *dag.Stage) {
			out <- m.executeStage(ctx, r, st, upstream)
		}(st)
	}

	failed := 0
	for range ready {
		res := <-out
		m.record(r, res)
		if res.State == StageFailed {
			failed++
			m.skipDescendants(r, res.Stage)
		}
	}
	span.SetAttributes(attribute.Int("level.failed", failed))
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d stages failed", failed))
	}
}

// blockedBy reports the first dependency of stage that did not succeed.
func (m *Manager) blockedBy(r *run, stage string) (string, StageState, bool) {
	for _, dep := range r.graph.Dependencies(stage) {
		if s := r.rc.state(dep); s != StageSucceeded {
			return dep, s, true
		}
	}
	return "", "", false
}

// executeStage runs every attempt of one stage. It never touches r.rc.
func (m *Manager) executeStage(ctx context.Context, r *run, st *dag.Stage, upstream map[string]processor.Result) StageResult {
	cfg := st.Config
	logger := m.logger.WithRun(r.id)
	out := StageResult{Stage: cfg.Name, StartedAt: time.Now()}
	finish := func(state StageState) StageResult {
		out.State = state
		out.FinishedAt = time.Now()
		out.Duration = out.FinishedAt.Sub(out.StartedAt)
		return out
	}

	strategy, err := workerpool.ParseStrategy(cfg.Resources.Strategy)
	if err != nil {
		out.Result = processor.Failed(processor.ErrorKindExecution, err)
		out.Error = err.Error()
		return finish(StageFailed)
	}
	var proc processor.Processor
	if strategy != workerpool.StrategyProcess {
		if proc, err = m.registry.Resolve(cfg.Processor); err != nil {
			out.Result = processor.Failed(processor.ErrorKindNotFound, err)
			out.Error = err.Error()
			return finish(StageFailed)
		}
	}

	in := r.rc.Inputs()
	maxAttempts := cfg.MaxAttempts()
	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		task := &workerpool.Task{
			ID:            uuid.NewString(),
			Processor:     proc,
			ProcessorName: cfg.Processor,
			Context: processor.NewContext(processor.ContextParams{
				RunID:      r.id,
				Stage:      cfg.Name,
				DocumentID: in.DocumentID,
				Source:     in.Source,
				Attempt:    attempt,
				Metadata:   in.Metadata,
				Params:     cfg.Params,
				Upstream:   upstream,
			}),
			Priority: cfg.Priority,
			Timeout:  cfg.Timeout.Std(),
			Strategy: strategy,
			Hint: resource.Hint{
				CPU:      cfg.Resources.CPU,
				MemoryMB: cfg.Resources.MemoryMB,
				Strategy: string(strategy),
			},
		}

		res, err := m.attempt(ctx, r, task)
		out.Result = res
		if err == nil {
			out.Error = ""
			return finish(StageSucceeded)
		}
		out.Error = err.Error()

		if attempt >= maxAttempts || !retryable(cfg, res, err) || r.rc.Cancelled() {
			logger.Warn().
				Err(err).
				Str("stage", cfg.Name).
				Int("attempts", attempt).
				Msg("Stage failed")
			return finish(StageFailed)
		}

		delay := cfg.Retry.Delay(attempt)
		r.setLive(cfg.Name, StageRunning, attempt)
		m.publisher.Publish(events.ProgressEvent{
			TaskID:    task.ID,
			RunID:     r.id,
			Stage:     cfg.Name,
			Phase:     events.PhaseRetrying,
			Timestamp: time.Now(),
			Attempt:   attempt,
			Strategy:  string(strategy),
			Error:     out.Error,
		})
		logger.Warn().
			Err(err).
			Str("stage", cfg.Name).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("backoff", delay).
			Msg("Retrying stage")

		if !sleep(ctx, delay) {
			return finish(StageFailed)
		}
	}
}

// attempt submits one task and waits for it. The returned result is never
// nil.
func (m *Manager) attempt(ctx context.Context, r *run, t *workerpool.Task) (*processor.Result, error) {
	h, err := m.pool.Submit(t)
	if err != nil {
		kind := processor.ErrorKindExecution
		if workerpool.IsShutdown(err) {
			kind = processor.ErrorKindShutdown
		}
		return processor.Failed(kind, err), err
	}
	r.setLive(t.Context.Stage(), StageRunning, t.Context.Attempt())

	waitCtx := ctx
	if m.cfg.WaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.cfg.WaitTimeout)
		defer cancel()
	}

	res, err := h.Wait(waitCtx)
	if res == nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			terr := &workerpool.TaskTimeoutError{TaskID: t.ID, Stage: t.Context.Stage(), Timeout: m.cfg.WaitTimeout}
			return processor.Failed(processor.ErrorKindTimeout, terr), terr
		}
		if err == nil {
			err = errors.New("task resolved without a result")
		}
		return processor.Failed(processor.ErrorKindCancelled, err), err
	}
	return res, err
}

// retryable reports whether a failed attempt may be retried. Bad input,
// unknown processors and shutdowns are final.
func retryable(cfg dag.StageConfig, res *processor.Result, err error) bool {
	if workerpool.IsShutdown(err) || processor.IsInputError(err) {
		return false
	}
	if res == nil || res.Error == nil {
		return true
	}
	switch res.Error.Kind {
	case processor.ErrorKindInput, processor.ErrorKindNotFound, processor.ErrorKindShutdown, processor.ErrorKindCancelled:
		return false
	case processor.ErrorKindTimeout:
		return cfg.Retry.ShouldRetryTimeouts()
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func skipped(stage, reason string) StageResult {
	now := time.Now()
	return StageResult{Stage: stage, State: StageSkipped, Reason: reason, StartedAt: now, FinishedAt: now}
}

// record writes a terminal stage result and publishes it.
func (m *Manager) record(r *run, res StageResult) {
	r.rc.set(res)
	r.clearLive(res.Stage)
	m.publishStage(r, res)
}

func (m *Manager) skipDescendants(r *run, failed string) {
	reason := fmt.Sprintf("upstream stage %q failed", failed)
	for _, name := range r.graph.Descendants(failed) {
		if !r.rc.state(name).Terminal() {
			m.record(r, skipped(name, reason))
		}
	}
}

func (m *Manager) skipRemaining(r *run, from int) {
	for level := from; level < len(r.levels); level++ {
		for _, name := range r.levels[level] {
			if !r.rc.state(name).Terminal() {
				m.record(r, skipped(name, ReasonCancelled))
			}
		}
	}
}

func (m *Manager) publishStage(r *run, res StageResult) {
	m.publisher.Publish(events.StageEvent{
		RunID:     r.id,
		Stage:     res.Stage,
		State:     string(res.State),
		Attempts:  res.Attempts,
		Duration:  res.Duration,
		Error:     res.Error,
		Reason:    res.Reason,
		Restored:  res.Reason == ReasonRestored,
		Timestamp: time.Now(),
	})
}

// saveCheckpoint persists the run after a level. Failures are logged, the
// run continues.
func (m *Manager) saveCheckpoint(ctx context.Context, r *run, next int) {
	if m.store == nil {
		return
	}
	in := r.rc.Inputs()
	cp := &checkpoint.Checkpoint{
		RunID:      r.id,
		Pipeline:   r.graph.Name(),
		ConfigHash: r.configHash,
		DocumentID: in.DocumentID,
		Source:     in.Source,
		Metadata:   in.Metadata,
		NextLevel:  next,
		Stages:     make(map[string]checkpoint.StageRecord),
		StartedAt:  r.rc.StartedAt(),
	}
	for name, res := range r.rc.Results() {
		cp.Stages[name] = checkpoint.StageRecord{
			State:    string(res.State),
			Attempts: res.Attempts,
			Result:   res.Result,
			Reason:   res.Reason,
		}
	}
	if err := m.store.Save(context.WithoutCancel(ctx), cp); err != nil {
		m.logger.WithRun(r.id).Warn().Err(err).Int("next_level", next).Msg("Failed to save checkpoint")
	}
}

// finish builds the report and publishes the run event.
func (m *Manager) finish(r *run, cancelled bool) *Report {
	results := r.rc.Results()
	now := time.Now()
	report := &Report{
		RunID:      r.id,
		Pipeline:   r.graph.Name(),
		Total:      r.graph.Len(),
		Stages:     make(map[string]StageResult, len(results)),
		StartedAt:  r.rc.StartedAt(),
		FinishedAt: now,
		Duration:   now.Sub(r.rc.StartedAt()),
	}
	for _, name := range r.graph.StageNames() {
		res, ok := results[name]
		if !ok || !res.State.Terminal() {
			// only reachable when the run was interrupted mid-level
			res = skipped(name, ReasonCancelled)
			m.record(r, res)
		}
		report.Stages[name] = res
		switch res.State {
		case StageSucceeded:
			report.Succeeded++
		case StageFailed:
			report.Failed++
		default:
			report.Skipped++
		}
	}

	switch {
	case cancelled:
		report.State = RunCancelled
	case report.Failed > 0:
		report.State = RunFailed
	default:
		report.State = RunSucceeded
	}

	r.mu.Lock()
	r.state = report.State
	r.report = report
	r.finishedAt = now
	r.live = map[string]liveStage{}
	r.mu.Unlock()

	m.publisher.Publish(events.RunEvent{
		RunID:     r.id,
		Pipeline:  r.graph.Name(),
		State:     string(report.State),
		Progress:  100,
		Counts:    report.Counts(),
		Timestamp: now,
	})
	return report
}
