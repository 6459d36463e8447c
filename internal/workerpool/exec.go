package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/spherical-ai/pipeline-engine/internal/events"
	"github.com/spherical-ai/pipeline-engine/internal/observability"
	"github.com/spherical-ai/pipeline-engine/internal/processor"
)

// run executes j on the calling goroutine. It returns false when the job was
// interrupted by its timeout or a forced stop before the processor returned.
func (p *Pool) run(j *job) bool {
	ctx := p.runCtx
	var cancel context.CancelFunc
	if j.task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, j.task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	ctx, span := observability.Tracer().Start(ctx, "workerpool.task",
		trace.WithAttributes(
			attribute.String("task.id", j.task.ID),
			attribute.String("task.stage", j.task.stage()),
			attribute.String("task.processor", j.task.name()),
			attribute.String("task.strategy", string(j.task.Strategy)),
			attribute.Int("task.attempt", j.task.Context.Attempt()),
		))
	defer span.End()

	ctx = processor.WithProgressReporter(ctx, func(percent float64) {
		if j.state.Load() == jobRunning {
			p.emit(j, events.PhaseProgress, "", &percent)
		}
	})

	p.emit(j, events.PhaseStarted, "", nil)

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.interrupt(j, ctx.Err())
		case <-watchDone:
		}
	}()

	res, err := p.invoke(ctx, j)
	close(watchDone)

	if !j.state.CompareAndSwap(jobRunning, jobFinished) {
		span.SetStatus(codes.Error, "interrupted")
		return false
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	p.complete(j, res, err)
	return true
}

// interrupt resolves a running job whose context ended before the processor
// returned.
func (p *Pool) interrupt(j *job, cause error) {
	if !j.state.CompareAndSwap(jobRunning, jobInterrupted) {
		return
	}

	var (
		err  error
		kind processor.ErrorKind
	)
	if errors.Is(cause, context.DeadlineExceeded) {
		err = &TaskTimeoutError{TaskID: j.task.ID, Stage: j.task.stage(), Timeout: j.task.Timeout}
		kind = processor.ErrorKindTimeout
	} else {
		err = fmt.Errorf("task %s interrupted: %w", j.task.ID, ErrPoolShutdown)
		kind = processor.ErrorKindShutdown
	}
	res := processor.Failed(kind, err)
	res.Stamp(j.startedAt, time.Now())

	if j.task.Strategy == StrategyThread {
		// the stuck worker exits once its call returns; keep the thread count
		p.spawnThreadWorker()
	}

	p.logger.Warn().
		Str("task_id", j.task.ID).
		Str("stage", j.task.stage()).
		Str("kind", string(kind)).
		Msg("Task interrupted")
	p.complete(j, res, err)
}

// invoke calls the processor and converts panics and errors into a failed
// result. It never returns a nil result.
func (p *Pool) invoke(ctx context.Context, j *job) (res *processor.Result, err error) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Value: r, Stack: debug.Stack()}
			p.logger.Error().
				Str("task_id", j.task.ID).
				Str("processor", j.task.name()).
				Interface("panic", r).
				Msg("Processor panicked")
			res = processor.Failed(processor.ErrorKindPanic, perr)
			err = &processor.ExecutionError{Processor: j.task.name(), Stage: j.task.stage(), Err: perr}
		}
		res.Stamp(started, time.Now())
	}()

	if j.task.Strategy == StrategyProcess {
		res, err = p.process.Execute(ctx, j.task)
	} else {
		res, err = j.task.Processor.Execute(ctx, j.task.Context)
	}
	return normalize(ctx, j, res, err)
}

func normalize(ctx context.Context, j *job, res *processor.Result, err error) (*processor.Result, error) {
	name, stage := j.task.name(), j.task.stage()

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			terr := &TaskTimeoutError{TaskID: j.task.ID, Stage: stage, Timeout: j.task.Timeout}
			return processor.Failed(processor.ErrorKindTimeout, terr), terr
		}
		execErr := &processor.ExecutionError{Processor: name, Stage: stage, Err: err}
		if res != nil && !res.Success && res.Error != nil {
			return res, execErr
		}
		kind := processor.ErrorKindExecution
		if processor.IsInputError(err) {
			kind = processor.ErrorKindInput
		}
		return processor.Failed(kind, err), execErr
	}
	if res == nil {
		err = errors.New("processor returned no result")
		return processor.Failed(processor.ErrorKindExecution, err), &processor.ExecutionError{Processor: name, Stage: stage, Err: err}
	}
	if !res.Success {
		if res.Error == nil {
			res.Error = processor.NewErrorInfo(processor.ErrorKindExecution, errors.New("processor reported failure"))
		}
		return res, &processor.ExecutionError{Processor: name, Stage: stage, Err: res.Error}
	}
	return res, nil
}

func (p *Pool) spawnThreadWorker() {
	p.mu.Lock()
	forced := p.forced
	p.mu.Unlock()
	if forced {
		return
	}
	p.threads.Add(1)
	go p.threadWorker()
}

// threadWorker owns one OS thread for its whole life. When a job is
// interrupted the worker exits without unlocking, which makes the runtime
// discard the thread.
func (p *Pool) threadWorker() {
	runtime.LockOSThread()
	defer p.threads.Add(-1)

	for {
		select {
		case <-p.quit:
			runtime.UnlockOSThread()
			return
		case j := <-p.threadJobs:
			if !p.run(j) {
				return
			}
		}
	}
}
