// ============================================================================
// Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Run optimization jobs pulled from a JobSource, one at a time
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  Worker Goroutine                        │
//   │  for {                                   │
//   │    task := source.Poll(ctx)              │
//   │    ├─ Context with timeout + cancel      │
//   │    ├─ execute(task) with checkpoints     │
//   │    └─ source.Acknowledge(result)         │
//   │  }                                       │
//   └──────────────────────────────────────────┘
//
// Cancellation:
//   Cooperative. The task's Cancelled channel cancels the algorithm context,
//   and every checkpoint asks the source whether the job is still running.
//   Once cancellation is observed no further checkpoint runs and no result
//   is built.
//
// Timeout Control:
//   context.WithTimeout bounds the whole execution (MaxDuration, 0 disables).
//   A timed-out job is reported as failed.
//
// Error Handling:
//   - Unknown algorithm: failed
//   - Algorithm error or panic: failed with the message
//   - Pool shutdown deadline: failed ("interrupted by shutdown")
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/sched-optimizer/pkg/types"
)

// Checkpoint progress values.
const (
	CheckpointStarted   = 25
	CheckpointAlgorithm = 50
	CheckpointResult    = 75
)

var errInterrupted = errors.New("interrupted by shutdown")

// Worker represents a work execution unit
type Worker struct {
	id          int
	source      JobSource
	algorithms  Resolver
	maxDuration time.Duration
	log         *slog.Logger
	tracer      trace.Tracer
	onBusy      func(delta int)
}

// Run is the main loop of Worker: poll, execute, acknowledge, until pollCtx
// is done. jobCtx is the parent of every execution; cancelling it interrupts
// the job in progress.
func (w *Worker) Run(pollCtx, jobCtx context.Context) {
	for {
		task, err := w.source.Poll(pollCtx)
		if err != nil {
			if pollCtx.Err() != nil || errors.Is(err, ErrPoolClosed) {
				return
			}
			w.log.Warn("Poll failed", "worker", w.id, "error", err)
			select {
			case <-pollCtx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if task == nil {
			continue
		}

		w.onBusy(1)
		result := w.execute(jobCtx, task)
		w.onBusy(-1)

		// Acknowledge must land even when shutdown already cancelled jobCtx.
		if err := w.source.Acknowledge(context.WithoutCancel(jobCtx), result); err != nil {
			w.log.Error("Acknowledge failed",
				"worker", w.id,
				"run_id", result.RunID,
				"outcome", result.Outcome,
				"error", err)
		}
	}
}

// execute 執行單一任務，回傳最終結果
func (w *Worker) execute(parent context.Context, task *Task) Result {
	start := time.Now()
	job := task.Job
	res := Result{RunID: job.RunID, AlgorithmID: job.AlgorithmID}

	ctx, span := w.tracer.Start(parent, "job.execute", trace.WithAttributes(
		attribute.String("job.run_id", string(job.RunID)),
		attribute.String("job.algorithm_id", job.AlgorithmID),
		attribute.Int("job.priority", job.Priority),
	))
	defer span.End()

	var cancel context.CancelFunc
	if w.maxDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, w.maxDuration)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Bridge the registry's cancel signal into the execution context.
	go func() {
		select {
		case <-task.Cancelled:
			cancel()
		case <-ctx.Done():
		}
	}()

	finish := func(outcome Outcome, jr *types.JobResult, err error) Result {
		res.Outcome = outcome
		res.JobResult = jr
		res.Err = err
		res.Duration = time.Since(start)
		span.SetAttributes(attribute.String("job.outcome", string(outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return res
	}

	if err := w.checkpoint(ctx, task, CheckpointStarted); err != nil {
		return w.stopped(ctx, parent, task, err, finish)
	}

	fn, err := w.algorithms.Lookup(job.AlgorithmID)
	if err != nil {
		return finish(OutcomeFailed, nil, err)
	}

	var data types.ScheduleData
	if job.Request.ScheduleData != nil {
		data = *job.Request.ScheduleData
	}
	metrics, err := invoke(ctx, fn, data)
	if err != nil {
		if isCancelled(task) || ctx.Err() != nil {
			return w.stopped(ctx, parent, task, err, finish)
		}
		return finish(OutcomeFailed, nil, err)
	}

	if err := w.checkpoint(ctx, task, CheckpointAlgorithm); err != nil {
		return w.stopped(ctx, parent, task, err, finish)
	}

	jr := &types.JobResult{
		VersionID:     uuid.NewString(),
		ChangedEvents: job.Request.EventIDs(),
		Metrics:       metrics,
	}
	if jr.Metrics == nil {
		jr.Metrics = types.Metrics{}
	}

	if err := w.checkpoint(ctx, task, CheckpointResult); err != nil {
		return w.stopped(ctx, parent, task, err, finish)
	}
	return finish(OutcomeCompleted, jr, nil)
}

// checkpoint observes cancellation before recording progress.
func (w *Worker) checkpoint(ctx context.Context, task *Task, progress int) error {
	if isCancelled(task) {
		return ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.source.Checkpoint(ctx, task.Job.RunID, progress)
}

// stopped classifies why execution stopped early.
func (w *Worker) stopped(ctx, parent context.Context, task *Task, cause error,
	finish func(Outcome, *types.JobResult, error) Result) Result {

	switch {
	case isCancelled(task) || errors.Is(cause, ErrCancelled):
		return finish(OutcomeCancelled, nil, nil)
	case parent.Err() != nil:
		return finish(OutcomeFailed, nil, errInterrupted)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return finish(OutcomeFailed, nil, fmt.Errorf("job exceeded max duration of %s", w.maxDuration))
	default:
		return finish(OutcomeFailed, nil, cause)
	}
}

func isCancelled(task *Task) bool {
	select {
	case <-task.Cancelled:
		return true
	default:
		return false
	}
}

// invoke runs fn and converts a panic into an error.
func invoke(ctx context.Context, fn Func, data types.ScheduleData) (m types.Metrics, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("algorithm panicked: %v", r)
		}
	}()
	return fn(ctx, data)
}
