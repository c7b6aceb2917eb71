package controller

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/sched-optimizer/internal/jobmanager"
	"github.com/ChuLiYu/sched-optimizer/internal/worker"
	"github.com/ChuLiYu/sched-optimizer/pkg/types"
)

// ============================================================================
// JobSource Interface Implementation
// ============================================================================

// pollInterval bounds how long a poller sleeps when it missed a ready signal.
const pollInterval = 100 * time.Millisecond

// Poll implements worker.JobSource.Poll
// It acts as a local job dispatcher: popping the highest-priority queued job
// and marking it running. Jobs cancelled between the pop and MarkRunning are
// skipped.
func (c *Controller) Poll(ctx context.Context) (*worker.Task, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if task := c.next(); task != nil {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.stopCh:
			return nil, worker.ErrPoolClosed
		case <-c.jobManager.Ready():
		case <-ticker.C:
		}
	}
}

// next dequeues until it finds a job it can start, or the queue is empty.
func (c *Controller) next() *worker.Task {
	for {
		job, ok := c.jobManager.PopPending()
		if !ok {
			return nil
		}

		cancelled, err := c.jobManager.MarkRunning(job.RunID)
		if err != nil {
			if !errors.Is(err, jobmanager.ErrNotQueued) {
				c.log.Error("Failed to mark running", "run_id", job.RunID, "error", err)
			}
			continue
		}

		snapshot, err := c.jobManager.Get(job.RunID)
		if err != nil {
			c.log.Error("Running job vanished", "run_id", job.RunID, "error", err)
			continue
		}
		c.log.Debug("Job dispatched", "run_id", job.RunID, "algorithm", job.AlgorithmID)
		return &worker.Task{Job: snapshot, Cancelled: cancelled}
	}
}

// Checkpoint implements worker.JobSource.Checkpoint
// A job that is no longer running has been cancelled.
func (c *Controller) Checkpoint(_ context.Context, runID types.RunID, progress int) error {
	err := c.jobManager.UpdateProgress(runID, progress)
	if errors.Is(err, jobmanager.ErrNotRunning) {
		return worker.ErrCancelled
	}
	return err
}

// Acknowledge implements worker.JobSource.Acknowledge
// It records the terminal state reported by the worker.
func (c *Controller) Acknowledge(ctx context.Context, result worker.Result) error {
	seconds := result.Duration.Seconds()

	switch result.Outcome {
	case worker.OutcomeCompleted:
		if result.JobResult == nil {
			return c.fail(result.RunID, "algorithm returned no result", seconds)
		}
		err := c.jobManager.MarkCompleted(result.RunID, *result.JobResult)
		if errors.Is(err, jobmanager.ErrNotRunning) {
			// Cancelled after the last checkpoint; the result is discarded.
			c.log.Debug("Discarding result of cancelled job", "run_id", result.RunID)
			c.metrics.RecordFinished(string(types.StatusCancelled), seconds)
			return nil
		}
		if err != nil {
			return err
		}
		c.metrics.RecordFinished(string(types.StatusCompleted), seconds)
		c.persistResult(ctx, result.RunID, result.JobResult)
		c.log.Info("Job completed",
			"run_id", result.RunID,
			"algorithm", result.AlgorithmID,
			"duration", result.Duration)
		return nil

	case worker.OutcomeFailed:
		msg := "job failed"
		if result.Err != nil {
			msg = result.Err.Error()
		}
		return c.fail(result.RunID, msg, seconds)

	case worker.OutcomeCancelled:
		c.metrics.RecordFinished(string(types.StatusCancelled), seconds)
		c.log.Debug("Job stopped after cancellation", "run_id", result.RunID)
		return nil
	}
	return nil
}

func (c *Controller) fail(runID types.RunID, msg string, seconds float64) error {
	err := c.jobManager.MarkFailed(runID, msg)
	if errors.Is(err, jobmanager.ErrNotRunning) {
		c.metrics.RecordFinished(string(types.StatusCancelled), seconds)
		return nil
	}
	if err != nil {
		return err
	}
	c.metrics.RecordFinished(string(types.StatusFailed), seconds)
	c.log.Warn("Job failed", "run_id", runID, "error", msg)
	return nil
}
