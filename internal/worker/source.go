// ============================================================================
// Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Decouple the worker pool from the job registry.
//
// Flow per job:
//   Poll ──→ Checkpoint(25) ──→ algorithm ──→ Checkpoint(50) ──→ build result
//        ──→ Checkpoint(75) ──→ Acknowledge
//
//   Any Checkpoint may report ErrCancelled; the worker then stops advancing
//   the job and acknowledges it as cancelled without computing a result.
//
// ============================================================================

package worker

import (
	"context"
	"errors"

	"github.com/ChuLiYu/sched-optimizer/pkg/types"
)

// ErrCancelled is returned by Checkpoint once cancellation has been requested.
var ErrCancelled = errors.New("job cancelled")

// JobSource defines how workers obtain jobs and report progress and results.
type JobSource interface {
	// Poll blocks until a job has been moved to Running for this worker, or
	// ctx is done.
	//
	// Returns:
	//   - *Task: the running job and its cancellation signal.
	//   - error: ctx.Err() on shutdown, ErrPoolClosed when the source is stopped.
	Poll(ctx context.Context) (*Task, error)

	// Checkpoint records progress for runID. It returns ErrCancelled when the
	// job is no longer running.
	Checkpoint(ctx context.Context, runID types.RunID, progress int) error

	// Acknowledge reports the final outcome of a task.
	Acknowledge(ctx context.Context, result Result) error
}

// Resolver looks up the algorithm a job names.
type Resolver interface {
	Lookup(id string) (Func, error)
}
