package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify checkpoints, cancellation, timeout, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/sched-optimizer/internal/algorithm"
	"github.com/ChuLiYu/sched-optimizer/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeSource feeds tasks from a channel and records checkpoints and results.
type fakeSource struct {
	tasks   chan *Task
	results chan Result

	mu         sync.Mutex
	progress   map[types.RunID][]int
	cancelAt   map[types.RunID]int // checkpoint value that reports ErrCancelled
	checkpoint func(runID types.RunID, progress int)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		tasks:    make(chan *Task, 32),
		results:  make(chan Result, 32),
		progress: make(map[types.RunID][]int),
		cancelAt: make(map[types.RunID]int),
	}
}

func (s *fakeSource) Poll(ctx context.Context) (*Task, error) {
	select {
	case t, ok := <-s.tasks:
		if !ok {
			return nil, ErrPoolClosed
		}
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSource) Checkpoint(_ context.Context, runID types.RunID, progress int) error {
	s.mu.Lock()
	hook := s.checkpoint
	if at, ok := s.cancelAt[runID]; ok && at == progress {
		s.mu.Unlock()
		return ErrCancelled
	}
	s.progress[runID] = append(s.progress[runID], progress)
	s.mu.Unlock()

	if hook != nil {
		hook(runID, progress)
	}
	return nil
}

func (s *fakeSource) Acknowledge(_ context.Context, r Result) error {
	s.results <- r
	return nil
}

func (s *fakeSource) checkpoints(runID types.RunID) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.progress[runID]...)
}

func (s *fakeSource) await(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-s.results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a result")
		return Result{}
	}
}

// newTask builds a task for algorithmID with events E1, E2.
func newTask(id, algorithmID string) (*Task, chan struct{}) {
	cancelCh := make(chan struct{})
	return &Task{
		Job: types.Job{
			RunID:       types.RunID(id),
			AlgorithmID: algorithmID,
			Status:      types.StatusRunning,
			Request: types.JobRequest{
				AlgorithmID: algorithmID,
				ScheduleData: &types.ScheduleData{Events: []types.Event{
					{ID: "E1", DurationHours: 2, ResourceID: "R1"},
					{ID: "E2", DurationHours: 3, ResourceID: "R1"},
				}},
			},
		},
		Cancelled: cancelCh,
	}, cancelCh
}

// testRegistry has the built-ins plus a few misbehaving algorithms.
func testRegistry(t *testing.T) *algorithm.Registry {
	t.Helper()
	r := algorithm.Builtin(0)
	require.NoError(t, r.Register("always-fails", func(context.Context, types.ScheduleData) (types.Metrics, error) {
		return nil, errors.New("solver diverged")
	}))
	require.NoError(t, r.Register("panics", func(context.Context, types.ScheduleData) (types.Metrics, error) {
		panic("index out of range")
	}))
	require.NoError(t, r.Register("blocks", func(ctx context.Context, _ types.ScheduleData) (types.Metrics, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	return r
}

func startPool(t *testing.T, n int, cfg Config) (*Pool, *fakeSource) {
	t.Helper()
	src := newFakeSource()
	pool := NewPool(testRegistry(t), cfg)
	require.NoError(t, pool.Start(n, src))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return pool, src
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(algorithm.Builtin(0), Config{})
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.Size())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(algorithm.Builtin(0), Config{})
	src := newFakeSource()

	require.NoError(t, pool.Start(4, src))
	assert.Equal(t, 4, pool.Size())
	assert.True(t, pool.IsStarted())
	assert.ErrorIs(t, pool.Start(2, src), ErrPoolStarted)

	require.NoError(t, pool.Stop(context.Background()))
	assert.ErrorIs(t, pool.Start(2, src), ErrPoolClosed)
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(algorithm.Builtin(0), Config{})
	assert.NoError(t, pool.Stop(context.Background()))
	assert.NoError(t, pool.Stop(context.Background()))
}

func TestWorkerExecuteSuccess(t *testing.T) {
	_, src := startPool(t, 1, Config{})

	task, _ := newTask("run-1", algorithm.ForwardScheduling)
	src.tasks <- task
	r := src.await(t)

	assert.Equal(t, OutcomeCompleted, r.Outcome)
	assert.NoError(t, r.Err)
	require.NotNil(t, r.JobResult)
	assert.Equal(t, []string{"E1", "E2"}, r.JobResult.ChangedEvents)
	_, err := uuid.Parse(r.JobResult.VersionID)
	assert.NoError(t, err, "versionId is a UUID")
	assert.Equal(t, 5.0, r.JobResult.Metrics["makespanHours"])
	assert.Equal(t, []int{CheckpointStarted, CheckpointAlgorithm, CheckpointResult}, src.checkpoints("run-1"))
	assert.Equal(t, algorithm.ForwardScheduling, r.AlgorithmID)
}

func TestWorkerExecute_EmptySchedule(t *testing.T) {
	_, src := startPool(t, 1, Config{})

	task, _ := newTask("run-empty", algorithm.CriticalPath)
	task.Job.Request.ScheduleData = nil
	src.tasks <- task
	r := src.await(t)

	require.Equal(t, OutcomeCompleted, r.Outcome)
	assert.Equal(t, []string{}, r.JobResult.ChangedEvents)
}

func TestWorkerExecuteFailures(t *testing.T) {
	tests := []struct {
		name      string
		algorithm string
		wantErr   string
	}{
		{name: "Unknown algorithm", algorithm: "does-not-exist", wantErr: "unknown algorithm"},
		{name: "Algorithm error", algorithm: "always-fails", wantErr: "solver diverged"},
		{name: "Algorithm panic", algorithm: "panics", wantErr: "algorithm panicked: index out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, src := startPool(t, 1, Config{})
			task, _ := newTask("run-f", tt.algorithm)
			src.tasks <- task

			r := src.await(t)
			assert.Equal(t, OutcomeFailed, r.Outcome)
			assert.Nil(t, r.JobResult)
			require.Error(t, r.Err)
			assert.Contains(t, r.Err.Error(), tt.wantErr)
			assert.NotContains(t, src.checkpoints("run-f"), CheckpointAlgorithm)
		})
	}
}

func TestWorkerExecuteTimeout(t *testing.T) {
	_, src := startPool(t, 1, Config{MaxDuration: 50 * time.Millisecond})

	task, _ := newTask("run-slow", "blocks")
	src.tasks <- task

	r := src.await(t)
	assert.Equal(t, OutcomeFailed, r.Outcome)
	require.Error(t, r.Err)
	assert.Contains(t, r.Err.Error(), "exceeded max duration")
	assert.GreaterOrEqual(t, r.Duration, 50*time.Millisecond)
}

// ============================================================================
// Cancellation Tests
// ============================================================================

func TestCancelDuringAlgorithm(t *testing.T) {
	_, src := startPool(t, 1, Config{})

	task, cancelCh := newTask("run-c", "blocks")
	started := make(chan struct{})
	src.checkpoint = func(_ types.RunID, progress int) {
		if progress == CheckpointStarted {
			close(started)
		}
	}
	src.tasks <- task

	<-started
	close(cancelCh)

	r := src.await(t)
	assert.Equal(t, OutcomeCancelled, r.Outcome)
	assert.Nil(t, r.JobResult)
	assert.NoError(t, r.Err)
	assert.Equal(t, []int{CheckpointStarted}, src.checkpoints("run-c"), "no checkpoint after cancellation")
}

func TestCancelObservedAtCheckpoint(t *testing.T) {
	_, src := startPool(t, 1, Config{})

	task, _ := newTask("run-cp", algorithm.ForwardScheduling)
	src.cancelAt["run-cp"] = CheckpointAlgorithm
	src.tasks <- task

	r := src.await(t)
	assert.Equal(t, OutcomeCancelled, r.Outcome)
	assert.Nil(t, r.JobResult, "no result is built once cancellation is seen")
	assert.Equal(t, []int{CheckpointStarted}, src.checkpoints("run-cp"))
}

func TestCancelledBeforeStart(t *testing.T) {
	_, src := startPool(t, 1, Config{})

	task, cancelCh := newTask("run-pre", algorithm.ForwardScheduling)
	close(cancelCh)
	src.tasks <- task

	r := src.await(t)
	assert.Equal(t, OutcomeCancelled, r.Outcome)
	assert.Empty(t, src.checkpoints("run-pre"))
}

// ============================================================================
// Concurrency & Shutdown Tests
// ============================================================================

func TestConcurrencyBoundedByPoolSize(t *testing.T) {
	const size = 3
	src := newFakeSource()
	reg := algorithm.NewRegistry()

	var current, peak atomic.Int64
	release := make(chan struct{})
	require.NoError(t, reg.Register("gate", func(ctx context.Context, _ types.ScheduleData) (types.Metrics, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer current.Add(-1)
		select {
		case <-release:
			return types.Metrics{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	pool := NewPool(reg, Config{})
	require.NoError(t, pool.Start(size, src))

	for i := 0; i < 8; i++ {
		task, _ := newTask(fmt.Sprintf("run-%d", i), "gate")
		src.tasks <- task
	}

	require.Eventually(t, func() bool { return pool.Busy() == size }, 2*time.Second, 5*time.Millisecond)
	close(release)

	for i := 0; i < 8; i++ {
		assert.Equal(t, OutcomeCompleted, src.await(t).Outcome)
	}
	assert.Equal(t, int64(size), peak.Load())
	require.NoError(t, pool.Stop(context.Background()))
	assert.Equal(t, 0, pool.Busy())
}

func TestGracefulShutdown(t *testing.T) {
	src := newFakeSource()
	reg := algorithm.NewRegistry()
	release := make(chan struct{})
	require.NoError(t, reg.Register("slow", func(ctx context.Context, _ types.ScheduleData) (types.Metrics, error) {
		select {
		case <-release:
			return types.Metrics{"ok": 1}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	pool := NewPool(reg, Config{})
	require.NoError(t, pool.Start(1, src))

	task, _ := newTask("run-g", "slow")
	src.tasks <- task
	require.Eventually(t, func() bool { return pool.Busy() == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- pool.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
	assert.Equal(t, OutcomeCompleted, src.await(t).Outcome)
}

func TestShutdownDeadlineInterruptsJobs(t *testing.T) {
	pool, src := startPool(t, 1, Config{})

	task, _ := newTask("run-i", "blocks")
	src.tasks <- task
	require.Eventually(t, func() bool { return pool.Busy() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := pool.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	r := src.await(t)
	assert.Equal(t, OutcomeFailed, r.Outcome)
	assert.ErrorIs(t, r.Err, errInterrupted)
}
