// ============================================================================
// 任務登記表 - 優化任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理優化任務的完整生命週期和狀態轉換
//
// 設計理念:
//   1. jobs map - 統一的任務存儲，作為單一真實來源 (Single Source of Truth)
//   2. queue heap - 待處理任務的優先佇列 (priority desc, submittedAt asc)
//   3. cancel channels - 每個執行中任務一個取消訊號，Cancel 時關閉
//
// 任務狀態轉換 (State Machine):
//   Queued (已排隊)
//      ├─ PopPending() + MarkRunning() ──→ Running (執行中)
//      │                                    ├─ MarkCompleted() ──→ Completed
//      │                                    ├─ MarkFailed()    ──→ Failed
//      │                                    └─ Cancel()        ──→ Cancelled
//      └─ Cancel() ──→ Cancelled
//
//   終止狀態 (Completed / Cancelled / Failed) 不可再變更。
//
// 並發安全:
//   - 所有變更在同一把 sync.RWMutex 下完成，單一任務同時只有一個寫入者
//   - 所有讀取回傳深拷貝快照，呼叫端永遠看不到修改到一半的任務
//
// 實例化:
//   登記表由呼叫端明確建立並傳入，沒有全域單例，測試之間互相隔離。
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/sched-optimizer/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務不在執行中狀態（通常代表已被取消）
	ErrNotRunning = errors.New("job not running")
	// 任務不在排隊狀態
	ErrNotQueued = errors.New("job not queued")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// JobManager 任務登記表
type JobManager struct {
	mu      sync.RWMutex
	jobs    map[types.RunID]*types.Job    // 所有任務，透過 Status 欄位區分狀態
	items   map[types.RunID]*queueItem    // 排隊中任務在 heap 中的位置
	cancels map[types.RunID]chan struct{} // 執行中任務的取消訊號
	queue   jobQueue                      // 待處理優先佇列
	seq     uint64                        // 提交序號
	order   map[types.RunID]uint64        // runId → 提交序號，List 排序用
	ready   chan struct{}                 // 有新任務可取時發出訊號
	now     func() time.Time
}

// Option configures a JobManager.
type Option func(*JobManager)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(jm *JobManager) { jm.now = now }
}

// NewJobManager 建立新的任務登記表
//
// 使用範例：
//
//	jm := jobmanager.NewJobManager()
//	err := jm.Enqueue(types.Job{RunID: "r-1", AlgorithmID: "critical-path"})
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager(opts ...Option) *JobManager {
	jm := &JobManager{
		jobs:    make(map[types.RunID]*types.Job),
		items:   make(map[types.RunID]*queueItem),
		cancels: make(map[types.RunID]chan struct{}),
		order:   make(map[types.RunID]uint64),
		ready:   make(chan struct{}, 1),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(jm)
	}
	return jm
}

// ============================================================================
// 狀態轉換
// ============================================================================

// Enqueue 將新任務加入登記表，設定為排隊狀態
//
// 參數說明：
//   - job: 要加入的任務，必須包含唯一 RunID；SubmittedAt 為零值時使用目前時間
//
// 返回值：
//   - error: 如果任務 ID 重複則回傳 ErrDuplicateJob
//
// 併發安全：使用互斥鎖保護
func (jm *JobManager) Enqueue(job types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.RunID]; exists {
		return ErrDuplicateJob
	}

	stored := job.Clone()
	stored.Status = types.StatusQueued
	stored.Progress = 0
	stored.StartedAt = nil
	stored.CompletedAt = nil
	stored.Result = nil
	stored.Error = ""
	if stored.SubmittedAt.IsZero() {
		stored.SubmittedAt = jm.now()
	}

	jm.seq++
	item := &queueItem{
		runID:       stored.RunID,
		priority:    stored.Priority,
		submittedAt: stored.SubmittedAt,
		seq:         jm.seq,
	}
	jm.jobs[stored.RunID] = &stored
	jm.items[stored.RunID] = item
	jm.order[stored.RunID] = jm.seq
	jm.queue.push(item)

	// Non-blocking: one pending signal is enough to wake a poller.
	select {
	case jm.ready <- struct{}{}:
	default:
	}
	return nil
}

// PopPending 取出優先順序最高的排隊任務，但不改變其狀態
//
// 返回值：
//   - types.Job: 任務快照
//   - bool: 佇列為空時為 false
//
// 取出後需要呼叫 MarkRunning 才會轉為執行中；在這之間被取消的任務，
// MarkRunning 會回傳 ErrNotQueued。
func (jm *JobManager) PopPending() (types.Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	item := jm.queue.pop()
	if item == nil {
		return types.Job{}, false
	}
	delete(jm.items, item.runID)

	job := jm.jobs[item.runID]
	if jm.queue.Len() > 0 {
		select {
		case jm.ready <- struct{}{}:
		default:
		}
	}
	return job.Clone(), true
}

// MarkRunning 將任務轉為執行中，設定 startedAt 並建立取消訊號
//
// 返回值：
//   - <-chan struct{}: Cancel 時關閉
//   - error: ErrJobNotFound 或 ErrNotQueued
func (jm *JobManager) MarkRunning(runID types.RunID) (<-chan struct{}, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[runID]
	if !exists {
		return nil, ErrJobNotFound
	}
	if job.Status != types.StatusQueued {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotQueued, runID, job.Status)
	}

	// A job marked running without PopPending must leave the queue too.
	if item, ok := jm.items[runID]; ok {
		jm.queue.remove(item)
		delete(jm.items, runID)
	}

	now := jm.now()
	job.Status = types.StatusRunning
	job.StartedAt = &now
	job.Progress = 0

	ch := make(chan struct{})
	jm.cancels[runID] = ch
	return ch, nil
}

// UpdateProgress 在檢查點更新進度
//
// 進度只增不減；較小的值會被忽略。任務不在執行中時回傳 ErrNotRunning，
// worker 以此得知任務已被取消。
func (jm *JobManager) UpdateProgress(runID types.RunID, progress int) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[runID]
	if !exists {
		return ErrJobNotFound
	}
	if job.Status != types.StatusRunning {
		return ErrNotRunning
	}
	if progress > 100 {
		progress = 100
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	return nil
}

// MarkCompleted 將任務標記為已完成，progress 設為 100，保存結果
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrNotRunning: 任務不在執行中（例如已被取消），結果會被丟棄
func (jm *JobManager) MarkCompleted(runID types.RunID, result types.JobResult) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[runID]
	if !exists {
		return ErrJobNotFound
	}
	if job.Status != types.StatusRunning {
		return ErrNotRunning
	}

	now := jm.now()
	job.Status = types.StatusCompleted
	job.Progress = 100
	job.CompletedAt = &now
	job.Result = result.Clone()
	delete(jm.cancels, runID)
	return nil
}

// MarkFailed 將執行中任務標記為失敗
func (jm *JobManager) MarkFailed(runID types.RunID, message string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[runID]
	if !exists {
		return ErrJobNotFound
	}
	if job.Status != types.StatusRunning {
		return ErrNotRunning
	}
	if message == "" {
		message = "job failed"
	}

	now := jm.now()
	job.Status = types.StatusFailed
	job.CompletedAt = &now
	job.Error = message
	job.Result = nil
	delete(jm.cancels, runID)
	return nil
}

// Cancel 取消排隊中或執行中的任務
//
// 返回值：
//   - bool: 只有從 Queued / Running 轉為 Cancelled 時為 true；終止狀態的任務回傳 false 且不變更
//   - error: 任務不存在時為 ErrJobNotFound
//
// 執行中任務的取消訊號會被關閉，worker 在下一個檢查點停止。
func (jm *JobManager) Cancel(runID types.RunID) (bool, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[runID]
	if !exists {
		return false, ErrJobNotFound
	}

	switch job.Status {
	case types.StatusQueued:
		if item, ok := jm.items[runID]; ok {
			jm.queue.remove(item)
			delete(jm.items, runID)
		}
	case types.StatusRunning:
		if ch, ok := jm.cancels[runID]; ok {
			close(ch)
			delete(jm.cancels, runID)
		}
	default:
		return false, nil
	}

	now := jm.now()
	job.Status = types.StatusCancelled
	job.Progress = 0
	job.Result = nil
	job.CompletedAt = &now
	return true, nil
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得任務快照
//
// 併發安全：使用讀鎖保護；回傳值為深拷貝
func (jm *JobManager) Get(runID types.RunID) (types.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[runID]
	if !exists {
		return types.Job{}, ErrJobNotFound
	}
	return job.Clone(), nil
}

// List 回傳符合條件的任務快照，依提交順序排列
func (jm *JobManager) List(filter types.JobFilter) []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		if filter.Match(job) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return jm.order[out[i].RunID] < jm.order[out[j].RunID]
	})
	return out
}

// Stats 取得統計資訊
//
// successRate = completed / (completed + failed)，沒有樣本時為 0。
// avgDurationMs 為已完成任務 startedAt 到 completedAt 的平均值。
func (jm *JobManager) Stats() types.JobStats {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := types.JobStats{
		Total:      len(jm.jobs),
		ByStatus:   make(map[types.JobStatus]int, len(types.AllStatuses)),
		QueueDepth: jm.queue.Len(),
	}
	for _, s := range types.AllStatuses {
		stats.ByStatus[s] = 0
	}

	var totalDuration time.Duration
	for _, job := range jm.jobs {
		stats.ByStatus[job.Status]++
		if job.Status == types.StatusCompleted {
			totalDuration += job.Duration()
		}
	}

	completed := stats.ByStatus[types.StatusCompleted]
	failed := stats.ByStatus[types.StatusFailed]
	stats.Running = stats.ByStatus[types.StatusRunning]
	if completed+failed > 0 {
		stats.SuccessRate = float64(completed) / float64(completed+failed)
	}
	if completed > 0 {
		stats.AvgDurationMs = float64(totalDuration.Milliseconds()) / float64(completed)
	}
	return stats
}

// QueueDepth 排隊中任務數量
func (jm *JobManager) QueueDepth() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.queue.Len()
}

// Ready returns a channel that receives a value when queued work may be available.
func (jm *JobManager) Ready() <-chan struct{} {
	return jm.ready
}

// PruneTerminal 移除在 before 之前結束的終止狀態任務，回傳移除數量
//
// 用於選用的保留期限政策；排隊與執行中任務永遠不會被移除。
func (jm *JobManager) PruneTerminal(before time.Time) int {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	removed := 0
	for id, job := range jm.jobs {
		if !job.Status.IsTerminal() || job.CompletedAt == nil || !job.CompletedAt.Before(before) {
			continue
		}
		delete(jm.jobs, id)
		delete(jm.order, id)
		removed++
	}
	return removed
}
