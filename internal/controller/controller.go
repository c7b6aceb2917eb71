// ============================================================================
// Schedule Optimizer 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 接收優化請求、協調 Worker Pool 執行、回報狀態與結果
//
// 架構設計:
//   這是整個服務的"大腦"，負責協調以下組件：
//   - Validator: 提交前的驗證與清理
//   - JobManager: 任務登記表（queued/running/completed/cancelled/failed）
//   - Worker Pool: 固定大小的執行器，透過 JobSource 介面向 Controller 拉取任務
//   - Cache Layer: 保存已完成的結果，並在新結果產生時失效舊的排程查詢
//   - Metrics: Prometheus 指標
//
// 任務流程:
//   SubmitJob ──→ Validate ──→ Sanitize ──→ Enqueue ──→ 立即回傳 runId
//       Poll ──→ PopPending ──→ MarkRunning ──→ Worker 執行
//       Checkpoint(25/50/75) ──→ UpdateProgress（已取消則回報 ErrCancelled）
//       Acknowledge ──→ MarkCompleted / MarkFailed ──→ 寫入快取
//
// 背景循環:
//   Maintenance Loop - 定期更新佇列與快取指標，並依保留期限清理終止任務
//
// 並發安全:
//   - JobManager 內部以單一互斥鎖保護所有狀態變更
//   - stopCh channel 用於優雅關閉背景循環
//   - sync.WaitGroup 確保所有 goroutine 正確退出
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/sched-optimizer/internal/cache"
	"github.com/ChuLiYu/sched-optimizer/internal/jobmanager"
	"github.com/ChuLiYu/sched-optimizer/internal/metrics"
	"github.com/ChuLiYu/sched-optimizer/internal/validation"
	"github.com/ChuLiYu/sched-optimizer/internal/worker"
	"github.com/ChuLiYu/sched-optimizer/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrStopped 表示 Controller 已停止，不再接受新任務
	ErrStopped = errors.New("controller is stopped")
	// ErrResultNotAvailable 表示任務存在但尚未（或不會）產生結果
	ErrResultNotAvailable = errors.New("result not available")
)

// Cache key prefixes under cache.QueryPrefix.
const (
	resultKeyPrefix   = "optimization:"
	scheduleKeyPrefix = "schedule:"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	WorkerCount         int           // Worker 數量
	MaxJobDuration      time.Duration // 單一任務最長執行時間，0 代表不限制
	Retention           time.Duration // 終止任務保留時間，0 代表永久保留
	ResultTTL           time.Duration // 結果在快取中的存活時間
	MaintenanceInterval time.Duration // 維護循環間隔
}

// Controller 核心控制器
type Controller struct {
	jobManager *jobmanager.JobManager // 任務登記表
	validator  *validation.Validator  // 請求驗證
	algorithms worker.Resolver        // 演算法查找
	pool       *worker.Pool           // Worker Pool
	cache      *cache.Layer           // 結果快取（可為 nil）
	metrics    *metrics.Collector     // 指標（可為 nil）
	config     Config                 // 配置
	log        *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}  // 停止訊號
	loopWg  sync.WaitGroup // 等待背景循環退出
}

// Option 設定 Controller 的可選依賴
type Option func(*Controller)

// WithJobManager 使用指定的登記表
func WithJobManager(jm *jobmanager.JobManager) Option {
	return func(c *Controller) { c.jobManager = jm }
}

// WithValidator 使用指定的驗證器
func WithValidator(v *validation.Validator) Option {
	return func(c *Controller) { c.validator = v }
}

// WithCache 啟用結果快取
func WithCache(layer *cache.Layer) Option {
	return func(c *Controller) { c.cache = layer }
}

// WithMetrics 啟用 Prometheus 指標
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger 設定日誌
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithClock 設定時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置，零值欄位使用預設值
//   - algorithms: 演算法登記表
//   - opts: 可選依賴
//
// 使用範例：
//
//	ctrl := controller.NewController(cfg, algorithm.Builtin(0),
//	    controller.WithCache(layer), controller.WithMetrics(collector))
//	ctrl.Start()
//	defer ctrl.Stop(ctx)
func NewController(config Config, algorithms worker.Resolver, opts ...Option) *Controller {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 4
	}
	if config.MaintenanceInterval <= 0 {
		config.MaintenanceInterval = 5 * time.Second
	}
	if config.ResultTTL <= 0 {
		config.ResultTTL = time.Hour
	}

	c := &Controller{
		algorithms: algorithms,
		config:     config,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default().With("component", "controller")
	}
	if c.jobManager == nil {
		c.jobManager = jobmanager.NewJobManager(jobmanager.WithClock(c.now))
	}
	if c.validator == nil {
		c.validator = validation.New(validation.Config{})
	}

	c.pool = worker.NewPool(algorithms, worker.Config{
		MaxDuration: config.MaxJobDuration,
		Logger:      c.log.With("component", "worker"),
	})
	return c
}

// Start 啟動 Worker Pool 與維護循環
//
// 返回值：
//   - error: 已停止回傳 ErrStopped；Pool 啟動失敗的錯誤
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return nil
	}

	if err := c.pool.Start(c.config.WorkerCount, c); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	c.loopWg.Add(1)
	go c.maintenanceLoop()

	c.started = true
	c.log.Info("Controller started",
		"workers", c.config.WorkerCount,
		"max_job_duration", c.config.MaxJobDuration,
		"retention", c.config.Retention)
	return nil
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. 拒絕新提交，通知背景循環停止
//  2. pool.Stop(ctx) - 停止拉取並等待執行中任務；ctx 到期時中斷它們（記為失敗）
//  3. loopWg.Wait() - 等待維護循環退出
//
// 返回值：
//   - error: ctx 到期時回傳 ctx.Err()
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.log.Info("Controller already stopped")
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.log.Info("Stopping controller...")
	close(c.stopCh)

	err := c.pool.Stop(ctx)
	c.loopWg.Wait()

	c.log.Info("Controller stopped", "error", err)
	return err
}

// ============================================================================
// 公開方法
// ============================================================================

// SubmitJob 驗證並排隊一個優化請求，不等待執行
//
// 返回值：
//   - types.SubmitResponse: runId、status=queued、submittedAt
//   - error: *validation.Error（驗證失敗，不建立任務）或 ErrStopped
func (c *Controller) SubmitJob(ctx context.Context, req types.JobRequest) (types.SubmitResponse, error) {
	if err := c.validator.Validate(req); err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			c.metrics.RecordValidationFailure(verr.Rule)
		}
		return types.SubmitResponse{}, err
	}

	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return types.SubmitResponse{}, ErrStopped
	}

	clean := validation.SanitizeRequest(req)
	job := types.Job{
		RunID:       types.RunID(uuid.NewString()),
		AlgorithmID: clean.AlgorithmID,
		Request:     clean,
		Priority:    clean.Priority,
		SubmittedAt: c.now(),
	}
	if err := c.jobManager.Enqueue(job); err != nil {
		return types.SubmitResponse{}, fmt.Errorf("failed to enqueue job: %w", err)
	}
	c.metrics.RecordSubmitted(job.AlgorithmID)

	c.log.Debug("Job submitted",
		"run_id", job.RunID,
		"algorithm", job.AlgorithmID,
		"priority", job.Priority,
		"events", len(job.Request.EventIDs()))

	return types.SubmitResponse{
		RunID:       job.RunID,
		Status:      types.StatusQueued,
		SubmittedAt: job.SubmittedAt,
	}, nil
}

// GetJobStatus 返回任務快照
func (c *Controller) GetJobStatus(runID types.RunID) (types.Job, error) {
	return c.jobManager.Get(runID)
}

// CancelJob 取消排隊中或執行中的任務
//
// 返回值：
//   - bool: 任務因此次呼叫轉為 cancelled 時為 true；已終止的任務為 false
//   - error: 任務不存在時為 jobmanager.ErrJobNotFound
func (c *Controller) CancelJob(runID types.RunID) (bool, error) {
	cancelled, err := c.jobManager.Cancel(runID)
	if err != nil || !cancelled {
		return cancelled, err
	}

	// Running jobs are counted when their worker acknowledges the cancellation.
	if job, err := c.jobManager.Get(runID); err == nil && job.StartedAt == nil {
		c.metrics.RecordFinished(string(types.StatusCancelled), -1)
	}
	c.log.Info("Job cancelled", "run_id", runID)
	return true, nil
}

// ListJobs 依篩選條件返回任務快照，按提交順序排列
func (c *Controller) ListJobs(filter types.JobFilter) []types.Job {
	return c.jobManager.List(filter)
}

// GetStats 返回任務統計
func (c *Controller) GetStats() types.JobStats {
	return c.jobManager.Stats()
}

// GetResult 返回已完成任務的結果
//
// 先查詢快取（任務被保留期限清理後仍可取得），再查詢登記表。
//
// 返回值：
//   - error: jobmanager.ErrJobNotFound 或 ErrResultNotAvailable（任務尚未完成或未成功）
func (c *Controller) GetResult(ctx context.Context, runID types.RunID) (*types.JobResult, error) {
	if c.cache != nil {
		var cached types.JobResult
		found, err := c.cache.GetCachedQuery(ctx, resultKey(runID), &cached)
		if err != nil {
			c.log.Warn("Cached result unreadable", "run_id", runID, "error", err)
		} else if found {
			return &cached, nil
		}
	}

	job, err := c.jobManager.Get(runID)
	if err != nil {
		return nil, err
	}
	if job.Status != types.StatusCompleted || job.Result == nil {
		return nil, fmt.Errorf("%w: job %s is %s", ErrResultNotAvailable, runID, job.Status)
	}
	return job.Result, nil
}

// Algorithms 返回可用的演算法 ID（登記表支援列舉時）
func (c *Controller) Algorithms() []string {
	if lister, ok := c.algorithms.(interface{ IDs() []string }); ok {
		return lister.IDs()
	}
	return nil
}

// PoolStats 返回 Worker 數量與忙碌中的 Worker 數量
func (c *Controller) PoolStats() (size, busy int) {
	return c.pool.Size(), c.pool.Busy()
}

// ============================================================================
// 背景循環
// ============================================================================

// maintenanceLoop 定期更新指標並清理過期的終止任務
func (c *Controller) maintenanceLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Info("Maintenance loop stopped")
			return
		case <-ticker.C:
			c.maintain()
		}
	}
}

func (c *Controller) maintain() {
	stats := c.jobManager.Stats()
	c.metrics.UpdateQueueStats(stats.QueueDepth, stats.Running)

	if c.config.Retention > 0 {
		if n := c.jobManager.PruneTerminal(c.now().Add(-c.config.Retention)); n > 0 {
			c.log.Info("Pruned terminal jobs", "count", n, "retention", c.config.Retention)
		}
	}

	if c.cache != nil {
		m := c.cache.GetMetrics(context.Background())
		c.metrics.SetCacheState(m.Mode == cache.ModeFallback, m.Keys)
	}
}

// persistResult 將結果寫入快取，並使舊的排程查詢失效
func (c *Controller) persistResult(ctx context.Context, runID types.RunID, result *types.JobResult) {
	if c.cache == nil || result == nil {
		return
	}
	if err := c.cache.CacheQueryResult(ctx, resultKey(runID), result, c.config.ResultTTL); err != nil {
		c.log.Warn("Failed to cache result", "run_id", runID, "error", err)
	}
	if n := c.cache.InvalidateCache(ctx, cache.QueryPrefix+scheduleKeyPrefix); n > 0 {
		c.log.Debug("Invalidated schedule queries", "count", n)
	}
}

func resultKey(runID types.RunID) string {
	return resultKeyPrefix + string(runID)
}
