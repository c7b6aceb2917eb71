// ============================================================================
// Worker Pool - 固定大小的並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理 N 個 Worker goroutine 的生命週期
//
// 設計模式:
//   採用 Worker Pool 模式：
//   1. 固定數量的 Worker goroutine 持續運行，這是唯一的並行邊界
//   2. 每個 Worker 從 JobSource 拉取任務（Poll），不需要分派 channel
//   3. 結果透過 JobSource.Acknowledge 回報
//
// 架構組件:
//   ┌─────────────┐   Poll / Checkpoint / Acknowledge
//   │ JobSource   │ ←──────────────────────────────┐
//   └─────────────┘                                │
//   ┌─────────────────────────────────────┐        │
//   │   Pool                              │        │
//   │   Worker 1 ─────────────────────────┼────────┤
//   │   Worker 2 ─────────────────────────┼────────┤
//   │   Worker N ─────────────────────────┼────────┘
//   └─────────────────────────────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool
//   2. Start(n, source) - 啟動 n 個 Worker
//   3. Stop(ctx) - 停止拉取新任務，等待執行中任務；ctx 到期時中斷它們
//
// 錯誤處理:
//   - ErrPoolClosed: Pool 已關閉
//   - 任務超時由 Worker 內部的 Context 處理
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted 表示 Pool 已經啟動過
	ErrPoolStarted = errors.New("worker pool already started")
)

const tracerName = "github.com/ChuLiYu/sched-optimizer/internal/worker"

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Pool 設定
type Config struct {
	MaxDuration time.Duration // 單一任務最長執行時間，0 代表不限制
	Logger      *slog.Logger
	Tracer      trace.Tracer // nil 時使用全域 TracerProvider
}

// Pool 代表 Worker 池
type Pool struct {
	algorithms Resolver
	cfg        Config

	mu      sync.Mutex
	workers []*Worker
	started bool
	stopped bool

	pollCancel context.CancelFunc // 停止拉取新任務
	jobCancel  context.CancelFunc // 中斷執行中任務
	wg         sync.WaitGroup
	busy       atomic.Int64
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - algorithms: 演算法查找
//   - cfg: 超時、日誌與追蹤設定
func NewPool(algorithms Resolver, cfg Config) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	return &Pool{algorithms: algorithms, cfg: cfg}
}

// Start 啟動指定數量的 Worker
//
// 返回值：
//   - error: Pool 已啟動回傳 ErrPoolStarted；已停止回傳 ErrPoolClosed
func (p *Pool) Start(workerCount int, source JobSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	pollCtx, pollCancel := context.WithCancel(context.Background())
	jobCtx, jobCancel := context.WithCancel(context.Background())
	p.pollCancel = pollCancel
	p.jobCancel = jobCancel

	for i := 0; i < workerCount; i++ {
		w := &Worker{
			id:          i,
			source:      source,
			algorithms:  p.algorithms,
			maxDuration: p.cfg.MaxDuration,
			log:         p.cfg.Logger,
			tracer:      p.cfg.Tracer,
			onBusy:      func(delta int) { p.busy.Add(int64(delta)) },
		}
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(pollCtx, jobCtx)
		}()
	}

	p.started = true
	p.cfg.Logger.Info("Worker pool started", "workers", workerCount, "max_duration", p.cfg.MaxDuration)
	return nil
}

// Stop 優雅地關閉 Worker Pool
//
// 關閉流程：
//  1. 停止拉取新任務
//  2. 等待執行中任務完成
//  3. ctx 到期時中斷執行中任務（回報為失敗），並等待 Worker 退出
//
// 返回值：
//   - error: ctx 到期時回傳 ctx.Err()
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.pollCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.jobCancel()
		return nil
	case <-ctx.Done():
		p.cfg.Logger.Warn("Worker pool stop deadline reached, interrupting jobs", "busy", p.Busy())
		p.jobCancel()
		<-done
		return ctx.Err()
	}
}

// Size 返回 Worker 數量
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Busy 返回正在執行任務的 Worker 數量
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
