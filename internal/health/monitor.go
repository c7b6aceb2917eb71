// ============================================================================
// Health Monitor - 系統健康狀態彙總
// ============================================================================
//
// Package: internal/health
// 文件: monitor.go
// 功能: 從任務登記表、快取層、限流器與連線防護讀取彙總狀態，計算健康分數
//
// 評分方式:
//   從 100 分開始，每個觸發的條件扣分（預設值，皆可設定）：
//   - 成功率低於 0.8（至少 5 個樣本）        -30
//   - 佇列深度超過 100                        -20
//   - 快取處於 fallback 模式                  -20
//   - 快取延遲超過 100ms                      -10
//   - 被封鎖的客戶端超過 10 個                -10
//   - 存在被標記為可疑的連線來源              -10
//
//   score >= 80 → healthy；score >= 50 → degraded；否則 unhealthy
//
// Monitor 只讀取狀態，不修改任何組件。
//
// ============================================================================

package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/sched-optimizer/internal/cache"
	"github.com/ChuLiYu/sched-optimizer/internal/connguard"
	"github.com/ChuLiYu/sched-optimizer/internal/ratelimit"
	"github.com/ChuLiYu/sched-optimizer/pkg/types"
)

// Status 健康狀態
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ============================================================================
// 資料來源介面
// ============================================================================

// JobStats provides registry aggregates.
type JobStats interface {
	GetStats() types.JobStats
}

// CacheHealth provides cache mode and latency without changing cache state.
type CacheHealth interface {
	Probe(ctx context.Context) cache.Health
}

// RateLimitStats provides limiter aggregates.
type RateLimitStats interface {
	Stats() ratelimit.Stats
}

// ConnectionStats provides connection guard aggregates.
type ConnectionStats interface {
	Stats() connguard.Stats
}

// Sources 監控的資料來源；nil 欄位會被略過
type Sources struct {
	Jobs        JobStats
	Cache       CacheHealth
	RateLimit   RateLimitStats
	Connections ConnectionStats
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Thresholds 扣分門檻
type Thresholds struct {
	MinSuccessRate    float64       `yaml:"min_success_rate"`
	MinSamples        int           `yaml:"min_samples"`
	MaxQueueDepth     int           `yaml:"max_queue_depth"`
	MaxCacheLatency   time.Duration `yaml:"max_cache_latency"`
	MaxBlockedClients int           `yaml:"max_blocked_clients"`
}

// DefaultThresholds 返回預設門檻
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSuccessRate:    0.8,
		MinSamples:        5,
		MaxQueueDepth:     100,
		MaxCacheLatency:   100 * time.Millisecond,
		MaxBlockedClients: 10,
	}
}

// Penalties applied per failed check.
const (
	penaltySuccessRate  = 30
	penaltyQueueDepth   = 20
	penaltyCacheMode    = 20
	penaltyCacheLatency = 10
	penaltyBlocked      = 10
	penaltyFlagged      = 10
)

// Components 各組件的原始讀數
type Components struct {
	Jobs        *types.JobStats  `json:"jobs,omitempty"`
	Cache       *cache.Health    `json:"cache,omitempty"`
	RateLimit   *ratelimit.Stats `json:"rateLimit,omitempty"`
	Connections *connguard.Stats `json:"connections,omitempty"`
}

// Report 一次健康檢查的結果
type Report struct {
	Status     Status     `json:"status"`
	Score      int        `json:"score"`
	Issues     []string   `json:"issues"`
	Timestamp  time.Time  `json:"timestamp"`
	Components Components `json:"components"`
}

// Monitor 健康監控器，可安全並發使用
type Monitor struct {
	sources    Sources
	thresholds Thresholds
	log        *slog.Logger
	now        func() time.Time

	mu   sync.RWMutex
	last Report

	// OnReport, when set, receives every report produced by Run.
	OnReport func(Report)
}

// NewMonitor 建立健康監控器
func NewMonitor(sources Sources, thresholds Thresholds, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		sources:    sources,
		thresholds: thresholds,
		log:        log,
		now:        time.Now,
	}
}

// Check 讀取所有來源並計算報告
func (m *Monitor) Check(ctx context.Context) Report {
	r := Report{Score: 100, Issues: []string{}, Timestamp: m.now()}
	th := m.thresholds

	penalize := func(points int, format string, args ...any) {
		r.Score -= points
		r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
	}

	if m.sources.Jobs != nil {
		stats := m.sources.Jobs.GetStats()
		r.Components.Jobs = &stats

		samples := stats.ByStatus[types.StatusCompleted] + stats.ByStatus[types.StatusFailed]
		if samples >= th.MinSamples && stats.SuccessRate < th.MinSuccessRate {
			penalize(penaltySuccessRate, "success rate %.2f below %.2f", stats.SuccessRate, th.MinSuccessRate)
		}
		if th.MaxQueueDepth > 0 && stats.QueueDepth > th.MaxQueueDepth {
			penalize(penaltyQueueDepth, "queue depth %d above %d", stats.QueueDepth, th.MaxQueueDepth)
		}
	}

	if m.sources.Cache != nil {
		h := m.sources.Cache.Probe(ctx)
		r.Components.Cache = &h

		if h.Mode == cache.ModeFallback {
			penalize(penaltyCacheMode, "cache running in fallback mode")
		}
		latency := time.Duration(h.LatencyMs * float64(time.Millisecond))
		if th.MaxCacheLatency > 0 && latency > th.MaxCacheLatency {
			penalize(penaltyCacheLatency, "cache latency %.1fms above %s", h.LatencyMs, th.MaxCacheLatency)
		}
	}

	if m.sources.RateLimit != nil {
		stats := m.sources.RateLimit.Stats()
		r.Components.RateLimit = &stats

		if stats.Blocked > th.MaxBlockedClients {
			penalize(penaltyBlocked, "%d clients rate limited", stats.Blocked)
		}
	}

	if m.sources.Connections != nil {
		stats := m.sources.Connections.Stats()
		r.Components.Connections = &stats

		if n := len(stats.Flagged); n > 0 {
			penalize(penaltyFlagged, "%d suspicious connection sources", n)
		}
	}

	if r.Score < 0 {
		r.Score = 0
	}
	r.Status = statusFor(r.Score)

	m.mu.Lock()
	m.last = r
	m.mu.Unlock()
	return r
}

func statusFor(score int) Status {
	switch {
	case score >= 80:
		return StatusHealthy
	case score >= 50:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// Last 返回最近一次報告；尚未檢查時 ok 為 false
func (m *Monitor) Last() (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, !m.last.Timestamp.IsZero()
}

// Run 每 interval 執行一次 Check，直到 ctx 結束
//
// 狀態改變時記錄日誌；每份報告都會交給 OnReport。
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev Status
	publish := func() {
		r := m.Check(ctx)
		if r.Status != prev {
			level := slog.LevelInfo
			if r.Status != StatusHealthy {
				level = slog.LevelWarn
			}
			m.log.Log(ctx, level, "Health status changed",
				"from", prev, "to", r.Status, "score", r.Score, "issues", r.Issues)
			prev = r.Status
		}
		if m.OnReport != nil {
			m.OnReport(r)
		}
	}

	publish()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}
