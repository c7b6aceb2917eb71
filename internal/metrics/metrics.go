// ============================================================================
// Schedule Optimizer Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露服務運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - sched_jobs_submitted_total{algorithm}: 已接受的提交
//      - sched_jobs_finished_total{outcome}: completed / failed / cancelled
//      - sched_validation_failures_total{rule}: 驗證拒絕
//
//   2. 性能指標 (Histogram)：
//      - sched_job_duration_seconds{outcome}: 任務實際執行時間（startedAt → completedAt）
//
//   3. 狀態指標 (Gauge)：
//      - sched_jobs_queued / sched_jobs_running: 由維護循環定期更新
//      - sched_cache_fallback: 1 代表快取處於 fallback 模式
//      - sched_cache_keys: 目前模式下的快取鍵數量
//      - sched_health_score: 最近一次健康檢查分數 (0-100)
//
//   4. 防護指標 (Counter)：
//      - sched_ratelimit_rejections_total{class}
//      - sched_connection_rejections_total{reason}
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   rate(sched_jobs_finished_total{outcome="failed"}[5m])
//     / rate(sched_jobs_finished_total[5m])
//
//   # 95 分位執行時間
//   histogram_quantile(0.95, sum by (le) (rate(sched_job_duration_seconds_bucket[5m])))
//
// 併發安全:
//   Prometheus 的 Counter/Gauge/Histogram 本身是原子操作。
//   所有 Record* 方法允許 nil 接收者，未啟用指標時呼叫端不需判斷。
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sched"

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	// 任務相關指標
	jobsSubmitted      *prometheus.CounterVec
	jobsFinished       *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec

	// 狀態指標
	jobsQueued  prometheus.Gauge
	jobsRunning prometheus.Gauge
	cacheMode   prometheus.Gauge
	cacheKeys   prometheus.Gauge
	healthScore prometheus.Gauge

	// 防護指標
	rateLimitRejections *prometheus.CounterVec
	connRejections      *prometheus.CounterVec
}

// NewCollector 在獨立的 Registry 上建立指標收集器
//
// 每個 Collector 擁有自己的 Registry，測試中可以重複建立而不會重複註冊。
// Registry 同時包含 Go runtime 與 process 指標。
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		jobsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of optimization jobs accepted",
		}, []string{"algorithm"}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal state",
		}, []string{"outcome"}),
		validationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failures_total",
			Help:      "Total number of submissions rejected by validation",
		}, []string{"rule"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job execution time from start to terminal state",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 600},
		}, []string{"outcome"}),
		jobsQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_queued",
			Help:      "Current number of queued jobs",
		}),
		jobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Current number of running jobs",
		}),
		cacheMode: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_fallback",
			Help:      "1 when the cache is serving from the fallback store",
		}),
		cacheKeys: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_keys",
			Help:      "Number of live keys in the active cache store",
		}),
		healthScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_score",
			Help:      "Most recent health score (0-100)",
		}),
		rateLimitRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejections_total",
			Help:      "Requests rejected by the rate limiter",
		}, []string{"class"}),
		connRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_rejections_total",
			Help:      "Connections closed by the connection guard",
		}, []string{"reason"}),
	}
}

// Registry 返回底層 Registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler 返回 Prometheus 文本格式的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordSubmitted 記錄任務被接受
func (c *Collector) RecordSubmitted(algorithmID string) {
	if c == nil {
		return
	}
	c.jobsSubmitted.WithLabelValues(algorithmID).Inc()
}

// RecordValidationFailure 記錄驗證拒絕
func (c *Collector) RecordValidationFailure(rule string) {
	if c == nil {
		return
	}
	c.validationFailures.WithLabelValues(rule).Inc()
}

// RecordFinished 記錄任務進入終止狀態
//
// 參數：
//   - outcome: completed / failed / cancelled
//   - seconds: 執行時間，尚未開始就取消的任務傳入負值以略過直方圖
func (c *Collector) RecordFinished(outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(outcome).Inc()
	if seconds >= 0 {
		c.jobDuration.WithLabelValues(outcome).Observe(seconds)
	}
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(queued, running int) {
	if c == nil {
		return
	}
	c.jobsQueued.Set(float64(queued))
	c.jobsRunning.Set(float64(running))
}

// SetCacheState 更新快取模式與鍵數量
func (c *Collector) SetCacheState(fallback bool, keys int) {
	if c == nil {
		return
	}
	if fallback {
		c.cacheMode.Set(1)
	} else {
		c.cacheMode.Set(0)
	}
	c.cacheKeys.Set(float64(keys))
}

// SetHealthScore 設置健康分數
func (c *Collector) SetHealthScore(score int) {
	if c == nil {
		return
	}
	c.healthScore.Set(float64(score))
}

// RecordRateLimited 記錄被限流拒絕的請求
func (c *Collector) RecordRateLimited(class string) {
	if c == nil {
		return
	}
	c.rateLimitRejections.WithLabelValues(class).Inc()
}

// RecordConnectionRejected 記錄被連線防護關閉的連線
func (c *Collector) RecordConnectionRejected(reason string) {
	if c == nil {
		return
	}
	c.connRejections.WithLabelValues(reason).Inc()
}
