// ============================================================================
// HTTP Server - gin 路由與中介層
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 對外 HTTP 介面，將請求轉給 Controller 與各監控組件
//
// 中介層順序:
//   Recovery → Request ID → otelgin（啟用追蹤時）→ Access Log → Rate Limit
//
//   限流在 handler 之前執行，被拒絕的請求不會建立任務、不會佔用 Worker。
//   /metrics 與 /system/* 為監控端點，不受限流。
//
// 連線防護:
//   Serve 會以 connguard.Guard 包裝 listener，超過單一來源上限的連線在
//   進入 HTTP 處理前就被關閉。
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/ChuLiYu/sched-optimizer/internal/cache"
	"github.com/ChuLiYu/sched-optimizer/internal/connguard"
	"github.com/ChuLiYu/sched-optimizer/internal/controller"
	"github.com/ChuLiYu/sched-optimizer/internal/health"
	"github.com/ChuLiYu/sched-optimizer/internal/logging"
	"github.com/ChuLiYu/sched-optimizer/internal/metrics"
	"github.com/ChuLiYu/sched-optimizer/internal/ratelimit"
)

// RequestIDHeader carries the correlation id in both directions.
const RequestIDHeader = "X-Request-ID"

// Deps 伺服器依賴；除 Controller 外皆可為 nil
type Deps struct {
	Controller *controller.Controller
	Limiter    *ratelimit.Limiter
	Guard      *connguard.Guard
	Cache      *cache.Layer
	Monitor    *health.Monitor
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

// Options HTTP 伺服器設定
type Options struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	TrustedProxies []string
	// ServiceName enables otelgin spans when non-empty.
	ServiceName string
}

// Server HTTP 伺服器
type Server struct {
	deps    Deps
	log     *slog.Logger
	router  *gin.Engine
	http    *http.Server
	started time.Time
}

// New 建立伺服器並註冊所有路由
func New(deps Deps, opts Options) (*Server, error) {
	if deps.Controller == nil {
		return nil, errors.New("server requires a controller")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	if err := router.SetTrustedProxies(opts.TrustedProxies); err != nil {
		return nil, err
	}

	s := &Server{
		deps:    deps,
		log:     deps.Logger.With("component", "http"),
		router:  router,
		started: time.Now(),
	}

	router.Use(gin.Recovery(), requestID())
	if opts.ServiceName != "" {
		router.Use(otelgin.Middleware(opts.ServiceName))
	}
	router.Use(s.accessLog())
	if deps.Limiter != nil {
		router.Use(ratelimit.Middleware(deps.Limiter, classify, func(class ratelimit.Class) {
			deps.Metrics.RecordRateLimited(string(class))
		}))
	}
	s.routes()

	s.http = &http.Server{
		Addr:         opts.Addr,
		Handler:      router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s, nil
}

func (s *Server) routes() {
	r := s.router

	jobs := r.Group("/jobs")
	jobs.POST("", s.submitJob)
	jobs.GET("", s.listJobs)
	jobs.GET("/:runId", s.getJob)
	jobs.GET("/:runId/result", s.getResult)
	jobs.DELETE("/:runId", s.cancelJob)

	r.GET("/jobs-stats", s.jobStats)
	r.GET("/algorithms", s.listAlgorithms)

	system := r.Group("/system")
	system.GET("/health", s.systemHealth)
	system.GET("/cache-health", s.cacheHealth)
	system.GET("/rate-limit-stats", s.rateLimitStats)
	system.GET("/metrics", s.systemMetrics)

	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// Handler 返回路由，供測試與自訂伺服器使用
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve 在 ln 上提供服務；有 Guard 時先包裝 listener
func (s *Server) Serve(ln net.Listener) error {
	if s.deps.Guard != nil {
		ln = s.deps.Guard.Listener(ln)
	}
	s.log.Info("HTTP server listening", "addr", ln.Addr().String())
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe 監聽 Options.Addr 並提供服務
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown 停止接受新連線並等待進行中的請求
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ============================================================================
// Middleware
// ============================================================================

// classify exempts monitoring endpoints and otherwise classes by method.
func classify(c *gin.Context) ratelimit.Class {
	path := c.Request.URL.Path
	if path == "/metrics" || strings.HasPrefix(path, "/system/") {
		return ""
	}
	return ratelimit.MethodClassifier(c)
}

// requestID propagates or assigns a correlation id.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case status >= 500:
			level = slog.LevelError
		case status == http.StatusTooManyRequests:
			level = slog.LevelWarn
		}
		logging.FromContext(c.Request.Context(), s.log).Log(c.Request.Context(), level, "HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start),
			"client", c.ClientIP())
	}
}
