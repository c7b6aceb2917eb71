package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/sched-optimizer/internal/algorithm"
	"github.com/ChuLiYu/sched-optimizer/internal/cache"
	"github.com/ChuLiYu/sched-optimizer/internal/config"
	"github.com/ChuLiYu/sched-optimizer/internal/connguard"
	"github.com/ChuLiYu/sched-optimizer/internal/controller"
	"github.com/ChuLiYu/sched-optimizer/internal/health"
	"github.com/ChuLiYu/sched-optimizer/internal/logging"
	"github.com/ChuLiYu/sched-optimizer/internal/metrics"
	"github.com/ChuLiYu/sched-optimizer/internal/ratelimit"
	"github.com/ChuLiYu/sched-optimizer/internal/server"
	"github.com/ChuLiYu/sched-optimizer/internal/tracing"
	"github.com/ChuLiYu/sched-optimizer/internal/validation"
)

const defaultShutdownTimeout = 30 * time.Second

// App 組裝後的完整服務
//
// 組件關係：
//
//	HTTP (gin) ─→ Controller ─→ JobManager ←─ Worker Pool
//	     │              └──→ cache.Layer (badger / memory)
//	     ├─ ratelimit.Limiter
//	     └─ connguard.Guard (listener)
//	health.Monitor ─→ gRPC health + sched_health_score
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Collector

	cache    *cache.Layer
	ctrl     *controller.Controller
	limiter  *ratelimit.Limiter
	guard    *connguard.Guard
	monitor  *health.Monitor
	reporter *health.GRPCReporter
	http     *server.Server
	grpc     *grpc.Server

	shutdownTracing func(context.Context) error

	ready    chan struct{}
	httpAddr net.Addr
	grpcAddr net.Addr
}

// NewApp 依設定建立所有組件，不啟動任何 goroutine
//
// Badger 開啟失敗時不中止啟動，快取層直接以記憶體備援模式運作。
func NewApp(cfg *config.Config, out io.Writer) (*App, error) {
	log, err := logging.New(cfg.Logging, out)
	if err != nil {
		return nil, err
	}
	shutdownTracing, err := tracing.Init(cfg.Tracing, out)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}

	a := &App{
		cfg:             cfg,
		log:             log,
		shutdownTracing: shutdownTracing,
		ready:           make(chan struct{}),
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewCollector()
	}

	// Cache
	var primary cache.Store
	if cfg.Cache.Primary == "badger" {
		store, err := cache.OpenBadger(cfg.Cache.Badger, log.With("component", "badger"))
		if err != nil {
			log.Warn("Badger unavailable, cache starts in fallback mode", "error", err)
		} else {
			primary = store
		}
	}
	a.cache = cache.NewLayer(primary, cache.NewMemoryStore(nil), cfg.Cache.LayerConfig, log.With("component", "cache"))

	// Controller
	validator := validation.New(validation.Config{
		MaxEvents:            cfg.Jobs.MaxEvents,
		MaxAlgorithmIDLength: cfg.Jobs.MaxAlgorithmIDLength,
	})
	a.ctrl = controller.NewController(controller.Config{
		WorkerCount:         cfg.Workers.Count,
		MaxJobDuration:      cfg.Workers.MaxJobDuration,
		Retention:           cfg.Jobs.Retention,
		ResultTTL:           cfg.Jobs.ResultTTL,
		MaintenanceInterval: cfg.Jobs.MaintenanceInterval,
	}, algorithm.Builtin(cfg.Workers.AlgorithmLatency),
		controller.WithValidator(validator),
		controller.WithCache(a.cache),
		controller.WithMetrics(a.metrics),
		controller.WithLogger(log),
	)

	// Abuse protection
	sources := health.Sources{Jobs: a.ctrl, Cache: a.cache}
	if cfg.RateLimit.Enabled {
		a.limiter, err = ratelimit.New(cfg.RateLimit.Rules, ratelimit.WithLogger(log.With("component", "ratelimit")))
		if err != nil {
			_ = a.cache.Close()
			return nil, fmt.Errorf("invalid rate limit rules: %w", err)
		}
		sources.RateLimit = a.limiter
	}
	a.guard = connguard.New(cfg.Connections, log.With("component", "connguard"))
	a.guard.OnReject = func(_ string, err error) {
		reason := "max_per_source"
		if errors.Is(err, connguard.ErrAcceptRateExceeded) {
			reason = "accept_rate"
		}
		a.metrics.RecordConnectionRejected(reason)
	}
	sources.Connections = a.guard

	// Health
	a.monitor = health.NewMonitor(sources, cfg.Health.Thresholds, log.With("component", "health"))
	a.reporter = health.NewGRPCReporter()
	a.monitor.OnReport = func(r health.Report) {
		a.reporter.Publish(r)
		a.metrics.SetHealthScore(r.Score)
	}
	if cfg.Server.GRPCAddr != "" {
		a.grpc = grpc.NewServer()
		healthpb.RegisterHealthServer(a.grpc, a.reporter.Server())
	}

	// HTTP
	opts := server.Options{
		Addr:           cfg.Server.HTTPAddr,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		TrustedProxies: cfg.Server.TrustedProxies,
	}
	if cfg.Tracing.Enabled {
		opts.ServiceName = cfg.Tracing.ServiceName
	}
	a.http, err = server.New(server.Deps{
		Controller: a.ctrl,
		Limiter:    a.limiter,
		Guard:      a.guard,
		Cache:      a.cache,
		Monitor:    a.monitor,
		Metrics:    a.metrics,
		Logger:     log,
	}, opts)
	if err != nil {
		_ = a.cache.Close()
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}
	return a, nil
}

// Ready is closed once both listeners are bound.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// HTTPAddr returns the bound HTTP address; valid after Ready.
func (a *App) HTTPAddr() net.Addr {
	return a.httpAddr
}

// GRPCAddr returns the bound gRPC address, nil when disabled; valid after Ready.
func (a *App) GRPCAddr() net.Addr {
	return a.grpcAddr
}

// Run 啟動所有組件並阻塞直到 ctx 結束，之後執行優雅關閉
//
// 關閉順序：
//  1. gRPC 健康狀態改為 NOT_SERVING
//  2. HTTP 停止接受新請求
//  3. gRPC GracefulStop
//  4. Controller 等待執行中的任務（超過 shutdown_timeout 則中斷）
//  5. 關閉快取存儲與 tracing exporter
func (a *App) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", a.cfg.Server.HTTPAddr)
	if err != nil {
		_ = a.cache.Close()
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.HTTPAddr, err)
	}
	a.httpAddr = httpLn.Addr()

	var grpcLn net.Listener
	if a.grpc != nil {
		grpcLn, err = net.Listen("tcp", a.cfg.Server.GRPCAddr)
		if err != nil {
			httpLn.Close()
			_ = a.cache.Close()
			return fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.GRPCAddr, err)
		}
		a.grpcAddr = grpcLn.Addr()
	}

	if err := a.ctrl.Start(); err != nil {
		httpLn.Close()
		if grpcLn != nil {
			grpcLn.Close()
		}
		_ = a.cache.Close()
		return fmt.Errorf("failed to start controller: %w", err)
	}

	a.log.Info("System started",
		"http", a.httpAddr.String(),
		"workers", a.cfg.Workers.Count,
		"cacheMode", a.cache.Mode(),
		"rateLimit", a.limiter != nil)
	close(a.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.http.Serve(httpLn)
	})
	if a.grpc != nil {
		g.Go(func() error {
			a.log.Info("gRPC health server listening", "addr", a.grpcAddr.String())
			return a.grpc.Serve(grpcLn)
		})
	}
	g.Go(func() error {
		a.monitor.Run(gctx, a.cfg.Health.Interval)
		return nil
	})
	g.Go(func() error {
		a.cache.Run(gctx, a.cfg.Cache.HealthInterval)
		return nil
	})
	if a.limiter != nil {
		g.Go(func() error {
			a.limiter.Run(gctx, a.cfg.RateLimit.CleanupInterval)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

func (a *App) shutdown() error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.log.Info("Shutting down", "timeout", timeout)
	a.reporter.Shutdown()

	var errs []error
	if err := a.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if a.grpc != nil {
		a.grpc.GracefulStop()
	}
	if err := a.ctrl.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("controller stop: %w", err))
	}
	if err := a.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cache close: %w", err))
	}
	if err := a.shutdownTracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}

	if len(errs) == 0 {
		a.log.Info("System stopped")
	}
	return errors.Join(errs...)
}
