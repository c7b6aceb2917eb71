// ============================================================================
// Configuration - YAML 設定檔與環境變數
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 載入服務設定
//
// 載入順序（後者覆蓋前者）:
//   1. Default() 內建預設值
//   2. YAML 設定檔（未列出的欄位保留預設值）
//   3. SCHEDOPT_* 環境變數
//   4. Validate() 檢查
//
// 時間欄位使用 Go duration 字串，例如 "10m"、"250ms"。
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/sched-optimizer/internal/cache"
	"github.com/ChuLiYu/sched-optimizer/internal/connguard"
	"github.com/ChuLiYu/sched-optimizer/internal/health"
	"github.com/ChuLiYu/sched-optimizer/internal/logging"
	"github.com/ChuLiYu/sched-optimizer/internal/ratelimit"
	"github.com/ChuLiYu/sched-optimizer/internal/tracing"
	"github.com/ChuLiYu/sched-optimizer/internal/validation"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "SCHEDOPT_"

// Config represents the complete service configuration.
// Maps config file fields through YAML tags.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Workers     WorkerConfig     `yaml:"workers"`
	Jobs        JobsConfig       `yaml:"jobs"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	Connections connguard.Config `yaml:"connections"`
	Cache       CacheConfig      `yaml:"cache"`
	Health      HealthConfig     `yaml:"health"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	Logging     logging.Config   `yaml:"logging"`
	Tracing     tracing.Config   `yaml:"tracing"`
}

// ServerConfig HTTP 與 gRPC 監聽設定
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"` // gRPC 健康服務，空字串代表停用
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
}

// WorkerConfig Worker Pool 設定
type WorkerConfig struct {
	Count          int           `yaml:"count"`
	MaxJobDuration time.Duration `yaml:"max_job_duration"` // 0 代表不限制
	// AlgorithmLatency is the simulated compute time of the built-in algorithms.
	AlgorithmLatency time.Duration `yaml:"algorithm_latency"`
}

// JobsConfig 任務登記表與驗證設定
type JobsConfig struct {
	Retention            time.Duration `yaml:"retention"` // 0 代表永久保留
	ResultTTL            time.Duration `yaml:"result_ttl"`
	MaintenanceInterval  time.Duration `yaml:"maintenance_interval"`
	MaxEvents            int           `yaml:"max_events"`
	MaxAlgorithmIDLength int           `yaml:"max_algorithm_id_length"`
}

// RateLimitConfig 限流設定
type RateLimitConfig struct {
	Enabled         bool                               `yaml:"enabled"`
	CleanupInterval time.Duration                      `yaml:"cleanup_interval"`
	Rules           map[ratelimit.Class]ratelimit.Rule `yaml:"rules"`
}

// CacheConfig 快取設定
type CacheConfig struct {
	cache.LayerConfig `yaml:",inline"`

	// Primary selects the primary store: "badger" or "none" (fallback only).
	Primary        string             `yaml:"primary"`
	Badger         cache.BadgerConfig `yaml:"badger"`
	HealthInterval time.Duration      `yaml:"health_interval"`
}

// HealthConfig 健康監控設定
type HealthConfig struct {
	health.Thresholds `yaml:",inline"`

	Interval time.Duration `yaml:"interval"`
}

// MetricsConfig Prometheus 設定
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default 返回內建預設設定
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Workers: WorkerConfig{
			Count:            4,
			MaxJobDuration:   10 * time.Minute,
			AlgorithmLatency: 500 * time.Millisecond,
		},
		Jobs: JobsConfig{
			ResultTTL:            time.Hour,
			MaintenanceInterval:  5 * time.Second,
			MaxEvents:            validation.DefaultMaxEvents,
			MaxAlgorithmIDLength: validation.DefaultMaxAlgorithmIDLength,
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			CleanupInterval: time.Minute,
			Rules:           ratelimit.DefaultRules(),
		},
		Connections: connguard.Config{
			MaxPerSource: connguard.DefaultMaxPerSource,
		},
		Cache: CacheConfig{
			Primary: "badger",
			Badger: cache.BadgerConfig{
				Path:           "data/cache",
				GCInterval:     10 * time.Minute,
				GCDiscardRatio: 0.5,
			},
			HealthInterval: 30 * time.Second,
			LayerConfig: cache.LayerConfig{
				SessionTTL: 24 * time.Hour,
				QueryTTL:   5 * time.Minute,
				MaxJournal: 10000,
			},
		},
		Health: HealthConfig{
			Interval:   15 * time.Second,
			Thresholds: health.DefaultThresholds(),
		},
		Metrics: MetricsConfig{Enabled: true},
		Logging: logging.Config{Level: "info", Format: "json"},
		Tracing: tracing.Config{ServiceName: "schedopt"},
	}
}

// Load 讀取設定
//
// 參數說明：
//   - path: YAML 設定檔路徑；空字串代表只使用預設值與環境變數
//
// 返回值：
//   - error: 檔案讀取、解析、環境變數格式或驗證錯誤
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 套用 SCHEDOPT_* 環境變數
func (c *Config) applyEnv() error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	limit := func(name string, class ratelimit.Class) {
		rule := c.RateLimit.Rules[class]
		before := rule.Limit
		num(name, &rule.Limit)
		if rule.Limit != before {
			if rule.Window == 0 {
				rule.Window = time.Minute
			}
			if c.RateLimit.Rules == nil {
				c.RateLimit.Rules = make(map[ratelimit.Class]ratelimit.Rule)
			}
			c.RateLimit.Rules[class] = rule
		}
	}

	str("HTTP_ADDR", &c.Server.HTTPAddr)
	str("GRPC_ADDR", &c.Server.GRPCAddr)
	num("WORKERS", &c.Workers.Count)
	dur("MAX_JOB_DURATION", &c.Workers.MaxJobDuration)
	dur("ALGORITHM_LATENCY", &c.Workers.AlgorithmLatency)
	dur("JOB_RETENTION", &c.Jobs.Retention)
	num("MAX_EVENTS", &c.Jobs.MaxEvents)
	boolean("RATE_LIMIT_ENABLED", &c.RateLimit.Enabled)
	limit("RATE_LIMIT_API", ratelimit.ClassAPI)
	limit("RATE_LIMIT_AUTH", ratelimit.ClassAuth)
	limit("RATE_LIMIT_WRITE", ratelimit.ClassWrite)
	num("CONN_MAX_PER_SOURCE", &c.Connections.MaxPerSource)
	str("CACHE_PRIMARY", &c.Cache.Primary)
	str("CACHE_PATH", &c.Cache.Badger.Path)
	boolean("CACHE_IN_MEMORY", &c.Cache.Badger.InMemory)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	boolean("METRICS_ENABLED", &c.Metrics.Enabled)
	boolean("TRACING_ENABLED", &c.Tracing.Enabled)

	return errors.Join(errs...)
}

// Validate 檢查設定是否可用，回傳所有問題
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	if c.Workers.Count < 1 {
		errs = append(errs, fmt.Errorf("workers.count must be at least 1, got %d", c.Workers.Count))
	}
	if c.Workers.MaxJobDuration < 0 {
		errs = append(errs, errors.New("workers.max_job_duration must not be negative"))
	}
	if c.Jobs.Retention < 0 {
		errs = append(errs, errors.New("jobs.retention must not be negative"))
	}
	if c.Jobs.MaxEvents < 1 {
		errs = append(errs, errors.New("jobs.max_events must be positive"))
	}
	for class, rule := range c.RateLimit.Rules {
		if rule.Limit <= 0 || rule.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.rules.%s needs a positive limit and window", class))
		}
	}
	if c.Connections.MaxPerSource < 0 {
		errs = append(errs, errors.New("connections.max_per_source must not be negative"))
	}
	switch c.Cache.Primary {
	case "badger":
		if !c.Cache.Badger.InMemory && c.Cache.Badger.Path == "" {
			errs = append(errs, errors.New("cache.badger.path is required unless in_memory is set"))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("cache.primary must be badger or none, got %q", c.Cache.Primary))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	return errors.Join(errs...)
}
