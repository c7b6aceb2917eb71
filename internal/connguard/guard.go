// ============================================================================
// Connection Guard - per-source concurrency ceiling and accept rate
// ============================================================================
//
// Package: internal/connguard
// File: guard.go
// Function: Reject connection floods before they reach the HTTP stack
//
// Rules:
//   - Each source (remote IP) may hold at most MaxPerSource open connections.
//   - Exceeding the ceiling flags the source as suspicious; the connection is
//     rejected and the flag stays until the source's count drops to zero.
//   - Optionally, each source is limited to AcceptRate new connections per
//     second (token bucket, burst AcceptBurst).
//
// ============================================================================

package connguard

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default settings.
const (
	DefaultMaxPerSource = 50
	defaultLimiterTTL   = 10 * time.Minute
)

var (
	// ErrTooManyConnections 來源同時連線數超過上限
	ErrTooManyConnections = errors.New("too many concurrent connections from source")
	// ErrAcceptRateExceeded 來源建立新連線的速率過高
	ErrAcceptRateExceeded = errors.New("connection rate exceeded for source")
)

// Config 連線防護設定
type Config struct {
	MaxPerSource int     `yaml:"max_per_source"`
	AcceptRate   float64 `yaml:"accept_rate"`  // new connections per second per source, 0 disables
	AcceptBurst  int     `yaml:"accept_burst"` // token bucket size
}

// Stats 連線防護統計
type Stats struct {
	Active   int      `json:"active"`   // open connections across all sources
	Sources  int      `json:"sources"`  // sources with at least one open connection
	Flagged  []string `json:"flagged"`  // sources currently marked suspicious
	Rejected int64    `json:"rejected"` // connections refused since start
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Guard tracks open connections per source. Safe for concurrent use.
type Guard struct {
	mu       sync.Mutex
	cfg      Config
	active   map[string]int
	flagged  map[string]struct{}
	rates    map[string]*rateEntry
	rejected int64
	log      *slog.Logger

	// OnReject is called outside the lock for each rejected connection.
	OnReject func(source string, err error)
}

// New creates a Guard. A non-positive MaxPerSource uses DefaultMaxPerSource.
func New(cfg Config, log *slog.Logger) *Guard {
	if cfg.MaxPerSource <= 0 {
		cfg.MaxPerSource = DefaultMaxPerSource
	}
	if cfg.AcceptRate > 0 && cfg.AcceptBurst <= 0 {
		cfg.AcceptBurst = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Guard{
		cfg:     cfg,
		active:  make(map[string]int),
		flagged: make(map[string]struct{}),
		rates:   make(map[string]*rateEntry),
		log:     log,
	}
}

// Acquire 為來源登記一條新連線
//
// 參數說明：
//   - source: 來源識別（通常為遠端 IP）
//
// 返回值：
//   - error: ErrAcceptRateExceeded 或 ErrTooManyConnections；成功時為 nil，
//     呼叫端必須在連線關閉時呼叫 Release
//
// 併發安全：使用互斥鎖保護
func (g *Guard) Acquire(source string) error {
	err := g.acquire(source)
	if err != nil && g.OnReject != nil {
		g.OnReject(source, err)
	}
	return err
}

func (g *Guard) acquire(source string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.AcceptRate > 0 && !g.rateLimiter(source).Allow() {
		g.rejected++
		return ErrAcceptRateExceeded
	}

	if g.active[source] >= g.cfg.MaxPerSource {
		if _, already := g.flagged[source]; !already {
			g.flagged[source] = struct{}{}
			g.log.Warn("Suspicious connection activity",
				"source", source,
				"active", g.active[source],
				"max", g.cfg.MaxPerSource)
		}
		g.rejected++
		return ErrTooManyConnections
	}

	g.active[source]++
	return nil
}

// rateLimiter returns the token bucket of source. Caller holds g.mu.
func (g *Guard) rateLimiter(source string) *rate.Limiter {
	now := time.Now()
	entry, ok := g.rates[source]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Limit(g.cfg.AcceptRate), g.cfg.AcceptBurst)}
		g.rates[source] = entry
	}
	entry.lastSeen = now

	// Drop idle buckets so the map stays bounded by recently active sources.
	for key, e := range g.rates {
		if key != source && now.Sub(e.lastSeen) > defaultLimiterTTL {
			delete(g.rates, key)
		}
	}
	return entry.limiter
}

// Release 釋放來源的一條連線；計數歸零時解除可疑標記
func (g *Guard) Release(source string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.active[source]
	if !ok {
		return
	}
	if n <= 1 {
		delete(g.active, source)
		if _, wasFlagged := g.flagged[source]; wasFlagged {
			delete(g.flagged, source)
			g.log.Info("Source unflagged", "source", source)
		}
		return
	}
	g.active[source] = n - 1
}

// Active returns the open connection count of source.
func (g *Guard) Active(source string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[source]
}

// IsFlagged reports whether source is currently marked suspicious.
func (g *Guard) IsFlagged(source string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.flagged[source]
	return ok
}

// Stats returns a snapshot of the guard's counters.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := Stats{
		Sources:  len(g.active),
		Flagged:  make([]string, 0, len(g.flagged)),
		Rejected: g.rejected,
	}
	for _, n := range g.active {
		stats.Active += n
	}
	for source := range g.flagged {
		stats.Flagged = append(stats.Flagged, source)
	}
	sort.Strings(stats.Flagged)
	return stats
}
