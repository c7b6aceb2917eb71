// ============================================================================
// Rate Limiter - fixed window counters per client and endpoint class
// ============================================================================
//
// Package: internal/ratelimit
// File: limiter.go
// Function: Bound the number of requests each client may issue per window
//
// Model:
//   One window per (clientKey, class). A window holds windowStart and count.
//   When now >= windowStart + window the count resets and windowStart moves
//   to now. The request that would push count past limit is rejected and the
//   client stays blocked until windowStart + window.
//
// Concurrency:
//   Check runs entirely under a single mutex, so two concurrent requests from
//   the same client can never both observe the last free slot.
//
// ============================================================================

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Class 端點類別，各類別有獨立的限制
type Class string

// Built-in endpoint classes.
const (
	ClassAPI   Class = "api"
	ClassAuth  Class = "auth"
	ClassWrite Class = "write"
)

// ErrUnknownClass is returned by New for a class with a non-positive limit or window.
var ErrUnknownClass = errors.New("unknown rate limit class")

// Rule is the limit for one class.
type Rule struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// DefaultRules returns the stock limits: general API 100/min,
// authentication 10/min, write operations 50/min.
func DefaultRules() map[Class]Rule {
	return map[Class]Rule{
		ClassAPI:   {Limit: 100, Window: time.Minute},
		ClassAuth:  {Limit: 10, Window: time.Minute},
		ClassWrite: {Limit: 50, Window: time.Minute},
	}
}

// Decision 單次檢查的結果
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"resetTime"`
}

// RetryAfter returns how long the caller should wait before retrying.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || !d.ResetTime.After(now) {
		return 0
	}
	return d.ResetTime.Sub(now)
}

// ClassStats aggregates one class.
type ClassStats struct {
	Requests int64 `json:"requests"`
	Rejected int64 `json:"rejected"`
	Blocked  int   `json:"blocked"`
}

// Stats 供健康監控使用的彙總計數
type Stats struct {
	Clients  int                  `json:"clients"`  // distinct client keys seen
	Requests int64                `json:"requests"` // requests checked
	Rejected int64                `json:"rejected"`
	Blocked  int                  `json:"blocked"` // clients blocked right now
	ByClass  map[Class]ClassStats `json:"byClass"`
}

type windowKey struct {
	client string
	class  Class
}

type window struct {
	start   time.Time
	count   int
	blocked bool
}

// Limiter 固定視窗限流器，可安全並發使用
type Limiter struct {
	mu       sync.Mutex
	rules    map[Class]Rule
	windows  map[windowKey]*window
	clients  map[string]struct{}
	requests map[Class]int64
	rejected map[Class]int64
	now      func() time.Time
	log      *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects the time source; tests use it to move across windows.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// New creates a Limiter for the given rules.
func New(rules map[Class]Rule, opts ...Option) (*Limiter, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	copied := make(map[Class]Rule, len(rules))
	for class, rule := range rules {
		if rule.Limit <= 0 || rule.Window <= 0 {
			return nil, fmt.Errorf("%w: %q needs a positive limit and window", ErrUnknownClass, class)
		}
		copied[class] = rule
	}

	l := &Limiter{
		rules:    copied,
		windows:  make(map[windowKey]*window),
		clients:  make(map[string]struct{}),
		requests: make(map[Class]int64),
		rejected: make(map[Class]int64),
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Rule returns the rule for class.
func (l *Limiter) Rule(class Class) (Rule, bool) {
	rule, ok := l.rules[class]
	return rule, ok
}

// Check 計入一次請求並回傳是否允許
//
// 參數說明：
//   - clientKey: 客戶端識別（例如 IP）
//   - class: 端點類別
//
// 未設定的類別一律放行（Limit 為 0）。
func (l *Limiter) Check(clientKey string, class Class) Decision {
	rule, ok := l.rules[class]
	if !ok {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := windowKey{client: clientKey, class: class}
	w, exists := l.windows[key]
	if !exists || !now.Before(w.start.Add(rule.Window)) {
		w = &window{start: now}
		l.windows[key] = w
	}

	l.clients[clientKey] = struct{}{}
	l.requests[class]++
	reset := w.start.Add(rule.Window)

	if w.count >= rule.Limit {
		if !w.blocked {
			l.log.Warn("Client rate limited",
				"client", clientKey,
				"class", class,
				"reset", reset)
		}
		w.blocked = true
		l.rejected[class]++
		return Decision{Allowed: false, Limit: rule.Limit, Remaining: 0, ResetTime: reset}
	}

	w.count++
	return Decision{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - w.count,
		ResetTime: reset,
	}
}

// Reset forgets every window of clientKey.
func (l *Limiter) Reset(clientKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.windows {
		if key.client == clientKey {
			delete(l.windows, key)
		}
	}
}

// Stats returns the aggregate counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stats := Stats{
		Clients: len(l.clients),
		ByClass: make(map[Class]ClassStats, len(l.rules)),
	}
	blockedClients := make(map[string]struct{})

	for class := range l.rules {
		stats.ByClass[class] = ClassStats{Requests: l.requests[class], Rejected: l.rejected[class]}
		stats.Requests += l.requests[class]
		stats.Rejected += l.rejected[class]
	}
	for key, w := range l.windows {
		if !w.blocked || !now.Before(w.start.Add(l.rules[key.class].Window)) {
			continue
		}
		blockedClients[key.client] = struct{}{}
		cs := stats.ByClass[key.class]
		cs.Blocked++
		stats.ByClass[key.class] = cs
	}
	stats.Blocked = len(blockedClients)
	return stats
}

// BlockedClients lists the clients blocked in at least one class, sorted.
func (l *Limiter) BlockedClients() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	seen := make(map[string]struct{})
	for key, w := range l.windows {
		if w.blocked && now.Before(w.start.Add(l.rules[key.class].Window)) {
			seen[key.client] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for client := range seen {
		out = append(out, client)
	}
	sort.Strings(out)
	return out
}

// Cleanup 移除已過期的視窗，回傳移除數量
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.start.Add(l.rules[key.class].Window)) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Cleanup(); n > 0 {
				l.log.Debug("Rate limit windows expired", "removed", n)
			}
		}
	}
}
