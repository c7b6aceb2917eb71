// ============================================================================
// Cache Layer - primary store with transparent in-process fallback
// ============================================================================
//
// Package: internal/cache
// File: layer.go
// Function: Session and query-result caching that never surfaces backend
//           faults to callers
//
// Failover:
//   primary mode:  op → primary
//                  ├─ ok / ErrNotFound → done
//                  └─ any other error  → switch to fallback, run op once on fallback
//   fallback mode: op → fallback; writes and deletes are journaled
//   HealthCheck:   ping primary; if reachable while in fallback mode, replay
//                  the journal in order and switch back to primary (Run only)
//   Probe:         ping primary and report the mode, never switching
//
// Namespaces:
//   session:<id>   session data
//   query:<key>    cached query results
//
// ============================================================================

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Key namespaces.
const (
	SessionPrefix = "session:"
	QueryPrefix   = "query:"
)

// Mode 當前使用的存儲
type Mode string

const (
	ModePrimary  Mode = "primary"
	ModeFallback Mode = "fallback"
)

const defaultMaxJournal = 10000

// Health 健康檢查結果
type Health struct {
	Status    string  `json:"status"` // healthy | degraded
	Mode      Mode    `json:"mode"`
	LatencyMs float64 `json:"latencyMs"`
	Error     string  `json:"error,omitempty"`
}

// Metrics 快取使用統計
type Metrics struct {
	Connected bool    `json:"connected"`
	Mode      Mode    `json:"mode"`
	Keys      int     `json:"keys"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hitRate"`
	Fallbacks int64   `json:"fallbacks"` // primary → fallback switches
	Pending   int     `json:"pending"`   // journaled ops awaiting replay
}

type opKind int

const (
	opSet opKind = iota
	opDelete
	opDeletePrefix
)

// journalEntry is a fallback-mode mutation to re-apply on the primary.
type journalEntry struct {
	kind      opKind
	key       string
	value     []byte
	expiresAt time.Time
}

// LayerConfig 快取層設定
type LayerConfig struct {
	SessionTTL time.Duration `yaml:"session_ttl"`
	QueryTTL   time.Duration `yaml:"query_ttl"`
	// MaxJournal bounds the fallback journal; the oldest entries are dropped past it.
	MaxJournal int `yaml:"max_journal"`
}

// Layer 快取層，可安全並發使用
type Layer struct {
	primary  Store
	fallback Store
	cfg      LayerConfig
	log      *slog.Logger
	now      func() time.Time

	// mu guards mode and journal. Fallback-mode operations re-check mode and
	// hold mu for their whole duration so none can slip past a switch back
	// to primary.
	mu      sync.Mutex
	mode    Mode
	journal []journalEntry
	dropped int

	hits      atomic.Int64
	misses    atomic.Int64
	fallbacks atomic.Int64
	connected atomic.Bool

	// OnModeChange, when set, is called after every mode switch.
	OnModeChange func(Mode)
}

// NewLayer 建立快取層
//
// 參數說明：
//   - primary: 主存儲（可為 nil，代表一開始就使用備援）
//   - fallback: 程序內備援存儲，不可為 nil
func NewLayer(primary, fallback Store, cfg LayerConfig, log *slog.Logger) *Layer {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.QueryTTL <= 0 {
		cfg.QueryTTL = 5 * time.Minute
	}
	if cfg.MaxJournal <= 0 {
		cfg.MaxJournal = defaultMaxJournal
	}
	if log == nil {
		log = slog.Default()
	}

	l := &Layer{
		primary:  primary,
		fallback: fallback,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		mode:     ModePrimary,
	}
	if primary == nil {
		l.mode = ModeFallback
	} else {
		l.connected.Store(true)
	}
	return l
}

// Mode returns the active mode.
func (l *Layer) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// ============================================================================
// Session / query API
// ============================================================================

// SetSession stores value (JSON encoded) under session:<id>. A ttl <= 0 uses the default.
func (l *Layer) SetSession(ctx context.Context, id string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = l.cfg.SessionTTL
	}
	return l.setJSON(ctx, SessionPrefix+id, value, ttl)
}

// GetSession decodes session:<id> into dst and reports whether it was found.
func (l *Layer) GetSession(ctx context.Context, id string, dst any) (bool, error) {
	return l.getJSON(ctx, SessionPrefix+id, dst)
}

// DeleteSession removes session:<id>.
func (l *Layer) DeleteSession(ctx context.Context, id string) {
	l.delete(ctx, SessionPrefix+id)
}

// CacheQueryResult stores value under query:<key>. A ttl <= 0 uses the default.
func (l *Layer) CacheQueryResult(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = l.cfg.QueryTTL
	}
	return l.setJSON(ctx, QueryPrefix+key, value, ttl)
}

// GetCachedQuery decodes query:<key> into dst and reports whether it was found.
func (l *Layer) GetCachedQuery(ctx context.Context, key string, dst any) (bool, error) {
	return l.getJSON(ctx, QueryPrefix+key, dst)
}

// InvalidateCache 刪除所有以 prefix 開頭的鍵，不影響其他鍵
//
// 返回值：
//   - int: 刪除的鍵數量
func (l *Layer) InvalidateCache(ctx context.Context, prefix string) int {
	var n int
	_ = l.mutate(journalEntry{kind: opDeletePrefix, key: prefix}, func(s Store) error {
		var err error
		n, err = s.DeletePrefix(ctx, prefix)
		return err
	})
	return n
}

func (l *Layer) setJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	entry := journalEntry{kind: opSet, key: key, value: data, expiresAt: l.now().Add(ttl)}
	return l.mutate(entry, func(s Store) error {
		return s.Set(ctx, key, data, ttl)
	})
}

func (l *Layer) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	var data []byte
	found := false
	err := l.read(func(s Store) error {
		v, err := s.Get(ctx, key)
		if err != nil {
			return err
		}
		data, found = v, true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !found {
		l.misses.Add(1)
		return false, nil
	}
	l.hits.Add(1)
	if err := json.Unmarshal(data, dst); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (l *Layer) delete(ctx context.Context, key string) {
	_ = l.mutate(journalEntry{kind: opDelete, key: key}, func(s Store) error {
		return s.Delete(ctx, key)
	})
}

// ============================================================================
// Failover core
// ============================================================================

// callerDone reports whether err came from the caller's own context rather
// than the store.
func callerDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// read runs op against the active store. Misses are not faults, and neither
// is an error from the caller's context.
func (l *Layer) read(op func(Store) error) error {
	for {
		if l.Mode() == ModePrimary {
			err := op(l.primary)
			if err == nil || errors.Is(err, ErrNotFound) {
				return nil
			}
			if callerDone(err) {
				return err
			}
			l.switchToFallback(err)
		}

		l.mu.Lock()
		if l.mode == ModePrimary {
			// HealthCheck switched back after the primary attempt.
			l.mu.Unlock()
			continue
		}
		err := op(l.fallback)
		l.mu.Unlock()
		if err != nil && !errors.Is(err, ErrNotFound) {
			if callerDone(err) {
				return err
			}
			l.log.Error("Fallback cache operation failed", "error", err)
		}
		return nil
	}
}

// mutate runs op against the active store, journaling it when it lands on the fallback.
// The fallback write and its journal entry happen under l.mu while the mode
// is still fallback, so a concurrent replay either includes it or precedes it.
func (l *Layer) mutate(entry journalEntry, op func(Store) error) error {
	for {
		if l.Mode() == ModePrimary {
			err := op(l.primary)
			if err == nil || errors.Is(err, ErrNotFound) {
				return nil
			}
			if callerDone(err) {
				return err
			}
			l.switchToFallback(err)
		}

		l.mu.Lock()
		if l.mode == ModePrimary {
			l.mu.Unlock()
			continue
		}
		err := op(l.fallback)
		if err != nil && !errors.Is(err, ErrNotFound) {
			l.mu.Unlock()
			if callerDone(err) {
				return err
			}
			l.log.Error("Fallback cache operation failed", "key", entry.key, "error", err)
			return nil
		}
		l.appendJournal(entry)
		l.mu.Unlock()
		return nil
	}
}

// appendJournal records entry. Caller holds l.mu.
func (l *Layer) appendJournal(entry journalEntry) {
	if l.primary == nil {
		return
	}
	if len(l.journal) >= l.cfg.MaxJournal {
		l.journal = l.journal[1:]
		l.dropped++
	}
	l.journal = append(l.journal, entry)
}

func (l *Layer) switchToFallback(cause error) {
	l.mu.Lock()
	switched := l.mode == ModePrimary
	if switched {
		l.mode = ModeFallback
		l.fallbacks.Add(1)
	}
	l.mu.Unlock()
	l.connected.Store(false)

	if switched {
		l.log.Warn("Cache primary unavailable, using in-process fallback", "error", cause)
		if l.OnModeChange != nil {
			l.OnModeChange(ModeFallback)
		}
	}
}

// replay applies the journal to the primary and switches back. Caller holds l.mu.
// On the first failing entry the remaining journal is kept and the layer
// stays in fallback mode.
func (l *Layer) replay(ctx context.Context) error {
	now := l.now()
	for i, e := range l.journal {
		var err error
		switch e.kind {
		case opSet:
			ttl := e.expiresAt.Sub(now)
			if ttl <= 0 {
				continue
			}
			err = l.primary.Set(ctx, e.key, e.value, ttl)
		case opDelete:
			err = l.primary.Delete(ctx, e.key)
		case opDeletePrefix:
			_, err = l.primary.DeletePrefix(ctx, e.key)
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			l.journal = l.journal[i:]
			return err
		}
	}

	if l.dropped > 0 {
		l.log.Warn("Cache journal overflowed, some fallback writes were not replayed", "dropped", l.dropped)
	}
	l.journal = nil
	l.dropped = 0
	l.mode = ModePrimary
	// Everything in the fallback now lives on the primary; a later outage
	// must not serve these entries again.
	if _, err := l.fallback.DeletePrefix(ctx, ""); err != nil {
		l.log.Debug("Fallback clear failed", "error", err)
	}
	return nil
}

// ============================================================================
// Health / metrics
// ============================================================================

// Probe 探測主存儲並回報目前模式與往返延遲，不切換模式也不重放
func (l *Layer) Probe(ctx context.Context) Health {
	if l.primary == nil {
		return Health{Status: "degraded", Mode: ModeFallback, Error: "no primary store configured"}
	}
	latency, err := l.ping(ctx)
	mode := l.Mode()
	h := Health{Status: "healthy", Mode: mode, LatencyMs: latency}
	if err != nil {
		h.Error = err.Error()
	}
	if err != nil || mode == ModeFallback {
		h.Status = "degraded"
	}
	return h
}

func (l *Layer) ping(ctx context.Context) (float64, error) {
	start := time.Now()
	err := l.primary.Ping(ctx)
	return float64(time.Since(start).Microseconds()) / 1000, err
}

// HealthCheck 探測主存儲並回報目前模式與往返延遲
//
// 若主存儲已恢復且目前處於備援模式，會先重放備援期間的寫入再切回主存儲。
// 只由 Run 呼叫；唯讀的監控請使用 Probe。
func (l *Layer) HealthCheck(ctx context.Context) Health {
	if l.primary == nil {
		return Health{Status: "degraded", Mode: ModeFallback, Error: "no primary store configured"}
	}

	latency, err := l.ping(ctx)
	if err != nil {
		if callerDone(err) {
			return Health{Status: "degraded", Mode: l.Mode(), LatencyMs: latency, Error: err.Error()}
		}
		l.switchToFallback(err)
		return Health{Status: "degraded", Mode: ModeFallback, LatencyMs: latency, Error: err.Error()}
	}

	l.mu.Lock()
	recovered := false
	if l.mode == ModeFallback {
		if rerr := l.replay(ctx); rerr != nil {
			mode := l.mode
			l.mu.Unlock()
			l.log.Warn("Cache journal replay failed", "error", rerr)
			return Health{Status: "degraded", Mode: mode, LatencyMs: latency, Error: rerr.Error()}
		}
		recovered = true
	}
	l.mu.Unlock()
	l.connected.Store(true)

	if recovered {
		l.log.Info("Cache primary recovered")
		if l.OnModeChange != nil {
			l.OnModeChange(ModePrimary)
		}
	}
	return Health{Status: "healthy", Mode: ModePrimary, LatencyMs: latency}
}

// GetMetrics reports connection state, live key count and hit rate.
func (l *Layer) GetMetrics(ctx context.Context) Metrics {
	l.mu.Lock()
	mode := l.mode
	pending := len(l.journal)
	l.mu.Unlock()

	active := l.fallback
	if mode == ModePrimary {
		active = l.primary
	}
	keys, err := active.Len(ctx)
	if err != nil {
		l.log.Debug("Cache key count unavailable", "mode", mode, "error", err)
	}

	hits, misses := l.hits.Load(), l.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Metrics{
		Connected: l.connected.Load() && mode == ModePrimary,
		Mode:      mode,
		Keys:      keys,
		Hits:      hits,
		Misses:    misses,
		HitRate:   rate,
		Fallbacks: l.fallbacks.Load(),
		Pending:   pending,
	}
}

// Run performs a HealthCheck every interval until ctx is done, and sweeps
// the fallback when it is a *MemoryStore.
func (l *Layer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.HealthCheck(ctx)
			if m, ok := l.fallback.(*MemoryStore); ok {
				m.Sweep()
			}
		}
	}
}

// Close closes both stores.
func (l *Layer) Close() error {
	var errs []error
	if l.primary != nil {
		errs = append(errs, l.primary.Close())
	}
	errs = append(errs, l.fallback.Close())
	return errors.Join(errs...)
}
