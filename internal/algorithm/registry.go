// ============================================================================
// Algorithm Registry - optimization functions looked up by algorithmId
// ============================================================================
//
// Package: internal/algorithm
// File: registry.go
// Function: Map algorithm identifiers to the functions the workers invoke
//
// An algorithm is opaque to the engine: it receives the schedule snapshot and
// returns numeric metrics. It must return promptly once ctx is done; the
// worker treats a ctx error as cancellation or timeout, never as success.
//
// ============================================================================

package algorithm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/sched-optimizer/pkg/types"
)

var (
	// ErrUnknownAlgorithm 找不到對應的演算法
	ErrUnknownAlgorithm = errors.New("unknown algorithm")
	// ErrDuplicateAlgorithm 演算法 ID 已註冊
	ErrDuplicateAlgorithm = errors.New("algorithm already registered")
)

// Func 演算法函式簽名
type Func func(ctx context.Context, data types.ScheduleData) (types.Metrics, error)

// Registry holds the available algorithms. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under id.
func (r *Registry) Register(id string, fn Func) error {
	if fn == nil {
		return fmt.Errorf("algorithm %q: nil func", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAlgorithm, id)
	}
	r.funcs[id] = fn
	return nil
}

// Lookup returns the function registered under id.
func (r *Registry) Lookup(id string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, id)
	}
	return fn, nil
}

// IDs lists the registered identifiers, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.funcs))
	for id := range r.funcs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
