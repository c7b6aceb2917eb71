// ============================================================================
// Cache Stores - key/value backends with TTL
// ============================================================================
//
// Package: internal/cache
// File: store.go
// Function: Backend contract shared by the primary (badger) and fallback
//           (in-process map) stores
//
// Entry invariant:
//   A read never returns an entry whose expiry has passed. Expired entries
//   behave exactly like absent ones (ErrNotFound).
//
// ============================================================================

package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound 鍵不存在或已過期
	ErrNotFound = errors.New("cache: key not found")
	// ErrClosed 存儲已關閉
	ErrClosed = errors.New("cache: store closed")
)

// Store is a TTL-bearing key/value backend. A ttl <= 0 means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix and returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	// Len counts live (unexpired) keys.
	Len(ctx context.Context) (int, error)
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}
