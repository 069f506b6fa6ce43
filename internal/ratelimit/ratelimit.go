// Package ratelimit provides per-client request limiting for the HTTP API.
//
// The server ships an in-memory token bucket (MemoryLimiter) per route class.
// A shared store could replace it for multi-instance deployments; the Limiter
// interface is the contract.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// Returning an error signals a limiter malfunction; callers
	// treat errors as fail-open rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// RetryHinter is implemented by limiters that can suggest a Retry-After.
type RetryHinter interface {
	RetryAfter() time.Duration
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
