// Package ratelimit enforces per-tenant requests-per-minute limits at
// the chat endpoint. The in-memory backend serves single-instance
// deployments; the Redis backend keeps the count shared across
// replicas.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter reports whether one more request fits the tenant's
// limit, plus the remaining allowance and when the window resets.
type RateLimiter interface {
	Allow(ctx context.Context, tenantID string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

const windowLength = time.Minute

type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, tenantID string, limit int) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	w, ok := r.windows[tenantID]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(windowLength)}
		r.windows[tenantID] = w
	}

	if w.count >= limit {
		return false, 0, w.resetAt, nil
	}

	w.count++
	return true, limit - w.count, w.resetAt, nil
}

// Purge drops expired windows so idle tenants do not accumulate.
// Called periodically from the serve loop.
func (r *InMemoryRateLimiter) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, w := range r.windows {
		if now.After(w.resetAt) {
			delete(r.windows, id)
		}
	}
}
