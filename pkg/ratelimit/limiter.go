// Package ratelimit throttles how fast any single actor may submit actions.
// The breaker protects targets from coordinated volume; this protects the
// breaker itself from one actor flooding the ingestion path.
package ratelimit

import (
	"sync"
	"time"
)

// Decision reports whether an actor's submission is within its ingest budget.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(actorID string, limit int) Decision
}

// InMemoryLimiter is a fixed-window per-actor counter for single-node
// deployments and as the fallback when redis is unreachable.
type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[string]bucket
}

type bucket struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window:  window,
		buckets: make(map[string]bucket),
	}
}

func (l *InMemoryLimiter) Allow(actorID string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireLocked(now)
	curr, ok := l.buckets[actorID]
	if !ok || now.After(curr.resetAt) {
		curr = bucket{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.buckets[actorID] = curr
	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   curr.count <= limit,
		Count:     curr.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

func (l *InMemoryLimiter) expireLocked(now time.Time) {
	for actor, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, actor)
		}
	}
}
