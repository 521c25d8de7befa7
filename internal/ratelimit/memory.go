// Package ratelimit throttles job submissions per source IP.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Limiter decides whether a submission from ip is accepted. A bypassed
// submission is always accepted and never touches the cooldown timer.
type Limiter interface {
	ShouldAccept(ctx context.Context, ip string, bypass bool) bool
	// RetryAfter reports how long ip still has to wait. Zero means a
	// submission would be accepted now.
	RetryAfter(ctx context.Context, ip string) time.Duration
}

// MemoryLimiter keeps the last accepted submission time per IP in a map.
// Entries idle for longer than the eviction period are swept by Run.
type MemoryLimiter struct {
	mu         sync.Mutex
	lastAccept map[string]time.Time
	cooldown   time.Duration
	idleEvict  time.Duration
	now        func() time.Time
	log        *zap.Logger
}

// NewMemoryLimiter creates a limiter with the given cooldown window.
// idleEviction of zero keeps entries for the life of the process.
func NewMemoryLimiter(cooldown, idleEviction time.Duration, logger *zap.Logger) *MemoryLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idleEviction > 0 && idleEviction < cooldown {
		idleEviction = cooldown
	}
	return &MemoryLimiter{
		lastAccept: make(map[string]time.Time),
		cooldown:   cooldown,
		idleEvict:  idleEviction,
		now:        time.Now,
		log:        logger,
	}
}

// WithClock replaces the time source (tests).
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

// ShouldAccept implements Limiter. The check and the update happen under one
// lock, so concurrent submissions from one IP admit at most one per window.
func (l *MemoryLimiter) ShouldAccept(_ context.Context, ip string, bypass bool) bool {
	if bypass {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.lastAccept[ip]; ok && now.Sub(last) <= l.cooldown {
		return false
	}
	l.lastAccept[ip] = now
	return true
}

// RetryAfter implements Limiter.
func (l *MemoryLimiter) RetryAfter(_ context.Context, ip string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, ok := l.lastAccept[ip]
	if !ok {
		return 0
	}
	remaining := l.cooldown - l.now().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Len returns the number of tracked IPs.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lastAccept)
}

// Sweep removes entries idle for longer than the eviction period and
// returns how many were removed.
func (l *MemoryLimiter) Sweep() int {
	if l.idleEvict <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for ip, last := range l.lastAccept {
		if now.Sub(last) > l.idleEvict {
			delete(l.lastAccept, ip)
			removed++
		}
	}
	return removed
}

// Run sweeps idle entries periodically until ctx is done.
func (l *MemoryLimiter) Run(ctx context.Context) {
	if l.idleEvict <= 0 {
		return
	}

	ticker := time.NewTicker(l.idleEvict)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.log.Debug("[RATELIMIT] evicted idle entries", zap.Int("count", n))
			}
		}
	}
}
