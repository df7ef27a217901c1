package suggest

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// RateLimiter enforces per-tenant limits on LLM calls so one noisy tenant
// cannot exhaust the provider quota for everyone.
//
// Uses a sliding window algorithm: each window tracks call counts per
// tenant, and expired windows are garbage-collected periodically.
type RateLimiter struct {
	mu       sync.RWMutex
	windows  map[string]*rateLimitWindow
	defaults RateLimitConfig
	logger   *log.Logger
	now      func() time.Time
}

// RateLimitConfig defines the rate limiting thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int // Default max LLM calls per minute per tenant
	BurstSize         int // Allow temporary bursts above the limit
}

type rateLimitWindow struct {
	count       atomic.Int64
	windowStart time.Time
}

// NewRateLimiter creates a new rate limiter with the given defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxCallsPerMinute == 0 {
		cfg.MaxCallsPerMinute = 30
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}

	rl := &RateLimiter{
		windows:  make(map[string]*rateLimitWindow),
		defaults: cfg,
		logger:   log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		now:      time.Now,
	}

	go rl.cleanup()

	return rl
}

// Allow checks if an LLM call for the given tenant should proceed.
// Returns true if within limits.
//
// Read-first pattern: only acquires the write lock when a new window must
// be created or the window has expired. Existing-window checks use RLock
// to reduce contention; the counter is atomic so concurrent increments
// under the read lock stay race-free.
func (rl *RateLimiter) Allow(tenantID string) bool {
	now := rl.now()

	rl.mu.RLock()
	window, exists := rl.windows[tenantID]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		count := window.count.Add(1)
		rl.mu.RUnlock()

		if count > int64(rl.defaults.BurstSize) {
			rl.logger.Printf("rate limit exceeded (burst): tenant=%s count=%d limit=%d",
				tenantID, count, rl.defaults.BurstSize)
			return false
		}
		if count > int64(rl.defaults.MaxCallsPerMinute) {
			rl.logger.Printf("rate limit exceeded: tenant=%s count=%d limit=%d",
				tenantID, count, rl.defaults.MaxCallsPerMinute)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Another goroutine may have created the window meanwhile
	window, exists = rl.windows[tenantID]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		return window.count.Add(1) <= int64(rl.defaults.BurstSize)
	}

	fresh := &rateLimitWindow{windowStart: now}
	fresh.count.Store(1)
	rl.windows[tenantID] = fresh
	return true
}

// cleanup periodically removes expired windows to prevent memory leaks.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := rl.now()
		for tenantID, window := range rl.windows {
			if now.Sub(window.windowStart) > 2*time.Minute {
				delete(rl.windows, tenantID)
			}
		}
		rl.mu.Unlock()
	}
}

// Stats returns current rate limiter statistics.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return map[string]interface{}{
		"active_windows":    len(rl.windows),
		"max_calls_per_min": rl.defaults.MaxCallsPerMinute,
		"burst_size":        rl.defaults.BurstSize,
	}
}
