package suggest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 3, BurstSize: 3})
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("tenant-a"))
	}
	assert.False(t, rl.Allow("tenant-a"))
}

func TestRateLimiterIsolatesTenants(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1})
	assert.True(t, rl.Allow("tenant-a"))
	assert.False(t, rl.Allow("tenant-a"))
	assert.True(t, rl.Allow("tenant-b"))
}

func TestRateLimiterWindowResets(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1})
	current := time.Now()
	rl.now = func() time.Time { return current }

	assert.True(t, rl.Allow("tenant-a"))
	assert.False(t, rl.Allow("tenant-a"))

	current = current.Add(61 * time.Second)
	assert.True(t, rl.Allow("tenant-a"))
}
