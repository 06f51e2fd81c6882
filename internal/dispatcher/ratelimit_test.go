package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Allow_ConsumesCapacityThenBlocks(t *testing.T) {
	rl := NewRateLimiter(2, 0)

	assert.True(t, rl.Allow("user-1"), "first token should be available")
	assert.True(t, rl.Allow("user-1"), "second token should be available")
	assert.False(t, rl.Allow("user-1"), "capacity exhausted, third call should be blocked")
}

func TestRateLimiter_Allow_TracksBucketsPerUser(t *testing.T) {
	rl := NewRateLimiter(1, 0)

	assert.True(t, rl.Allow("user-1"))
	assert.False(t, rl.Allow("user-1"))
	assert.True(t, rl.Allow("user-2"), "a different user must have an independent bucket")
}

func TestRateLimiter_Allow_RefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(1, 1000) // fast refill so the test doesn't sleep long

	assert.True(t, rl.Allow("user-1"))
	assert.False(t, rl.Allow("user-1"))

	time.Sleep(5 * time.Millisecond)

	assert.True(t, rl.Allow("user-1"), "bucket should have refilled after enough elapsed time")
}

func TestTokenBucket_Allow_NeverExceedsCapacity(t *testing.T) {
	b := newTokenBucket(3, 1000)
	time.Sleep(10 * time.Millisecond) // would overfill without the capacity clamp

	count := 0
	for i := 0; i < 10; i++ {
		if b.allow() {
			count++
		}
	}
	assert.LessOrEqual(t, count, 3, "tokens must never exceed capacity regardless of elapsed time")
}
