package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBlockedUsersGetDecoy(t *testing.T) {
	g := New(Config{Blocked: []string{" Mallory "}})
	v := g.Check("mallory")
	assert.True(t, v.Decoy())
	assert.Equal(t, ReasonBlocked, v.Reason)

	g.Unblock("MALLORY")
	assert.True(t, g.Check("mallory").Allowed)
}

func TestRateLimitPerUser(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := New(Config{RatePerMinute: 60, Burst: 2})
	g.now = func() time.Time { return now }

	assert.True(t, g.Check("alice").Allowed)
	assert.True(t, g.Check("alice").Allowed)
	v := g.Check("alice")
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonRateLimit, v.Reason)

	// 其他用户不受影响。
	assert.True(t, g.Check("bob").Allowed)

	now = now.Add(time.Second)
	assert.True(t, g.Check("alice").Allowed)
}

func TestUnlimitedByDefault(t *testing.T) {
	g := New(Config{})
	for i := 0; i < 100; i++ {
		assert.True(t, g.Check("").Allowed)
	}
}

func TestIdleBucketsAreSwept(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := New(Config{RatePerMinute: 1, Burst: 1, IdleTTL: time.Minute})
	g.now = func() time.Time { return now }
	g.Check("a")
	now = now.Add(2 * time.Minute)
	g.Check("b")
	_, ok := g.buckets["a"]
	assert.False(t, ok)
}
