package trade

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestAccountLimiter_BurstThenRefill(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewAccountLimiter(10, 10)
	l.now = fixedClock(&now)

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("alice"), "order %d within burst", i)
	}
	assert.False(t, l.Allow("alice"), "11th order in the same instant")
	assert.True(t, l.Allow("bob"), "accounts have separate buckets")

	now = now.Add(100 * time.Millisecond)
	assert.True(t, l.Allow("alice"), "one token back after 100ms")
	assert.False(t, l.Allow("alice"))

	now = now.Add(time.Second)
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("alice"), "order %d after a full second", i)
	}
}

func TestAccountLimiter_DropsIdleBuckets(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewAccountLimiter(10, 10)
	l.now = fixedClock(&now)

	l.Allow("alice")
	now = now.Add(30 * time.Second)
	l.Allow("bob")
	assert.Equal(t, 2, l.tracked())

	now = now.Add(45 * time.Second)
	l.Allow("carol")
	assert.Equal(t, 2, l.tracked(), "alice idle for 75s is dropped, bob at 45s stays")
}
