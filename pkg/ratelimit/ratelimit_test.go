package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixedLimiter(max int, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(max, window)
	l.SetClock(clock.Now)
	return l, clock
}

func TestAllowsUpToWindowMax(t *testing.T) {
	t.Parallel()
	l, _ := newFixedLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Check("token-a").OK, "request %d should pass", i)
	}

	res := l.Check("token-a")
	require.False(t, res.OK)
	assert.Equal(t, time.Minute, res.RetryAfter)
}

func TestWindowResets(t *testing.T) {
	t.Parallel()
	l, clock := newFixedLimiter(1, time.Minute)

	assert.True(t, l.Check("token-a").OK)
	assert.False(t, l.Check("token-a").OK)

	clock.Advance(time.Minute)
	assert.True(t, l.Check("token-a").OK, "new window should admit again")
}

func TestRetryAfterShrinksWithinWindow(t *testing.T) {
	t.Parallel()
	l, clock := newFixedLimiter(1, time.Minute)

	assert.True(t, l.Check("token-a").OK)
	clock.Advance(40 * time.Second)

	res := l.Check("token-a")
	require.False(t, res.OK)
	assert.Equal(t, 20*time.Second, res.RetryAfter)
}

func TestIdentitiesAreIndependent(t *testing.T) {
	t.Parallel()
	l, _ := newFixedLimiter(1, time.Minute)

	assert.True(t, l.Check("token-a").OK)
	assert.True(t, l.Check("token-b").OK)
	assert.False(t, l.Check("token-a").OK)
	assert.False(t, l.Check("token-b").OK)
}

func TestZeroMaxRejectsAll(t *testing.T) {
	t.Parallel()
	l, _ := newFixedLimiter(0, time.Minute)

	res := l.Check("anyone")
	require.False(t, res.OK)
	assert.Equal(t, time.Minute, res.RetryAfter)
}

func TestCheckWithLimitOverride(t *testing.T) {
	t.Parallel()
	l, _ := newFixedLimiter(60, time.Minute)

	// The token carries its own quota of 2/minute.
	assert.True(t, l.CheckWithLimit("token-a", 2).OK)
	assert.True(t, l.CheckWithLimit("token-a", 2).OK)
	assert.False(t, l.CheckWithLimit("token-a", 2).OK)
}

func TestConcurrentChecksNeverOveradmit(t *testing.T) {
	t.Parallel()
	l := New(50, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("shared").OK {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, admitted)
}
