package proxy

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the limiter's notion of now in tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(perMinute int) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := NewRateLimiter(perMinute)
	l.now = clock.now
	return l, clock
}

// =============================================================================
// ADMISSION
// =============================================================================

func TestRateLimiter_AdmitsUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Admit("client"), "request %d should be admitted", i)
	}
	assert.False(t, l.Admit("client"), "request beyond limit should be denied")
}

func TestRateLimiter_SameInstantBurst(t *testing.T) {
	// All requests share one timestamp; each still counts individually.
	l, _ := newTestLimiter(3)

	assert.True(t, l.Admit("client"))
	assert.True(t, l.Admit("client"))
	assert.True(t, l.Admit("client"))
	assert.False(t, l.Admit("client"))
}

func TestRateLimiter_DeniedRequestNotRecorded(t *testing.T) {
	l, clock := newTestLimiter(2)

	require.True(t, l.Admit("client"))
	require.True(t, l.Admit("client"))

	// Hammer the denied path; it must not extend the window.
	for i := 0; i < 10; i++ {
		assert.False(t, l.Admit("client"))
	}

	clock.advance(61 * time.Second)
	assert.True(t, l.Admit("client"), "window should fully clear despite denied attempts")
}

// =============================================================================
// WINDOW EXPIRY
// =============================================================================

func TestRateLimiter_WindowSlides(t *testing.T) {
	l, clock := newTestLimiter(2)

	require.True(t, l.Admit("client"))
	clock.advance(30 * time.Second)
	require.True(t, l.Admit("client"))
	require.False(t, l.Admit("client"))

	// First entry ages out at t+60; second is still live.
	clock.advance(31 * time.Second)
	assert.True(t, l.Admit("client"))
	assert.False(t, l.Admit("client"))
}

func TestRateLimiter_ExactBoundaryNotExpired(t *testing.T) {
	l, clock := newTestLimiter(1)

	require.True(t, l.Admit("client"))

	// At exactly 60s the entry is still inside the window.
	clock.advance(60 * time.Second)
	assert.False(t, l.Admit("client"))

	clock.advance(time.Nanosecond)
	assert.True(t, l.Admit("client"))
}

// =============================================================================
// KEY ISOLATION
// =============================================================================

func TestRateLimiter_KeysIndependent(t *testing.T) {
	l, _ := newTestLimiter(1)

	assert.True(t, l.Admit("alice"))
	assert.True(t, l.Admit("bob"))
	assert.False(t, l.Admit("alice"))
	assert.False(t, l.Admit("bob"))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestRateLimiter_ConcurrentAdmissions(t *testing.T) {
	const limit = 50
	l, _ := newTestLimiter(limit)

	var wg sync.WaitGroup
	admitted := make(chan bool, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted <- l.Admit("shared")
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for ok := range admitted {
		if ok {
			count++
		}
	}
	assert.Equal(t, limit, count, "exactly the limit should be admitted under contention")
}

// =============================================================================
// BUCKET SWEEP
// =============================================================================

func TestRateLimiter_SweepsDeadBuckets(t *testing.T) {
	l, clock := newTestLimiter(10)

	for i := 0; i < maxRateLimitBuckets+1; i++ {
		require.True(t, l.Admit(fmt.Sprintf("client-%d", i)))
	}
	require.Greater(t, len(l.windows), maxRateLimitBuckets)

	// Every bucket is dead now; the next admission over the cap sweeps them.
	clock.advance(61 * time.Second)
	require.True(t, l.Admit("fresh"))
	assert.LessOrEqual(t, len(l.windows), 2)
}
