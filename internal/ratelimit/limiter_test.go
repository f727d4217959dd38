package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platefeed/recipe-harvester/internal/recipe"
)

func policyWithRPM(rpm int) recipe.RateLimitPolicy {
	return recipe.RateLimitPolicy{MaxRequestsPerMinute: rpm}
}

// fakeClock is a manually advanced clock shared by limiter tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTryAcquireExhaustsAndRefills(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	l := New(clk, Config{})
	// 10 tokens, refilled at 5 per minute.
	l.Register("providerA", 10, 5.0/60.0)

	for i := 0; i < 10; i++ {
		require.True(t, l.TryAcquire("providerA", 1), "acquire %d", i)
	}
	require.False(t, l.TryAcquire("providerA", 1), "bucket should be empty")

	// One token refills after 12 seconds at 5/min.
	clk.Advance(12 * time.Second)
	require.True(t, l.TryAcquire("providerA", 1))
	require.False(t, l.TryAcquire("providerA", 1))
}

func TestTokensStayWithinBounds(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	l := New(clk, Config{})
	l.Register("providerA", 5, 1)

	steps := []struct {
		advance time.Duration
		acquire int
	}{
		{0, 3}, {2 * time.Second, 4}, {10 * time.Second, 0},
		{time.Hour, 2}, {0, 10}, {500 * time.Millisecond, 1},
	}
	for _, step := range steps {
		clk.Advance(step.advance)
		for i := 0; i < step.acquire; i++ {
			l.TryAcquire("providerA", 1)
		}
		st := l.GetStatus("providerA")
		require.GreaterOrEqual(t, st.Remaining, 0)
		require.LessOrEqual(t, st.Remaining, 5)
	}
}

func TestGetStatusReportsResetTime(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	l := New(clk, Config{})
	l.Register("providerA", 10, 5.0/60.0)

	st := l.GetStatus("providerA")
	require.Equal(t, 10, st.Remaining)
	require.False(t, st.Limited)
	require.Zero(t, st.ResetAfter)

	for i := 0; i < 10; i++ {
		require.True(t, l.TryAcquire("providerA", 1))
	}
	st = l.GetStatus("providerA")
	require.Zero(t, st.Remaining)
	require.True(t, st.Limited)
	require.InDelta(t, (12 * time.Second).Seconds(), st.ResetAfter.Seconds(), 0.01)
}

func TestGetStatusClampsResetForTinyRefillRates(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	l := New(clk, Config{})
	l.Register("providerA", 2, 0.0001)

	require.True(t, l.TryAcquire("providerA", 2))
	st := l.GetStatus("providerA")
	require.True(t, st.Limited)
	// Clamped to the full-bucket refill horizon: 2 / 0.0001 seconds.
	require.LessOrEqual(t, st.ResetAfter, 20000*time.Second)
	require.Greater(t, st.ResetAfter, time.Duration(0))
}

func TestResetRefillsBucket(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	l := New(clk, Config{})
	l.Register("providerA", 3, 0.01)

	require.True(t, l.TryAcquire("providerA", 3))
	require.False(t, l.TryAcquire("providerA", 1))

	l.Reset("providerA")
	require.True(t, l.TryAcquire("providerA", 3))
}

func TestBucketsAreIndependentPerProvider(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	l := New(clk, Config{})
	l.Register("providerA", 1, 0.01)
	l.Register("providerB", 1, 0.01)

	require.True(t, l.TryAcquire("providerA", 1))
	require.False(t, l.TryAcquire("providerA", 1))
	require.True(t, l.TryAcquire("providerB", 1))
}

func TestRegisterPolicyDerivesBucketFromRateLimitPolicy(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	l := New(clk, Config{})
	l.RegisterPolicy("providerA", policyWithRPM(30))

	for i := 0; i < 30; i++ {
		require.True(t, l.TryAcquire("providerA", 1))
	}
	require.False(t, l.TryAcquire("providerA", 1))

	// 30/min refills one token every 2 seconds.
	clk.Advance(2 * time.Second)
	require.True(t, l.TryAcquire("providerA", 1))
}

func TestConcurrentAcquiresNeverOverdraw(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	l := New(clk, Config{})
	l.Register("providerA", 50, 0)

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if l.TryAcquire("providerA", 1) {
					granted.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(50), granted.Load())
}

func TestUnregisteredProviderUsesDefaults(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	l := New(clk, Config{DefaultMaxTokens: 2, DefaultRefillPerSecond: 1})

	require.True(t, l.TryAcquire("unseen", 1))
	require.True(t, l.TryAcquire("unseen", 1))
	require.False(t, l.TryAcquire("unseen", 1))
}
