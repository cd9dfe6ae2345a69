package budget

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/nodereg/errors"
)

// fakeClock is a manually advanced time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) tick(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func limiterAt(perSecond float64, burst int) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewLimiterWithClock(perSecond, burst, clock.Now), clock
}

// allowed counts how many of n back-to-back calls get through
func allowed(l *Limiter, n int) int {
	ok := 0
	for i := 0; i < n; i++ {
		if l.Allow() == nil {
			ok++
		}
	}
	return ok
}

func TestLimiterBurstIsSpentBeforeRejecting(t *testing.T) {
	l, _ := limiterAt(2, 5)

	assert.Equal(t, 5, allowed(l, 5))
	err := l.Allow()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.NotEmpty(t, errors.GetAllDetails(err), "rejection carries available tokens and next token time")
	t.Logf("꩜ rejected: %v", err)
}

func TestLimiterRefillsAtItsRate(t *testing.T) {
	l, clock := limiterAt(2, 1)
	require.NoError(t, l.Allow())
	require.Error(t, l.Allow())

	clock.tick(500 * time.Millisecond)
	assert.Equal(t, 1, allowed(l, 3), "half a second at 2/s earns one token")

	// a steady caller at exactly the rate is never rejected
	slow, slowClock := limiterAt(1, 1)
	for second := 0; second < 30; second++ {
		require.NoError(t, slow.Allow(), "second %d", second)
		slowClock.tick(time.Second)
	}
}

func TestLimiterZeroRateIsUnlimited(t *testing.T) {
	l := NewLimiter(0, 0)
	assert.True(t, l.Unlimited())
	assert.Equal(t, 1000, allowed(l, 1000))
}

func TestLimiterResetAndSetRate(t *testing.T) {
	l, _ := limiterAt(1, 3)
	assert.Equal(t, 3, allowed(l, 4))

	l.Reset()
	assert.Equal(t, 3, allowed(l, 3), "reset refills the bucket")

	l.SetRate(10, 10)
	perSec, burst, available := l.Stats()
	assert.Equal(t, 10.0, perSec)
	assert.Equal(t, 10, burst)
	assert.Equal(t, 10.0, available, "new rate starts with a full bucket")
}

func TestLimiterConcurrentCallersShareOneBucket(t *testing.T) {
	l, _ := limiterAt(0.001, 100)

	var ok atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok.Add(int64(allowed(l, 20)))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 100, ok.Load())
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	l := NewLimiter(0.001, 1)
	require.NoError(t, l.Wait(context.Background()), "first wait spends the burst token")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx), "no token can arrive before the deadline")
}
