// Package budget paces pipeline work with a token bucket.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/nodereg/errors"
)

// ErrRateLimited is returned by Allow when no token is available
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter enforces a sustained rate with a burst allowance.
// A non-positive rate disables limiting.
type Limiter struct {
	mu      sync.Mutex
	perSec  float64
	burst   int
	lim     *rate.Limiter
	timeNow func() time.Time // Injectable for testing
}

// NewLimiter creates a limiter allowing perSecond events with the given burst
func NewLimiter(perSecond float64, burst int) *Limiter {
	return NewLimiterWithClock(perSecond, burst, time.Now)
}

// NewLimiterWithClock creates a limiter with an injectable clock (for testing)
func NewLimiterWithClock(perSecond float64, burst int, timeNow func() time.Time) *Limiter {
	l := &Limiter{timeNow: timeNow}
	l.configure(perSecond, burst)
	return l
}

func (l *Limiter) configure(perSecond float64, burst int) {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	l.perSec = perSecond
	l.burst = burst
	l.lim = rate.NewLimiter(limit, burst)
}

// Unlimited reports whether the limiter lets every call through
func (l *Limiter) Unlimited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perSec <= 0
}

// Allow consumes one token or returns ErrRateLimited with details
func (l *Limiter) Allow() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	if l.lim.AllowN(now, 1) {
		return nil
	}

	err := errors.Wrapf(ErrRateLimited, "%.2f calls per second (burst %d)", l.perSec, l.burst)
	err = errors.WithDetail(err, fmt.Sprintf("Tokens available: %.2f", l.lim.TokensAt(now)))
	err = errors.WithDetail(err, fmt.Sprintf("Next token in: %s", l.nextTokenLocked(now)))
	return err
}

func (l *Limiter) nextTokenLocked(now time.Time) time.Duration {
	missing := 1 - l.lim.TokensAt(now)
	if missing <= 0 || l.perSec <= 0 {
		return 0
	}
	return time.Duration(missing / l.perSec * float64(time.Second))
}

// Wait blocks until a token is available.
// Returns error if context is cancelled
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	lim := l.lim
	l.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return errors.Wrap(err, "waiting for rate limiter")
	}
	return nil
}

// SetRate reconfigures the limiter and refills the bucket
func (l *Limiter) SetRate(perSecond float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configure(perSecond, burst)
}

// Reset refills the bucket
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configure(l.perSec, l.burst)
}

// Stats returns the configured rate and the tokens currently available
func (l *Limiter) Stats() (perSecond float64, burst int, available float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	available = l.lim.TokensAt(l.timeNow())
	if available > float64(l.burst) {
		available = float64(l.burst)
	}
	return l.perSec, l.burst, available
}
