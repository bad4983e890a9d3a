// Package ratelimit gates venue calls with a per-client token interval.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/coachpo/tradeplane/errs"
)

const (
	// DefaultRetries is the number of backoff sleeps before a call is refused.
	DefaultRetries = 3
	backoffFactor  = 2
)

// Limiter enforces a minimum interval of 1/rate between calls.
//
// State is private to the limiter; two venue clients never share one unless
// constructed to do so.
type Limiter struct {
	exchange string
	rate     float64
	retries  int

	mu      sync.Mutex
	bucket  *rate.Limiter
	last    time.Time
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
	onWait  func(time.Duration)
	onLimit func()
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock and sleeper, mainly for tests.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// WithRetries overrides the number of backoff retries.
func WithRetries(n int) Option {
	return func(l *Limiter) {
		if n >= 0 {
			l.retries = n
		}
	}
}

// WithObserver registers callbacks for waits and exhausted budgets.
func WithObserver(onWait func(time.Duration), onLimit func()) Option {
	return func(l *Limiter) {
		l.onWait = onWait
		l.onLimit = onLimit
	}
}

// New builds a limiter allowing perSecond calls per second.
func New(exchange string, perSecond float64, opts ...Option) (*Limiter, error) {
	if perSecond <= 0 || math.IsNaN(perSecond) || math.IsInf(perSecond, 0) {
		return nil, errs.Validation("rate must be a positive finite number",
			errs.WithExchange(exchange),
			errs.WithField("rate", strconv.FormatFloat(perSecond, 'f', -1, 64)))
	}
	l := &Limiter{
		exchange: exchange,
		rate:     perSecond,
		retries:  DefaultRetries,
		bucket:   rate.NewLimiter(rate.Limit(perSecond), 1),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Rate returns the configured calls per second.
func (l *Limiter) Rate() float64 { return l.rate }

// MinInterval returns 1/rate.
func (l *Limiter) MinInterval() time.Duration {
	return time.Duration(float64(time.Second) / l.rate)
}

// Wait blocks until a call may proceed. When the deficit persists after the
// retry budget it returns a rate-limit error; the limiter stays usable.
func (l *Limiter) Wait(ctx context.Context) error {
	policy := &backoff.ExponentialBackOff{
		RandomizationFactor: 0,
		Multiplier:          backoffFactor,
	}
	for attempt := 0; ; attempt++ {
		now := l.now()
		l.mu.Lock()
		if l.bucket.AllowN(now, 1) {
			l.last = now
			l.mu.Unlock()
			return nil
		}
		deficit := l.deficitLocked(now)
		elapsed := now.Sub(l.last)
		l.mu.Unlock()

		if attempt >= l.retries {
			if l.onLimit != nil {
				l.onLimit()
			}
			return errs.RateLimited(l.exchange, "rate limit exceeded",
				errs.WithField("rate_limit", strconv.FormatFloat(l.rate, 'f', -1, 64)),
				errs.WithField("elapsed", elapsed.String()))
		}
		if attempt == 0 {
			policy.InitialInterval = deficit
			policy.MaxInterval = deficit << l.retries
			policy.Reset()
		}
		wait := policy.NextBackOff()
		if l.onWait != nil {
			l.onWait(wait)
		}
		if err := l.sleep(ctx, wait); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
}

func (l *Limiter) deficitLocked(now time.Time) time.Duration {
	missing := 1 - l.bucket.TokensAt(now)
	if missing <= 0 {
		return time.Nanosecond
	}
	d := time.Duration(math.Ceil(missing / l.rate * float64(time.Second)))
	if d <= 0 {
		d = time.Nanosecond
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
