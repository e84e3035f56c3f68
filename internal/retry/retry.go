// Package retry implements bounded exponential backoff for platform fetches
// and reply delivery.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

// Config bounds a Policy.
type Config struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	// Jitter spreads each wait over [delay/2, delay).
	Jitter bool `mapstructure:"jitter"`
}

// Policy is an exponential backoff policy.
type Policy struct {
	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a policy, filling unset fields with defaults of three attempts
// starting at 250ms and capped at 5s.
func New(cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Policy{cfg: cfg, sleep: sleepCtx}
}

// MaxAttempts returns the attempt ceiling.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// ShouldRetry reports whether a failure on the given 1-based attempt may be
// retried. Only transient fetch errors and network timeouts qualify; auth
// expiry and cancellation never do. A bare deadline is not retried, one
// classified as transient (a per-request timeout) is.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.cfg.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, review.ErrAuthExpired) {
		return false
	}
	if review.IsTransient(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Delay is the un-jittered wait after the given 1-based attempt:
// base * 2^(attempt-1), capped at MaxDelay.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// Backoff returns the wait before the next attempt, jittered when enabled.
func (p *Policy) Backoff(attempt int) time.Duration {
	delay := p.Delay(attempt)
	if !p.cfg.Jitter {
		return delay
	}
	return delay/2 + randomJitter(delay/2)
}

// Do calls fn until it succeeds, fails permanently or attempts run out. It
// returns the number of retries performed and the last error.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	retries := 0
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil || ctx.Err() != nil || !p.ShouldRetry(err, attempt) {
			return retries, err
		}
		if serr := p.sleep(ctx, p.Backoff(attempt)); serr != nil {
			return retries, errors.Join(err, serr)
		}
		retries++
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
