// Package ratelimit implements token bucket rate limiting keyed by platform
// (or any other upstream key), shared by the HTTP adapters and fetchers.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/review-reply-crawler/internal/metrics"
)

// Rule is the rate for one key.
type Rule struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Config holds the default rule and optional per-key overrides.
type Config struct {
	DefaultRPS   float64         `mapstructure:"default_rps"`
	DefaultBurst int             `mapstructure:"default_burst"`
	PerKey       map[string]Rule `mapstructure:"per_key"`
}

// Limiter manages one token bucket per key.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      Config
}

// New creates a new Limiter. A non-positive rate means unlimited.
func New(cfg Config) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
	}
}

// Wait blocks until a token for key is available or ctx ends.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	limiter := l.limiter(key)
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", key, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(key, waited)
	}
	return nil
}

func (l *Limiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[key]; ok {
		return lim
	}
	rule := Rule{RPS: l.cfg.DefaultRPS, Burst: l.cfg.DefaultBurst}
	if override, ok := l.cfg.PerKey[key]; ok {
		rule = override
	}
	limit := rate.Limit(rule.RPS)
	if rule.RPS <= 0 {
		limit = rate.Inf
	}
	burst := rule.Burst
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(limit, burst)
	l.limiters[key] = lim
	return lim
}
