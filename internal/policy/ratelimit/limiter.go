// Package ratelimit throttles analyzer requests per target host with token
// buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/site-insights/internal/telemetry"
)

// Config holds rate limiter configuration. A non-positive RPS disables throttling.
type Config struct {
	RPS   float64
	Burst int
}

// Limiter keeps one token bucket per host.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      r,
		burst:    burst,
	}
}

// Wait blocks until the host of rawURL has a token or ctx is done.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := Host(rawURL)
	limiter := l.forHost(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Backoff halves the host's rate after a throttling response (429/503),
// never dropping below one request per minute. Other statuses are ignored.
func (l *Limiter) Backoff(rawURL string, statusCode int) {
	if statusCode != 429 && statusCode != 503 {
		return
	}
	limiter := l.forHost(Host(rawURL))
	current := limiter.Limit()
	if current == rate.Inf {
		current = 1
	}
	next := current / 2
	if floor := rate.Every(time.Minute); next < floor {
		next = floor
	}
	limiter.SetLimit(next)
}

// Limit returns the current rate for the host of rawURL.
func (l *Limiter) Limit(rawURL string) rate.Limit {
	return l.forHost(Host(rawURL)).Limit()
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters[host] = limiter
	}
	return limiter
}

// Host extracts the lowercase hostname used as the bucket key, or "unknown".
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
