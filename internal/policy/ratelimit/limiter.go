// Package ratelimit implements per-host token bucket rate limiting for fetches.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration.
type Config struct {
	// PerHostRPS is the sustained fetch rate per host. Zero or less disables limiting.
	PerHostRPS float64
	Burst      int
	// Overrides sets a different rate for specific hosts.
	Overrides map[string]float64
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burst     int
	overrides map[string]rate.Limit
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.PerHostRPS)
	if cfg.PerHostRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	overrides := make(map[string]rate.Limit, len(cfg.Overrides))
	for host, rps := range cfg.Overrides {
		overrides[strings.ToLower(host)] = rate.Limit(rps)
	}
	return &Limiter{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burst:     burst,
		overrides: overrides,
	}
}

// Wait blocks until host may be fetched again or ctx is done.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	if err := l.limiter(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait %s: %w", host, err)
	}
	return nil
}

// Hosts returns how many hosts have a bucket.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) limiter(host string) *rate.Limiter {
	host = strings.ToLower(host)
	if host == "" {
		host = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		r := l.rate
		if o, found := l.overrides[host]; found && o > 0 {
			r = o
		}
		limiter = rate.NewLimiter(r, l.burst)
		l.limiters[host] = limiter
	}
	return limiter
}
