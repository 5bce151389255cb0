// Package ratelimit implements a per-site token bucket limiter for task submissions.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/turnstile-solver/internal/telemetry"
)

// Limiter holds one token bucket per target site.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration. A non-positive RPS disables limiting.
type Config struct {
	RPS   float64
	Burst int
}

// New creates a new Limiter.
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
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Enabled reports whether the limiter can ever refuse a request.
func (l *Limiter) Enabled() bool {
	return l != nil && l.defaultRate != rate.Inf
}

// Allow reports whether a task for rawURL may start now, consuming a token if so.
func (l *Limiter) Allow(rawURL string) bool {
	if !l.Enabled() {
		return true
	}
	site := telemetry.SanitizeSite(rawURL)
	if l.forSite(site).Allow() {
		return true
	}
	telemetry.ObserveRateLimited(site)
	return false
}

// Sites returns how many distinct sites currently hold a bucket.
func (l *Limiter) Sites() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) forSite(site string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[site]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[site] = limiter
	}
	return limiter
}
