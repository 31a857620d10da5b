// Package ratelimit paces requests per host. Each host gets a token bucket at
// the configured default rate, slowed further when robots.txt asks for a
// crawl delay.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/site-archiver/internal/metrics"
)

// Config holds limiter configuration.
type Config struct {
	// DefaultRPS is the per-host request rate; <= 0 means unlimited.
	DefaultRPS   float64
	DefaultBurst int
}

// Limiter manages per-host rate limits. It is safe for concurrent use.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// SetCrawlDelay slows host down to one request per delay when that is
// stricter than the default rate. Burst drops to one so successive requests
// are spaced by at least delay.
func (l *Limiter) SetCrawlDelay(host string, delay time.Duration) {
	if delay <= 0 {
		return
	}
	host = strings.ToLower(host)
	every := rate.Every(delay)
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter := l.limiterLocked(host)
	if every < limiter.Limit() {
		limiter.SetLimit(every)
		limiter.SetBurst(1)
	}
}

// Limit returns the effective rate for host.
func (l *Limiter) Limit(host string) rate.Limit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiterLocked(strings.ToLower(host)).Limit()
}

// Wait blocks until a token is available for the host of rawURL.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		domain = strings.ToLower(u.Hostname())
	}
	l.mu.Lock()
	limiter := l.limiterLocked(domain)
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}

func (l *Limiter) limiterLocked(host string) *rate.Limiter {
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = limiter
	}
	return limiter
}
