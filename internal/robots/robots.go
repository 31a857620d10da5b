// Package robots enforces robots.txt directives per host: Disallow rules for
// the crawler's user agent plus the Crawl-delay and Request-rate pacing hints.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

const maxRobotsBytes = 1 << 20

// Config controls robots.txt handling.
type Config struct {
	Respect   bool
	UserAgent string
	Timeout   time.Duration
	// Client overrides the HTTP client used for robots.txt requests.
	Client *http.Client
}

// Rules is the parsed robots.txt of a single host.
type Rules struct {
	group    *robotstxt.Group
	delay    time.Duration
	sitemaps []string
}

// Allowed applies the longest-match Disallow/Allow rules to the request URI.
func (r *Rules) Allowed(u *url.URL) bool {
	if r == nil || r.group == nil {
		return true
	}
	return r.group.Test(u.RequestURI())
}

// Delay is the more restrictive of Crawl-delay and Request-rate.
func (r *Rules) Delay() time.Duration {
	if r == nil {
		return 0
	}
	return r.delay
}

// Sitemaps lists Sitemap directives.
func (r *Rules) Sitemaps() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.sitemaps...)
}

// Policy fetches robots.txt once per host and caches the result for the run.
type Policy struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
	cache     sync.Map
	group     singleflight.Group
}

// New builds a robots policy. When respect is off every URL is allowed and no
// delay is reported.
func New(cfg Config, logger *zap.Logger) crawler.RobotsPolicy {
	if !cfg.Respect {
		return allowAll{}
	}
	return NewPolicy(cfg, logger)
}

// NewPolicy builds an enforcing Policy.
func NewPolicy(cfg Config, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Policy{
		client:    client,
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// Allowed implements crawler.RobotsPolicy. Fetch or parse failures allow the
// URL and are logged as warnings.
func (p *Policy) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	rules := p.Load(ctx, parsed)
	return rules.Allowed(parsed)
}

// CrawlDelay implements crawler.RobotsPolicy.
func (p *Policy) CrawlDelay(ctx context.Context, rawURL string) time.Duration {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return 0
	}
	return p.Load(ctx, parsed).Delay()
}

// Sitemaps returns the Sitemap directives for the host of rawURL.
func (p *Policy) Sitemaps(ctx context.Context, rawURL string) []string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil
	}
	return p.Load(ctx, parsed).Sitemaps()
}

// Load returns the cached rules for the host of u, fetching robots.txt on
// first use. It never fails: unusable robots.txt yields permissive rules.
func (p *Policy) Load(ctx context.Context, u *url.URL) *Rules {
	hostKey := strings.ToLower(u.Scheme + "://" + u.Host)
	if cached, ok := p.cache.Load(hostKey); ok {
		if rules, ok := cached.(*Rules); ok {
			return rules
		}
	}
	v, _, _ := p.group.Do(hostKey, func() (any, error) {
		if cached, ok := p.cache.Load(hostKey); ok {
			return cached, nil
		}
		rules, err := p.fetch(ctx, u)
		if err != nil {
			p.logger.Warn("robots unavailable; allowing access", zap.String("host", u.Host), zap.Error(err))
			rules = &Rules{}
		}
		p.cache.Store(hostKey, rules)
		return rules, nil
	})
	rules, _ := v.(*Rules)
	return rules
}

func (p *Policy) fetch(ctx context.Context, u *url.URL) (*Rules, error) {
	robotsURL := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("robots status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	return Parse(resp.StatusCode, body, p.userAgent)
}

// Parse builds Rules from a robots.txt response for userAgent.
func Parse(status int, body []byte, userAgent string) (*Rules, error) {
	data, err := robotstxt.FromStatusAndBytes(status, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	rules := &Rules{group: data.FindGroup(userAgent), sitemaps: data.Sitemaps}
	if rules.group != nil {
		rules.delay = rules.group.CrawlDelay
	}
	if status >= 200 && status < 300 {
		if rate, ok := requestRateDelay(string(body), userAgent); ok && rate > rules.delay {
			rules.delay = rate
		}
	}
	return rules, nil
}

type allowAll struct{}

func (allowAll) Allowed(context.Context, string) bool { return true }

func (allowAll) CrawlDelay(context.Context, string) time.Duration { return 0 }
