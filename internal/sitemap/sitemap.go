// Package sitemap discovers seed URLs from sitemap.xml files and sitemap
// indexes.
package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"
)

const maxSitemapBytes = 50 << 20

// Config controls sitemap discovery.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxURLs caps how many locations Discover returns; <= 0 means no cap.
	MaxURLs int
	Client  *http.Client
}

// Discoverer fetches and parses sitemaps.
type Discoverer struct {
	client    *http.Client
	userAgent string
	maxURLs   int
	logger    *zap.Logger
}

// New builds a Discoverer.
func New(cfg Config, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Discoverer{client: client, userAgent: cfg.UserAgent, maxURLs: cfg.MaxURLs, logger: logger}
}

// Document is a parsed sitemap: either a urlset of pages or an index of
// further sitemaps.
type Document struct {
	Index bool
	Locs  []string
}

// Parse reads a sitemap or sitemap index. <loc> elements are matched by local
// name so both the sitemaps.org namespace and un-namespaced files work.
func Parse(r io.Reader) (Document, error) {
	doc, err := xmlquery.Parse(r)
	if err != nil {
		return Document{}, fmt.Errorf("parse sitemap xml: %w", err)
	}
	root := xmlquery.FindOne(doc, "/*")
	if root == nil {
		return Document{}, fmt.Errorf("sitemap has no root element")
	}
	var out Document
	switch strings.ToLower(root.Data) {
	case "sitemapindex":
		out.Index = true
	case "urlset":
	default:
		return Document{}, fmt.Errorf("unexpected sitemap root %q", root.Data)
	}
	for _, n := range xmlquery.Find(root, "./*/*[local-name()='loc']") {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			out.Locs = append(out.Locs, loc)
		}
	}
	return out, nil
}

// Discover returns page URLs from the first usable sitemap among hints and
// the conventional /sitemap.xml and /sitemap_index.xml locations of
// startURL's host. Index files are followed one level deep. Failures are
// logged and yield no URLs.
func (d *Discoverer) Discover(ctx context.Context, startURL string, hints []string) []string {
	base, err := url.Parse(startURL)
	if err != nil || base.Host == "" {
		return nil
	}
	candidates := append([]string(nil), hints...)
	for _, p := range []string{"/sitemap.xml", "/sitemap_index.xml"} {
		candidates = append(candidates, (&url.URL{Scheme: base.Scheme, Host: base.Host, Path: p}).String())
	}

	seen := make(map[string]struct{})
	for _, candidate := range candidates {
		if _, dup := seen[candidate]; dup {
			continue
		}
		seen[candidate] = struct{}{}
		urls, err := d.collect(ctx, candidate, 1)
		if err != nil {
			d.logger.Debug("sitemap candidate unusable", zap.String("url", candidate), zap.Error(err))
			continue
		}
		if len(urls) > 0 {
			d.logger.Info("sitemap discovered", zap.String("url", candidate), zap.Int("urls", len(urls)))
			return urls
		}
	}
	d.logger.Warn("no usable sitemap found", zap.String("host", base.Host))
	return nil
}

func (d *Discoverer) collect(ctx context.Context, sitemapURL string, followDepth int) ([]string, error) {
	doc, err := d.fetch(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}
	if !doc.Index {
		return d.capped(doc.Locs), nil
	}
	if followDepth <= 0 {
		return nil, nil
	}
	var out []string
	for _, child := range doc.Locs {
		urls, err := d.collect(ctx, child, followDepth-1)
		if err != nil {
			d.logger.Warn("child sitemap failed", zap.String("url", child), zap.Error(err))
			continue
		}
		out = append(out, urls...)
		if d.maxURLs > 0 && len(out) >= d.maxURLs {
			break
		}
	}
	return d.capped(out), nil
}

func (d *Discoverer) capped(urls []string) []string {
	if d.maxURLs > 0 && len(urls) > d.maxURLs {
		return urls[:d.maxURLs]
	}
	return urls
}

func (d *Discoverer) fetch(ctx context.Context, sitemapURL string) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return Document{}, fmt.Errorf("new sitemap request: %w", err)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("fetch sitemap: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			d.logger.Debug("Failed to close sitemap response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("sitemap status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return Document{}, fmt.Errorf("read sitemap: %w", err)
	}
	if len(body) > 2 && body[0] == 0x1f && body[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return Document{}, fmt.Errorf("open gzip sitemap: %w", err)
		}
		defer zr.Close() //nolint:errcheck
		body, err = io.ReadAll(io.LimitReader(zr, maxSitemapBytes))
		if err != nil {
			return Document{}, fmt.Errorf("read gzip sitemap: %w", err)
		}
	}
	return Parse(bytes.NewReader(body))
}
