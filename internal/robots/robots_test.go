package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPolicyDisallow(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nDisallow: /private/\nAllow: /private/open.html\n")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	p := New(Config{Respect: true, UserAgent: "ArchiveBot/4.0"}, zap.NewNop())
	require.True(t, p.Allowed(ctx, srv.URL+"/"))
	require.True(t, p.Allowed(ctx, srv.URL+"/about"))
	require.False(t, p.Allowed(ctx, srv.URL+"/private/secret.html"))
	require.True(t, p.Allowed(ctx, srv.URL+"/private/open.html"), "longest match wins")
}

func TestPolicyFetchesOncePerHost(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			fmt.Fprint(w, "User-agent: *\nDisallow: /x\n")
		}
	}))
	defer srv.Close()

	p := NewPolicy(Config{UserAgent: "ArchiveBot/4.0"}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Allowed(context.Background(), srv.URL+"/page")
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), hits.Load())
}

func TestPolicyFailsOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()
	p := NewPolicy(Config{UserAgent: "ArchiveBot/4.0"}, zap.NewNop())
	require.True(t, p.Allowed(ctx, missing.URL+"/anything"))

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()
	require.True(t, p.Allowed(ctx, broken.URL+"/anything"))

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()
	require.True(t, p.Allowed(ctx, closedURL+"/anything"))
	require.Zero(t, p.CrawlDelay(ctx, closedURL+"/anything"))
}

func TestPolicyDisabled(t *testing.T) {
	t.Parallel()

	p := New(Config{Respect: false}, nil)
	require.True(t, p.Allowed(context.Background(), "https://example.com/private/"))
	require.Zero(t, p.CrawlDelay(context.Background(), "https://example.com/"))
}

func TestParseDelays(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		ua   string
		want time.Duration
	}{
		{"crawl delay only", "User-agent: *\nCrawl-delay: 2\n", "ArchiveBot/4.0", 2 * time.Second},
		{"request rate only", "User-agent: *\nRequest-rate: 1/5\n", "ArchiveBot/4.0", 5 * time.Second},
		{"request rate wins when stricter", "User-agent: *\nCrawl-delay: 2\nRequest-rate: 1/10s\n", "ArchiveBot/4.0", 10 * time.Second},
		{"crawl delay wins when stricter", "User-agent: *\nCrawl-delay: 3\nRequest-rate: 2/1s\n", "ArchiveBot/4.0", 3 * time.Second},
		{"minute period", "User-agent: *\nRequest-rate: 30/1m\n", "ArchiveBot/4.0", 2 * time.Second},
		{"agent group overrides wildcard", "User-agent: *\nRequest-rate: 1/60\n\nUser-agent: archivebot\nRequest-rate: 1/4\nCrawl-delay: 1\n", "ArchiveBot/4.0", 4 * time.Second},
		{"no directives", "User-agent: *\nDisallow: /tmp\n", "ArchiveBot/4.0", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rules, err := Parse(http.StatusOK, []byte(tc.body), tc.ua)
			require.NoError(t, err)
			require.Equal(t, tc.want, rules.Delay())
		})
	}
}

func TestParseRequestRate(t *testing.T) {
	t.Parallel()

	d, ok := parseRequestRate("1/5 0600-0845")
	require.True(t, ok)
	require.Equal(t, 5*time.Second, d)

	d, ok = parseRequestRate("2/1h")
	require.True(t, ok)
	require.Equal(t, 30*time.Minute, d)

	_, ok = parseRequestRate("fast")
	require.False(t, ok)
	_, ok = parseRequestRate("0/5")
	require.False(t, ok)
}

func TestParseSitemaps(t *testing.T) {
	t.Parallel()

	rules, err := Parse(http.StatusOK, []byte("Sitemap: https://example.com/sitemap.xml\nUser-agent: *\nDisallow:\n"), "ArchiveBot/4.0")
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/sitemap.xml"}, rules.Sitemaps())
}
