// Package headless renders pages in headless Chrome. The fetch engine uses it
// as a fallback when plain HTTP responses look like bot challenges.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

const defaultNavigationTimeout = 45 * time.Second

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel bounds concurrent tabs; 0 means unbounded.
	MaxParallel int
	UserAgent   string
	// NavigationTimeout is used when an attempt carries no timeout.
	NavigationTimeout time.Duration
	// SettleDelay waits after the body is ready so scripts can populate it.
	SettleDelay time.Duration
	Headers     http.Header
	// ExecPath overrides the Chrome binary location.
	ExecPath string
}

// Fetcher renders single attempts in tabs of one shared browser.
type Fetcher struct {
	cfg     Config
	tabs    *semaphore.Weighted
	browser context.Context
	stop    context.CancelFunc
}

// NewChromedp prepares the browser allocator. Chrome itself starts with the
// first attempt.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	f.browser, f.stop = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.stop()
}

// Name identifies the fetcher in metrics.
func (f *Fetcher) Name() string { return "chromedp" }

// Attempt navigates once and returns the rendered DOM as the body. Status and
// headers come from the page's own document response; later frame documents
// are ignored.
func (f *Fetcher) Attempt(ctx context.Context, rawURL string, timeout time.Duration) (crawler.FetchResponse, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return crawler.FetchResponse{}, &crawler.FetchError{
				Kind: crawler.KindTimeout, URL: rawURL,
				Err: fmt.Errorf("wait for headless tab: %w", err),
			}
		}
		defer f.tabs.Release(1)
	}

	tab, closeTab := chromedp.NewContext(f.browser)
	defer closeTab()
	unlink := context.AfterFunc(ctx, closeTab)
	defer unlink()

	if timeout <= 0 {
		timeout = f.navTimeout()
	}
	tab, cancel := context.WithTimeout(tab, timeout)
	defer cancel()

	doc := &document{}
	chromedp.ListenTarget(tab, doc.observe)

	start := time.Now()
	var html, location string
	err := chromedp.Run(tab,
		f.prepareTab(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return crawler.FetchResponse{}, &crawler.FetchError{
			Kind: crawler.ClassifyTransport(err), URL: rawURL,
			Err: fmt.Errorf("render %s: %w", rawURL, err),
		}
	}

	status, headers, finalURL := doc.result(rawURL, location)
	// The serialized DOM is UTF-8 HTML whatever the server sent.
	headers.Set("Content-Type", "text/html; charset=utf-8")
	return crawler.FetchResponse{
		RequestURL:   rawURL,
		URL:          finalURL,
		StatusCode:   status,
		ContentType:  headers.Get("Content-Type"),
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

func (f *Fetcher) prepareTab() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(f.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(networkHeaders(f.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

// document remembers the first document response seen in a tab.
type document struct {
	mu      sync.Mutex
	seen    bool
	status  int
	headers http.Header
	url     string
}

func (d *document) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen {
		return
	}
	d.seen = true
	d.status = int(resp.Response.Status)
	d.headers = httpHeaders(resp.Response.Headers)
	d.url = resp.Response.URL
}

// result falls back to the tab location, then the requested URL, and to 200
// when no document response was observed.
func (d *document) result(requestURL, location string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, url := d.status, d.url
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if url == "" {
		url = location
	}
	if url == "" {
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func httpHeaders(src network.Headers) http.Header {
	out := make(http.Header, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []any:
			for _, entry := range v {
				out.Add(key, fmt.Sprint(entry))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}

func networkHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			out[key] = values[0]
		default:
			out[key] = append([]string(nil), values...)
		}
	}
	return out
}
