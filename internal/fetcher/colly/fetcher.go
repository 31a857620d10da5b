// Package collyfetcher performs single plain-HTTP fetch attempts using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// MaxBodySize caps response bodies in bytes; 0 means unlimited.
	MaxBodySize int
	// MaxConnsPerHost bounds concurrent connections to one host.
	MaxConnsPerHost int
	// Headers are added to every request.
	Headers http.Header
}

// Fetcher performs one HTTP GET per Attempt call. Retries belong to the
// fetch engine. Each attempt gets its own collector because colly applies
// the request timeout to a client shared between clones; the transport and
// its connection pool are shared.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	return &Fetcher{
		cfg:       cfg,
		transport: newDecodingTransport(newHTTPTransport(cfg.MaxConnsPerHost)),
	}
}

// Name identifies the fetcher in metrics.
func (f *Fetcher) Name() string { return "colly" }

// Attempt executes a single HTTP GET bounded by timeout. HTTP error statuses
// are returned as responses; only transport failures produce an error.
func (f *Fetcher) Attempt(ctx context.Context, rawURL string, timeout time.Duration) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	capture := &captureTransport{base: f.transport}
	collector := f.buildCollector(ctx, capture, timeout)
	f.configureCollectorHooks(collector, rawURL, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		kind := crawler.ClassifyTransport(err)
		if ctx.Err() != nil {
			kind = crawler.KindTimeout
		}
		return crawler.FetchResponse{}, &crawler.FetchError{Kind: kind, URL: rawURL, Err: err}
	}
	// colly may have re-encoded the body to UTF-8; archive the bytes the
	// server sent.
	if raw := capture.payload(); raw != nil {
		result.Body = raw
	}
	if result.Redirected() {
		result.RedirectStatus = capture.initialStatus()
	}
	return result, nil
}

func (f *Fetcher) buildCollector(ctx context.Context, transport http.RoundTripper, timeout time.Duration) *colly.Collector {
	collector := colly.NewCollector(colly.Async(false), colly.StdlibContext(ctx))
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.MaxBodySize = f.cfg.MaxBodySize
	collector.WithTransport(transport)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	rawURL string,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		finalURL := rawURL
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		*result = crawler.FetchResponse{
			RequestURL:  rawURL,
			URL:         finalURL,
			StatusCode:  r.StatusCode,
			ContentType: headers.Get("Content-Type"),
			Headers:     headers,
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	for key, values := range f.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport(maxConnsPerHost int) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
	}
}
