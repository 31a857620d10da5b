package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer fetcher.Close()
	require.NotNil(t, fetcher.tabs)
	require.Equal(t, 500*time.Millisecond, fetcher.cfg.SettleDelay)
	require.Equal(t, defaultNavigationTimeout, fetcher.cfg.NavigationTimeout)
	require.Equal(t, "chromedp", fetcher.Name())

	unbounded, err := NewChromedp(Config{})
	require.NoError(t, err)
	defer unbounded.Close()
	require.Nil(t, unbounded.tabs)
}

func TestFetcherNavTimeout(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{}
	require.Equal(t, defaultNavigationTimeout, fetcher.navTimeout())
	fetcher.cfg.NavigationTimeout = time.Second
	require.Equal(t, time.Second, fetcher.navTimeout())
}

func TestAttemptCanceledWhileWaitingForTab(t *testing.T) {
	t.Parallel()

	fetcher, err := NewChromedp(Config{MaxParallel: 1})
	require.NoError(t, err)
	defer fetcher.Close()
	require.True(t, fetcher.tabs.TryAcquire(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = fetcher.Attempt(ctx, "https://example.test/", time.Second)
	require.Error(t, err)
	require.Equal(t, crawler.KindTimeout, crawler.KindOf(err))
}

func TestHeaderConversion(t *testing.T) {
	t.Parallel()

	out := networkHeaders(http.Header{"X-Multi": {"a", "b"}, "X-One": {"v"}, "X-Empty": {}})
	values, ok := out["X-Multi"].([]string)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, values)
	require.Equal(t, "v", out["X-One"])
	require.NotContains(t, out, "X-Empty")

	in := httpHeaders(network.Headers{"Content-Type": "text/html", "Vary": []any{"Accept", "Cookie"}, "Age": 12})
	require.Equal(t, "text/html", in.Get("Content-Type"))
	require.Equal(t, []string{"Accept", "Cookie"}, in.Values("Vary"))
	require.Equal(t, "12", in.Get("Age"))
}

func TestDocumentKeepsFirstResponse(t *testing.T) {
	t.Parallel()

	doc := &document{}
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 404, URL: "https://example.test/pixel.gif"},
	})
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  203,
			URL:     "https://example.test/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 500, URL: "https://ads.example.test/frame"},
	})
	status, headers, url := doc.result("https://req", "")
	require.Equal(t, 203, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.test/rendered", url)
}

func TestDocumentFallbacks(t *testing.T) {
	t.Parallel()

	status, headers, url := (&document{}).result("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, headers)
	require.Equal(t, "https://final", url)

	_, _, url = (&document{}).result("https://req", "")
	require.Equal(t, "https://req", url)
}
