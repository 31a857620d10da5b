package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

func TestNeedsFallback(t *testing.T) {
	t.Parallel()

	article := "<html><body><main>" + strings.Repeat("<p>real content</p>", 200) + "</main></body></html>"

	cases := []struct {
		name string
		resp crawler.FetchResponse
		want bool
	}{
		{
			name: "challenge 503",
			resp: crawler.FetchResponse{StatusCode: 503, Body: []byte("<title>Just a moment...</title>")},
			want: true,
		},
		{
			name: "plain 503",
			resp: crawler.FetchResponse{StatusCode: 503, Body: []byte("upstream down")},
		},
		{
			name: "mitigation header",
			resp: crawler.FetchResponse{StatusCode: 403, Headers: http.Header{"Cf-Mitigated": {"challenge"}}},
			want: true,
		},
		{
			name: "plain 404",
			resp: crawler.FetchResponse{StatusCode: 404, Body: []byte("captcha")},
		},
		{
			name: "empty html",
			resp: crawler.FetchResponse{StatusCode: 200, ContentType: "text/html"},
			want: true,
		},
		{
			name: "spa shell",
			resp: crawler.FetchResponse{StatusCode: 200, ContentType: "text/html", Body: []byte(`<div id="root"></div><script src="/app.js"></script>`)},
			want: true,
		},
		{
			name: "script heavy",
			resp: crawler.FetchResponse{StatusCode: 200, Body: []byte("<html><script>" + strings.Repeat("x", 400) + "</script></html>")},
			want: true,
		},
		{
			name: "article",
			resp: crawler.FetchResponse{StatusCode: 200, ContentType: "text/html; charset=utf-8", Body: []byte(article)},
		},
		{
			name: "binary asset",
			resp: crawler.FetchResponse{StatusCode: 200, ContentType: "image/png"},
		},
	}

	d := New(Config{})
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, d.NeedsFallback(tc.resp))
		})
	}
}

func TestRequiredSelectors(t *testing.T) {
	t.Parallel()

	d := New(Config{MinHTMLBytes: 1, RequiredSelectors: []string{"main"}})
	withMain := crawler.FetchResponse{StatusCode: 200, Body: []byte("<html><body><main>hi</main></body></html>")}
	without := crawler.FetchResponse{StatusCode: 200, Body: []byte("<html><body><div>hi</div></body></html>")}

	require.False(t, d.NeedsFallback(withMain))
	require.True(t, d.NeedsFallback(without))
}

func TestNilDetector(t *testing.T) {
	t.Parallel()

	var d *Detector
	require.False(t, d.NeedsFallback(crawler.FetchResponse{StatusCode: 200}))
}
