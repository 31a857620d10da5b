package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

const samplePage = `<!doctype html>
<html>
<head>
  <title> Example Shop </title>
  <link rel="stylesheet" href="/css/site.css">
  <link rel="shortcut icon" href="/favicon.ico">
  <link rel="preload" as="font" href="/fonts/a.woff2" crossorigin>
  <link rel="canonical" href="/canonical">
  <meta property="og:image" content="https://cdn.example.com/og.png">
  <meta name="twitter:image" content="/tw.jpg">
  <meta name="description" content="not an asset.png">
  <script src="app.js"></script>
  <script>inline()</script>
</head>
<body>
  <img src="/img/logo.png" alt="">
  <img data-src="/img/lazy.webp">
  <img srcset="/img/s.jpg 1x, /img/l.jpg 2x">
  <img src="/img/logo.png#again">
  <img src="data:image/png;base64,AAAA">
  <img src="blob:https://example.com/123">
  <video src="/media/clip.mp4" poster="/img/poster.gif"><source src="/media/clip.webm"></video>
  <audio src="/media/a.mp3"></audio>
  <iframe src="https://player.example.net/embed/1"></iframe>
  <a href="/about/">About</a>
  <a href="/about/#team">Team</a>
  <a href="contact.html">Contact</a>
  <a href="mailto:hi@example.com">Mail</a>
  <a href="tel:+100">Call</a>
  <a href="javascript:void(0)">JS</a>
  <a href="#top">Top</a>
  <a href="ftp://files.example.com/x">FTP</a>
</body>
</html>`

func TestParseAssets(t *testing.T) {
	t.Parallel()

	doc, err := Parse([]byte(samplePage), "https://example.com/shop/index.html")
	require.NoError(t, err)
	require.Equal(t, "Example Shop", doc.Title)

	want := []crawler.AssetRef{
		{URL: "https://example.com/img/logo.png", Class: crawler.AssetImage, MIME: "image/png"},
		{URL: "https://example.com/img/lazy.webp", Class: crawler.AssetImage, MIME: "image/webp"},
		{URL: "https://example.com/img/s.jpg", Class: crawler.AssetImage, MIME: "image/jpeg"},
		{URL: "https://example.com/img/l.jpg", Class: crawler.AssetImage, MIME: "image/jpeg"},
		{URL: "https://example.com/css/site.css", Class: crawler.AssetStylesheet, MIME: "text/css"},
		{URL: "https://example.com/favicon.ico", Class: crawler.AssetIcon, MIME: "image/x-icon"},
		{URL: "https://example.com/fonts/a.woff2", Class: crawler.AssetFont, MIME: "font/woff2"},
		{URL: "https://example.com/shop/app.js", Class: crawler.AssetScript, MIME: "application/javascript"},
		{URL: "https://cdn.example.com/og.png", Class: crawler.AssetSocial, MIME: "image/png"},
		{URL: "https://example.com/tw.jpg", Class: crawler.AssetSocial, MIME: "image/jpeg"},
		{URL: "https://example.com/media/clip.mp4", Class: crawler.AssetMedia, MIME: "video/mp4"},
		{URL: "https://example.com/img/poster.gif", Class: crawler.AssetImage, MIME: "image/gif"},
		{URL: "https://example.com/media/a.mp3", Class: crawler.AssetMedia, MIME: "audio/mpeg"},
		{URL: "https://example.com/media/clip.webm", Class: crawler.AssetMedia, MIME: "video/webm"},
		{URL: "https://player.example.net/embed/1", Class: crawler.AssetFrame, MIME: DefaultMIME},
	}
	require.Equal(t, want, doc.Assets)

	require.Equal(t, []string{
		"https://example.com/about/",
		"https://example.com/shop/contact.html",
	}, doc.Links)
}

func TestParseIsDeterministic(t *testing.T) {
	t.Parallel()

	first, err := Assets([]byte(samplePage), "https://example.com/")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Assets([]byte(samplePage), "https://example.com/")
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestParseHonorsBaseHref(t *testing.T) {
	t.Parallel()

	html := `<html><head><base href="https://static.example.com/v2/"></head><body><img src="a.png"><a href="next">n</a></body></html>`
	doc, err := Parse([]byte(html), "https://example.com/page")
	require.NoError(t, err)
	require.Equal(t, "https://static.example.com/v2/a.png", doc.Assets[0].URL)
	require.Equal(t, []string{"https://static.example.com/v2/next"}, doc.Links)
}

func TestParseMalformedHTMLStillExtracts(t *testing.T) {
	t.Parallel()

	doc, err := Parse([]byte(`<html><body><img src="/x.png"><a href="/y">`), "https://example.com/")
	require.NoError(t, err)
	require.Len(t, doc.Assets, 1)
	require.Equal(t, []string{"https://example.com/y"}, doc.Links)
}

func TestParseBadBase(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("<html></html>"), "http://[::1")
	require.Error(t, err)
	require.Equal(t, crawler.KindParse, crawler.KindOf(err))
}

func TestCSSRefs(t *testing.T) {
	t.Parallel()

	css := []byte(`
@import "base.css";
@font-face { src: url('../fonts/f.woff2') format('woff2'), url(../fonts/f.ttf); }
body { background: url("/img/bg.png"); }
.icon { background-image: url(data:image/png;base64,AAA); }
.dup { background: url(/img/bg.png); }
`)
	refs := CSSRefs(css, "https://example.com/css/site.css")
	require.Equal(t, []crawler.AssetRef{
		{URL: "https://example.com/css/base.css", Class: crawler.AssetStylesheet, MIME: "text/css"},
		{URL: "https://example.com/fonts/f.woff2", Class: crawler.AssetFont, MIME: "font/woff2"},
		{URL: "https://example.com/fonts/f.ttf", Class: crawler.AssetFont, MIME: "font/ttf"},
		{URL: "https://example.com/img/bg.png", Class: crawler.AssetImage, MIME: "image/png"},
	}, refs)
}

func TestMIMEFor(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://example.com/a.CSS":       "text/css",
		"https://example.com/a.js?v=3":    "application/javascript",
		"https://example.com/a.jpeg":      "image/jpeg",
		"https://example.com/a.svg#frag":  "image/svg+xml",
		"https://example.com/f.woff":      "font/woff",
		"https://example.com/download":    DefaultMIME,
		"https://example.com/archive.tar": DefaultMIME,
		"mirror/site/index.html":          "text/html",
		"https://example.com/favicon.ico": "image/x-icon",
	}
	for in, want := range cases {
		require.Equal(t, want, MIMEFor(in), in)
	}
}

func TestClassForMIME(t *testing.T) {
	t.Parallel()

	require.Equal(t, crawler.AssetStylesheet, ClassForMIME("text/css"))
	require.Equal(t, crawler.AssetImage, ClassForMIME("image/png"))
	require.Equal(t, crawler.AssetIcon, ClassForMIME("image/x-icon"))
	require.Equal(t, crawler.AssetFont, ClassForMIME("font/woff2"))
	require.Equal(t, crawler.AssetMedia, ClassForMIME("video/mp4"))
	require.Equal(t, crawler.AssetDocument, ClassForMIME("text/html"))
	require.Equal(t, crawler.AssetOther, ClassForMIME(DefaultMIME))
	require.True(t, IsHTML("text/html; charset=utf-8"))
	require.False(t, IsHTML("image/png"))
}

func TestTitle(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Hello", Title([]byte("<html><head><title>  Hello </title></head></html>")))
	require.Empty(t, Title([]byte("<p>no title</p>")))
}
