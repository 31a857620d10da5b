// Package detector decides when a plain HTTP response should be retried
// through the headless renderer.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

// Config tunes the detector. Zero values fall back to defaults.
type Config struct {
	// MinHTMLBytes flags 200 responses smaller than this that are mostly script.
	MinHTMLBytes int
	// Keywords mark bot-mitigation interstitials; matched case-insensitively.
	Keywords []string
	// RequiredSelectors must all be present in a 200 HTML page, otherwise the
	// page is treated as an unrendered shell. Empty disables the check.
	RequiredSelectors []string
}

// DefaultKeywords are markers of common challenge pages.
var DefaultKeywords = []string{
	"cf-chl",
	"challenge-platform",
	"checking your browser",
	"just a moment...",
	"attention required",
	"captcha",
	"ddos-guard",
	"enable javascript and cookies",
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// Detector implements rule-based fallback promotion.
type Detector struct {
	minHTMLBytes int
	keywords     [][]byte
	selectors    []string
}

// New builds a Detector.
func New(cfg Config) *Detector {
	if cfg.MinHTMLBytes == 0 {
		cfg.MinHTMLBytes = 2048
	}
	if len(cfg.Keywords) == 0 {
		cfg.Keywords = DefaultKeywords
	}
	keywords := make([][]byte, 0, len(cfg.Keywords))
	for _, kw := range cfg.Keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		keywords = append(keywords, bytes.ToLower([]byte(kw)))
	}
	return &Detector{minHTMLBytes: cfg.MinHTMLBytes, keywords: keywords, selectors: cfg.RequiredSelectors}
}

// NeedsFallback reports whether resp looks like a bot-mitigation challenge or
// a JavaScript shell that only a browser can render.
func (d *Detector) NeedsFallback(resp crawler.FetchResponse) bool {
	if d == nil {
		return false
	}
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return d.challenge(resp)
	case http.StatusOK:
		if !isHTML(resp.ContentType) {
			return false
		}
		return d.challenge(resp) || d.shell(resp.Body)
	default:
		return false
	}
}

func (d *Detector) challenge(resp crawler.FetchResponse) bool {
	if resp.Headers != nil && strings.EqualFold(resp.Headers.Get("Cf-Mitigated"), "challenge") {
		return true
	}
	if len(resp.Body) == 0 {
		return false
	}
	lower := bytes.ToLower(resp.Body)
	for _, kw := range d.keywords {
		if bytes.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (d *Detector) shell(body []byte) bool {
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if len(body) < d.minHTMLBytes && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) && len(body) < d.minHTMLBytes {
			return true
		}
	}
	return d.missingSelectors(body)
}

func (d *Detector) missingSelectors(body []byte) bool {
	if len(d.selectors) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	for _, sel := range d.selectors {
		if sel != "" && doc.Find(sel).Length() == 0 {
			return true
		}
	}
	return false
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" || strings.Contains(ct, "html")
}

// scriptDensityHigh reports whether <script> elements cover at least a
// quarter of the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered, pos := 0, 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return total > 0 && covered*100/total >= 25
}
