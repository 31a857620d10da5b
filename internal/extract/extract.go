// Package extract discovers the resources and links referenced by an HTML
// document. It performs no I/O and is deterministic for a given input.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

// Document is everything extracted from one page.
type Document struct {
	Title  string
	Links  []string
	Assets []crawler.AssetRef
}

var blockedSchemes = []string{"data:", "blob:", "javascript:", "mailto:", "tel:", "about:"}

// Parse extracts the title, outbound links and sub-resources of html,
// resolving relative references against base (or the document's <base href>).
func Parse(html []byte, base string) (Document, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return Document{}, &crawler.FetchError{Kind: crawler.KindParse, URL: base, Err: fmt.Errorf("parse base url: %w", err)}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return Document{}, &crawler.FetchError{Kind: crawler.KindParse, URL: base, Err: fmt.Errorf("parse html: %w", err)}
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved := resolve(baseURL, href); resolved != nil {
			baseURL = resolved
		}
	}

	c := &collector{base: baseURL, seen: make(map[string]struct{})}
	c.collectAssets(doc)

	return Document{
		Title:  strings.TrimSpace(doc.Find("title").First().Text()),
		Links:  links(doc, baseURL),
		Assets: c.assets,
	}, nil
}

// Assets returns the deduplicated sub-resources referenced by html.
func Assets(html []byte, base string) ([]crawler.AssetRef, error) {
	doc, err := Parse(html, base)
	if err != nil {
		return nil, err
	}
	return doc.Assets, nil
}

// Links returns the deduplicated anchor targets of html without fragments.
func Links(html []byte, base string) ([]string, error) {
	doc, err := Parse(html, base)
	if err != nil {
		return nil, err
	}
	return doc.Links, nil
}

// Title returns the trimmed text of the first <title> element.
func Title(html []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

type collector struct {
	base   *url.URL
	seen   map[string]struct{}
	assets []crawler.AssetRef
}

func (c *collector) add(ref string, class crawler.AssetClass) {
	u := resolve(c.base, ref)
	if u == nil {
		return
	}
	u.Fragment = ""
	u.RawFragment = ""
	abs := u.String()
	if _, dup := c.seen[abs]; dup {
		return
	}
	c.seen[abs] = struct{}{}
	c.assets = append(c.assets, crawler.AssetRef{URL: abs, Class: class, MIME: MIMEFor(abs)})
}

func (c *collector) attr(doc *goquery.Document, selector, name string, class crawler.AssetClass) {
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr(name); ok {
			c.add(v, class)
		}
	})
}

func (c *collector) srcset(doc *goquery.Document, selector string, class crawler.AssetClass) {
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("srcset")
		for _, candidate := range parseSrcset(v) {
			c.add(candidate, class)
		}
	})
}

func (c *collector) collectAssets(doc *goquery.Document) {
	c.attr(doc, "img[src]", "src", crawler.AssetImage)
	c.attr(doc, "img[data-src]", "data-src", crawler.AssetImage)
	c.srcset(doc, "img[srcset]", crawler.AssetImage)
	c.srcset(doc, "picture source[srcset]", crawler.AssetImage)

	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		rel := strings.Fields(strings.ToLower(s.AttrOr("rel", "")))
		switch {
		case hasToken(rel, "stylesheet"):
			c.add(href, crawler.AssetStylesheet)
		case hasToken(rel, "icon") || hasToken(rel, "apple-touch-icon") || hasToken(rel, "mask-icon"):
			c.add(href, crawler.AssetIcon)
		case hasToken(rel, "preload") && strings.EqualFold(s.AttrOr("as", ""), "font"):
			c.add(href, crawler.AssetFont)
		}
	})

	c.attr(doc, "script[src]", "src", crawler.AssetScript)

	doc.Find("meta[content]").Each(func(_ int, s *goquery.Selection) {
		key := strings.ToLower(s.AttrOr("property", "") + " " + s.AttrOr("name", ""))
		if strings.Contains(key, "image") {
			c.add(s.AttrOr("content", ""), crawler.AssetSocial)
		}
	})

	c.attr(doc, "video[src]", "src", crawler.AssetMedia)
	c.attr(doc, "video[poster]", "poster", crawler.AssetImage)
	c.attr(doc, "audio[src]", "src", crawler.AssetMedia)
	c.attr(doc, "video source[src], audio source[src]", "src", crawler.AssetMedia)
	c.attr(doc, "iframe[src]", "src", crawler.AssetFrame)
}

func links(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href], area[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		u := resolve(base, href)
		if u == nil {
			return
		}
		u.Fragment = ""
		u.RawFragment = ""
		abs := u.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

// resolve turns ref into an absolute http(s) URL, or nil when the reference
// is empty, a pseudo-URL or unparseable.
func resolve(base *url.URL, ref string) *url.URL {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return nil
	}
	lower := strings.ToLower(ref)
	for _, scheme := range blockedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return nil
		}
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return nil
	}
	if abs.Host == "" {
		return nil
	}
	return abs
}

func parseSrcset(v string) []string {
	var out []string
	for _, candidate := range strings.Split(v, ",") {
		fields := strings.Fields(candidate)
		if len(fields) > 0 {
			out = append(out, fields[0])
		}
	}
	return out
}

func hasToken(tokens []string, want string) bool {
	for _, t := range tokens {
		if t == want {
			return true
		}
	}
	return false
}

var cssURLPattern = regexp.MustCompile(`url\(\s*(?:'([^']*)'|"([^"]*)"|([^)'"\s]*))\s*\)|@import\s+(?:'([^']*)'|"([^"]*)")`)

// CSSRefs returns the url() and @import targets of a stylesheet resolved
// against base, classed by extension.
func CSSRefs(css []byte, base string) []crawler.AssetRef {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}
	c := &collector{base: baseURL, seen: make(map[string]struct{})}
	for _, m := range cssURLPattern.FindAllSubmatch(css, -1) {
		var ref string
		for _, group := range m[1:] {
			if len(group) > 0 {
				ref = string(group)
				break
			}
		}
		if ref == "" {
			continue
		}
		abs := resolve(baseURL, ref)
		if abs == nil {
			continue
		}
		c.add(abs.String(), classForCSSRef(abs.String()))
	}
	return c.assets
}

func classForCSSRef(ref string) crawler.AssetClass {
	class := ClassForMIME(MIMEFor(ref))
	if class == crawler.AssetOther || class == crawler.AssetDocument {
		return crawler.AssetImage
	}
	return class
}
