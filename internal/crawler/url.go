package crawler

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

const maxURLLength = 2048

// Normalize canonicalizes a URL so equivalent spellings collapse to one
// frontier entry. It lowercases scheme and host, drops the page=1 pagination
// marker, and trims trailing slashes from non-root paths. Query order and the
// fragment are otherwise untouched. Unparseable input is returned trimmed.
func Normalize(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	u, err := url.Parse(raw)
	if err != nil || u.Opaque != "" {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Host != "" && u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}
	if len(u.Path) > 1 && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimRight(u.Path, "/")
		if u.Path == "" {
			u.Path = "/"
		}
		if u.RawPath != "" {
			u.RawPath = strings.TrimRight(u.RawPath, "/")
		}
	}

	if u.RawQuery != "" {
		u.RawQuery = dropFirstPage(u.RawQuery)
	}
	u.ForceQuery = false

	return u.String()
}

func dropFirstPage(rawQuery string) string {
	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, p := range parts {
		if p == "page=1" || p == "" {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "&")
}

// Valid reports whether a normalized URL is crawlable: absolute http(s) with a
// host and within the length limit.
func Valid(rawURL string) bool {
	if rawURL == "" || len(rawURL) > maxURLLength {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

// Host returns the lowercase hostname of rawURL or "" if it cannot be parsed.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// SameSite reports whether two URLs share a registrable domain (eTLD+1). With
// exactHost set the hostnames must match exactly.
func SameSite(a, b string, exactHost bool) bool {
	ha, hb := Host(a), Host(b)
	if ha == "" || hb == "" {
		return false
	}
	if ha == hb {
		return true
	}
	if exactHost {
		return false
	}
	ra, errA := publicsuffix.EffectiveTLDPlusOne(ha)
	rb, errB := publicsuffix.EffectiveTLDPlusOne(hb)
	if errA != nil || errB != nil {
		return false
	}
	return ra == rb
}

// StripFragment removes the #fragment from rawURL.
func StripFragment(rawURL string) string {
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
