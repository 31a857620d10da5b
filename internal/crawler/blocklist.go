package crawler

import "strings"

// Blocklist excludes hosts from a crawl even when they are in scope. Patterns
// are exact hosts ("cdn.example.com") or suffix wildcards ("*.ads.example.com",
// ".tracker.net").
type Blocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewBlocklist builds a Blocklist from patterns. It returns nil when no usable
// pattern is given; a nil Blocklist blocks nothing.
func NewBlocklist(patterns []string) *Blocklist {
	bl := &Blocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			bl.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			bl.addSuffix(strings.TrimPrefix(value, "."))
		default:
			bl.exact[value] = struct{}{}
		}
	}
	if len(bl.exact) == 0 && len(bl.suffixes) == 0 {
		return nil
	}
	return bl
}

func (b *Blocklist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

// Blocked reports whether the host of rawURL is excluded.
func (b *Blocklist) Blocked(rawURL string) bool {
	if b == nil {
		return false
	}
	host := Host(rawURL)
	if host == "" {
		return false
	}
	if _, ok := b.exact[host]; ok {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
