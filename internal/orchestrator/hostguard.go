package orchestrator

import (
	"strings"
	"sync"
)

const defaultForbiddenThreshold = 3

// hostGuard stops crawling a host once it has answered 403 too many times.
// A site that forbids the crawler outright would otherwise burn the attempt
// budget on every URL it links to.
type hostGuard struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
	blocked   map[string]struct{}
}

func newHostGuard(threshold int) *hostGuard {
	if threshold <= 0 {
		threshold = defaultForbiddenThreshold
	}
	return &hostGuard{
		threshold: threshold,
		counts:    make(map[string]int),
		blocked:   make(map[string]struct{}),
	}
}

func (g *hostGuard) Blocked(host string) bool {
	if host == "" {
		return false
	}
	key := strings.ToLower(host)
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.blocked[key]
	return ok
}

// MarkForbidden counts a 403 from host and reports whether the host is now
// blocked.
func (g *hostGuard) MarkForbidden(host string) bool {
	if host == "" {
		return false
	}
	key := strings.ToLower(host)
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.blocked[key]; ok {
		return true
	}
	g.counts[key]++
	if g.counts[key] >= g.threshold {
		g.blocked[key] = struct{}{}
		return true
	}
	return false
}
