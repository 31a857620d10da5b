// Package frontier holds the crawl frontier: a priority queue of pending URLs
// plus the visited set. Both live behind one mutex so a URL is handed out at
// most once per run.
package frontier

import (
	"container/heap"
	"sync"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

// Entry is a pending URL.
type Entry struct {
	URL      string
	Depth    int
	Priority int
	seq      uint64
}

// Frontier is safe for concurrent use.
type Frontier struct {
	mu      sync.Mutex
	scorer  Scorer
	pending entryHeap
	queued  map[string]struct{}
	visited map[string]struct{}
	seq     uint64
}

// New builds an empty Frontier. A nil scorer ranks every URL equally, which
// degrades to plain FIFO order.
func New(scorer Scorer) *Frontier {
	if scorer == nil {
		scorer = ScorerFunc(func(string, int) int { return 0 })
	}
	return &Frontier{
		scorer:  scorer,
		queued:  make(map[string]struct{}),
		visited: make(map[string]struct{}),
	}
}

// Push normalizes rawURL and enqueues it at depth. It returns false when the
// URL is already queued or visited.
func (f *Frontier) Push(rawURL string, depth int) bool {
	url := crawler.Normalize(rawURL)
	if url == "" {
		return false
	}
	priority := f.scorer.Score(url, depth)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.visited[url]; ok {
		return false
	}
	if _, ok := f.queued[url]; ok {
		return false
	}
	f.seq++
	heap.Push(&f.pending, &Entry{URL: url, Depth: depth, Priority: priority, seq: f.seq})
	f.queued[url] = struct{}{}
	return true
}

// Pop removes the highest priority entry, marks it visited and returns it.
// Equal priorities come out in discovery order.
func (f *Frontier) Pop() (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pending.Len() > 0 {
		e, _ := heap.Pop(&f.pending).(*Entry)
		delete(f.queued, e.URL)
		if _, seen := f.visited[e.URL]; seen {
			continue
		}
		f.visited[e.URL] = struct{}{}
		return *e, true
	}
	return Entry{}, false
}

// MarkVisited records rawURL as visited without fetching it. It returns false
// when the URL was already visited.
func (f *Frontier) MarkVisited(rawURL string) bool {
	url := crawler.Normalize(rawURL)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.visited[url]; ok {
		return false
	}
	f.visited[url] = struct{}{}
	return true
}

// Visited reports whether rawURL has been handed out or marked.
func (f *Frontier) Visited(rawURL string) bool {
	url := crawler.Normalize(rawURL)
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.visited[url]
	return ok
}

// Len returns the number of pending entries.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending.Len()
}

// VisitedCount returns the size of the visited set.
func (f *Frontier) VisitedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited)
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	e, _ := x.(*Entry)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
