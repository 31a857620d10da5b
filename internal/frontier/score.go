package frontier

import (
	"net/url"
	"strings"
)

// Scorer ranks a URL; higher scores are crawled first.
type Scorer interface {
	Score(url string, depth int) int
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(url string, depth int) int

// Score implements Scorer.
func (f ScorerFunc) Score(url string, depth int) int { return f(url, depth) }

// Rule adds Weight when the lowercased path contains Match.
type Rule struct {
	Match  string `mapstructure:"match"`
	Weight int    `mapstructure:"weight"`
}

// PathScorer scores URLs from path keyword rules, a per-depth penalty and a
// penalty for paginated listings.
type PathScorer struct {
	Rules             []Rule
	DepthPenalty      int
	PaginationPenalty int
}

// NewPathScorer returns a PathScorer. With no rules only the depth and
// pagination penalties apply.
func NewPathScorer(rules []Rule, depthPenalty, paginationPenalty int) *PathScorer {
	return &PathScorer{
		Rules:             append([]Rule(nil), rules...),
		DepthPenalty:      depthPenalty,
		PaginationPenalty: paginationPenalty,
	}
}

// Score implements Scorer.
func (s *PathScorer) Score(rawURL string, depth int) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return -depth * s.DepthPenalty
	}
	path := strings.ToLower(u.Path)
	score := 0
	for _, r := range s.Rules {
		if r.Match != "" && strings.Contains(path, strings.ToLower(r.Match)) {
			score += r.Weight
		}
	}
	if paginated(u) {
		score -= s.PaginationPenalty
	}
	return score - depth*s.DepthPenalty
}

func paginated(u *url.URL) bool {
	if u.Query().Has("page") || u.Query().Has("p") {
		return true
	}
	return strings.Contains(strings.ToLower(u.Path), "/page/")
}
