package crawler

import (
	"context"
	"time"
)

// Fetcher retrieves a single URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// RobotsPolicy gates URLs and reports the pacing a host asked for.
type RobotsPolicy interface {
	Allowed(ctx context.Context, url string) bool
	CrawlDelay(ctx context.Context, url string) time.Duration
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session and record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
