package crawler

import (
	"net/http"
	"time"
)

// RunStatus represents the lifecycle state of a crawl session.
type RunStatus string

// Session status values persisted in crawl_state.
const (
	RunStatusRunning     RunStatus = "running"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusFailed      RunStatus = "failed"
)

// AssetClass groups sub-resources by how a page uses them.
type AssetClass string

// Asset classes produced by the extractor and the mirror ingester.
const (
	AssetImage      AssetClass = "image"
	AssetStylesheet AssetClass = "stylesheet"
	AssetScript     AssetClass = "script"
	AssetIcon       AssetClass = "icon"
	AssetSocial     AssetClass = "social"
	AssetMedia      AssetClass = "media"
	AssetFrame      AssetClass = "frame"
	AssetFont       AssetClass = "font"
	AssetDocument   AssetClass = "document"
	AssetOther      AssetClass = "other"
)

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	// RequestURL is the URL that was asked for.
	RequestURL string
	// URL is the final URL after redirects.
	URL          string
	StatusCode   int
	ContentType  string
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	Attempts     int
	UsedHeadless bool
	// RedirectStatus is the status of the first hop when URL differs from
	// RequestURL.
	RedirectStatus int
}

// Redirected reports whether the response landed on a different URL.
func (r FetchResponse) Redirected() bool {
	return r.URL != "" && r.RequestURL != "" && Normalize(r.URL) != Normalize(r.RequestURL)
}

// AssetRef is a sub-resource discovered in a page.
type AssetRef struct {
	URL   string     `json:"url"`
	Class AssetClass `json:"class"`
	MIME  string     `json:"mime"`
}

// PageRecord is persisted once per successfully fetched HTML document.
type PageRecord struct {
	URI         string    `json:"uri"`
	ContentHash string    `json:"content_hash"`
	Title       string    `json:"title"`
	Depth       int       `json:"depth"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	FetchedAt   time.Time `json:"fetched_at"`
	SessionID   string    `json:"session_id"`
}

// AssetRecord is persisted once per distinct resource URL.
type AssetRecord struct {
	URI         string     `json:"uri"`
	Class       AssetClass `json:"class"`
	ContentHash string     `json:"content_hash"`
	Size        int64      `json:"size"`
	MIME        string     `json:"mime"`
	FetchedAt   time.Time  `json:"fetched_at"`
}

// LinkRecord is an edge of the discovered page graph.
type LinkRecord struct {
	From string `json:"from_uri"`
	To   string `json:"to_uri"`
	Type string `json:"link_type"`
}

// RedirectRecord captures a request that resolved to a different URL.
type RedirectRecord struct {
	From       string    `json:"from_uri"`
	To         string    `json:"to_uri"`
	StatusCode int       `json:"status_code"`
	At         time.Time `json:"discovered_at"`
}

// CDXEntry indexes one archival record for replay lookup.
type CDXEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	URI           string    `json:"uri"`
	StatusCode    int       `json:"status_code"`
	MIME          string    `json:"mime"`
	PayloadDigest string    `json:"payload_digest"`
	RecordRef     string    `json:"record_ref"`
	Length        int64     `json:"length"`
}

// ErrorRecord is one row of the diagnostic error log.
type ErrorRecord struct {
	URL       string    `json:"url"`
	Kind      ErrorKind `json:"error_kind"`
	Message   string    `json:"message"`
	Attempts  int       `json:"attempt_count"`
	Timestamp time.Time `json:"timestamp"`
}

// Checkpoint marks crawl progress for a session.
type Checkpoint struct {
	SessionID      string    `json:"session_id"`
	URLsProcessed  int       `json:"urls_processed"`
	LastCheckpoint time.Time `json:"last_checkpoint_time"`
	Status         RunStatus `json:"status"`
}

// Stats are aggregate counts read back from the store. DistinctBlobs counts
// every CAS row, page bodies included; AssetHashes counts only the blobs that
// asset records reference and is what summaries report as distinct_blobs.
type Stats struct {
	Pages          int64 `json:"pages"`
	Assets         int64 `json:"assets"`
	DistinctBlobs  int64 `json:"distinct_blobs"`
	AssetHashes    int64 `json:"asset_hashes"`
	TotalBytes     int64 `json:"total_bytes"`
	ErrorsRecorded int64 `json:"errors_recorded"`
}

// DedupRatio returns 1 - distinct asset hashes / asset records.
func (s Stats) DedupRatio() float64 {
	if s.Assets == 0 {
		return 0
	}
	return 1 - float64(s.AssetHashes)/float64(s.Assets)
}

// Summary is reported at the end of every run.
type Summary struct {
	SessionID     string            `json:"session_id"`
	Status        RunStatus         `json:"status"`
	Pages         int64             `json:"pages"`
	Assets        int64             `json:"assets"`
	DistinctBlobs int64             `json:"distinct_blobs"`
	TotalBytes    int64             `json:"total_bytes"`
	DedupRatio    float64           `json:"dedup_ratio"`
	Errors        map[ErrorKind]int `json:"errors"`
	RobotsBlocked int               `json:"robots_blocked"`
	Duration      time.Duration     `json:"duration"`
}

// TotalErrors sums the per-kind error counts.
func (s Summary) TotalErrors() int {
	total := 0
	for _, n := range s.Errors {
		total += n
	}
	return total
}
