package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists the archive. Blob writes are conditional inserts so
// concurrent writers of identical content converge on one row; the
// authoritative dedup check is the content_hash primary key.
type Store interface {
	// Init creates the schema if it does not exist.
	Init(ctx context.Context) error

	// PutBlob inserts content under hash unless it already exists and
	// reports whether a row was written.
	PutBlob(ctx context.Context, hash string, data []byte) (bool, error)
	GetBlob(ctx context.Context, hash string) ([]byte, error)

	// PutAssetWithBlob writes the blob then the asset row in one
	// transaction. A known asset URI is left untouched.
	PutAssetWithBlob(ctx context.Context, rec crawler.AssetRecord, data []byte) (bool, error)
	// RecordAsset inserts an asset row whose blob must already exist.
	RecordAsset(ctx context.Context, rec crawler.AssetRecord) error
	AssetExists(ctx context.Context, uri string) (bool, error)

	// RecordPage writes the body blob then the page row in one transaction
	// and reports whether the blob was new.
	RecordPage(ctx context.Context, rec crawler.PageRecord, body []byte) (bool, error)
	PageExists(ctx context.Context, uri string) (bool, error)

	RecordLink(ctx context.Context, rec crawler.LinkRecord) error
	RecordRedirect(ctx context.Context, rec crawler.RedirectRecord) error

	AppendCDX(ctx context.Context, entry crawler.CDXEntry) error
	// LookupCDX returns the newest entry for uri captured at or before at.
	LookupCDX(ctx context.Context, uri string, at time.Time) (crawler.CDXEntry, error)

	LogError(ctx context.Context, rec crawler.ErrorRecord) error
	Errors(ctx context.Context) ([]crawler.ErrorRecord, error)

	SaveCheckpoint(ctx context.Context, cp crawler.Checkpoint) error
	LoadCheckpoint(ctx context.Context, sessionID string) (crawler.Checkpoint, error)
	// LatestCheckpoint returns the most recently written checkpoint.
	LatestCheckpoint(ctx context.Context) (crawler.Checkpoint, error)

	SetMetadata(ctx context.Context, key, value string) error
	Metadata(ctx context.Context) (map[string]string, error)

	// VisitedURLs lists every URL a previous run already settled: archived
	// pages, redirect sources and URLs with a logged failure.
	VisitedURLs(ctx context.Context) ([]string, error)
	// PendingLinks lists page links whose targets were never settled, with
	// the depth they would be crawled at.
	PendingLinks(ctx context.Context) ([]PendingURL, error)
	// Captures lists archived pages and assets for materialization.
	Captures(ctx context.Context) ([]Capture, error)

	Stats(ctx context.Context) (crawler.Stats, error)
	Close() error
}

// PendingURL is a frontier entry rebuilt from the link graph.
type PendingURL struct {
	URL   string
	Depth int
}

// Capture identifies a stored body by the URI it was fetched from.
type Capture struct {
	URI         string
	ContentHash string
	MIME        string
	Page        bool
}

// Metadata keys written by the orchestrator.
const (
	MetaArchivedAt = "archived_at"
	MetaStandard   = "standard"
	MetaDomain     = "domain"
	MetaStartURL   = "start_url"
	MetaSessionID  = "session_id"
	MetaUserAgent  = "user_agent"
	MetaFinishedAt = "finished_at"
	MetaStatus     = "status"
)

// ArchiveStandard is recorded under MetaStandard.
const ArchiveStandard = "ISO 28500:2017"
