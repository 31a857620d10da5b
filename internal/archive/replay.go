package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/hash/sha256"
)

// CDXLookup finds the newest index entry for a URL at or before a time.
type CDXLookup interface {
	LookupCDX(ctx context.Context, uri string, at time.Time) (crawler.CDXEntry, error)
}

// Replayer resolves URLs to archived captures.
type Replayer struct {
	dir   string
	index CDXLookup
}

// NewReplayer reads records from dir using index for lookups.
func NewReplayer(dir string, index CDXLookup) *Replayer {
	return &Replayer{dir: dir, index: index}
}

// Lookup returns the CDX entry for rawURL at or before at. A zero at means now.
func (r *Replayer) Lookup(ctx context.Context, rawURL string, at time.Time) (crawler.CDXEntry, error) {
	if at.IsZero() {
		at = time.Now()
	}
	return r.index.LookupCDX(ctx, crawler.Normalize(rawURL), at.UTC())
}

// Replay returns the entry and its record, checking the payload digest.
func (r *Replayer) Replay(ctx context.Context, rawURL string, at time.Time) (crawler.CDXEntry, *Record, error) {
	entry, err := r.Lookup(ctx, rawURL, at)
	if err != nil {
		return crawler.CDXEntry{}, nil, err
	}
	ref, err := ParseRecordRef(entry.RecordRef)
	if err != nil {
		return entry, nil, err
	}
	rec, err := ReadRecord(r.dir, ref)
	if err != nil {
		return entry, nil, err
	}
	if got := sha256.Digest(sha256.Sum(rec.Payload)); got != entry.PayloadDigest {
		return entry, rec, fmt.Errorf("payload digest mismatch for %s: index %s, record %s", entry.URI, entry.PayloadDigest, got)
	}
	return entry, rec, nil
}
