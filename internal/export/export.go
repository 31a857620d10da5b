// Package export writes archive metadata and bodies out of the store:
// metadata.json, errors.json, a materialized file tree, and bucket uploads.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/store"
)

// File names written by the exporter.
const (
	MetadataFile = "metadata.json"
	ErrorsFile   = "errors.json"
	FilesDir     = "files"
)

// ObjectStore is a destination for exported objects. Both the local
// directory store and the GCS store satisfy it.
type ObjectStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// Source is the read side of store.Store the exporter needs.
type Source interface {
	Metadata(ctx context.Context) (map[string]string, error)
	Errors(ctx context.Context) ([]crawler.ErrorRecord, error)
	Stats(ctx context.Context) (crawler.Stats, error)
	Captures(ctx context.Context) ([]store.Capture, error)
	GetBlob(ctx context.Context, hash string) ([]byte, error)
}

// Document is the metadata.json payload.
type Document struct {
	Metadata   map[string]string `json:"metadata"`
	Summary    crawler.Summary   `json:"summary"`
	Stats      crawler.Stats     `json:"stats"`
	ExportedAt time.Time         `json:"exported_at"`
}

// Option customises an Exporter.
type Option func(*Exporter)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Exporter) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithNow overrides the export timestamp source.
func WithNow(now func() time.Time) Option {
	return func(e *Exporter) {
		if now != nil {
			e.now = now
		}
	}
}

// Exporter reads from a Source and writes to ObjectStores.
type Exporter struct {
	src    Source
	logger *zap.Logger
	now    func() time.Time
}

// New builds an Exporter over src.
func New(src Source, opts ...Option) *Exporter {
	e := &Exporter{src: src, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Summarize rebuilds the run summary of the latest session from the store.
// Duration spans archived_at to finished_at when both are recorded.
func Summarize(ctx context.Context, src Source) (crawler.Summary, error) {
	meta, err := src.Metadata(ctx)
	if err != nil {
		return crawler.Summary{}, fmt.Errorf("read metadata: %w", err)
	}
	stats, err := src.Stats(ctx)
	if err != nil {
		return crawler.Summary{}, fmt.Errorf("read stats: %w", err)
	}
	recs, err := src.Errors(ctx)
	if err != nil {
		return crawler.Summary{}, fmt.Errorf("read error log: %w", err)
	}

	s := crawler.Summary{
		SessionID:     meta[store.MetaSessionID],
		Status:        crawler.RunStatus(meta[store.MetaStatus]),
		Pages:         stats.Pages,
		Assets:        stats.Assets,
		DistinctBlobs: stats.AssetHashes,
		TotalBytes:    stats.TotalBytes,
		DedupRatio:    stats.DedupRatio(),
		Errors:        make(map[crawler.ErrorKind]int),
	}
	for _, r := range recs {
		s.Errors[r.Kind]++
	}
	s.RobotsBlocked = s.Errors[crawler.KindRobotsBlocked]
	start, errStart := time.Parse(time.RFC3339, meta[store.MetaArchivedAt])
	end, errEnd := time.Parse(time.RFC3339, meta[store.MetaFinishedAt])
	if errStart == nil && errEnd == nil && end.After(start) {
		s.Duration = end.Sub(start)
	}
	return s, nil
}

// WriteMetadata writes metadata.json with the metadata table and summary.
func (e *Exporter) WriteMetadata(ctx context.Context, dst ObjectStore) (string, error) {
	meta, err := e.src.Metadata(ctx)
	if err != nil {
		return "", fmt.Errorf("read metadata: %w", err)
	}
	stats, err := e.src.Stats(ctx)
	if err != nil {
		return "", fmt.Errorf("read stats: %w", err)
	}
	summary, err := Summarize(ctx, e.src)
	if err != nil {
		return "", err
	}
	doc := Document{Metadata: meta, Summary: summary, Stats: stats, ExportedAt: e.now().UTC()}
	return e.putJSON(ctx, dst, MetadataFile, doc)
}

// WriteErrors writes errors.json with every error_log row.
func (e *Exporter) WriteErrors(ctx context.Context, dst ObjectStore) (string, error) {
	recs, err := e.src.Errors(ctx)
	if err != nil {
		return "", fmt.Errorf("read error log: %w", err)
	}
	if recs == nil {
		recs = []crawler.ErrorRecord{}
	}
	return e.putJSON(ctx, dst, ErrorsFile, recs)
}

func (e *Exporter) putJSON(ctx context.Context, dst ObjectStore, name string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	uri, err := dst.PutObject(ctx, name, "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	e.logger.Info("export written", zap.String("object", name), zap.String("uri", uri))
	return uri, nil
}
