// Package ingest imports a mirror tree produced by an external download tool
// (wget, httrack) into the content-addressed store.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-archiver/internal/archive"
	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/extract"
	"github.com/JakeFAU/site-archiver/internal/hash/sha256"
)

const defaultMaxFileBytes = 256 << 20

// Store is the subset of store.Store ingestion writes to.
type Store interface {
	PutAssetWithBlob(ctx context.Context, rec crawler.AssetRecord, data []byte) (bool, error)
	RecordPage(ctx context.Context, rec crawler.PageRecord, body []byte) (bool, error)
}

// Archiver records a capture per ingested file.
type Archiver interface {
	WriteCapture(ctx context.Context, c archive.Capture) (archive.RecordRef, error)
}

// Config names the tree and the site it mirrors.
type Config struct {
	Dir     string `mapstructure:"dir"`
	BaseURL string `mapstructure:"base_url"`
	// MaxFileBytes skips larger files; <= 0 uses 256 MiB.
	MaxFileBytes int64 `mapstructure:"max_file_bytes"`
	// SessionID tags the page records written.
	SessionID string `mapstructure:"-"`
}

// Result counts what an ingestion wrote.
type Result struct {
	Files        int   `json:"files"`
	Pages        int   `json:"pages"`
	Assets       int   `json:"assets"`
	Deduplicated int   `json:"deduplicated"`
	Skipped      int   `json:"skipped"`
	Bytes        int64 `json:"bytes"`
}

// Option customises an Ingester.
type Option func(*Ingester)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(in *Ingester) {
		if l != nil {
			in.logger = l
		}
	}
}

// Ingester walks mirror trees.
type Ingester struct {
	store   Store
	archive Archiver
	logger  *zap.Logger
}

// New builds an Ingester.
func New(st Store, arch Archiver, opts ...Option) *Ingester {
	in := &Ingester{store: st, archive: arch, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Ingest stores every regular file under cfg.Dir as an asset keyed by its
// URL under cfg.BaseURL. HTML files are also recorded as pages. Unreadable
// files are skipped; store failures abort the walk.
func (in *Ingester) Ingest(ctx context.Context, cfg Config) (Result, error) {
	var res Result
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return res, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return res, fmt.Errorf("stat mirror dir: %w", err)
	}
	if !info.IsDir() {
		return res, fmt.Errorf("mirror path %s is not a directory", cfg.Dir)
	}
	limit := cfg.MaxFileBytes
	if limit <= 0 {
		limit = defaultMaxFileBytes
	}

	err = filepath.WalkDir(cfg.Dir, func(p string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			in.logger.Warn("skipping unreadable path", zap.String("path", p), zap.Error(walkErr))
			res.Skipped++
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if p != cfg.Dir && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(cfg.Dir, p)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", p, err)
		}
		return in.ingestFile(ctx, p, fileURL(base, filepath.ToSlash(rel)), limit, cfg.SessionID, &res)
	})
	in.logger.Info("mirror ingested",
		zap.String("dir", cfg.Dir),
		zap.Int("files", res.Files),
		zap.Int("pages", res.Pages),
		zap.Int("deduplicated", res.Deduplicated),
		zap.Int("skipped", res.Skipped),
	)
	if err != nil {
		return res, err
	}
	return res, nil
}

func (in *Ingester) ingestFile(ctx context.Context, p, uri string, limit int64, sessionID string, res *Result) error {
	f, err := os.Open(p)
	if err != nil {
		in.logger.Warn("skipping unreadable file", zap.String("path", p), zap.Error(err))
		res.Skipped++
		return nil
	}
	defer f.Close() //nolint:errcheck

	var body bytes.Buffer
	hash, n, err := sha256.SumReader(io.TeeReader(io.LimitReader(f, limit+1), &body))
	if err != nil {
		in.logger.Warn("skipping unreadable file", zap.String("path", p), zap.Error(err))
		res.Skipped++
		return nil
	}
	if n > limit {
		in.logger.Warn("skipping oversized file", zap.String("path", p), zap.Int64("limit", limit))
		res.Skipped++
		return nil
	}
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", p, err)
	}
	modTime := info.ModTime().UTC()
	mime := extract.MIMEFor(p)
	data := body.Bytes()

	newBlob, err := in.store.PutAssetWithBlob(ctx, crawler.AssetRecord{
		URI:         uri,
		Class:       extract.ClassForMIME(mime),
		ContentHash: hash,
		Size:        n,
		MIME:        mime,
		FetchedAt:   modTime,
	}, data)
	if err != nil {
		return fmt.Errorf("store %s: %w", uri, err)
	}
	if mime == "text/html" {
		_, err := in.store.RecordPage(ctx, crawler.PageRecord{
			URI:         uri,
			ContentHash: hash,
			Title:       extract.Title(data),
			StatusCode:  200,
			ContentType: mime,
			Size:        n,
			FetchedAt:   modTime,
			SessionID:   sessionID,
		}, data)
		if err != nil {
			return fmt.Errorf("record page %s: %w", uri, err)
		}
		res.Pages++
	}
	_, err = in.archive.WriteCapture(ctx, archive.Capture{
		URI:         uri,
		StatusCode:  200,
		ContentType: mime,
		Body:        data,
		FetchedAt:   modTime,
		ContentHash: hash,
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", uri, err)
	}

	res.Files++
	res.Assets++
	res.Bytes += n
	if !newBlob {
		res.Deduplicated++
	}
	return nil
}

// fileURL maps a mirror-relative path to the URL it was downloaded from.
// Directory index files stand for the directory itself.
func fileURL(base *url.URL, rel string) string {
	u := *base
	dir, name := path.Split(rel)
	if name == "index.html" || name == "index.htm" {
		rel = dir
	}
	u.Path = path.Join("/", base.Path, rel)
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return crawler.Normalize(u.String())
}
