package export

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

const indexFile = "index.html"

// FilePath maps a captured URL to a relative file path: host first, then the
// URL path. Pages without a file extension become <path>/index.html. A query
// string is folded into the file name so distinct URLs never collide.
func FilePath(uri string, page bool) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid capture url %q", uri)
	}
	p := u.Path
	if p == "" || strings.HasSuffix(p, "/") {
		p += indexFile
	} else if page && path.Ext(p) == "" {
		p += "/" + indexFile
	}
	if u.RawQuery != "" {
		ext := path.Ext(p)
		p = strings.TrimSuffix(p, ext) + "@" + url.PathEscape(u.RawQuery) + ext
	}
	rel := strings.ToLower(u.Host) + path.Clean("/"+p)
	if strings.HasPrefix(rel, ".") || strings.Contains(rel, "\\") {
		return "", fmt.Errorf("capture url %q escapes the export root", uri)
	}
	return rel, nil
}

// Materialize writes every archived page and asset body under FilesDir,
// reading each body from the blob table by content hash. A URL stored both
// as a page and as an asset is written once, as a page. Captures whose URL
// cannot be mapped are skipped and logged. It returns the number of files
// written.
func (e *Exporter) Materialize(ctx context.Context, dst ObjectStore) (int, error) {
	caps, err := e.src.Captures(ctx)
	if err != nil {
		return 0, fmt.Errorf("list captures: %w", err)
	}
	pages := make(map[string]struct{})
	for _, c := range caps {
		if c.Page {
			pages[c.URI] = struct{}{}
		}
	}
	written := 0
	for _, c := range caps {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if _, ok := pages[c.URI]; ok && !c.Page {
			continue
		}
		rel, err := FilePath(c.URI, c.Page)
		if err != nil {
			e.logger.Warn("skipping capture", zap.String("url", c.URI), zap.Error(err))
			continue
		}
		body, err := e.src.GetBlob(ctx, c.ContentHash)
		if err != nil {
			return written, fmt.Errorf("read blob %s for %s: %w", c.ContentHash, c.URI, err)
		}
		if _, err := dst.PutObject(ctx, path.Join(FilesDir, rel), c.MIME, bytes.NewReader(body)); err != nil {
			return written, fmt.Errorf("materialize %s: %w", c.URI, err)
		}
		written++
	}
	e.logger.Info("archive materialized", zap.Int("files", written), zap.Int("captures", len(caps)))
	return written, nil
}

// Upload copies every regular file under dir to dst, keyed by prefix plus
// the slash-separated path relative to dir. It returns the number of
// objects uploaded.
func Upload(ctx context.Context, dst ObjectStore, dir, prefix string, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	uploaded := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", p, err)
		}
		name := path.Join(prefix, filepath.ToSlash(rel))
		f, err := os.Open(p) // #nosec G304 -- p comes from walking dir.
		if err != nil {
			return fmt.Errorf("open %s: %w", p, err)
		}
		uri, err := dst.PutObject(ctx, name, contentType(name), f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
		logger.Debug("object uploaded", zap.String("uri", uri))
		uploaded++
		return nil
	})
	if err != nil {
		return uploaded, err
	}
	logger.Info("directory uploaded", zap.String("dir", dir), zap.Int("objects", uploaded))
	return uploaded, nil
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".warc.gz"):
		return "application/warc+gzip"
	case strings.HasSuffix(name, ".warc"):
		return "application/warc"
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	}
	return ""
}
