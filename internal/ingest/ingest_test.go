package ingest

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-archiver/internal/archive"
	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/store/sqlite"
)

func writeTree(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for rel, data := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, data, 0o644))
	}
}

func openStore(t *testing.T) (*sqlite.Store, *archive.Writer) {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()
	st, err := sqlite.Open(ctx, sqlite.Config{Path: filepath.Join(dir, "archive.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Init(ctx))
	w, err := archive.NewWriter(archive.Config{Dir: filepath.Join(dir, "warc")}, st)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return st, w
}

func TestIngestMirrorTree(t *testing.T) {
	t.Parallel()
	mirror := t.TempDir()
	img := bytes.Repeat([]byte{7}, 512)
	writeTree(t, mirror, map[string][]byte{
		"index.html":       []byte("<html><title>Home</title></html>"),
		"about/index.html": []byte("<html><title>About</title></html>"),
		"img/a.png":        img,
		"img/b.png":        img,
		"huge.bin":         bytes.Repeat([]byte{1}, 2048),
		".git/config":      []byte("[core]"),
	})
	st, w := openStore(t)
	ctx := context.Background()

	res, err := New(st, w).Ingest(ctx, Config{Dir: mirror, BaseURL: "https://Example.test", MaxFileBytes: 1024, SessionID: "ingest-1"})
	require.NoError(t, err)
	require.Equal(t, Result{Files: 4, Pages: 2, Assets: 4, Deduplicated: 1, Skipped: 1, Bytes: int64(2*512 + 32 + 33)}, res)

	for _, uri := range []string{"https://example.test/", "https://example.test/about"} {
		ok, err := st.PageExists(ctx, uri)
		require.NoError(t, err)
		require.True(t, ok, uri)
	}
	ok, err := st.AssetExists(ctx, "https://example.test/img/b.png")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.AssetExists(ctx, "https://example.test/.git/config")
	require.NoError(t, err)
	require.False(t, ok)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.AssetHashes)

	entry, err := st.LookupCDX(ctx, "https://example.test/img/a.png", time.Now())
	require.NoError(t, err)
	require.Equal(t, "image/png", entry.MIME)
	_, rec, err := archive.NewReplayer(w.Dir(), st).Replay(ctx, "https://example.test/img/a.png", time.Time{})
	require.NoError(t, err)
	require.Equal(t, img, rec.Payload)
}

func TestIngestRejectsBadInput(t *testing.T) {
	t.Parallel()
	st, w := openStore(t)
	in := New(st, w)
	ctx := context.Background()

	_, err := in.Ingest(ctx, Config{Dir: t.TempDir(), BaseURL: "not-a-url"})
	require.Error(t, err)
	_, err = in.Ingest(ctx, Config{Dir: filepath.Join(t.TempDir(), "missing"), BaseURL: "https://example.test"})
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "f.html")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = in.Ingest(ctx, Config{Dir: file, BaseURL: "https://example.test"})
	require.ErrorContains(t, err, "not a directory")
}

type brokenStore struct{}

func (brokenStore) PutAssetWithBlob(context.Context, crawler.AssetRecord, []byte) (bool, error) {
	return false, errors.New("constraint failed")
}

func (brokenStore) RecordPage(context.Context, crawler.PageRecord, []byte) (bool, error) {
	return false, nil
}

func TestIngestStopsOnStoreFailure(t *testing.T) {
	t.Parallel()
	mirror := t.TempDir()
	writeTree(t, mirror, map[string][]byte{"a.css": []byte("a{}"), "b.css": []byte("b{}")})
	_, w := openStore(t)

	res, err := New(brokenStore{}, w).Ingest(context.Background(), Config{Dir: mirror, BaseURL: "https://example.test"})
	require.ErrorContains(t, err, "constraint failed")
	require.Zero(t, res.Files)
}

func TestFileURL(t *testing.T) {
	t.Parallel()
	base, err := url.Parse("https://example.test/mirror/")
	require.NoError(t, err)

	cases := map[string]string{
		"index.html":           "https://example.test/mirror",
		"docs/index.htm":       "https://example.test/mirror/docs",
		"css/site.css":         "https://example.test/mirror/css/site.css",
		"a b/c.png":            "https://example.test/mirror/a%20b/c.png",
		"blog/post-1.html":     "https://example.test/mirror/blog/post-1.html",
		"deep/nested/page.htm": "https://example.test/mirror/deep/nested/page.htm",
	}
	for rel, want := range cases {
		require.Equal(t, want, fileURL(base, rel), rel)
	}
}
