package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-archiver/internal/config"
	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/ingest"
	"github.com/JakeFAU/site-archiver/internal/server"
)

func testSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "User-agent: *\nAllow: /\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Home</title></head><body><a href="/docs">Docs</a></body></html>`)
	})
	mux.HandleFunc("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Docs</title></head><body>read me</body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	db   string
	warc string
}

func newHarness(t *testing.T) harness {
	t.Helper()
	dir := t.TempDir()
	return harness{db: filepath.Join(dir, "archive.db"), warc: filepath.Join(dir, "warc")}
}

func (h harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--db", h.db, "--warc-dir", h.warc, "--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlSummaryReplayExport(t *testing.T) {
	site := testSite(t)
	h := newHarness(t)

	out, err := h.run(t, "crawl", "--url", site.URL, "--sitemap=false", "--max-pages", "10")
	require.NoError(t, err)
	var sum crawler.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	require.Equal(t, crawler.RunStatusCompleted, sum.Status)
	require.EqualValues(t, 2, sum.Pages)

	out, err = h.run(t, "summary")
	require.NoError(t, err)
	var stored crawler.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &stored))
	require.Equal(t, sum.SessionID, stored.SessionID)

	payload := filepath.Join(t.TempDir(), "docs.html")
	_, err = h.run(t, "replay", "--url", site.URL+"/docs", "--out", payload)
	require.NoError(t, err)
	body, err := os.ReadFile(payload)
	require.NoError(t, err)
	require.Contains(t, string(body), "read me")

	exportDir := filepath.Join(t.TempDir(), "export")
	_, err = h.run(t, "export", "--dir", exportDir, "--materialize")
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(exportDir, "metadata.json"))
	require.FileExists(t, filepath.Join(exportDir, "errors.json"))
	require.DirExists(t, filepath.Join(exportDir, "files"))
}

func TestCrawlRequiresURL(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "crawl")
	require.Error(t, err)
}

func TestReplayUnknownURL(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "replay", "--url", "https://example.test/nothing")
	require.Error(t, err)
}

func TestIngestMirror(t *testing.T) {
	h := newHarness(t)
	mirror := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(mirror, "index.html"), []byte("<html><title>Hi</title></html>"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(mirror, "app.js"), []byte("console.log(1)"), 0o600))

	out, err := h.run(t, "ingest", "--dir", mirror, "--base-url", "https://example.test/")
	require.NoError(t, err)
	var res ingest.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, 2, res.Files)
	require.Equal(t, 1, res.Pages)
}

func TestAppInitFailure(t *testing.T) {
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(context.Context, config.Config, *zap.Logger) (*server.App, error) {
		return nil, errors.New("store unavailable")
	}

	h := newHarness(t)
	_, err := h.run(t, "summary")
	require.ErrorContains(t, err, "store unavailable")
}

func TestConfigFlagsBindPerCommand(t *testing.T) {
	var seen config.Config
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (*server.App, error) {
		seen = cfg
		return nil, errors.New("stop")
	}

	h := newHarness(t)
	_, err := h.run(t, "crawl", "--url", "https://example.test/", "--max-pages", "7", "--robots=false")
	require.Error(t, err)
	require.Equal(t, "https://example.test/", seen.Crawl.StartURL)
	require.Equal(t, 7, seen.Crawl.MaxPages)
	require.False(t, seen.Robots.Respect)
	require.True(t, seen.Crawl.UseSitemap)
	require.Equal(t, h.db, seen.Store.Path)
}
