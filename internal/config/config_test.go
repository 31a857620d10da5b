package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawl.MaxPages != 50 || cfg.Crawl.MaxDepth != 5 || cfg.Crawl.Workers != 10 {
		t.Fatalf("unexpected crawl defaults: %+v", cfg.Crawl)
	}
	if cfg.Crawl.CheckpointEvery != 50 || cfg.Crawl.UserAgent != "ArchiveBot/4.0" {
		t.Fatalf("unexpected checkpoint or agent defaults: %+v", cfg.Crawl)
	}
	if cfg.Fetch.AttemptBudget != 3 || cfg.Fetch.BaseTimeout != 30*time.Second || cfg.Fetch.TimeoutIncrement != 5*time.Second {
		t.Fatalf("unexpected fetch defaults: %+v", cfg.Fetch)
	}
	if cfg.Fetch.BackoffBase != time.Second || cfg.Fetch.BackoffMax != 30*time.Second {
		t.Fatalf("unexpected backoff defaults: %+v", cfg.Fetch)
	}
	if cfg.RateLimit.RPS != 2.0 || cfg.Fetch.MaxConnsPerHost != 2 {
		t.Fatalf("unexpected pacing defaults: %+v %+v", cfg.RateLimit, cfg.Fetch)
	}
	if cfg.Store.Driver != DriverSQLite || cfg.Store.Path != "archive.db" {
		t.Fatalf("unexpected store defaults: %+v", cfg.Store)
	}
	if cfg.Archive.Dir != "warc" || !cfg.Archive.Gzip {
		t.Fatalf("unexpected archive defaults: %+v", cfg.Archive)
	}
	if !cfg.Robots.Respect || !cfg.Crawl.UseSitemap {
		t.Fatalf("robots and sitemaps should be on by default")
	}
	if err := cfg.ValidateCrawl(); err == nil {
		t.Fatalf("expected missing start url to fail crawl validation")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawl:
  start_url: https://example.com/
  max_pages: 500
  wall_clock_budget: 2h
  blocklist: ["example.com/private", "/cart"]
frontier:
  rules:
    - match: /docs
      weight: 30
fetch:
  attempt_budget: 5
  backoff_max: 10s
store:
  driver: postgres
  dsn: postgres://archiver@localhost/archive
export:
  gcs:
    bucket: archive-exports
    prefix: runs
notify:
  project_id: archive-project
  topic: runs
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 || !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected server overrides: %+v %+v", cfg.Server, cfg.Auth)
	}
	if cfg.Crawl.MaxPages != 500 || cfg.Crawl.WallClockBudget != 2*time.Hour {
		t.Fatalf("expected crawl overrides: %+v", cfg.Crawl)
	}
	if len(cfg.Crawl.Blocklist) != 2 || cfg.Crawl.Blocklist[1] != "/cart" {
		t.Fatalf("expected blocklist to load: %v", cfg.Crawl.Blocklist)
	}
	if len(cfg.Frontier.Rules) != 1 || cfg.Frontier.Rules[0].Weight != 30 {
		t.Fatalf("expected frontier rules to load: %+v", cfg.Frontier.Rules)
	}
	if cfg.Fetch.AttemptBudget != 5 || cfg.Fetch.BackoffMax != 10*time.Second {
		t.Fatalf("expected squashed fetch overrides: %+v", cfg.Fetch)
	}
	if cfg.Fetch.BaseTimeout != 30*time.Second {
		t.Fatalf("expected untouched fetch defaults to survive: %+v", cfg.Fetch)
	}
	if cfg.Store.Driver != DriverPostgres || cfg.Export.GCS.Bucket != "archive-exports" || !cfg.Notify.Enabled() {
		t.Fatalf("expected store, export and notify overrides: %+v %+v %+v", cfg.Store, cfg.Export, cfg.Notify)
	}
	if err := cfg.ValidateCrawl(); err != nil {
		t.Fatalf("ValidateCrawl() error = %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLER_CRAWL_MAX_DEPTH", "2")
	t.Setenv("CRAWLER_STORE_PATH", "/tmp/site.db")
	t.Setenv("CRAWLER_FETCH_BASE_TIMEOUT", "12s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawl.MaxDepth != 2 || cfg.Store.Path != "/tmp/site.db" || cfg.Fetch.BaseTimeout != 12*time.Second {
		t.Fatalf("expected env overrides: depth=%d path=%s timeout=%v", cfg.Crawl.MaxDepth, cfg.Store.Path, cfg.Fetch.BaseTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Read(New(), "")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	cases := map[string]func(*Config){
		"server.port":        func(c *Config) { c.Server.Port = 0 },
		"auth.api_key":       func(c *Config) { c.Auth.Enabled = true },
		"crawl.workers":      func(c *Config) { c.Crawl.Workers = 0 },
		"crawl.max_depth":    func(c *Config) { c.Crawl.MaxDepth = -1 },
		"fetch.attempt":      func(c *Config) { c.Fetch.AttemptBudget = 0 },
		"rate_limit.rps":     func(c *Config) { c.RateLimit.RPS = -1 },
		"headless.max":       func(c *Config) { c.Headless.Enabled = true; c.Headless.MaxParallel = 0 },
		"store.driver":       func(c *Config) { c.Store.Driver = "mysql" },
		"store.dsn":          func(c *Config) { c.Store.Driver = DriverPostgres },
		"store.path":         func(c *Config) { c.Store.Path = " " },
		"archive.dir":        func(c *Config) { c.Archive.Dir = "" },
		"fetch.base_timeout": func(c *Config) { c.Fetch.BaseTimeout = 0 },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
		key := strings.SplitN(name, ".", 2)[0]
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("%s: error %q does not name the key", name, err)
		}
	}
}
