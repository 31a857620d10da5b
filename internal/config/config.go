// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/site-archiver/internal/archive"
	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/fetcher"
	"github.com/JakeFAU/site-archiver/internal/frontier"
	"github.com/JakeFAU/site-archiver/internal/logging"
	"github.com/JakeFAU/site-archiver/internal/notify"
	"github.com/JakeFAU/site-archiver/internal/orchestrator"
	"github.com/JakeFAU/site-archiver/internal/storage/gcs"
)

// EnvPrefix namespaces environment overrides, e.g. CRAWLER_CRAWL_MAX_PAGES.
const EnvPrefix = "CRAWLER"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config captures every archiver knob loaded via Viper.
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Auth      AuthConfig          `mapstructure:"auth"`
	Logging   logging.Config      `mapstructure:"logging"`
	Crawl     orchestrator.Config `mapstructure:"crawl"`
	Robots    RobotsConfig        `mapstructure:"robots"`
	Frontier  FrontierConfig      `mapstructure:"frontier"`
	Fetch     FetchConfig         `mapstructure:"fetch"`
	RateLimit RateLimitConfig     `mapstructure:"rate_limit"`
	Headless  HeadlessConfig      `mapstructure:"headless"`
	Sitemap   SitemapConfig       `mapstructure:"sitemap"`
	Store     StoreConfig         `mapstructure:"store"`
	Archive   archive.Config      `mapstructure:"archive"`
	Progress  ProgressConfig      `mapstructure:"progress"`
	Export    ExportConfig        `mapstructure:"export"`
	Notify    notify.Config       `mapstructure:"notify"`
	Ingest    IngestConfig        `mapstructure:"ingest"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// RobotsConfig controls robots.txt handling.
type RobotsConfig struct {
	Respect bool          `mapstructure:"respect"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// FrontierConfig tunes URL priority scoring.
type FrontierConfig struct {
	// Rules are path keyword weights; none are built in.
	Rules             []frontier.Rule `mapstructure:"rules"`
	DepthPenalty      int             `mapstructure:"depth_penalty"`
	PaginationPenalty int             `mapstructure:"pagination_penalty"`
}

// FetchConfig covers the retrying engine and the plain HTTP fetcher.
type FetchConfig struct {
	fetcher.Config `mapstructure:",squash"`
	// MaxBodyBytes caps response bodies; 0 means unlimited.
	MaxBodyBytes    int `mapstructure:"max_body_bytes"`
	MaxConnsPerHost int `mapstructure:"max_conns_per_host"`
}

// RateLimitConfig sets per-host pacing before robots crawl-delay applies.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// HeadlessConfig configures the render fallback and its promotion detector.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	ExecPath          string        `mapstructure:"exec_path"`
	MinHTMLBytes      int           `mapstructure:"min_html_bytes"`
	Keywords          []string      `mapstructure:"keywords"`
	RequiredSelectors []string      `mapstructure:"required_selectors"`
}

// SitemapConfig bounds sitemap discovery.
type SitemapConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	MaxURLs int           `mapstructure:"max_urls"`
}

// StoreConfig selects and configures the persistent store.
type StoreConfig struct {
	Driver      string        `mapstructure:"driver"`
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
	DSN         string        `mapstructure:"dsn"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// ExportConfig controls where exports are written and uploaded.
type ExportConfig struct {
	Dir         string     `mapstructure:"dir"`
	Materialize bool       `mapstructure:"materialize"`
	GCS         gcs.Config `mapstructure:"gcs"`
}

// IngestConfig bounds mirror ingestion.
type IngestConfig struct {
	MaxFileBytes int64 `mapstructure:"max_file_bytes"`
}

// New returns a Viper instance with defaults and CRAWLER_* environment
// overrides registered. Callers may bind flags onto it before Read.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from defaults, the optional file at path, and the
// environment.
func Load(path string) (Config, error) {
	return Read(New(), path)
}

// Read unmarshals v, reading the file at path first when it is set.
func Read(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_grace", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("crawl.start_url", "")
	v.SetDefault("crawl.max_pages", 50)
	v.SetDefault("crawl.max_depth", 5)
	v.SetDefault("crawl.workers", 10)
	v.SetDefault("crawl.checkpoint_every", 50)
	v.SetDefault("crawl.wall_clock_budget", time.Duration(0))
	v.SetDefault("crawl.use_sitemap", true)
	v.SetDefault("crawl.same_host_only", false)
	v.SetDefault("crawl.blocklist", []string{})
	v.SetDefault("crawl.forbidden_threshold", 3)
	v.SetDefault("crawl.user_agent", "ArchiveBot/4.0")
	v.SetDefault("crawl.resume", false)
	v.SetDefault("crawl.shutdown_grace", 10*time.Second)
	v.SetDefault("crawl.expected_assets", 10000)

	v.SetDefault("robots.respect", true)
	v.SetDefault("robots.timeout", 10*time.Second)

	v.SetDefault("frontier.rules", []frontier.Rule{})
	v.SetDefault("frontier.depth_penalty", 3)
	v.SetDefault("frontier.pagination_penalty", 10)

	def := fetcher.DefaultConfig()
	v.SetDefault("fetch.attempt_budget", def.AttemptBudget)
	v.SetDefault("fetch.base_timeout", def.BaseTimeout)
	v.SetDefault("fetch.timeout_increment", def.TimeoutIncrement)
	v.SetDefault("fetch.backoff_base", def.BackoffBase)
	v.SetDefault("fetch.backoff_max", def.BackoffMax)
	v.SetDefault("fetch.retry_after_max", def.RetryAfterMax)
	v.SetDefault("fetch.jitter", true)
	v.SetDefault("fetch.max_body_bytes", 50<<20)
	v.SetDefault("fetch.max_conns_per_host", 2)

	v.SetDefault("rate_limit.rps", 2.0)
	v.SetDefault("rate_limit.burst", 1)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.navigation_timeout", 25*time.Second)
	v.SetDefault("headless.settle_delay", 500*time.Millisecond)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.min_html_bytes", 2048)
	v.SetDefault("headless.keywords", []string{})
	v.SetDefault("headless.required_selectors", []string{})

	v.SetDefault("sitemap.timeout", 15*time.Second)
	v.SetDefault("sitemap.max_urls", 5000)

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", "archive.db")
	v.SetDefault("store.busy_timeout", 5*time.Second)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 0)

	v.SetDefault("archive.dir", "warc")
	v.SetDefault("archive.prefix", "archive")
	v.SetDefault("archive.gzip", true)
	v.SetDefault("archive.max_file_bytes", int64(1<<30))

	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)

	v.SetDefault("export.dir", "export")
	v.SetDefault("export.materialize", false)
	v.SetDefault("export.gcs.bucket", "")
	v.SetDefault("export.gcs.prefix", "")

	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")

	v.SetDefault("ingest.max_file_bytes", int64(256<<20))
}

// Validate enforces required values and reasonable limits. The start URL is
// checked by ValidateCrawl since only the crawl command needs it.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0")
	}
	if c.Crawl.MaxDepth < 0 {
		return fmt.Errorf("crawl.max_depth must be >= 0")
	}
	if c.Crawl.CheckpointEvery < 0 {
		return fmt.Errorf("crawl.checkpoint_every must be >= 0")
	}
	if c.Fetch.AttemptBudget <= 0 {
		return fmt.Errorf("fetch.attempt_budget must be > 0")
	}
	if c.Fetch.BaseTimeout <= 0 {
		return fmt.Errorf("fetch.base_timeout must be > 0")
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("rate_limit.rps must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Store.Driver)
	}
	if strings.TrimSpace(c.Archive.Dir) == "" {
		return fmt.Errorf("archive.dir is required")
	}
	return nil
}

// ValidateCrawl additionally requires a crawlable start URL.
func (c Config) ValidateCrawl() error {
	if !crawler.Valid(c.Crawl.StartURL) {
		return fmt.Errorf("crawl.start_url must be an absolute http(s) url, got %q", c.Crawl.StartURL)
	}
	return nil
}
