// Package server builds the archiver's long-lived services from configuration
// and runs the crawl and the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-archiver/internal/api"
	"github.com/JakeFAU/site-archiver/internal/archive"
	"github.com/JakeFAU/site-archiver/internal/config"
	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/export"
	"github.com/JakeFAU/site-archiver/internal/fetcher"
	collyfetcher "github.com/JakeFAU/site-archiver/internal/fetcher/colly"
	"github.com/JakeFAU/site-archiver/internal/fetcher/detector"
	headlessfetcher "github.com/JakeFAU/site-archiver/internal/fetcher/headless"
	"github.com/JakeFAU/site-archiver/internal/frontier"
	"github.com/JakeFAU/site-archiver/internal/notify"
	"github.com/JakeFAU/site-archiver/internal/orchestrator"
	"github.com/JakeFAU/site-archiver/internal/policy/ratelimit"
	"github.com/JakeFAU/site-archiver/internal/progress"
	progresssinks "github.com/JakeFAU/site-archiver/internal/progress/sinks"
	"github.com/JakeFAU/site-archiver/internal/robots"
	"github.com/JakeFAU/site-archiver/internal/sitemap"
	"github.com/JakeFAU/site-archiver/internal/store"
	pgstore "github.com/JakeFAU/site-archiver/internal/store/postgres"
	"github.com/JakeFAU/site-archiver/internal/store/sqlite"
)

// App contains the archiver's dependencies.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	store       store.Store
	archive     *archive.Writer
	progressHub *progress.Hub
	board       *progresssinks.Board
	headless    *headlessfetcher.Fetcher
}

// Option customises Build.
type Option func(*buildOptions)

type buildOptions struct {
	registerer prometheus.Registerer
	store      store.Store
}

// WithRegisterer sets where progress metrics are registered. Tests pass a
// fresh registry so repeated builds do not collide.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// WithStore uses an already opened store instead of cfg.Store.
func WithStore(st store.Store) Option {
	return func(o *buildOptions) { o.store = st }
}

// Build opens the store and archive and starts the progress hub.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bo := buildOptions{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&bo)
	}
	app := &App{cfg: cfg, logger: logger}

	st := bo.store
	if st == nil {
		var err error
		if st, err = openStore(ctx, cfg.Store, logger.Named("store")); err != nil {
			return nil, err
		}
	}
	app.store = st
	if err := st.Init(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init store schema: %w", err)
	}

	w, err := archive.NewWriter(cfg.Archive, st, archive.WithLogger(logger.Named("archive")))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("archive writer init failed: %w", err)
	}
	app.archive = w

	if err := app.setupProgress(bo.registerer); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		st, err := pgstore.New(ctx, pgstore.Config{
			DSN:      cfg.DSN,
			MaxConns: cfg.MaxConns,
			MinConns: cfg.MinConns,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		logger.Info("using postgres store")
		return st, nil
	default:
		st, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.Path, BusyTimeout: cfg.BusyTimeout}, logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		logger.Info("using sqlite store", zap.String("path", cfg.Path))
		return st, nil
	}
}

func (a *App) setupProgress(reg prometheus.Registerer) error {
	a.board = progresssinks.NewBoard()
	sinkList := []progress.Sink{a.board, progresssinks.NewLogSink(a.logger.Named("progress_log"))}
	if reg != nil {
		promSink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return fmt.Errorf("progress metrics init failed: %w", err)
			}
			a.logger.Debug("progress metrics already registered")
		} else {
			sinkList = append(sinkList, promSink)
		}
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Debug("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

// Store exposes the opened store.
func (a *App) Store() store.Store {
	return a.store
}

// Archive exposes the archive writer.
func (a *App) Archive() *archive.Writer {
	return a.archive
}

// Replayer reads captures from the archive directory.
func (a *App) Replayer() *archive.Replayer {
	return archive.NewReplayer(a.archive.Dir(), a.store)
}

// Summary rebuilds the latest run summary from the store.
func (a *App) Summary(ctx context.Context) (crawler.Summary, error) {
	return export.Summarize(ctx, a.store)
}

// NewOrchestrator wires the fetch pipeline for one crawl.
func (a *App) NewOrchestrator() (*orchestrator.Orchestrator, error) {
	cfg := a.cfg
	engine, err := a.buildEngine()
	if err != nil {
		return nil, err
	}
	if !cfg.Robots.Respect {
		a.logger.Warn("robots.txt enforcement disabled")
	}
	robotsPolicy := robots.New(robots.Config{
		Respect:   cfg.Robots.Respect,
		UserAgent: cfg.Crawl.UserAgent,
		Timeout:   cfg.Robots.Timeout,
	}, a.logger.Named("robots"))
	pacer := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RateLimit.RPS, DefaultBurst: cfg.RateLimit.Burst})
	a.logger.Info("rate limiter configured",
		zap.Float64("rps", cfg.RateLimit.RPS),
		zap.Int("burst", cfg.RateLimit.Burst),
	)
	sitemaps := sitemap.New(sitemap.Config{
		UserAgent: cfg.Crawl.UserAgent,
		Timeout:   cfg.Sitemap.Timeout,
		MaxURLs:   cfg.Sitemap.MaxURLs,
	}, a.logger.Named("sitemap"))
	scorer := frontier.NewPathScorer(cfg.Frontier.Rules, cfg.Frontier.DepthPenalty, cfg.Frontier.PaginationPenalty)

	return orchestrator.New(cfg.Crawl, orchestrator.Deps{
		Store:    a.store,
		Fetcher:  engine,
		Archive:  a.archive,
		Robots:   robotsPolicy,
		Pacer:    pacer,
		Sitemaps: sitemaps,
		Scorer:   scorer,
		Progress: a.progressHub,
		Logger:   a.logger.Named("orchestrator"),
	})
}

func (a *App) buildEngine() (*fetcher.Engine, error) {
	cfg := a.cfg
	primary := collyfetcher.New(collyfetcher.Config{
		UserAgent:       cfg.Crawl.UserAgent,
		MaxBodySize:     cfg.Fetch.MaxBodyBytes,
		MaxConnsPerHost: cfg.Fetch.MaxConnsPerHost,
	})
	a.logger.Info("using colly fetcher", zap.String("user_agent", cfg.Crawl.UserAgent))
	opts := []fetcher.Option{
		fetcher.WithErrorLog(a.store),
		fetcher.WithLogger(a.logger.Named("fetcher")),
	}
	if cfg.Headless.Enabled && a.headless == nil {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawl.UserAgent,
			NavigationTimeout: cfg.Headless.NavigationTimeout,
			SettleDelay:       cfg.Headless.SettleDelay,
			ExecPath:          cfg.Headless.ExecPath,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed, continuing without fallback", zap.Error(err))
		} else {
			a.headless = hf
			a.logger.Info("using headless fallback", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}
	if a.headless != nil {
		detect := detector.New(detector.Config{
			MinHTMLBytes:      cfg.Headless.MinHTMLBytes,
			Keywords:          cfg.Headless.Keywords,
			RequiredSelectors: cfg.Headless.RequiredSelectors,
		})
		opts = append(opts, fetcher.WithFallback(a.headless, detect))
	}
	return fetcher.New(cfg.Fetch.Config, primary, opts...), nil
}

// Crawl runs one orchestrated crawl and publishes the summary when a topic
// is configured. A publish failure is logged, not returned.
func (a *App) Crawl(ctx context.Context) (crawler.Summary, error) {
	orch, err := a.NewOrchestrator()
	if err != nil {
		return crawler.Summary{}, fmt.Errorf("orchestrator init failed: %w", err)
	}
	summary, runErr := orch.Run(ctx)
	if a.cfg.Notify.Enabled() {
		a.publish(context.WithoutCancel(ctx), summary)
	}
	return summary, runErr
}

func (a *App) publish(ctx context.Context, summary crawler.Summary) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	pub, err := notify.New(ctx, a.cfg.Notify, a.logger.Named("notify"))
	if err != nil {
		a.logger.Warn("notify init failed", zap.Error(err))
		return
	}
	defer func() {
		if err := pub.Close(); err != nil {
			a.logger.Warn("notify close failed", zap.Error(err))
		}
	}()
	if _, err := pub.PublishSummary(ctx, summary); err != nil {
		a.logger.Warn("summary publish failed", zap.Error(err))
	}
}

// APIServer builds the HTTP API over this archive.
func (a *App) APIServer() *api.Server {
	return api.NewServer(
		a.Replayer(),
		a.Summary,
		api.NewProgressHandler(a.board, a.logger.Named("progress_api")),
		a.cfg,
		a.logger.Named("api"),
	)
}

// Serve runs the HTTP API until ctx is canceled. When crawl is set a crawl
// runs alongside it; the server keeps serving after the crawl finishes.
func (a *App) Serve(ctx context.Context, crawl bool) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.APIServer().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	crawlDone := make(chan struct{})
	if crawl {
		go func() {
			defer close(crawlDone)
			if _, err := a.Crawl(ctx); err != nil {
				a.logger.Error("crawl failed", zap.Error(err))
			}
		}()
	} else {
		close(crawlDone)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		a.logger.Error("http server error", zap.Error(serveErr))
	}
	a.logger.Info("shutdown initiated")

	grace := a.cfg.Server.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-crawlDone
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

// Close flushes progress, the archive and the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}
