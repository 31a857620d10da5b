// Package orchestrator runs a crawl: it owns the frontier and visited set,
// drives a bounded worker pool through INIT, CRAWLING, DRAINING and DONE,
// stores what the workers fetch and checkpoints progress so an interrupted
// run can resume.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/site-archiver/internal/archive"
	"github.com/JakeFAU/site-archiver/internal/clock/system"
	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/frontier"
	"github.com/JakeFAU/site-archiver/internal/id/uuid"
	"github.com/JakeFAU/site-archiver/internal/metrics"
	"github.com/JakeFAU/site-archiver/internal/policy/ratelimit"
	"github.com/JakeFAU/site-archiver/internal/progress"
	"github.com/JakeFAU/site-archiver/internal/robots"
	"github.com/JakeFAU/site-archiver/internal/store"
)

// ErrStorage wraps the storage failure that aborted a run.
var ErrStorage = errors.New("storage failure")

// State is the run lifecycle phase.
type State string

// Run states.
const (
	StateInit     State = "INIT"
	StateCrawling State = "CRAWLING"
	StateDraining State = "DRAINING"
	StateDone     State = "DONE"
)

const (
	defaultWorkers       = 10
	defaultShutdownGrace = 10 * time.Second
	defaultAssetEstimate = 10000
)

// Config bounds a run.
type Config struct {
	StartURL string `mapstructure:"start_url"`
	// MaxPages caps stored pages across the archive; <= 0 means no cap.
	MaxPages int `mapstructure:"max_pages"`
	MaxDepth int `mapstructure:"max_depth"`
	Workers  int `mapstructure:"workers"`
	// CheckpointEvery writes crawl_state after this many stored pages.
	CheckpointEvery int `mapstructure:"checkpoint_every"`
	// WallClockBudget forces DRAINING after this long; 0 disables it.
	WallClockBudget time.Duration `mapstructure:"wall_clock_budget"`
	UseSitemap      bool          `mapstructure:"use_sitemap"`
	SameHostOnly    bool          `mapstructure:"same_host_only"`
	Blocklist       []string      `mapstructure:"blocklist"`
	// ForbiddenThreshold is how many 403s block a host for the rest of the run.
	ForbiddenThreshold int    `mapstructure:"forbidden_threshold"`
	UserAgent          string `mapstructure:"user_agent"`
	// Resume rebuilds the visited set and frontier from the store.
	Resume bool `mapstructure:"resume"`
	// ShutdownGrace is how long in-flight work may continue after the run
	// context is canceled.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	// ExpectedAssets sizes the asset hint filter.
	ExpectedAssets int `mapstructure:"expected_assets"`
}

// Pacer spaces requests to one host.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
	SetCrawlDelay(host string, delay time.Duration)
}

// Archiver appends captures to the archival log.
type Archiver interface {
	WriteCapture(ctx context.Context, c archive.Capture) (archive.RecordRef, error)
}

// SitemapSource lists seed URLs from a site's sitemaps.
type SitemapSource interface {
	Discover(ctx context.Context, startURL string, hints []string) []string
}

// sitemapHints is implemented by robots policies that expose Sitemap lines.
type sitemapHints interface {
	Sitemaps(ctx context.Context, rawURL string) []string
}

// Deps are the collaborators of a run. Store, Fetcher and Archive are
// required.
type Deps struct {
	Store    store.Store
	Fetcher  crawler.Fetcher
	Archive  Archiver
	Robots   crawler.RobotsPolicy
	Pacer    Pacer
	Sitemaps SitemapSource
	Scorer   frontier.Scorer
	Progress progress.Emitter
	Clock    crawler.Clock
	IDs      crawler.IDGenerator
	Logger   *zap.Logger
}

// Orchestrator runs one crawl. It is not reusable across runs.
type Orchestrator struct {
	cfg      Config
	store    store.Store
	fetcher  crawler.Fetcher
	archive  Archiver
	robots   crawler.RobotsPolicy
	pacer    Pacer
	sitemaps SitemapSource
	events   progress.Emitter
	clock    crawler.Clock
	ids      crawler.IDGenerator
	logger   *zap.Logger

	front     *frontier.Frontier
	hosts     *hostGuard
	blocklist *crawler.Blocklist
	start     string

	mu            sync.Mutex
	cond          *sync.Cond
	runCtx        context.Context
	state         State
	sessionID     string
	startedAt     time.Time
	pages         int
	processed     int
	inflight      int
	sinceCheck    int
	budgetHit     bool
	fatal         error
	errCounts     map[crawler.ErrorKind]int
	robotsBlocked int
	claimed       map[string]struct{}
	assetHint     *bloom.BloomFilter
}

// New validates cfg and wires defaults for optional collaborators.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	start := crawler.Normalize(cfg.StartURL)
	if !crawler.Valid(start) {
		return nil, fmt.Errorf("invalid start url %q", cfg.StartURL)
	}
	if deps.Store == nil || deps.Fetcher == nil || deps.Archive == nil {
		return nil, fmt.Errorf("store, fetcher and archive are required")
	}
	if cfg.MaxDepth < 0 {
		return nil, fmt.Errorf("max depth must be >= 0")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.ExpectedAssets <= 0 {
		cfg.ExpectedAssets = defaultAssetEstimate
	}

	o := &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		fetcher:   deps.Fetcher,
		archive:   deps.Archive,
		robots:    deps.Robots,
		pacer:     deps.Pacer,
		sitemaps:  deps.Sitemaps,
		events:    deps.Progress,
		clock:     deps.Clock,
		ids:       deps.IDs,
		logger:    deps.Logger,
		front:     frontier.New(deps.Scorer),
		hosts:     newHostGuard(cfg.ForbiddenThreshold),
		blocklist: crawler.NewBlocklist(cfg.Blocklist),
		start:     start,
		state:     StateInit,
		errCounts: make(map[crawler.ErrorKind]int),
		claimed:   make(map[string]struct{}),
		assetHint: bloom.NewWithEstimates(uint(cfg.ExpectedAssets), 0.01),
	}
	if o.robots == nil {
		o.robots = robots.New(robots.Config{}, nil)
	}
	if o.pacer == nil {
		o.pacer = ratelimit.New(ratelimit.Config{})
	}
	if o.events == nil {
		o.events = progress.Discard{}
	}
	if o.clock == nil {
		o.clock = system.New()
	}
	if o.ids == nil {
		o.ids = uuid.New()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.cond = sync.NewCond(&o.mu)
	return o, nil
}

// State reports the current lifecycle phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SessionID is empty until Run has started.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Run crawls until the frontier is empty, the page budget is spent, the
// wall-clock budget expires or ctx is canceled. The returned summary is
// valid even when err is non-nil; err wraps ErrStorage when a write failed.
func (o *Orchestrator) Run(ctx context.Context) (crawler.Summary, error) {
	o.mu.Lock()
	if o.state != StateInit {
		o.mu.Unlock()
		return crawler.Summary{}, fmt.Errorf("orchestrator already ran")
	}
	o.runCtx = ctx
	o.startedAt = o.clock.Now()
	o.mu.Unlock()

	// Work already handed to a worker runs to completion on workCtx, which
	// only ends ShutdownGrace after ctx does.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stopGrace := context.AfterFunc(ctx, func() {
		o.drain("context canceled")
		timer := time.NewTimer(o.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancelWork()
		case <-workCtx.Done():
		}
	})
	defer stopGrace()

	if err := o.init(workCtx); err != nil {
		o.setFatal(err)
		return o.finish(workCtx)
	}

	if o.cfg.WallClockBudget > 0 {
		budget := time.AfterFunc(o.cfg.WallClockBudget, func() {
			o.mu.Lock()
			o.budgetHit = true
			o.mu.Unlock()
			o.drain("wall-clock budget spent")
		})
		defer budget.Stop()
	}

	o.setState(StateCrawling)
	var g errgroup.Group
	for i := 0; i < o.cfg.Workers; i++ {
		g.Go(func() error {
			o.work(workCtx)
			return nil
		})
	}
	_ = g.Wait()
	return o.finish(workCtx)
}

func (o *Orchestrator) init(ctx context.Context) error {
	resumed, err := o.restore(ctx)
	if err != nil {
		return err
	}
	if !resumed {
		id, err := o.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate session id: %w", err)
		}
		o.mu.Lock()
		o.sessionID = id
		o.mu.Unlock()
	}

	now := o.clock.Now().UTC()
	meta := [][2]string{
		{store.MetaArchivedAt, now.Format(time.RFC3339)},
		{store.MetaStandard, store.ArchiveStandard},
		{store.MetaDomain, crawler.Host(o.start)},
		{store.MetaStartURL, o.start},
		{store.MetaSessionID, o.sessionID},
		{store.MetaUserAgent, o.cfg.UserAgent},
		{store.MetaStatus, string(crawler.RunStatusRunning)},
	}
	for _, kv := range meta {
		if err := o.store.SetMetadata(ctx, kv[0], kv[1]); err != nil {
			return fmt.Errorf("write metadata %s: %w", kv[0], err)
		}
	}
	if err := o.checkpoint(ctx, crawler.RunStatusRunning); err != nil {
		return err
	}

	o.enqueue(o.start, 0)
	if o.cfg.UseSitemap && o.sitemaps != nil && o.cfg.MaxDepth >= 1 {
		o.seedSitemaps(ctx)
	}

	o.logger.Info("crawl session started",
		zap.String("session_id", o.sessionID),
		zap.String("start_url", o.start),
		zap.Bool("resumed", resumed),
		zap.Int("frontier", o.front.Len()),
		zap.Int("visited", o.front.VisitedCount()),
	)
	o.emit(progress.Event{Stage: progress.StageSessionStart, URL: o.start, Note: fmt.Sprintf("resumed=%t", resumed)})
	return nil
}

// restore rebuilds the visited set and frontier from earlier runs. The
// session id is reused when the latest checkpoint was left unfinished.
func (o *Orchestrator) restore(ctx context.Context) (bool, error) {
	if !o.cfg.Resume {
		return false, nil
	}
	resumed := false
	cp, err := o.store.LatestCheckpoint(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load checkpoint: %w", err)
	case cp.Status == crawler.RunStatusRunning || cp.Status == crawler.RunStatusInterrupted:
		o.mu.Lock()
		o.sessionID = cp.SessionID
		o.processed = cp.URLsProcessed
		o.mu.Unlock()
		resumed = true
	}

	visited, err := o.store.VisitedURLs(ctx)
	if err != nil {
		return false, fmt.Errorf("load visited urls: %w", err)
	}
	for _, u := range visited {
		o.front.MarkVisited(u)
	}
	pending, err := o.store.PendingLinks(ctx)
	if err != nil {
		return false, fmt.Errorf("load pending links: %w", err)
	}
	for _, p := range pending {
		if o.inScope(p.URL) {
			o.enqueue(p.URL, p.Depth)
		}
	}
	captures, err := o.store.Captures(ctx)
	if err != nil {
		return false, fmt.Errorf("load captures: %w", err)
	}
	stats, err := o.store.Stats(ctx)
	if err != nil {
		return false, fmt.Errorf("load stats: %w", err)
	}

	o.mu.Lock()
	for _, c := range captures {
		if !c.Page {
			o.assetHint.AddString(c.URI)
		}
	}
	o.pages = int(stats.Pages)
	o.mu.Unlock()

	if resumed || len(visited) > 0 {
		o.logger.Info("restored crawl state",
			zap.String("session_id", cp.SessionID),
			zap.Int("visited", len(visited)),
			zap.Int("pending", len(pending)),
			zap.Int64("pages", stats.Pages),
		)
	}
	return resumed, nil
}

func (o *Orchestrator) seedSitemaps(ctx context.Context) {
	var hints []string
	if h, ok := o.robots.(sitemapHints); ok {
		hints = h.Sitemaps(ctx, o.start)
	}
	seeded := 0
	for _, loc := range o.sitemaps.Discover(ctx, o.start, hints) {
		if o.inScope(loc) && o.enqueue(loc, 1) {
			seeded++
		}
	}
	o.logger.Info("seeded frontier from sitemaps", zap.Int("urls", seeded))
}

// work pulls frontier entries until next reports there is nothing left.
func (o *Orchestrator) work(ctx context.Context) {
	for {
		entry, ok := o.next()
		if !ok {
			o.cond.Broadcast()
			return
		}
		metrics.IncActiveWorkers()
		err := o.crawlPage(ctx, entry)
		metrics.DecActiveWorkers()
		if err != nil {
			o.setFatal(err)
		}
		o.done()
		metrics.SetFrontierSize(o.front.Len())
	}
}

// next blocks until an entry can be handed out. The page budget counts work
// in flight so concurrent workers never overshoot it.
func (o *Orchestrator) next() (frontier.Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for {
		if o.stoppingLocked() {
			return frontier.Entry{}, false
		}
		budgetFull := o.cfg.MaxPages > 0 && o.pages+o.inflight >= o.cfg.MaxPages
		if !budgetFull {
			if e, ok := o.front.Pop(); ok {
				o.inflight++
				return e, true
			}
		}
		if o.inflight == 0 {
			if o.state == StateCrawling {
				o.state = StateDraining
			}
			return frontier.Entry{}, false
		}
		o.cond.Wait()
	}
}

func (o *Orchestrator) done() {
	o.mu.Lock()
	o.inflight--
	o.processed++
	o.mu.Unlock()
	o.cond.Broadcast()
}

// drain stops handing out new work; entries already popped finish.
func (o *Orchestrator) drain(reason string) {
	o.mu.Lock()
	changed := o.state == StateCrawling
	if changed {
		o.state = StateDraining
	}
	o.mu.Unlock()
	o.cond.Broadcast()
	if changed {
		o.logger.Info("draining crawl", zap.String("reason", reason))
	}
}

func (o *Orchestrator) stopping() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stoppingLocked()
}

func (o *Orchestrator) stoppingLocked() bool {
	return o.fatal != nil || o.budgetHit || (o.runCtx != nil && o.runCtx.Err() != nil)
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// setFatal records the first storage failure and stops the run.
func (o *Orchestrator) setFatal(err error) {
	o.mu.Lock()
	first := o.fatal == nil
	if first {
		o.fatal = err
	}
	o.mu.Unlock()
	if first {
		o.logger.Error("storage failure, aborting crawl", zap.Error(err))
		o.drain("storage failure")
	}
}

// enqueue pushes an in-budget URL and wakes idle workers.
func (o *Orchestrator) enqueue(rawURL string, depth int) bool {
	if depth > o.cfg.MaxDepth {
		return false
	}
	if !o.front.Push(rawURL, depth) {
		return false
	}
	o.cond.Broadcast()
	return true
}

// inScope reports whether rawURL is a crawlable page link for this run.
func (o *Orchestrator) inScope(rawURL string) bool {
	u := crawler.Normalize(rawURL)
	return crawler.Valid(u) &&
		crawler.SameSite(o.start, u, o.cfg.SameHostOnly) &&
		!o.blocklist.Blocked(u)
}

func (o *Orchestrator) checkpoint(ctx context.Context, status crawler.RunStatus) error {
	o.mu.Lock()
	cp := crawler.Checkpoint{
		SessionID:      o.sessionID,
		URLsProcessed:  o.processed,
		LastCheckpoint: o.clock.Now().UTC(),
		Status:         status,
	}
	o.mu.Unlock()
	if err := o.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	metrics.ObserveCheckpoint()
	o.emit(progress.Event{Stage: progress.StageCheckpoint, Status: status, Note: fmt.Sprintf("processed=%d", cp.URLsProcessed)})
	return nil
}

func (o *Orchestrator) finish(ctx context.Context) (crawler.Summary, error) {
	o.mu.Lock()
	fatal := o.fatal
	status := crawler.RunStatusCompleted
	switch {
	case fatal != nil:
		status = crawler.RunStatusFailed
	case o.budgetHit || (o.runCtx != nil && o.runCtx.Err() != nil):
		status = crawler.RunStatusInterrupted
	}
	o.state = StateDone
	sessionID := o.sessionID
	o.mu.Unlock()

	if sessionID != "" {
		if err := o.checkpoint(ctx, status); err != nil {
			o.logger.Error("final checkpoint failed", zap.Error(err))
		}
		for _, kv := range [][2]string{
			{store.MetaFinishedAt, o.clock.Now().UTC().Format(time.RFC3339)},
			{store.MetaStatus, string(status)},
		} {
			if err := o.store.SetMetadata(ctx, kv[0], kv[1]); err != nil {
				o.logger.Error("write final metadata failed", zap.String("key", kv[0]), zap.Error(err))
			}
		}
	}

	summary := o.summary(ctx, status)
	o.logger.Info("crawl session finished",
		zap.String("session_id", summary.SessionID),
		zap.String("status", string(status)),
		zap.Int64("pages", summary.Pages),
		zap.Int64("assets", summary.Assets),
		zap.Int64("distinct_blobs", summary.DistinctBlobs),
		zap.Int("errors", summary.TotalErrors()),
		zap.Duration("duration", summary.Duration),
	)
	o.emit(progress.Event{Stage: progress.StageSessionDone, Status: status, Dur: summary.Duration})

	if fatal != nil {
		return summary, fmt.Errorf("%w: %w", ErrStorage, fatal)
	}
	return summary, nil
}

// summary reads totals from the store so resumed sessions report the whole
// archive. In-memory counts stand in when the store cannot answer.
func (o *Orchestrator) summary(ctx context.Context, status crawler.RunStatus) crawler.Summary {
	o.mu.Lock()
	s := crawler.Summary{
		SessionID:     o.sessionID,
		Status:        status,
		Pages:         int64(o.pages),
		Errors:        make(map[crawler.ErrorKind]int, len(o.errCounts)),
		RobotsBlocked: o.robotsBlocked,
		Duration:      o.clock.Now().Sub(o.startedAt),
	}
	for k, n := range o.errCounts {
		s.Errors[k] = n
	}
	o.mu.Unlock()

	if stats, err := o.store.Stats(ctx); err == nil {
		s.Pages = stats.Pages
		s.Assets = stats.Assets
		s.DistinctBlobs = stats.AssetHashes
		s.TotalBytes = stats.TotalBytes
		s.DedupRatio = stats.DedupRatio()
	} else {
		o.logger.Warn("read stats for summary", zap.Error(err))
	}
	if recs, err := o.store.Errors(ctx); err == nil {
		s.Errors = make(map[crawler.ErrorKind]int)
		for _, r := range recs {
			s.Errors[r.Kind]++
		}
		s.RobotsBlocked = s.Errors[crawler.KindRobotsBlocked]
	} else {
		o.logger.Warn("read error log for summary", zap.Error(err))
	}
	return s
}

func (o *Orchestrator) emit(evt progress.Event) {
	o.mu.Lock()
	evt.SessionID = o.sessionID
	o.mu.Unlock()
	if evt.TS.IsZero() {
		evt.TS = o.clock.Now()
	}
	if evt.Site == "" && evt.URL != "" {
		evt.Site = crawler.Host(evt.URL)
	}
	o.events.Emit(evt)
}
