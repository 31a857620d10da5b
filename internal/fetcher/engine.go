// Package fetcher turns single fetch attempts into a resilient retrieval:
// growing per-attempt timeouts, exponential backoff, Retry-After handling
// and promotion to a rendering fallback when a response looks like a bot
// challenge.
package fetcher

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/metrics"
)

// Attempter performs exactly one retrieval bounded by timeout. HTTP error
// statuses come back as responses; transport failures as *crawler.FetchError.
type Attempter interface {
	Attempt(ctx context.Context, url string, timeout time.Duration) (crawler.FetchResponse, error)
	Name() string
}

// Detector decides whether a response should be retried through the
// fallback renderer.
type Detector interface {
	NeedsFallback(resp crawler.FetchResponse) bool
}

// ErrorLog persists terminal failures.
type ErrorLog interface {
	LogError(ctx context.Context, rec crawler.ErrorRecord) error
}

// Config controls retry behavior.
type Config struct {
	AttemptBudget    int           `mapstructure:"attempt_budget"`
	BaseTimeout      time.Duration `mapstructure:"base_timeout"`
	TimeoutIncrement time.Duration `mapstructure:"timeout_increment"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	// RetryAfterMax caps how long a Retry-After header can stall a worker.
	RetryAfterMax time.Duration `mapstructure:"retry_after_max"`
	// Jitter spreads each backoff uniformly over [delay/2, delay).
	Jitter bool `mapstructure:"jitter"`
}

// DefaultConfig mirrors the archiver defaults.
func DefaultConfig() Config {
	return Config{
		AttemptBudget:    3,
		BaseTimeout:      30 * time.Second,
		TimeoutIncrement: 5 * time.Second,
		BackoffBase:      time.Second,
		BackoffMax:       30 * time.Second,
		RetryAfterMax:    2 * time.Minute,
	}
}

// Engine implements crawler.Fetcher on top of Attempters.
type Engine struct {
	cfg      Config
	primary  Attempter
	fallback Attempter
	detector Detector
	errLog   ErrorLog
	clock    crawler.Clock
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option customizes an Engine.
type Option func(*Engine)

// WithFallback enables promotion to fallback when detector flags a response.
func WithFallback(fallback Attempter, detector Detector) Option {
	return func(e *Engine) {
		e.fallback = fallback
		e.detector = detector
	}
}

// WithErrorLog records terminal failures.
func WithErrorLog(log ErrorLog) Option {
	return func(e *Engine) { e.errLog = log }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock sets the clock used for error timestamps and Retry-After dates.
func WithClock(clock crawler.Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithSleep replaces the backoff sleeper.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// New builds an Engine. Zero config fields take DefaultConfig values.
func New(cfg Config, primary Attempter, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.AttemptBudget <= 0 {
		cfg.AttemptBudget = def.AttemptBudget
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = def.BaseTimeout
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.RetryAfterMax <= 0 {
		cfg.RetryAfterMax = def.RetryAfterMax
	}
	e := &Engine{
		cfg:     cfg,
		primary: primary,
		clock:   systemClock{},
		logger:  zap.NewNop(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fetch retrieves url within the attempt budget. Failures are returned as
// *crawler.FetchError and, unless ctx was canceled, written to the error log.
func (e *Engine) Fetch(ctx context.Context, url string) (crawler.FetchResponse, error) {
	var (
		lastErr  *crawler.FetchError
		promoted bool
	)
	for attempt := 0; attempt < e.cfg.AttemptBudget; attempt++ {
		if attempt > 0 {
			delay := e.Backoff(attempt - 1)
			if lastErr != nil && lastErr.RetryAfter > 0 {
				delay = lastErr.RetryAfter
			}
			if err := e.sleep(ctx, delay); err != nil {
				return crawler.FetchResponse{}, fmt.Errorf("fetch %s canceled during backoff: %w", url, err)
			}
		}

		attempter := e.primary
		if promoted {
			attempter = e.fallback
		}
		resp, err := e.attempt(ctx, attempter, url, attempt)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s canceled: %w", url, ctxErr)
		}

		if err == nil && !promoted && e.shouldPromote(resp) {
			promoted = true
			metrics.ObserveAttempt("promoted")
			e.logger.Info("promoting to fallback renderer",
				zap.String("url", url),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			if attempt+1 < e.cfg.AttemptBudget {
				// The promoted attempt runs immediately; a challenge is not a
				// transient failure that backoff would help with.
				attempt++
				resp, err = e.attempt(ctx, e.fallback, url, attempt)
				if ctxErr := ctx.Err(); ctxErr != nil {
					return crawler.FetchResponse{}, fmt.Errorf("fetch %s canceled: %w", url, ctxErr)
				}
			} else if resp.StatusCode == http.StatusOK {
				resp.Attempts = attempt + 1
				return resp, nil
			}
		}

		if err == nil {
			kind, failed := crawler.ClassifyStatus(resp.StatusCode)
			if !failed {
				metrics.ObserveAttempt("success")
				resp.Attempts = attempt + 1
				return resp, nil
			}
			err = &crawler.FetchError{
				Kind:       kind,
				URL:        url,
				StatusCode: resp.StatusCode,
				RetryAfter: e.retryAfter(resp),
			}
		}

		lastErr = asFetchError(url, err)
		lastErr.Attempts = attempt + 1
		metrics.ObserveAttempt(strings.ToLower(string(lastErr.Kind)))
		if !lastErr.Kind.Transient() {
			return crawler.FetchResponse{}, e.fail(ctx, lastErr)
		}
		e.logger.Debug("fetch attempt failed",
			zap.String("url", url),
			zap.String("kind", string(lastErr.Kind)),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	if lastErr == nil {
		lastErr = &crawler.FetchError{Kind: crawler.KindConnection, URL: url}
	}
	if lastErr.Err == nil {
		lastErr.Err = crawler.ErrBudgetExhausted
	} else {
		lastErr.Err = fmt.Errorf("%w: %w", crawler.ErrBudgetExhausted, lastErr.Err)
	}
	return crawler.FetchResponse{}, e.fail(ctx, lastErr)
}

// Timeout returns the per-attempt timeout for a zero-based attempt index.
func (e *Engine) Timeout(attempt int) time.Duration {
	return e.cfg.BaseTimeout + time.Duration(attempt)*e.cfg.TimeoutIncrement
}

// Backoff returns the wait after the zero-based attempt that just failed:
// base * 2^attempt, capped at BackoffMax.
func (e *Engine) Backoff(attempt int) time.Duration {
	delay := float64(e.cfg.BackoffBase) * math.Pow(2, float64(attempt))
	if delay > float64(e.cfg.BackoffMax) {
		delay = float64(e.cfg.BackoffMax)
	}
	if !e.cfg.Jitter {
		return time.Duration(delay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func (e *Engine) attempt(ctx context.Context, a Attempter, url string, attempt int) (crawler.FetchResponse, error) {
	start := e.clock.Now()
	resp, err := a.Attempt(ctx, url, e.Timeout(attempt))
	metrics.ObserveFetchDuration(a.Name(), e.clock.Now().Sub(start))
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if resp.RequestURL == "" {
		resp.RequestURL = url
	}
	if resp.URL == "" {
		resp.URL = url
	}
	return resp, nil
}

func (e *Engine) shouldPromote(resp crawler.FetchResponse) bool {
	return e.fallback != nil && e.detector != nil && e.detector.NeedsFallback(resp)
}

func (e *Engine) fail(ctx context.Context, fe *crawler.FetchError) error {
	metrics.ObserveError(string(fe.Kind))
	e.logger.Warn("fetch failed",
		zap.String("url", fe.URL),
		zap.String("kind", string(fe.Kind)),
		zap.Int("attempts", fe.Attempts),
		zap.Error(fe),
	)
	if e.errLog != nil {
		rec := crawler.ErrorRecord{
			URL:       fe.URL,
			Kind:      fe.Kind,
			Message:   fe.Error(),
			Attempts:  fe.Attempts,
			Timestamp: e.clock.Now().UTC(),
		}
		if err := e.errLog.LogError(ctx, rec); err != nil {
			e.logger.Error("failed to record fetch error", zap.String("url", fe.URL), zap.Error(err))
		}
	}
	return fe
}

// retryAfter reads a Retry-After header given in seconds or as an HTTP date.
func (e *Engine) retryAfter(resp crawler.FetchResponse) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0
	}
	if resp.Headers == nil {
		return 0
	}
	raw := strings.TrimSpace(resp.Headers.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	var wait time.Duration
	if secs, err := strconv.Atoi(raw); err == nil {
		wait = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(raw); err == nil {
		wait = at.Sub(e.clock.Now())
	}
	if wait < 0 {
		return 0
	}
	if wait > e.cfg.RetryAfterMax {
		return e.cfg.RetryAfterMax
	}
	return wait
}

func asFetchError(url string, err error) *crawler.FetchError {
	var fe *crawler.FetchError
	if errors.As(err, &fe) {
		cp := *fe
		return &cp
	}
	return &crawler.FetchError{Kind: crawler.ClassifyTransport(err), URL: url, Err: err}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
