package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-archiver/internal/archive"
	"github.com/JakeFAU/site-archiver/internal/config"
	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/metrics"
	"github.com/JakeFAU/site-archiver/internal/store"
)

// Replayer resolves archived captures.
type Replayer interface {
	Lookup(ctx context.Context, rawURL string, at time.Time) (crawler.CDXEntry, error)
	Replay(ctx context.Context, rawURL string, at time.Time) (crawler.CDXEntry, *archive.Record, error)
}

// SummaryFunc reports the archive's run summary.
type SummaryFunc func(ctx context.Context) (crawler.Summary, error)

// Server wires HTTP handlers to the archive.
type Server struct {
	router   chi.Router
	replay   Replayer
	summary  SummaryFunc
	progress *ProgressHandler
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. progress may be
// nil when no crawl runs in this process.
func NewServer(
	replay Replayer,
	summary SummaryFunc,
	progress *ProgressHandler,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if progress == nil {
		progress = NewProgressHandler(nil, logger)
	}
	s := &Server{
		replay:   replay,
		summary:  summary,
		progress: progress,
		logger:   logger,
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/replay", s.getReplay)
		r.Get("/summary", s.getSummary)
		r.Get("/progress", s.progress.ListSessions)
		r.Get("/progress/{session_id}", s.progress.GetSession)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getReplay handles GET /v1/replay?url=&at=. It returns the CDX entry for
// the newest capture at or before at (14-digit CDX timestamp or RFC 3339,
// default now). With raw=1 the archived payload is written instead, with its
// original status and content type.
func (s *Server) getReplay(w http.ResponseWriter, r *http.Request) {
	if s.replay == nil {
		writeError(w, http.StatusServiceUnavailable, "replay unavailable")
		return
	}
	q := r.URL.Query()
	target := strings.TrimSpace(q.Get("url"))
	if target == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	at, err := ParseTimestamp(q.Get("at"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	raw, _ := strconv.ParseBool(q.Get("raw"))

	if !raw {
		entry, err := s.replay.Lookup(r.Context(), target, at)
		if err != nil {
			s.replayError(w, target, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entry": entry})
		return
	}
	entry, rec, err := s.replay.Replay(r.Context(), target, at)
	if err != nil {
		s.replayError(w, target, err)
		return
	}
	w.Header().Set("Content-Type", entry.MIME)
	w.Header().Set("X-Archive-Timestamp", entry.Timestamp.UTC().Format(store.CDXTimeFormat))
	w.Header().Set("X-Archive-Digest", entry.PayloadDigest)
	status := rec.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if _, err := w.Write(rec.Payload); err != nil {
		s.logger.Warn("write replay payload failed", zap.String("url", target), zap.Error(err))
	}
}

func (s *Server) replayError(w http.ResponseWriter, target string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no capture for url")
		return
	}
	s.logger.Error("replay failed", zap.String("url", target), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "replay failed")
}

func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	if s.summary == nil {
		writeError(w, http.StatusServiceUnavailable, "summary unavailable")
		return
	}
	sum, err := s.summary(r.Context())
	if err != nil {
		s.logger.Error("summary failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to build summary")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": sum})
}

// ParseTimestamp accepts an empty string (the zero time, meaning now), a
// 14-digit CDX timestamp, or RFC 3339.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(store.CDXTimeFormat, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return t.UTC(), nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
