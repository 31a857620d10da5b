package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/site-archiver/internal/progress"
)

// PrometheusSink exports session-level crawl metrics.
type PrometheusSink struct {
	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	sessionsRunning   prometheus.Gauge
	sessionRuntime    *prometheus.HistogramVec
	storedBytes       *prometheus.CounterVec
	dedupedBodies     *prometheus.CounterVec

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_sessions_started_total",
			Help: "Crawl sessions started.",
		}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_sessions_finished_total",
			Help: "Crawl sessions finished, labeled by final status.",
		}, []string{"status"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "archiver_sessions_running",
			Help: "Crawl sessions currently running.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archiver_session_runtime_seconds",
			Help:    "Wall time per finished session.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"status"}),
		storedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_stored_bytes_total",
			Help: "Body bytes handed to the store, labeled by record type.",
		}, []string{"type"}),
		dedupedBodies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_deduplicated_bodies_total",
			Help: "Stored bodies whose content hash already had a blob, labeled by record type.",
		}, []string{"type"}),
		running: make(map[string]struct{}),
	}
	for _, c := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsCompleted,
		s.sessionsRunning,
		s.sessionRuntime,
		s.storedBytes,
		s.dedupedBodies,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageSessionStart:
			s.sessionsStarted.Inc()
			if s.track(evt.SessionID, true) {
				s.sessionsRunning.Inc()
			}
		case progress.StageSessionDone:
			status := string(evt.Status)
			s.sessionsCompleted.WithLabelValues(status).Inc()
			if evt.Dur > 0 {
				s.sessionRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
			}
			if s.track(evt.SessionID, false) {
				s.sessionsRunning.Dec()
			}
		case progress.StagePageStored:
			s.stored("page", evt)
		case progress.StageAssetStored:
			s.stored("asset", evt)
		}
	}
	return nil
}

func (s *PrometheusSink) stored(kind string, evt progress.Event) {
	if evt.Bytes > 0 {
		s.storedBytes.WithLabelValues(kind).Add(float64(evt.Bytes))
	}
	if evt.Deduplicated {
		s.dedupedBodies.WithLabelValues(kind).Inc()
	}
}

// track adds or removes a running session and reports whether the set changed.
func (s *PrometheusSink) track(id string, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	if start {
		s.running[id] = struct{}{}
		return !ok
	}
	delete(s.running, id)
	return ok
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
