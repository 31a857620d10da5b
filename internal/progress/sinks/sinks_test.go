package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/progress"
)

func sessionBatch(id string, start time.Time) []progress.Event {
	return []progress.Event{
		{SessionID: id, TS: start, Stage: progress.StageSessionStart},
		{SessionID: id, TS: start.Add(time.Second), Stage: progress.StagePageStored, URL: "https://example.com/", Bytes: 1000},
		{SessionID: id, TS: start.Add(2 * time.Second), Stage: progress.StageAssetStored, URL: "https://example.com/a.png", Bytes: 200},
		{SessionID: id, TS: start.Add(3 * time.Second), Stage: progress.StageAssetStored, URL: "https://example.com/b.png", Bytes: 200, Deduplicated: true},
		{SessionID: id, TS: start.Add(4 * time.Second), Stage: progress.StageFetchFailed, URL: "https://example.com/x", Kind: crawler.KindHTTPServer},
		{SessionID: id, TS: start.Add(5 * time.Second), Stage: progress.StageRobotsBlocked, URL: "https://example.com/private/"},
		{SessionID: id, TS: start.Add(6 * time.Second), Stage: progress.StageCheckpoint},
		{SessionID: id, TS: start.Add(7 * time.Second), Stage: progress.StageSessionDone, Status: crawler.RunStatusCompleted, Dur: 7 * time.Second},
	}
}

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), sessionBatch("s1", time.Now())))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.sessionsStarted), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.sessionsCompleted.WithLabelValues("completed")), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.sessionsRunning), 1e-9)
	require.InDelta(t, 1000.0, testutil.ToFloat64(sink.storedBytes.WithLabelValues("page")), 1e-9)
	require.InDelta(t, 400.0, testutil.ToFloat64(sink.storedBytes.WithLabelValues("asset")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.dedupedBodies.WithLabelValues("asset")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.sessionRuntime, "archiver_session_runtime_seconds"))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "duplicate registration is reported")
}

func TestBoardTracksSessions(t *testing.T) {
	t.Parallel()

	b := NewBoard()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, b.Consume(context.Background(), sessionBatch("old", start)))
	require.NoError(t, b.Consume(context.Background(), sessionBatch("new", start.Add(time.Hour))[:2]))

	s, ok := b.Get("old")
	require.True(t, ok)
	require.Equal(t, SessionStatus{
		SessionID:     "old",
		Status:        crawler.RunStatusCompleted,
		StartedAt:     start,
		UpdatedAt:     start.Add(7 * time.Second),
		Pages:         1,
		Assets:        2,
		Bytes:         1400,
		Deduplicated:  1,
		RobotsBlocked: 1,
		Checkpoints:   1,
		Errors:        map[crawler.ErrorKind]int{crawler.KindHTTPServer: 1},
	}, s)

	s.Errors[crawler.KindTimeout] = 9
	again, _ := b.Get("old")
	require.NotContains(t, again.Errors, crawler.KindTimeout)

	all := b.Sessions()
	require.Len(t, all, 2)
	require.Equal(t, "new", all[0].SessionID)
	require.Equal(t, crawler.RunStatusRunning, all[0].Status)

	_, ok = b.Get("missing")
	require.False(t, ok)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), sessionBatch("s1", time.Now())))

	require.Equal(t, 8, logs.Len())
	require.Equal(t, 2, logs.FilterLevelExact(zap.DebugLevel).Len())
	failed := logs.FilterField(zap.String("kind", string(crawler.KindHTTPServer))).All()
	require.Len(t, failed, 1)
	require.Equal(t, "FETCH_FAILED", failed[0].ContextMap()["stage"])
}
