package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/progress"
	"github.com/JakeFAU/site-archiver/internal/progress/sinks"
)

func seededBoard(t *testing.T) *sinks.Board {
	t.Helper()
	b := sinks.NewBoard()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, b.Consume(context.Background(), []progress.Event{
		{SessionID: "done", TS: start, Stage: progress.StageSessionStart},
		{SessionID: "done", TS: start.Add(time.Second), Stage: progress.StagePageStored, Bytes: 100},
		{SessionID: "done", TS: start.Add(2 * time.Second), Stage: progress.StageSessionDone, Status: crawler.RunStatusCompleted},
		{SessionID: "live", TS: start.Add(time.Hour), Stage: progress.StageSessionStart},
		{SessionID: "live", TS: start.Add(time.Hour + time.Second), Stage: progress.StageFetchFailed, Kind: crawler.KindTimeout},
	}))
	return b
}

func withSessionParam(r *http.Request, id string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("session_id", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}

func decodeSessions(t *testing.T, rec *httptest.ResponseRecorder) []sinks.SessionStatus {
	t.Helper()
	var payload struct {
		Sessions []sinks.SessionStatus `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload.Sessions
}

func TestProgressHandler_ListSessions(t *testing.T) {
	t.Parallel()
	h := NewProgressHandler(seededBoard(t), nil)

	rec := httptest.NewRecorder()
	h.ListSessions(rec, httptest.NewRequest(http.MethodGet, "/v1/progress", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeSessions(t, rec)
	require.Len(t, got, 2)
	require.Equal(t, "live", got[0].SessionID)

	rec = httptest.NewRecorder()
	h.ListSessions(rec, httptest.NewRequest(http.MethodGet, "/v1/progress?status=completed", nil))
	got = decodeSessions(t, rec)
	require.Len(t, got, 1)
	require.Equal(t, "done", got[0].SessionID)

	rec = httptest.NewRecorder()
	h.ListSessions(rec, httptest.NewRequest(http.MethodGet, "/v1/progress?offset=1&limit=5", nil))
	got = decodeSessions(t, rec)
	require.Len(t, got, 1)
	require.Equal(t, "done", got[0].SessionID)

	rec = httptest.NewRecorder()
	h.ListSessions(rec, httptest.NewRequest(http.MethodGet, "/v1/progress?offset=9", nil))
	require.Empty(t, decodeSessions(t, rec))
}

func TestProgressHandler_ListSessionsBadInput(t *testing.T) {
	t.Parallel()
	h := NewProgressHandler(seededBoard(t), nil)

	for _, q := range []string{"?limit=0", "?limit=x", "?offset=-1", "?status=paused"} {
		rec := httptest.NewRecorder()
		h.ListSessions(rec, httptest.NewRequest(http.MethodGet, "/v1/progress"+q, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestProgressHandler_GetSession(t *testing.T) {
	t.Parallel()
	h := NewProgressHandler(seededBoard(t), nil)

	rec := httptest.NewRecorder()
	h.GetSession(rec, withSessionParam(httptest.NewRequest(http.MethodGet, "/v1/progress/live", nil), "live"))
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Session sinks.SessionStatus `json:"session"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, crawler.RunStatusRunning, payload.Session.Status)
	require.Equal(t, 1, payload.Session.Errors[crawler.KindTimeout])

	rec = httptest.NewRecorder()
	h.GetSession(rec, withSessionParam(httptest.NewRequest(http.MethodGet, "/v1/progress/nope", nil), "nope"))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressHandler_NoBoard(t *testing.T) {
	t.Parallel()
	h := NewProgressHandler(nil, nil)
	rec := httptest.NewRecorder()
	h.ListSessions(rec, httptest.NewRequest(http.MethodGet, "/v1/progress", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
