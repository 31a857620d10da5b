package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/progress/sinks"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 500
)

// SessionBoard is the live session view fed by the progress hub.
type SessionBoard interface {
	Get(sessionID string) (sinks.SessionStatus, bool)
	Sessions() []sinks.SessionStatus
}

// ProgressHandler exposes read-only crawl progress endpoints.
type ProgressHandler struct {
	board  SessionBoard
	logger *zap.Logger
}

// NewProgressHandler wires the board and logger.
func NewProgressHandler(board SessionBoard, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{board: board, logger: logger}
}

// ListSessions handles GET /v1/progress?status=&limit=&offset=. It returns
// {"sessions": [...]} newest first, 400 for invalid filters, or 503 when no
// crawl is attached to this server.
func (h *ProgressHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.board == nil {
		writeError(w, http.StatusServiceUnavailable, "progress unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultSessionLimit, maxSessionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status crawler.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		if status, err = parseStatus(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	all := h.board.Sessions()
	out := make([]sinks.SessionStatus, 0, len(all))
	for _, s := range all {
		if status == "" || s.Status == status {
			out = append(out, s)
		}
	}
	if offset >= len(out) {
		out = out[:0]
	} else {
		out = out[offset:]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// GetSession handles GET /v1/progress/{session_id}.
func (h *ProgressHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	if h.board == nil {
		writeError(w, http.StatusServiceUnavailable, "progress unavailable")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "session_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	s, ok := h.board.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": s})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (crawler.RunStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return crawler.RunStatusRunning, nil
	case "interrupted":
		return crawler.RunStatusInterrupted, nil
	case "completed", "success":
		return crawler.RunStatusCompleted, nil
	case "failed", "error", "failure":
		return crawler.RunStatusFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}
