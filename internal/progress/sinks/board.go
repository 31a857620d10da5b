package sinks

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/progress"
)

// SessionStatus is the live view of one crawl session.
type SessionStatus struct {
	SessionID     string                    `json:"session_id"`
	Status        crawler.RunStatus         `json:"status"`
	StartedAt     time.Time                 `json:"started_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
	Pages         int64                     `json:"pages"`
	Assets        int64                     `json:"assets"`
	Bytes         int64                     `json:"bytes"`
	Deduplicated  int64                     `json:"deduplicated"`
	RobotsBlocked int64                     `json:"robots_blocked"`
	Checkpoints   int64                     `json:"checkpoints"`
	Errors        map[crawler.ErrorKind]int `json:"errors"`
}

// Board keeps the latest status of every session seen. It is read by the
// HTTP API while the hub writes to it.
type Board struct {
	mu       sync.RWMutex
	sessions map[string]*SessionStatus
}

// NewBoard returns an empty Board.
func NewBoard() *Board {
	return &Board{sessions: make(map[string]*SessionStatus)}
}

// Consume folds batch into the board.
func (b *Board) Consume(_ context.Context, batch []progress.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evt := range batch {
		s := b.sessions[evt.SessionID]
		if s == nil {
			s = &SessionStatus{SessionID: evt.SessionID, StartedAt: evt.TS, Status: crawler.RunStatusRunning, Errors: map[crawler.ErrorKind]int{}}
			b.sessions[evt.SessionID] = s
		}
		if evt.TS.After(s.UpdatedAt) {
			s.UpdatedAt = evt.TS
		}
		switch evt.Stage {
		case progress.StageSessionStart:
			s.StartedAt = evt.TS
			s.Status = crawler.RunStatusRunning
		case progress.StageSessionDone:
			s.Status = evt.Status
		case progress.StagePageStored:
			s.Pages++
			s.Bytes += evt.Bytes
		case progress.StageAssetStored:
			s.Assets++
			s.Bytes += evt.Bytes
		case progress.StageFetchFailed:
			s.Errors[evt.Kind]++
		case progress.StageRobotsBlocked:
			s.RobotsBlocked++
		case progress.StageCheckpoint:
			s.Checkpoints++
		}
		if evt.Deduplicated {
			s.Deduplicated++
		}
	}
	return nil
}

// Get returns a copy of one session's status.
func (b *Board) Get(sessionID string) (SessionStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return SessionStatus{}, false
	}
	return copyStatus(s), true
}

// Sessions returns every session, most recently started first.
func (b *Board) Sessions() []SessionStatus {
	b.mu.RLock()
	out := make([]SessionStatus, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, copyStatus(s))
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Close implements progress.Sink.
func (b *Board) Close(context.Context) error {
	return nil
}

func copyStatus(s *SessionStatus) SessionStatus {
	c := *s
	c.Errors = maps.Clone(s.Errors)
	return c
}
