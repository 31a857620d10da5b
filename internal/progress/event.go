package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

// Stage denotes the milestone an Event reports.
type Stage string

// Supported stages.
const (
	StageSessionStart  Stage = "SESSION_START"
	StageSessionDone   Stage = "SESSION_DONE"
	StagePageStored    Stage = "PAGE_STORED"
	StageAssetStored   Stage = "ASSET_STORED"
	StageFetchFailed   Stage = "FETCH_FAILED"
	StageRobotsBlocked Stage = "ROBOTS_BLOCKED"
	StageCheckpoint    Stage = "CHECKPOINT"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Status classes.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one unit of crawl progress.
type Event struct {
	SessionID string
	TS        time.Time
	Stage     Stage
	// Site is the lowercase host the event concerns.
	Site        string
	URL         string
	Bytes       int64
	StatusClass StatusClass
	// Kind is set on FETCH_FAILED events.
	Kind crawler.ErrorKind
	// Deduplicated marks a stored body whose blob already existed.
	Deduplicated bool
	// Status is the final run status on SESSION_DONE.
	Status crawler.RunStatus
	Dur    time.Duration
	Note   string
}

// Validate rejects events sinks could not interpret.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart, StageCheckpoint:
	case StageSessionDone:
		if e.Status == "" {
			return errors.New("session done requires status")
		}
	case StagePageStored, StageAssetStored, StageRobotsBlocked:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case StageFetchFailed:
		if e.URL == "" || e.Kind == "" {
			return errors.New("fetch failed requires url and kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
