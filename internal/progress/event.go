package progress

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Stage names the milestone an Event reports.
type Stage string

// Supported stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageRunDone    Stage = "RUN_DONE"
	StageRunError   Stage = "RUN_ERROR"
	StagePageDone   Stage = "PAGE_DONE"
	StagePageFailed Stage = "PAGE_FAILED"
)

// Event is one progress milestone of a crawl or index run.
type Event struct {
	RunID string
	// Kind is "crawl" or "index" on run events.
	Kind  string
	TS    time.Time
	Stage Stage
	// Site is the lowercase host of URL on page events.
	Site  string
	URL   string
	Level int
	Bytes int64
	// StatusCode is set on failed pages when the server answered.
	StatusCode int
	Dur        time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate rejects events sinks cannot attribute.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StagePageDone, StagePageFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

type runKey struct{}

// WithRun tags ctx with the run that events emitted under it belong to.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunID returns the run tagged on ctx, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runKey{}).(string)
	return id
}
