// Package store declares interfaces for persisting run history.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the runs status column.
type RunStatus string

// Run statuses persisted in runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// RunKind distinguishes crawl sessions from index builds.
type RunKind string

// Run kinds.
const (
	KindCrawl RunKind = "crawl"
	KindIndex RunKind = "index"
)

// Run models one crawl or index build.
type Run struct {
	ID     string  `json:"id"`
	Kind   RunKind `json:"kind"`
	Target string  `json:"target"`
	// MaxDepth is zero for index runs.
	MaxDepth   int        `json:"max_depth"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	Pages      int        `json:"pages"`
	Units      int        `json:"units"`
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string `json:"error_message,omitempty"`
}

// RunResult carries the final counters of a run.
type RunResult struct {
	Status RunStatus
	Pages  int
	Units  int
	Err    error
}

// RunRepository persists run history.
type RunRepository interface {
	// StartRun inserts a run in running state.
	StartRun(ctx context.Context, run Run) error
	// CompleteRun marks the run finished with the provided result.
	CompleteRun(ctx context.Context, id string, finishedAt time.Time, result RunResult) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, id string) (Run, error)
	// ListRuns returns runs newest first, filtered by optional status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}

// ErrorText returns a pointer to err's message, or nil for a nil error.
func ErrorText(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}
