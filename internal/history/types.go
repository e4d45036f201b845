// Package history keeps a record of finished pipeline iterations.
package history

import (
	"context"
	"time"
)

// RunRecord is one finished pipeline iteration.
type RunRecord struct {
	ID          string    `json:"id"`
	Pipeline    string    `json:"pipeline"`
	Outcome     string    `json:"outcome"`
	Transcript  string    `json:"transcript,omitempty"`
	Intent      string    `json:"intent,omitempty"`
	Response    string    `json:"response,omitempty"`
	Error       string    `json:"error,omitempty"`
	PIIRedacted bool      `json:"pii_redacted"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists and retrieves run records.
type Store interface {
	SaveRun(ctx context.Context, record RunRecord) error
	RecentRuns(ctx context.Context, pipeline string, limit int) ([]RunRecord, error)
	Close() error
}
