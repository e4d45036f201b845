package session

import "time"

type Status string

const (
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
)

// Run is the live view of one pipeline iteration.
type Run struct {
	ID             string     `json:"run_id"`
	Pipeline       string     `json:"pipeline"`
	Status         Status     `json:"status"`
	Phase          string     `json:"phase"`
	Outcome        string     `json:"outcome,omitempty"`
	Transcript     string     `json:"transcript,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Result is what a finished iteration reports back to the tracker.
type Result struct {
	Outcome    string
	Transcript string
	Err        error
}
