package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the current lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Job is one unit of asynchronous work tracked from submission to terminal
// outcome. The tracker owns the in-memory copy; the archive store holds the
// durable one.
type Job struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	UserEmail    string          `json:"user_email"`
	Status       Status          `json:"status"`
	Progress     int             `json:"progress"`
	ResultID     *string         `json:"result_id,omitempty"`
	ErrorMessage string          `json:"error,omitempty"`
	Cost         int64           `json:"cost"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (j *Job) String() string {
	return fmt.Sprintf("Job{ID: %s, User: %s, Status: %s, Progress: %d}",
		j.ID, j.UserID, j.Status, j.Progress)
}

// clone returns a copy safe to hand out while the tracker keeps mutating the
// original under its lock.
func (j *Job) clone() *Job {
	c := *j
	if j.ResultID != nil {
		id := *j.ResultID
		c.ResultID = &id
	}
	return &c
}

// canTransition implements the lifecycle rules: queued → processing →
// {completed, failed}, plus queued → {completed, failed} directly — a fast
// worker may report a terminal outcome before any started event is observed,
// and an enqueue failure fails a queued job on the spot. Re-applying the
// current status is allowed and treated as a no-op upstream.
func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}
