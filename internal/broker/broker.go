// Package broker carries jobs to workers and lifecycle events back.
package broker

import (
	"context"
	"encoding/json"
)

const (
	// JobSubject carries submitted jobs to the worker pool.
	JobSubject = "jobs.submit"
	// EventSubject carries worker lifecycle events back to the core.
	EventSubject = "jobs.events"
)

// JobMessage is published for each accepted submission. The worker reports
// back using the same JobID.
type JobMessage struct {
	JobID    string          `json:"job_id"`
	UserID   string          `json:"user_id"`
	ResultID string          `json:"result_id"`
	Cost     int64           `json:"cost"`
	Payload  json.RawMessage `json:"payload"`
}

// EventType is a worker lifecycle event kind.
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// EventMessage is one lifecycle event keyed by job ID.
type EventMessage struct {
	JobID        string    `json:"job_id"`
	Type         EventType `json:"type"`
	ResultID     string    `json:"result_id,omitempty"`
	ErrorMessage string    `json:"error,omitempty"`
}

// Publisher enqueues jobs for workers.
type Publisher interface {
	PublishJob(ctx context.Context, msg *JobMessage) error
}

// Delivery is one received event with manual acknowledgment. Ack removes the
// event from the stream; Reject sends it to the dead-letter path without
// requeue.
type Delivery interface {
	Data() []byte
	Ack() error
	Reject() error
}

// Consumer is a long-lived subscriber over the event stream.
type Consumer interface {
	ConsumeEvents(ctx context.Context, handler func(Delivery)) error
	Close()
}
