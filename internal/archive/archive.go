// Package archive persists job and result records. The archive is the system
// of record shared with external status readers; this core is the sole writer
// of job status transitions.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/gradeflow/gradeflow/internal/jobs"
)

// ErrNotFound is returned when no record exists for the given identifier.
var ErrNotFound = errors.New("record not found")

// JobRecord is the durable form of a job.
type JobRecord struct {
	ID           string
	UserID       string
	UserEmail    string
	Status       jobs.Status
	Progress     int
	ResultID     *string
	ErrorMessage *string
	Cost         int64
	Payload      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ResultRecord is the durable result shell created at submission time so
// status queries never observe a job without a corresponding result.
// Input snapshots the original payload and is reused on retry.
type ResultRecord struct {
	ID           string
	JobID        string
	Status       jobs.Status
	Input        string
	Output       *string
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store is the record service the core depends on.
type Store interface {
	CreateJob(ctx context.Context, rec *JobRecord) error
	UpdateJob(ctx context.Context, rec *JobRecord) error
	GetJob(ctx context.Context, id string) (*JobRecord, error)

	CreateResult(ctx context.Context, rec *ResultRecord) error
	UpdateResult(ctx context.Context, rec *ResultRecord) error
	GetResult(ctx context.Context, id string) (*ResultRecord, error)

	// ListStale returns non-terminal jobs whose updated_at is older than
	// cutoff, for the stuck-job monitor.
	ListStale(ctx context.Context, cutoff time.Time) ([]*JobRecord, error)
}
