package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gradeflow/gradeflow/internal/logger"
	"github.com/gradeflow/gradeflow/internal/metrics"
)

var (
	// ErrNotFound is returned when the tracker holds no entry for a job ID.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyExists is returned when a job ID is registered twice. This is
	// a programmer error, not a client-facing condition.
	ErrAlreadyExists = errors.New("job already exists")
	// ErrTerminalState is returned on an attempt to move a job out of a
	// terminal state.
	ErrTerminalState = errors.New("job is in a terminal state")
)

// Update carries the optional fields of a status transition.
type Update struct {
	Progress     *int
	ErrorMessage string
	ResultID     *string
}

// Tracker is the in-process registry holding the authoritative local view of
// each job's lifecycle. It is a rebuildable cache over the archive store: the
// durable record is the system of record, the tracker is the fast path.
//
// All methods are safe for concurrent use. Callers must not hold I/O open
// while calling in; every method only takes the lock for map work.
type Tracker struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	retention time.Duration
}

// NewTracker creates a tracker evicting terminal entries older than retention.
func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Tracker{
		jobs:      make(map[string]*Job),
		retention: retention,
	}
}

// CreateJob registers a new job with status queued.
func (t *Tracker) CreateJob(jobID, userID, userEmail string, cost int64, payload json.RawMessage) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:        jobID,
		UserID:    userID,
		UserEmail: userEmail,
		Status:    StatusQueued,
		Progress:  0,
		Cost:      cost,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	t.mu.Lock()
	if _, ok := t.jobs[jobID]; ok {
		t.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	t.jobs[jobID] = job
	t.mu.Unlock()

	metrics.JobsByStatus.WithLabelValues(string(StatusQueued)).Inc()
	logger.WithJobID(jobID).Info().Str("user_id", userID).Msg("Job registered")
	return job.clone(), nil
}

// Reset re-registers a terminal job for a retry run, reusing its identifier.
// If the tracker has no entry (evicted, or process restarted) a fresh one is
// created instead.
func (t *Tracker) Reset(jobID, userID, userEmail string, cost int64, payload json.RawMessage) (*Job, error) {
	t.mu.Lock()
	job, ok := t.jobs[jobID]
	if !ok {
		t.mu.Unlock()
		return t.CreateJob(jobID, userID, userEmail, cost, payload)
	}
	prev := job.Status
	job.Status = StatusQueued
	job.Progress = 0
	job.ResultID = nil
	job.ErrorMessage = ""
	job.Cost = cost
	job.Payload = payload
	job.UpdatedAt = time.Now().UTC()
	out := job.clone()
	t.mu.Unlock()

	metrics.JobsByStatus.WithLabelValues(string(prev)).Dec()
	metrics.JobsByStatus.WithLabelValues(string(StatusQueued)).Inc()
	logger.WithJobID(jobID).Info().
		Str("before", string(prev)).
		Str("after", string(StatusQueued)).
		Msg("Job reset for retry")
	return out, nil
}

// UpdateStatus applies a lifecycle transition. Re-applying the current status
// is an idempotent no-op; a transition away from a terminal state is rejected
// and logged as an anomaly.
func (t *Tracker) UpdateStatus(jobID string, status Status, upd Update) (*Job, error) {
	t.mu.Lock()
	job, ok := t.jobs[jobID]
	if !ok {
		t.mu.Unlock()
		return nil, ErrNotFound
	}

	prev := job.Status
	if prev == status {
		out := job.clone()
		t.mu.Unlock()
		return out, nil
	}
	if !canTransition(prev, status) {
		t.mu.Unlock()
		anomaly := "invalid_transition"
		if prev.Terminal() {
			anomaly = "terminal_regression"
		}
		logger.WithJobID(jobID).Error().
			Str("anomaly", anomaly).
			Str("before", string(prev)).
			Str("attempted", string(status)).
			Msg("Rejected lifecycle transition")
		return nil, ErrTerminalState
	}

	job.Status = status
	if upd.Progress != nil {
		job.Progress = *upd.Progress
	}
	switch status {
	case StatusProcessing, StatusCompleted:
		if upd.ResultID != nil {
			job.ResultID = upd.ResultID
		}
		job.ErrorMessage = ""
	case StatusFailed:
		job.ResultID = nil
		job.ErrorMessage = upd.ErrorMessage
	}
	job.UpdatedAt = time.Now().UTC()
	out := job.clone()
	t.mu.Unlock()

	metrics.JobsByStatus.WithLabelValues(string(prev)).Dec()
	metrics.JobsByStatus.WithLabelValues(string(status)).Inc()
	logger.WithJobID(jobID).Info().
		Str("before", string(prev)).
		Str("after", string(status)).
		Int("progress", out.Progress).
		Msg("Job status updated")
	return out, nil
}

// GetJob returns a copy of the tracked job, or nil if unknown.
func (t *Tracker) GetJob(jobID string) *Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if job, ok := t.jobs[jobID]; ok {
		return job.clone()
	}
	return nil
}

// GetJobsByUser returns the user's tracked jobs, newest first.
func (t *Tracker) GetJobsByUser(userID string) []*Job {
	t.mu.RLock()
	var out []*Job
	for _, job := range t.jobs {
		if job.UserID == userID {
			out = append(out, job.clone())
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// IsOwner reports whether the job exists and belongs to userID.
func (t *Tracker) IsOwner(jobID, userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[jobID]
	return ok && job.UserID == userID
}

// Stats holds per-status counts of tracked jobs.
type Stats struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// GetStats counts tracked jobs by status.
func (t *Tracker) GetStats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Stats{Total: len(t.jobs)}
	for _, job := range t.jobs {
		switch job.Status {
		case StatusQueued:
			s.Queued++
		case StatusProcessing:
			s.Processing++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// EvictTerminal removes terminal entries not updated since the retention
// window. Eviction only bounds memory; the durable record is unaffected.
func (t *Tracker) EvictTerminal() int {
	cutoff := time.Now().UTC().Add(-t.retention)

	t.mu.Lock()
	var evicted []Status
	for id, job := range t.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			evicted = append(evicted, job.Status)
			delete(t.jobs, id)
		}
	}
	t.mu.Unlock()

	for _, st := range evicted {
		metrics.JobsByStatus.WithLabelValues(string(st)).Dec()
	}
	if len(evicted) > 0 {
		logger.Logger.Debug().Int("count", len(evicted)).Msg("Evicted terminal jobs from tracker")
	}
	return len(evicted)
}

// RunSweeper evicts terminal entries on a fixed interval until ctx is done.
func (t *Tracker) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.EvictTerminal()
		}
	}
}
