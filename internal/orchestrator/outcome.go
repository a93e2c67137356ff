package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/gradeflow/gradeflow/internal/archive"
	"github.com/gradeflow/gradeflow/internal/broker"
	"github.com/gradeflow/gradeflow/internal/jobs"
	"github.com/gradeflow/gradeflow/internal/ledger"
	"github.com/gradeflow/gradeflow/internal/logger"
	"github.com/gradeflow/gradeflow/internal/metrics"
)

// Outcome is one worker lifecycle report. The event consumer, the HTTP
// callbacks, and the stuck-job monitor all converge here so the compensation
// logic exists exactly once.
type Outcome struct {
	Type         broker.EventType
	ResultID     string
	ErrorMessage string
}

const (
	progressStarted   = 10
	progressCompleted = 100
)

// ApplyOutcome applies a lifecycle outcome to the tracker and the durable
// store, refunding the job's original cost when the outcome is failure.
//
// Outcomes for the same job are serialized, and the durable record is loaded
// first under that lock: a terminal record makes the call an idempotent no-op,
// so concurrent or redelivered failed outcomes (event consumer, HTTP callback,
// stuck monitor) can never refund twice.
func (c *Core) ApplyOutcome(ctx context.Context, jobID string, oc Outcome) error {
	unlock := c.lockJob(jobID)
	defer unlock()

	storeCtx, cancel := c.upstream(ctx)
	rec, err := c.store.GetJob(storeCtx, jobID)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to load job record for outcome: %w", err)
	}
	if rec.Status.Terminal() {
		logger.WithJobID(jobID).Info().
			Str("status", string(rec.Status)).
			Str("event", string(oc.Type)).
			Msg("Ignoring event for terminal job")
		return nil
	}

	c.ensureTracked(rec)

	switch oc.Type {
	case broker.EventStarted:
		return c.applyStarted(ctx, rec)
	case broker.EventCompleted:
		return c.applyCompleted(ctx, rec, oc)
	case broker.EventFailed:
		return c.applyFailed(ctx, rec, oc)
	default:
		return fmt.Errorf("unknown event type: %s", oc.Type)
	}
}

// ensureTracked rebuilds the tracker entry from the durable record after an
// eviction or a process restart, so outcome application never depends on the
// tracker surviving.
func (c *Core) ensureTracked(rec *archive.JobRecord) {
	if c.tracker.GetJob(rec.ID) != nil {
		return
	}
	if _, err := c.tracker.CreateJob(rec.ID, rec.UserID, rec.UserEmail, rec.Cost, []byte(rec.Payload)); err != nil {
		return
	}
	if rec.Status == jobs.StatusProcessing {
		progress := rec.Progress
		c.tracker.UpdateStatus(rec.ID, jobs.StatusProcessing, jobs.Update{Progress: &progress})
	}
}

func (c *Core) applyStarted(ctx context.Context, rec *archive.JobRecord) error {
	progress := progressStarted
	job, err := c.tracker.UpdateStatus(rec.ID, jobs.StatusProcessing, jobs.Update{
		Progress: &progress,
		ResultID: rec.ResultID,
	})
	if err != nil {
		if errors.Is(err, jobs.ErrTerminalState) {
			return nil
		}
		return fmt.Errorf("failed to mark job processing: %w", err)
	}
	c.notify(job)
	metrics.EventsProcessedTotal.WithLabelValues(string(broker.EventStarted)).Inc()

	// Durable sync is best-effort for intermediate states.
	rec.Status = jobs.StatusProcessing
	rec.Progress = progressStarted
	storeCtx, cancel := c.upstream(ctx)
	defer cancel()
	if err := c.store.UpdateJob(storeCtx, rec); err != nil {
		logger.WithJobID(rec.ID).Warn().Err(err).Msg("Failed to sync processing status to archive")
	}
	return nil
}

func (c *Core) applyCompleted(ctx context.Context, rec *archive.JobRecord, oc Outcome) error {
	resultID := oc.ResultID
	if resultID == "" && rec.ResultID != nil {
		resultID = *rec.ResultID
	}

	progress := progressCompleted
	job, err := c.tracker.UpdateStatus(rec.ID, jobs.StatusCompleted, jobs.Update{
		Progress: &progress,
		ResultID: &resultID,
	})
	if err != nil {
		if errors.Is(err, jobs.ErrTerminalState) {
			return nil
		}
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	c.notify(job)
	metrics.EventsProcessedTotal.WithLabelValues(string(broker.EventCompleted)).Inc()

	rec.Status = jobs.StatusCompleted
	rec.Progress = progressCompleted
	rec.ResultID = &resultID
	rec.ErrorMessage = nil
	storeCtx, cancel := c.upstream(ctx)
	err = c.store.UpdateJob(storeCtx, rec)
	cancel()
	if err != nil {
		logger.WithJobID(rec.ID).Warn().Err(err).Msg("Failed to sync completed status to archive")
	}

	c.syncResult(ctx, resultID, jobs.StatusCompleted, nil)
	return nil
}

func (c *Core) applyFailed(ctx context.Context, rec *archive.JobRecord, oc Outcome) error {
	errMsg := oc.ErrorMessage
	if errMsg == "" {
		errMsg = "job failed"
	}

	progress := 0
	job, err := c.tracker.UpdateStatus(rec.ID, jobs.StatusFailed, jobs.Update{
		Progress:     &progress,
		ErrorMessage: errMsg,
	})
	if err != nil {
		if errors.Is(err, jobs.ErrTerminalState) {
			// The tracker holds a newer terminal state the archive missed;
			// do not refund a job that completed locally.
			logger.WithJobID(rec.ID).Error().
				Str("anomaly", "tracker_archive_divergence").
				Msg("Failed event for a locally terminal job")
			return nil
		}
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	c.notify(job)
	metrics.EventsProcessedTotal.WithLabelValues(string(broker.EventFailed)).Inc()

	// The durable mark-failed must land before the refund: the terminal
	// record is the guard that makes a redelivered failed event refund-free.
	rec.Status = jobs.StatusFailed
	rec.Progress = 0
	rec.ErrorMessage = &errMsg
	storeCtx, cancel := c.upstream(ctx)
	err = c.store.UpdateJob(storeCtx, rec)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to persist failed status: %w", err)
	}

	if oc.ResultID != "" {
		c.syncResult(ctx, oc.ResultID, jobs.StatusFailed, &errMsg)
	} else if rec.ResultID != nil {
		c.syncResult(ctx, *rec.ResultID, jobs.StatusFailed, &errMsg)
	}

	res := &ledger.Reservation{UserID: rec.UserID, Amount: rec.Cost}
	if err := c.tokens.Release(ctx, res); err != nil {
		// Already counted and logged as an unreconciled-balance anomaly; the
		// job stays failed regardless.
		logger.WithJobID(rec.ID).Warn().Err(err).Msg("Refund for failed job did not reconcile")
	}
	return nil
}

// syncResult updates the durable result shell, best-effort.
func (c *Core) syncResult(ctx context.Context, resultID string, status jobs.Status, errMsg *string) {
	if resultID == "" {
		return
	}
	storeCtx, cancel := c.upstream(ctx)
	defer cancel()
	resultRec, err := c.store.GetResult(storeCtx, resultID)
	if err != nil {
		logger.Logger.Warn().Err(err).Str("result_id", resultID).Msg("Failed to load result for sync")
		return
	}
	resultRec.Status = status
	resultRec.ErrorMessage = errMsg
	if err := c.store.UpdateResult(storeCtx, resultRec); err != nil {
		logger.Logger.Warn().Err(err).Str("result_id", resultID).Msg("Failed to sync result status")
	}
}
