// Package monitor sweeps the archive for jobs stuck in a non-terminal state
// and drives them through the same failure path as a worker-reported failure.
package monitor

import (
	"context"
	"time"

	"github.com/gradeflow/gradeflow/internal/archive"
	"github.com/gradeflow/gradeflow/internal/broker"
	"github.com/gradeflow/gradeflow/internal/logger"
	"github.com/gradeflow/gradeflow/internal/metrics"
	"github.com/gradeflow/gradeflow/internal/orchestrator"
)

// Monitor periodically fails and refunds jobs whose status has not advanced
// within the staleness threshold. It is the system's timeout for jobs that
// never receive a terminal event at all.
type Monitor struct {
	core      *orchestrator.Core
	store     archive.Store
	threshold time.Duration
	interval  time.Duration
}

func New(core *orchestrator.Core, store archive.Store, threshold, interval time.Duration) *Monitor {
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &Monitor{core: core, store: store, threshold: threshold, interval: interval}
}

// Run sweeps on a fixed interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	logger.Logger.Info().
		Dur("interval", m.interval).
		Dur("threshold", m.threshold).
		Msg("Stuck job monitor started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				logger.Logger.Error().Err(err).Msg("Stuck job sweep failed")
			}
		}
	}
}

// Sweep fails every job stuck past the threshold. One job's repair failure is
// logged and the sweep continues to the next candidate.
func (m *Monitor) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-m.threshold)
	stale, err := m.store.ListStale(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, rec := range stale {
		if err := m.repair(ctx, rec); err != nil {
			logger.WithJobID(rec.ID).Error().Err(err).Msg("Failed to repair stuck job")
		}
	}
	return nil
}

func (m *Monitor) repair(ctx context.Context, rec *archive.JobRecord) error {
	// Re-check once before failing: the terminal event may have landed
	// between the listing and now.
	fresh, err := m.store.GetJob(ctx, rec.ID)
	if err != nil {
		return err
	}
	if fresh.Status.Terminal() || fresh.UpdatedAt.After(rec.UpdatedAt) {
		return nil
	}

	logger.WithJobID(rec.ID).Warn().
		Str("status", string(fresh.Status)).
		Time("updated_at", fresh.UpdatedAt).
		Msg("Failing stuck job")

	err = m.core.ApplyOutcome(ctx, rec.ID, orchestrator.Outcome{
		Type:         broker.EventFailed,
		ErrorMessage: "job timed out waiting for worker",
	})
	if err != nil {
		return err
	}
	metrics.StuckJobsRecoveredTotal.Inc()
	return nil
}
