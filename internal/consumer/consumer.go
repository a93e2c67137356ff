// Package consumer subscribes to worker lifecycle events and applies them to
// the orchestration core.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gradeflow/gradeflow/internal/broker"
	"github.com/gradeflow/gradeflow/internal/logger"
	"github.com/gradeflow/gradeflow/internal/metrics"
	"github.com/gradeflow/gradeflow/internal/orchestrator"
)

// Consumer is the single long-lived subscriber over the event stream. An
// event is acknowledged only after the local state mutation succeeds;
// processing errors reject the event without requeue so a poisoned event can
// never loop. It never propagates errors outward — it logs and continues.
type Consumer struct {
	core *orchestrator.Core
	sub  broker.Consumer
}

func New(core *orchestrator.Core, sub broker.Consumer) *Consumer {
	return &Consumer{core: core, sub: sub}
}

// Start begins consuming. Each delivery is handled synchronously so events
// for a single job keep their broker order.
func (c *Consumer) Start(ctx context.Context) error {
	err := c.sub.ConsumeEvents(ctx, func(d broker.Delivery) {
		c.handle(ctx, d)
	})
	if err != nil {
		return fmt.Errorf("failed to start event consumer: %w", err)
	}
	logger.Logger.Info().Msg("Event consumer started")
	return nil
}

func (c *Consumer) handle(ctx context.Context, d broker.Delivery) {
	var evt broker.EventMessage
	if err := json.Unmarshal(d.Data(), &evt); err != nil {
		logger.Logger.Error().Err(err).Msg("Malformed event, dead-lettering")
		c.reject(d)
		return
	}
	if evt.JobID == "" {
		logger.Logger.Error().Str("event", string(evt.Type)).Msg("Event without job id, dead-lettering")
		c.reject(d)
		return
	}

	err := c.core.ApplyOutcome(ctx, evt.JobID, orchestrator.Outcome{
		Type:         evt.Type,
		ResultID:     evt.ResultID,
		ErrorMessage: evt.ErrorMessage,
	})
	if err != nil {
		logger.WithJobID(evt.JobID).Error().Err(err).
			Str("event", string(evt.Type)).
			Msg("Failed to apply event, dead-lettering")
		c.reject(d)
		return
	}

	if err := d.Ack(); err != nil {
		logger.WithJobID(evt.JobID).Warn().Err(err).Msg("Failed to ack event")
	}
}

func (c *Consumer) reject(d broker.Delivery) {
	metrics.EventsDeadLetteredTotal.Inc()
	if err := d.Reject(); err != nil {
		logger.Logger.Warn().Err(err).Msg("Failed to reject event")
	}
}
