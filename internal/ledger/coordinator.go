package ledger

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/gradeflow/gradeflow/internal/logger"
	"github.com/gradeflow/gradeflow/internal/metrics"
)

// Reservation is proof of a confirmed debit. Releasing it refunds the amount;
// a reservation can be released at most once.
type Reservation struct {
	UserID           string
	Amount           int64
	RemainingBalance int64

	released atomic.Bool
}

// Coordinator orchestrates debit-before-enqueue and refund-on-failure. The
// debit always happens before any durable write, so every release refunds a
// confirmed prior debit — never an undebited amount, never twice.
type Coordinator struct {
	ledger      Ledger
	refundDelay time.Duration
}

func NewCoordinator(l Ledger) *Coordinator {
	return &Coordinator{ledger: l, refundDelay: 200 * time.Millisecond}
}

// Reserve debits cost from the user's balance. ErrInsufficientBalance means
// nothing was debited.
func (c *Coordinator) Reserve(ctx context.Context, userID string, cost int64) (*Reservation, error) {
	remaining, err := c.ledger.Debit(ctx, userID, cost)
	if err != nil {
		return nil, err
	}

	metrics.TokensDebitedTotal.Add(float64(cost))
	logger.WithUserID(userID).Debug().
		Int64("cost", cost).
		Int64("remaining", remaining).
		Msg("Tokens reserved")
	return &Reservation{UserID: userID, Amount: cost, RemainingBalance: remaining}, nil
}

// Commit finalizes a reservation. The debit already happened at Reserve time,
// so this only marks the reservation as spent; kept for call-site symmetry
// with Release.
func (c *Coordinator) Commit(res *Reservation) {
	res.released.Store(true)
}

// Release refunds a reservation. The refund is retried once synchronously;
// if it still fails the unreconciled balance is logged as an anomaly and the
// error is swallowed — job outcome and ledger outcome are allowed to be
// eventually, not atomically, consistent.
func (c *Coordinator) Release(ctx context.Context, res *Reservation) error {
	if !res.released.CompareAndSwap(false, true) {
		logger.WithUserID(res.UserID).Warn().
			Int64("amount", res.Amount).
			Msg("Reservation already released, skipping refund")
		return nil
	}

	backoff := retry.WithMaxRetries(1, retry.NewConstant(c.refundDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.ledger.Refund(ctx, res.UserID, res.Amount); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		metrics.RefundAnomaliesTotal.Inc()
		logger.WithUserID(res.UserID).Error().Err(err).
			Str("anomaly", "unreconciled_balance").
			Int64("amount", res.Amount).
			Msg("Refund failed after retry, balance needs reconciliation")
		return fmt.Errorf("failed to refund %d tokens: %w", res.Amount, err)
	}

	metrics.TokensRefundedTotal.Add(float64(res.Amount))
	logger.WithUserID(res.UserID).Info().
		Int64("amount", res.Amount).
		Msg("Tokens refunded")
	return nil
}
