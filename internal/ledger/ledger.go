// Package ledger coordinates token debits and compensating refunds against
// the external balance ledger.
package ledger

import (
	"context"
	"errors"
)

// ErrInsufficientBalance is returned by Debit when the user cannot cover the
// requested amount. No debit occurred.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Ledger is the external token-balance service. Debit returns the remaining
// balance after a successful debit.
type Ledger interface {
	Debit(ctx context.Context, userID string, amount int64) (int64, error)
	Refund(ctx context.Context, userID string, amount int64) error
}
