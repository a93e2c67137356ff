package orchestrator

import "errors"

// Typed submission errors. Everything else a dependency can throw is wrapped
// in ErrUpstreamUnavailable; by the time it reaches the caller any debit has
// already been compensated.
var (
	// ErrValidation is a caller error; no side effects occurred.
	ErrValidation = errors.New("invalid submission")
	// ErrUpstreamUnavailable means a dependency (archive, ledger, broker)
	// failed; the token balance is unaffected.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrNotFound is returned by status queries for unknown jobs.
	ErrNotFound = errors.New("job not found")
	// ErrForbidden is returned when the requesting user does not own the job.
	ErrForbidden = errors.New("job belongs to another user")
	// ErrConflict means an idempotency key was reused with a different
	// payload.
	ErrConflict = errors.New("idempotency key conflict")
	// ErrDuplicateInFlight means the first request bearing this idempotency
	// key has not finished yet.
	ErrDuplicateInFlight = errors.New("duplicate request in flight")
	// ErrNotRetryable means a retry was requested for a job that has not
	// reached a terminal state.
	ErrNotRetryable = errors.New("job is not in a terminal state")
)
