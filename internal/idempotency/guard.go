package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gradeflow/gradeflow/internal/logger"
)

// Decision is the outcome of checking an idempotency key.
type Decision int

const (
	// DecisionFresh means the key was reserved and the caller must proceed,
	// then call StoreResponse (or Release on failure).
	DecisionFresh Decision = iota
	// DecisionDuplicate means the key was seen before and the original
	// response snapshot is available.
	DecisionDuplicate
	// DecisionPending means the first request bearing this key is still in
	// flight and no snapshot exists yet.
	DecisionPending
	// DecisionConflict means the key was reused with a different payload.
	DecisionConflict
)

// Result carries the decision plus the cached response for duplicates.
type Result struct {
	Decision       Decision
	CachedResponse json.RawMessage
}

// Fingerprint hashes a normalized request body so key reuse with a different
// payload can be detected.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Guard deduplicates submissions bearing the same client-supplied key within
// a TTL window. It guarantees at most one side-effecting execution per key,
// and degrades to "no dedup" when the store is unavailable — never to
// request rejection.
type Guard struct {
	store Store
	ttl   time.Duration
}

func NewGuard(store Store, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &Guard{store: store, ttl: ttl}
}

// CheckOrReserve reserves the key for this request or reports how it was seen
// before. Store failures are logged and treated as fresh.
func (g *Guard) CheckOrReserve(ctx context.Context, key, fingerprint string) Result {
	rec := Record{Fingerprint: fingerprint, CreatedAt: time.Now().UTC()}
	existing, created, err := g.store.Reserve(ctx, key, rec, g.ttl)
	if err != nil {
		logger.Logger.Warn().Err(err).Str("key", key).
			Msg("Idempotency store unavailable, proceeding without dedup")
		return Result{Decision: DecisionFresh}
	}
	if created {
		return Result{Decision: DecisionFresh}
	}
	if existing.Fingerprint != fingerprint {
		return Result{Decision: DecisionConflict}
	}
	if len(existing.Response) == 0 {
		return Result{Decision: DecisionPending}
	}
	return Result{Decision: DecisionDuplicate, CachedResponse: existing.Response}
}

// StoreResponse persists the response snapshot so later duplicates replay it
// unmodified. Failures are logged; the submission already happened.
func (g *Guard) StoreResponse(ctx context.Context, key, fingerprint string, response json.RawMessage) {
	rec := Record{Fingerprint: fingerprint, Response: response, CreatedAt: time.Now().UTC()}
	if err := g.store.Set(ctx, key, rec, g.ttl); err != nil {
		logger.Logger.Warn().Err(err).Str("key", key).Msg("Failed to store idempotency snapshot")
	}
}

// Release frees a reserved key after a failed submission so the client can
// retry with the same key.
func (g *Guard) Release(ctx context.Context, key string) {
	if err := g.store.Delete(ctx, key); err != nil {
		logger.Logger.Warn().Err(err).Str("key", key).Msg("Failed to release idempotency key")
	}
}

// RunSweeper purges expired records on a fixed interval until ctx is done.
// Sweep failures are logged and never block request handling.
func (g *Guard) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := g.store.Sweep(ctx)
			if err != nil {
				logger.Logger.Warn().Err(err).Msg("Idempotency sweep failed")
				continue
			}
			if purged > 0 {
				logger.Logger.Debug().Int("count", purged).Msg("Purged expired idempotency records")
			}
		}
	}
}
