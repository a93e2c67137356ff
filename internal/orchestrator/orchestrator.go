// Package orchestrator implements the submission workflow, the retry
// workflow, and the single state-transition function applied by the event
// consumer, the HTTP callbacks, and the stuck-job monitor.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/gradeflow/gradeflow/internal/archive"
	"github.com/gradeflow/gradeflow/internal/broker"
	"github.com/gradeflow/gradeflow/internal/idempotency"
	"github.com/gradeflow/gradeflow/internal/jobs"
	"github.com/gradeflow/gradeflow/internal/ledger"
	"github.com/gradeflow/gradeflow/internal/logger"
	"github.com/gradeflow/gradeflow/internal/metrics"
)

// Notifier receives job updates for push channels (websocket dashboard).
type Notifier interface {
	JobUpdated(job *jobs.Job)
}

// Options configures the core.
type Options struct {
	// JobCost is the token price debited per submission.
	JobCost int64
	// UpstreamTimeout bounds each ledger, archive, and broker call.
	UpstreamTimeout time.Duration
	// Notifier is optional.
	Notifier Notifier
}

// Core wires the idempotency guard, token coordinator, tracker, archive, and
// broker into the orchestration workflows.
type Core struct {
	tracker *jobs.Tracker
	guard   *idempotency.Guard
	tokens  *ledger.Coordinator
	store   archive.Store
	pub     broker.Publisher
	opts    Options

	lockMu   sync.Mutex
	jobLocks map[string]*jobLock
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

func NewCore(tracker *jobs.Tracker, guard *idempotency.Guard, tokens *ledger.Coordinator,
	store archive.Store, pub broker.Publisher, opts Options) *Core {
	if opts.JobCost <= 0 {
		opts.JobCost = 1
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = 5 * time.Second
	}
	return &Core{
		tracker:  tracker,
		guard:    guard,
		tokens:   tokens,
		store:    store,
		pub:      pub,
		opts:     opts,
		jobLocks: make(map[string]*jobLock),
	}
}

// lockJob serializes outcome application per job ID. Entries are dropped once
// the last holder releases, so the map stays bounded by in-flight outcomes.
func (c *Core) lockJob(jobID string) func() {
	c.lockMu.Lock()
	l := c.jobLocks[jobID]
	if l == nil {
		l = &jobLock{}
		c.jobLocks[jobID] = l
	}
	l.refs++
	c.lockMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.lockMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.jobLocks, jobID)
		}
		c.lockMu.Unlock()
	}
}

// SubmitRequest is one unit of work handed in by the HTTP layer.
type SubmitRequest struct {
	UserID         string
	UserEmail      string
	Payload        json.RawMessage
	IdempotencyKey string
}

// SubmitResponse is returned for accepted (or replayed) submissions.
type SubmitResponse struct {
	JobID            string      `json:"job_id"`
	ResultID         string      `json:"result_id"`
	Status           jobs.Status `json:"status"`
	QueuePosition    int         `json:"queue_position"`
	RemainingBalance int64       `json:"remaining_balance"`
}

// Submit runs the submission workflow: dedup, debit, durable records,
// tracker registration, broker publish. Every step after the debit
// compensates with a refund on failure, so the caller's balance is unaffected
// by anything but a successful enqueue.
func (c *Core) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	start := time.Now()
	defer func() {
		metrics.SubmitDuration.Observe(time.Since(start).Seconds())
	}()

	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if len(req.Payload) == 0 {
		return nil, fmt.Errorf("%w: payload is required", ErrValidation)
	}

	fingerprint := idempotency.Fingerprint(req.Payload)
	if req.IdempotencyKey != "" {
		check := c.guard.CheckOrReserve(ctx, req.IdempotencyKey, fingerprint)
		if check.Decision == idempotency.DecisionPending {
			check = c.awaitFirstRequest(ctx, req.IdempotencyKey, fingerprint)
		}
		switch check.Decision {
		case idempotency.DecisionDuplicate:
			metrics.DuplicateSubmissionsTotal.Inc()
			var cached SubmitResponse
			if err := json.Unmarshal(check.CachedResponse, &cached); err != nil {
				return nil, fmt.Errorf("failed to decode cached response: %w", err)
			}
			logger.WithUserID(req.UserID).Info().
				Str("job_id", cached.JobID).
				Msg("Replayed cached submission response")
			return &cached, nil
		case idempotency.DecisionConflict:
			metrics.IdempotencyConflictsTotal.Inc()
			return nil, ErrConflict
		case idempotency.DecisionPending:
			return nil, ErrDuplicateInFlight
		}
	}

	releaseKey := func() {
		if req.IdempotencyKey != "" {
			c.guard.Release(ctx, req.IdempotencyKey)
		}
	}

	return c.submit(ctx, req, fingerprint, releaseKey)
}

const (
	pendingWaitDelay    = 100 * time.Millisecond
	pendingWaitAttempts = 5
)

// awaitFirstRequest polls the guard for a short bounded window while the first
// request bearing the same key is still in flight. In the common case the
// original finishes within the window and the duplicate replays its snapshot
// instead of being rejected.
func (c *Core) awaitFirstRequest(ctx context.Context, key, fingerprint string) idempotency.Result {
	res := idempotency.Result{Decision: idempotency.DecisionPending}
	backoff := retry.WithMaxRetries(pendingWaitAttempts, retry.NewConstant(pendingWaitDelay))
	retry.Do(ctx, backoff, func(ctx context.Context) error {
		res = c.guard.CheckOrReserve(ctx, key, fingerprint)
		if res.Decision == idempotency.DecisionPending {
			return retry.RetryableError(errors.New("first request still in flight"))
		}
		return nil
	})
	return res
}

func (c *Core) submit(ctx context.Context, req SubmitRequest, fingerprint string, releaseKey func()) (*SubmitResponse, error) {
	reserveCtx, cancel := c.upstream(ctx)
	res, err := c.tokens.Reserve(reserveCtx, req.UserID, c.opts.JobCost)
	cancel()
	if err != nil {
		releaseKey()
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return nil, ledger.ErrInsufficientBalance
		}
		return nil, fmt.Errorf("%w: ledger debit: %v", ErrUpstreamUnavailable, err)
	}

	// Compensation for every failure from here on: the debit is confirmed,
	// so unwind with a refund before propagating.
	compensate := func(step string, cause error) error {
		if rerr := c.tokens.Release(ctx, res); rerr != nil {
			logger.WithUserID(req.UserID).Error().Err(rerr).
				Str("anomaly", "compensation_failed").
				Str("step", step).
				Msg("Compensating refund failed")
		}
		releaseKey()
		return fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, step, cause)
	}

	now := time.Now().UTC()
	jobID := uuid.New().String()
	resultID := uuid.New().String()

	jobRec := &archive.JobRecord{
		ID:        jobID,
		UserID:    req.UserID,
		UserEmail: req.UserEmail,
		Status:    jobs.StatusQueued,
		Cost:      c.opts.JobCost,
		Payload:   string(req.Payload),
		CreatedAt: now,
		UpdatedAt: now,
	}
	storeCtx, cancel := c.upstream(ctx)
	err = c.store.CreateJob(storeCtx, jobRec)
	cancel()
	if err != nil {
		return nil, compensate("create job record", err)
	}

	resultRec := &archive.ResultRecord{
		ID:        resultID,
		JobID:     jobID,
		Status:    jobs.StatusQueued,
		Input:     string(req.Payload),
		CreatedAt: now,
		UpdatedAt: now,
	}
	storeCtx, cancel = c.upstream(ctx)
	err = c.store.CreateResult(storeCtx, resultRec)
	cancel()
	if err != nil {
		return nil, compensate("create result record", err)
	}

	// Linking the result is best-effort; the job is trackable without it and
	// the link can be repaired when the terminal event arrives.
	jobRec.ResultID = &resultID
	storeCtx, cancel = c.upstream(ctx)
	err = c.store.UpdateJob(storeCtx, jobRec)
	cancel()
	if err != nil {
		logger.WithJobID(jobID).Warn().Err(err).Msg("Failed to link result to job")
	}

	job, err := c.tracker.CreateJob(jobID, req.UserID, req.UserEmail, c.opts.JobCost, req.Payload)
	if err != nil {
		return nil, compensate("register job", err)
	}

	queuePosition := c.tracker.GetStats().Queued

	msg := &broker.JobMessage{
		JobID:    jobID,
		UserID:   req.UserID,
		ResultID: resultID,
		Cost:     c.opts.JobCost,
		Payload:  req.Payload,
	}
	pubCtx, cancel := c.upstream(ctx)
	err = c.pub.PublishJob(pubCtx, msg)
	cancel()
	if err != nil {
		c.markEnqueueFailed(ctx, jobRec)
		return nil, compensate("publish job", err)
	}

	c.tokens.Commit(res)
	metrics.SubmissionsTotal.Inc()
	c.notify(job)

	resp := &SubmitResponse{
		JobID:            jobID,
		ResultID:         resultID,
		Status:           jobs.StatusQueued,
		QueuePosition:    queuePosition,
		RemainingBalance: res.RemainingBalance,
	}
	if req.IdempotencyKey != "" {
		snapshot, err := json.Marshal(resp)
		if err == nil {
			c.guard.StoreResponse(ctx, req.IdempotencyKey, fingerprint, snapshot)
		}
	}

	logger.WithJobID(jobID).Info().
		Str("user_id", req.UserID).
		Int("queue_position", queuePosition).
		Msg("Job submitted")
	return resp, nil
}

// Retry re-runs a terminal job under its original identifier, reusing the
// payload snapshot stored with the durable result. A fresh debit occurs.
func (c *Core) Retry(ctx context.Context, userID, jobID string) (*SubmitResponse, error) {
	storeCtx, cancel := c.upstream(ctx)
	rec, err := c.store.GetJob(storeCtx, jobID)
	cancel()
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: load job record: %v", ErrUpstreamUnavailable, err)
	}
	if rec.UserID != userID {
		return nil, ErrForbidden
	}
	if !rec.Status.Terminal() {
		return nil, ErrNotRetryable
	}

	payload := rec.Payload
	var resultRec *archive.ResultRecord
	if rec.ResultID != nil {
		storeCtx, cancel = c.upstream(ctx)
		resultRec, err = c.store.GetResult(storeCtx, *rec.ResultID)
		cancel()
		if err != nil {
			logger.WithJobID(jobID).Warn().Err(err).Msg("Failed to load result snapshot, using job payload")
			resultRec = nil
		} else {
			payload = resultRec.Input
		}
	}

	reserveCtx, cancel := c.upstream(ctx)
	res, err := c.tokens.Reserve(reserveCtx, userID, c.opts.JobCost)
	cancel()
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return nil, ledger.ErrInsufficientBalance
		}
		return nil, fmt.Errorf("%w: ledger debit: %v", ErrUpstreamUnavailable, err)
	}

	compensate := func(step string, cause error) error {
		if rerr := c.tokens.Release(ctx, res); rerr != nil {
			logger.WithJobID(jobID).Error().Err(rerr).
				Str("anomaly", "compensation_failed").
				Str("step", step).
				Msg("Compensating refund failed")
		}
		return fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, step, cause)
	}

	if resultRec != nil {
		resultRec.Status = jobs.StatusQueued
		resultRec.Output = nil
		resultRec.ErrorMessage = nil
		storeCtx, cancel = c.upstream(ctx)
		err = c.store.UpdateResult(storeCtx, resultRec)
		cancel()
		if err != nil {
			return nil, compensate("reset result record", err)
		}
	}

	rec.Status = jobs.StatusQueued
	rec.Progress = 0
	rec.ErrorMessage = nil
	storeCtx, cancel = c.upstream(ctx)
	err = c.store.UpdateJob(storeCtx, rec)
	cancel()
	if err != nil {
		return nil, compensate("reset job record", err)
	}

	job, err := c.tracker.Reset(jobID, userID, rec.UserEmail, c.opts.JobCost, json.RawMessage(payload))
	if err != nil {
		return nil, compensate("register job", err)
	}

	queuePosition := c.tracker.GetStats().Queued

	resultID := ""
	if rec.ResultID != nil {
		resultID = *rec.ResultID
	}
	msg := &broker.JobMessage{
		JobID:    jobID,
		UserID:   userID,
		ResultID: resultID,
		Cost:     c.opts.JobCost,
		Payload:  json.RawMessage(payload),
	}
	pubCtx, cancel := c.upstream(ctx)
	err = c.pub.PublishJob(pubCtx, msg)
	cancel()
	if err != nil {
		c.markEnqueueFailed(ctx, rec)
		return nil, compensate("publish job", err)
	}

	c.tokens.Commit(res)
	c.notify(job)

	logger.WithJobID(jobID).Info().
		Str("user_id", userID).
		Msg("Job resubmitted")
	return &SubmitResponse{
		JobID:            jobID,
		ResultID:         resultID,
		Status:           jobs.StatusQueued,
		QueuePosition:    queuePosition,
		RemainingBalance: res.RemainingBalance,
	}, nil
}

// markEnqueueFailed records the publish failure so status queries never see a
// job stuck in queued with nothing behind it.
func (c *Core) markEnqueueFailed(ctx context.Context, rec *archive.JobRecord) {
	errMsg := "failed to enqueue job"
	if job, err := c.tracker.UpdateStatus(rec.ID, jobs.StatusFailed, jobs.Update{ErrorMessage: errMsg}); err == nil {
		c.notify(job)
	}

	rec.Status = jobs.StatusFailed
	rec.Progress = 0
	rec.ErrorMessage = &errMsg
	storeCtx, cancel := c.upstream(ctx)
	defer cancel()
	if err := c.store.UpdateJob(storeCtx, rec); err != nil {
		logger.WithJobID(rec.ID).Warn().Err(err).Msg("Failed to persist enqueue failure")
	}
}

// JobView is the read model served to status queries.
type JobView struct {
	JobID     string      `json:"job_id"`
	Status    jobs.Status `json:"status"`
	Progress  int         `json:"progress"`
	ResultID  *string     `json:"result_id,omitempty"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// GetStatus serves the job's current state. The tracker is the fast path;
// after a restart or eviction the durable record answers instead.
func (c *Core) GetStatus(ctx context.Context, jobID, requestingUserID string) (*JobView, error) {
	if job := c.tracker.GetJob(jobID); job != nil {
		if job.UserID != requestingUserID {
			return nil, ErrForbidden
		}
		return &JobView{
			JobID:     job.ID,
			Status:    job.Status,
			Progress:  job.Progress,
			ResultID:  job.ResultID,
			Error:     job.ErrorMessage,
			CreatedAt: job.CreatedAt,
			UpdatedAt: job.UpdatedAt,
		}, nil
	}

	storeCtx, cancel := c.upstream(ctx)
	rec, err := c.store.GetJob(storeCtx, jobID)
	cancel()
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: load job record: %v", ErrUpstreamUnavailable, err)
	}
	if rec.UserID != requestingUserID {
		return nil, ErrForbidden
	}

	view := &JobView{
		JobID:     rec.ID,
		Status:    rec.Status,
		Progress:  rec.Progress,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.Status == jobs.StatusProcessing || rec.Status == jobs.StatusCompleted {
		view.ResultID = rec.ResultID
	}
	if rec.ErrorMessage != nil {
		view.Error = *rec.ErrorMessage
	}
	return view, nil
}

// GetStats returns per-status counts of tracked jobs.
func (c *Core) GetStats() jobs.Stats {
	return c.tracker.GetStats()
}

// ReportCompleted is the HTTP fallback mirroring the completed event for
// deployments without a broker.
func (c *Core) ReportCompleted(ctx context.Context, jobID, resultID string) error {
	return c.ApplyOutcome(ctx, jobID, Outcome{
		Type:     broker.EventCompleted,
		ResultID: resultID,
	})
}

// ReportFailed is the HTTP fallback mirroring the failed event.
func (c *Core) ReportFailed(ctx context.Context, jobID, resultID, errorMessage string) error {
	return c.ApplyOutcome(ctx, jobID, Outcome{
		Type:         broker.EventFailed,
		ResultID:     resultID,
		ErrorMessage: errorMessage,
	})
}

func (c *Core) upstream(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.UpstreamTimeout)
}

func (c *Core) notify(job *jobs.Job) {
	if c.opts.Notifier != nil && job != nil {
		c.opts.Notifier.JobUpdated(job)
	}
}
