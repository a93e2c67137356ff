package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gradeflow/gradeflow/internal/archive"
	"github.com/gradeflow/gradeflow/internal/idempotency"
	"github.com/gradeflow/gradeflow/internal/jobs"
	"github.com/gradeflow/gradeflow/internal/ledger"
	"github.com/gradeflow/gradeflow/internal/orchestrator"
)

type fakeLedger struct {
	mu      sync.Mutex
	refunds int
}

func (f *fakeLedger) Debit(_ context.Context, _ string, _ int64) (int64, error) {
	return 0, nil
}

func (f *fakeLedger) Refund(_ context.Context, _ string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds++
	return nil
}

func (f *fakeLedger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refunds
}

type fakeStore struct {
	mu         sync.Mutex
	jobs       map[string]*archive.JobRecord
	failGetJob map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:       make(map[string]*archive.JobRecord),
		failGetJob: make(map[string]bool),
	}
}

func (f *fakeStore) CreateJob(_ context.Context, rec *archive.JobRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.jobs[rec.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateJob(_ context.Context, rec *archive.JobRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[rec.ID]; !ok {
		return archive.ErrNotFound
	}
	cp := *rec
	f.jobs[rec.ID] = &cp
	return nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (*archive.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGetJob[id] {
		return nil, errors.New("archive unavailable")
	}
	rec, ok := f.jobs[id]
	if !ok {
		return nil, archive.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) CreateResult(_ context.Context, _ *archive.ResultRecord) error { return nil }
func (f *fakeStore) UpdateResult(_ context.Context, _ *archive.ResultRecord) error { return nil }

func (f *fakeStore) GetResult(_ context.Context, _ string) (*archive.ResultRecord, error) {
	return nil, archive.ErrNotFound
}

func (f *fakeStore) ListStale(_ context.Context, cutoff time.Time) ([]*archive.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*archive.JobRecord
	for _, rec := range f.jobs {
		if !rec.Status.Terminal() && rec.UpdatedAt.Before(cutoff) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func seedJob(fs *fakeStore, id string, status jobs.Status, age time.Duration) {
	ts := time.Now().UTC().Add(-age)
	fs.CreateJob(context.Background(), &archive.JobRecord{
		ID:        id,
		UserID:    "u1",
		Status:    status,
		Cost:      2,
		Payload:   `{"task":"assess"}`,
		CreatedAt: ts,
		UpdatedAt: ts,
	})
}

func newTestMonitor(fs *fakeStore, fl *fakeLedger) *Monitor {
	core := orchestrator.NewCore(jobs.NewTracker(time.Hour),
		idempotency.NewGuard(idempotency.NewMemoryStore(), time.Hour),
		ledger.NewCoordinator(fl), fs, nil,
		orchestrator.Options{JobCost: 2, UpstreamTimeout: time.Second})
	return New(core, fs, 10*time.Minute, time.Minute)
}

func TestSweep_FailsAndRefundsStuckJob(t *testing.T) {
	fs := newFakeStore()
	fl := &fakeLedger{}
	seedJob(fs, "stuck", jobs.StatusProcessing, time.Hour)

	if err := newTestMonitor(fs, fl).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	rec, _ := fs.GetJob(context.Background(), "stuck")
	if rec.Status != jobs.StatusFailed {
		t.Fatalf("want failed, got %s", rec.Status)
	}
	if rec.ErrorMessage == nil || *rec.ErrorMessage != "job timed out waiting for worker" {
		t.Fatalf("unexpected error message: %v", rec.ErrorMessage)
	}
	if fl.count() != 1 {
		t.Fatalf("want 1 refund, got %d", fl.count())
	}
}

func TestSweep_SkipsFreshAndTerminalJobs(t *testing.T) {
	fs := newFakeStore()
	fl := &fakeLedger{}
	seedJob(fs, "fresh", jobs.StatusProcessing, time.Minute)
	seedJob(fs, "done", jobs.StatusCompleted, time.Hour)

	if err := newTestMonitor(fs, fl).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	fresh, _ := fs.GetJob(context.Background(), "fresh")
	if fresh.Status != jobs.StatusProcessing {
		t.Fatalf("fresh job must be untouched, got %s", fresh.Status)
	}
	done, _ := fs.GetJob(context.Background(), "done")
	if done.Status != jobs.StatusCompleted {
		t.Fatalf("terminal job must be untouched, got %s", done.Status)
	}
	if fl.count() != 0 {
		t.Fatalf("want 0 refunds, got %d", fl.count())
	}
}

func TestSweep_SkipsJobAdvancedSinceListing(t *testing.T) {
	fs := newFakeStore()
	fl := &fakeLedger{}
	seedJob(fs, "raced", jobs.StatusProcessing, time.Hour)
	m := newTestMonitor(fs, fl)

	// Terminal event lands between the listing and the repair re-check.
	stale, _ := fs.ListStale(context.Background(), time.Now().UTC().Add(-10*time.Minute))
	rec := stale[0]
	rec.Status = jobs.StatusCompleted
	rec.UpdatedAt = time.Now().UTC()
	fs.UpdateJob(context.Background(), rec)

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got, _ := fs.GetJob(context.Background(), "raced")
	if got.Status != jobs.StatusCompleted {
		t.Fatalf("completed job must not be failed, got %s", got.Status)
	}
	if fl.count() != 0 {
		t.Fatalf("want 0 refunds, got %d", fl.count())
	}
}

func TestSweep_IsolatesPerJobFailures(t *testing.T) {
	fs := newFakeStore()
	fl := &fakeLedger{}
	seedJob(fs, "broken", jobs.StatusProcessing, time.Hour)
	seedJob(fs, "stuck", jobs.StatusProcessing, time.Hour)
	fs.failGetJob["broken"] = true

	if err := newTestMonitor(fs, fl).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep must not fail on a single broken job: %v", err)
	}

	// The healthy job was still repaired.
	rec, _ := fs.GetJob(context.Background(), "stuck")
	if rec.Status != jobs.StatusFailed {
		t.Fatalf("want failed, got %s", rec.Status)
	}
	if fl.count() != 1 {
		t.Fatalf("want 1 refund, got %d", fl.count())
	}
}
