package jobs

import (
	"errors"
	"testing"
	"time"
)

func intp(n int) *int       { return &n }
func strp(s string) *string { return &s }

func TestTracker_CreateAndGet(t *testing.T) {
	tr := NewTracker(time.Hour)

	job, err := tr.CreateJob("j1", "u1", "u1@example.com", 2, []byte(`{"q":1}`))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Status != StatusQueued || job.Progress != 0 {
		t.Fatalf("unexpected initial state: %+v", job)
	}

	if _, err := tr.CreateJob("j1", "u1", "u1@example.com", 2, nil); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}

	got := tr.GetJob("j1")
	if got == nil || got.ID != "j1" || got.Cost != 2 {
		t.Fatalf("unexpected job: %+v", got)
	}
	if tr.GetJob("missing") != nil {
		t.Fatal("expected nil for unknown job")
	}
}

func TestTracker_Transitions(t *testing.T) {
	tr := NewTracker(time.Hour)
	tr.CreateJob("j1", "u1", "", 1, nil)

	job, err := tr.UpdateStatus("j1", StatusProcessing, Update{Progress: intp(10)})
	if err != nil {
		t.Fatalf("queued→processing: %v", err)
	}
	if job.Progress != 10 {
		t.Fatalf("want progress 10, got %d", job.Progress)
	}

	job, err = tr.UpdateStatus("j1", StatusCompleted, Update{Progress: intp(100), ResultID: strp("r1")})
	if err != nil {
		t.Fatalf("processing→completed: %v", err)
	}
	if job.ResultID == nil || *job.ResultID != "r1" {
		t.Fatalf("want result id r1, got %v", job.ResultID)
	}
}

func TestTracker_QueuedToCompletedDirect(t *testing.T) {
	tr := NewTracker(time.Hour)
	tr.CreateJob("j1", "u1", "", 1, nil)

	// A fast worker can finish before any started event is observed.
	job, err := tr.UpdateStatus("j1", StatusCompleted, Update{Progress: intp(100), ResultID: strp("r1")})
	if err != nil {
		t.Fatalf("queued→completed: %v", err)
	}
	if job.Status != StatusCompleted || job.ResultID == nil || *job.ResultID != "r1" {
		t.Fatalf("unexpected job state: %+v", job)
	}
}

func TestTracker_QueuedToFailedDirect(t *testing.T) {
	tr := NewTracker(time.Hour)
	tr.CreateJob("j1", "u1", "", 1, nil)

	job, err := tr.UpdateStatus("j1", StatusFailed, Update{ErrorMessage: "enqueue failed"})
	if err != nil {
		t.Fatalf("queued→failed: %v", err)
	}
	if job.ErrorMessage != "enqueue failed" {
		t.Fatalf("unexpected error message: %q", job.ErrorMessage)
	}
}

func TestTracker_FailedClearsResultID(t *testing.T) {
	tr := NewTracker(time.Hour)
	tr.CreateJob("j1", "u1", "", 1, nil)
	tr.UpdateStatus("j1", StatusProcessing, Update{ResultID: strp("r1")})

	job, err := tr.UpdateStatus("j1", StatusFailed, Update{ErrorMessage: "boom"})
	if err != nil {
		t.Fatalf("processing→failed: %v", err)
	}
	if job.ResultID != nil {
		t.Fatalf("failed job should have no result id, got %v", *job.ResultID)
	}
}

func TestTracker_TerminalImmutable(t *testing.T) {
	tr := NewTracker(time.Hour)
	tr.CreateJob("j1", "u1", "", 1, nil)
	tr.UpdateStatus("j1", StatusProcessing, Update{})
	tr.UpdateStatus("j1", StatusCompleted, Update{Progress: intp(100)})

	// Re-applying the terminal status is a no-op.
	job, err := tr.UpdateStatus("j1", StatusCompleted, Update{})
	if err != nil {
		t.Fatalf("re-applying terminal status: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Fatalf("want completed, got %s", job.Status)
	}

	// Moving away from a terminal state is rejected.
	if _, err := tr.UpdateStatus("j1", StatusProcessing, Update{}); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("want ErrTerminalState, got %v", err)
	}
	if _, err := tr.UpdateStatus("j1", StatusFailed, Update{}); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("want ErrTerminalState, got %v", err)
	}
	if got := tr.GetJob("j1"); got.Status != StatusCompleted {
		t.Fatalf("terminal state changed to %s", got.Status)
	}
}

func TestTracker_UpdateUnknownJob(t *testing.T) {
	tr := NewTracker(time.Hour)
	if _, err := tr.UpdateStatus("nope", StatusProcessing, Update{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestTracker_GetJobsByUserNewestFirst(t *testing.T) {
	tr := NewTracker(time.Hour)
	tr.CreateJob("j1", "u1", "", 1, nil)
	time.Sleep(time.Millisecond)
	tr.CreateJob("j2", "u1", "", 1, nil)
	time.Sleep(time.Millisecond)
	tr.CreateJob("j3", "u2", "", 1, nil)

	got := tr.GetJobsByUser("u1")
	if len(got) != 2 {
		t.Fatalf("want 2 jobs, got %d", len(got))
	}
	if got[0].ID != "j2" || got[1].ID != "j1" {
		t.Fatalf("want newest first, got %s, %s", got[0].ID, got[1].ID)
	}
}

func TestTracker_IsOwner(t *testing.T) {
	tr := NewTracker(time.Hour)
	tr.CreateJob("j1", "u1", "", 1, nil)

	if !tr.IsOwner("j1", "u1") {
		t.Fatal("u1 should own j1")
	}
	if tr.IsOwner("j1", "u2") {
		t.Fatal("u2 should not own j1")
	}
	if tr.IsOwner("missing", "u1") {
		t.Fatal("unknown job has no owner")
	}
}

func TestTracker_Stats(t *testing.T) {
	tr := NewTracker(time.Hour)
	tr.CreateJob("j1", "u1", "", 1, nil)
	tr.CreateJob("j2", "u1", "", 1, nil)
	tr.UpdateStatus("j2", StatusProcessing, Update{})
	tr.CreateJob("j3", "u1", "", 1, nil)
	tr.UpdateStatus("j3", StatusFailed, Update{ErrorMessage: "x"})

	s := tr.GetStats()
	if s.Total != 3 || s.Queued != 1 || s.Processing != 1 || s.Failed != 1 || s.Completed != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestTracker_EvictTerminal(t *testing.T) {
	tr := NewTracker(10 * time.Millisecond)
	tr.CreateJob("done", "u1", "", 1, nil)
	tr.UpdateStatus("done", StatusProcessing, Update{})
	tr.UpdateStatus("done", StatusCompleted, Update{})
	tr.CreateJob("live", "u1", "", 1, nil)

	time.Sleep(20 * time.Millisecond)
	if n := tr.EvictTerminal(); n != 1 {
		t.Fatalf("want 1 eviction, got %d", n)
	}
	if tr.GetJob("done") != nil {
		t.Fatal("terminal job should be evicted")
	}
	if tr.GetJob("live") == nil {
		t.Fatal("non-terminal job must survive eviction")
	}
}

func TestTracker_Reset(t *testing.T) {
	tr := NewTracker(time.Hour)
	tr.CreateJob("j1", "u1", "", 1, nil)
	tr.UpdateStatus("j1", StatusProcessing, Update{ResultID: strp("r1")})
	tr.UpdateStatus("j1", StatusFailed, Update{ErrorMessage: "boom"})

	job, err := tr.Reset("j1", "u1", "", 3, []byte(`{"again":true}`))
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if job.Status != StatusQueued || job.Progress != 0 || job.ErrorMessage != "" || job.ResultID != nil {
		t.Fatalf("reset did not restore initial state: %+v", job)
	}
	if job.Cost != 3 {
		t.Fatalf("want cost 3, got %d", job.Cost)
	}

	// Reset of an evicted job recreates the entry.
	tr2 := NewTracker(time.Hour)
	job, err = tr2.Reset("gone", "u1", "", 1, nil)
	if err != nil {
		t.Fatalf("Reset of unknown job: %v", err)
	}
	if job.Status != StatusQueued {
		t.Fatalf("want queued, got %s", job.Status)
	}
}
