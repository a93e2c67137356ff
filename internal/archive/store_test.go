package archive

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gradeflow/gradeflow/internal/jobs"
)

const createSchemaSQL = `
CREATE TABLE jobs (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    user_email    TEXT NOT NULL,
    status        TEXT NOT NULL,
    progress      INTEGER NOT NULL DEFAULT 0,
    result_id     TEXT,
    error_message TEXT,
    cost          INTEGER NOT NULL,
    payload       TEXT NOT NULL,
    created_at    DATETIME NOT NULL,
    updated_at    DATETIME NOT NULL
);
CREATE TABLE results (
    id            TEXT PRIMARY KEY,
    job_id        TEXT NOT NULL,
    status        TEXT NOT NULL,
    input         TEXT NOT NULL,
    output        TEXT,
    error_message TEXT,
    created_at    DATETIME NOT NULL,
    updated_at    DATETIME NOT NULL
);
`

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(createSchemaSQL); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return NewSQLStore(db)
}

func testJobRecord(id string) *JobRecord {
	now := time.Now().UTC()
	return &JobRecord{
		ID:        id,
		UserID:    "u1",
		UserEmail: "u1@example.com",
		Status:    jobs.StatusQueued,
		Cost:      1,
		Payload:   `{"task":"assess"}`,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSQLStore_JobLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := testJobRecord("j1")
	if err := store.CreateJob(ctx, rec); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := store.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != jobs.StatusQueued || got.UserID != "u1" || got.Payload != `{"task":"assess"}` {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.ResultID != nil || got.ErrorMessage != nil {
		t.Fatalf("nullable fields should be nil: %+v", got)
	}

	resultID := "r1"
	errMsg := "boom"
	got.Status = jobs.StatusFailed
	got.ResultID = &resultID
	got.ErrorMessage = &errMsg
	if err := store.UpdateJob(ctx, got); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	got, err = store.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob after update: %v", err)
	}
	if got.Status != jobs.StatusFailed || got.ResultID == nil || *got.ResultID != "r1" {
		t.Fatalf("update not persisted: %+v", got)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "boom" {
		t.Fatalf("unexpected error message: %+v", got.ErrorMessage)
	}
}

func TestSQLStore_JobNotFound(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := store.UpdateJob(ctx, testJobRecord("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound on update, got %v", err)
	}
}

func TestSQLStore_ResultLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	rec := &ResultRecord{
		ID:        "r1",
		JobID:     "j1",
		Status:    jobs.StatusQueued,
		Input:     `{"task":"assess"}`,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateResult(ctx, rec); err != nil {
		t.Fatalf("CreateResult: %v", err)
	}

	output := `{"score":95}`
	rec.Status = jobs.StatusCompleted
	rec.Output = &output
	if err := store.UpdateResult(ctx, rec); err != nil {
		t.Fatalf("UpdateResult: %v", err)
	}

	got, err := store.GetResult(ctx, "r1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got.Status != jobs.StatusCompleted || got.Output == nil || *got.Output != output {
		t.Fatalf("unexpected result: %+v", got)
	}
	if got.Input != `{"task":"assess"}` {
		t.Fatalf("input snapshot lost: %q", got.Input)
	}

	if _, err := store.GetResult(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestSQLStore_ListStale(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)

	stuck := testJobRecord("stuck")
	stuck.Status = jobs.StatusProcessing
	stuck.CreatedAt = old
	stuck.UpdatedAt = old
	if err := store.CreateJob(ctx, stuck); err != nil {
		t.Fatalf("CreateJob stuck: %v", err)
	}

	stuckQueued := testJobRecord("stuck-queued")
	stuckQueued.CreatedAt = old
	stuckQueued.UpdatedAt = old
	if err := store.CreateJob(ctx, stuckQueued); err != nil {
		t.Fatalf("CreateJob stuck-queued: %v", err)
	}

	doneOld := testJobRecord("done")
	doneOld.Status = jobs.StatusCompleted
	doneOld.CreatedAt = old
	doneOld.UpdatedAt = old
	if err := store.CreateJob(ctx, doneOld); err != nil {
		t.Fatalf("CreateJob done: %v", err)
	}

	fresh := testJobRecord("fresh")
	if err := store.CreateJob(ctx, fresh); err != nil {
		t.Fatalf("CreateJob fresh: %v", err)
	}

	stale, err := store.ListStale(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("want 2 stale jobs, got %d", len(stale))
	}
	ids := map[string]bool{stale[0].ID: true, stale[1].ID: true}
	if !ids["stuck"] || !ids["stuck-queued"] {
		t.Fatalf("unexpected stale set: %v", ids)
	}
}
