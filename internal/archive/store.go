package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gradeflow/gradeflow/internal/jobs"
)

// SQLStore implements Store over database/sql.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// CreateJob inserts a new job record.
func (s *SQLStore) CreateJob(ctx context.Context, rec *JobRecord) error {
	query := `
		INSERT INTO jobs (id, user_id, user_email, status, progress, result_id, error_message, cost, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.UserID, rec.UserEmail, rec.Status, rec.Progress,
		rec.ResultID, rec.ErrorMessage, rec.Cost, rec.Payload, rec.CreatedAt, rec.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create job record: %w", err)
	}
	return nil
}

// UpdateJob overwrites the mutable fields of a job record.
func (s *SQLStore) UpdateJob(ctx context.Context, rec *JobRecord) error {
	query := `
		UPDATE jobs
		SET status = $1, progress = $2, result_id = $3, error_message = $4, updated_at = $5
		WHERE id = $6
	`

	rec.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, query,
		rec.Status, rec.Progress, rec.ResultID, rec.ErrorMessage, rec.UpdatedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update job record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJob retrieves a job record by ID.
func (s *SQLStore) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	query := `
		SELECT id, user_id, user_email, status, progress, result_id, error_message, cost, payload, created_at, updated_at
		FROM jobs WHERE id = $1
	`

	rec := &JobRecord{}
	var resultID, errorMessage sql.NullString

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.UserID, &rec.UserEmail, &rec.Status, &rec.Progress,
		&resultID, &errorMessage, &rec.Cost, &rec.Payload, &rec.CreatedAt, &rec.UpdatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job record: %w", err)
	}

	if resultID.Valid {
		rec.ResultID = &resultID.String
	}
	if errorMessage.Valid {
		rec.ErrorMessage = &errorMessage.String
	}
	return rec, nil
}

// CreateResult inserts a new result record.
func (s *SQLStore) CreateResult(ctx context.Context, rec *ResultRecord) error {
	query := `
		INSERT INTO results (id, job_id, status, input, output, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.JobID, rec.Status, rec.Input, rec.Output, rec.ErrorMessage,
		rec.CreatedAt, rec.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create result record: %w", err)
	}
	return nil
}

// UpdateResult overwrites the mutable fields of a result record.
func (s *SQLStore) UpdateResult(ctx context.Context, rec *ResultRecord) error {
	query := `
		UPDATE results
		SET status = $1, output = $2, error_message = $3, updated_at = $4
		WHERE id = $5
	`

	rec.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, query,
		rec.Status, rec.Output, rec.ErrorMessage, rec.UpdatedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update result record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetResult retrieves a result record by ID.
func (s *SQLStore) GetResult(ctx context.Context, id string) (*ResultRecord, error) {
	query := `
		SELECT id, job_id, status, input, output, error_message, created_at, updated_at
		FROM results WHERE id = $1
	`

	rec := &ResultRecord{}
	var output, errorMessage sql.NullString

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.JobID, &rec.Status, &rec.Input, &output, &errorMessage,
		&rec.CreatedAt, &rec.UpdatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get result record: %w", err)
	}

	if output.Valid {
		rec.Output = &output.String
	}
	if errorMessage.Valid {
		rec.ErrorMessage = &errorMessage.String
	}
	return rec, nil
}

// ListStale returns queued or processing jobs not updated since cutoff,
// oldest first.
func (s *SQLStore) ListStale(ctx context.Context, cutoff time.Time) ([]*JobRecord, error) {
	query := `
		SELECT id, user_id, user_email, status, progress, result_id, error_message, cost, payload, created_at, updated_at
		FROM jobs
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, jobs.StatusQueued, jobs.StatusProcessing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale jobs: %w", err)
	}
	defer rows.Close()

	var out []*JobRecord
	for rows.Next() {
		rec := &JobRecord{}
		var resultID, errorMessage sql.NullString

		err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.UserEmail, &rec.Status, &rec.Progress,
			&resultID, &errorMessage, &rec.Cost, &rec.Payload, &rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale job: %w", err)
		}

		if resultID.Valid {
			rec.ResultID = &resultID.String
		}
		if errorMessage.Valid {
			rec.ErrorMessage = &errorMessage.String
		}
		out = append(out, rec)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale jobs: %w", err)
	}
	return out, nil
}
