package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/gymhub/backend/internal/models"
)

var (
	// ErrJobNotFound is returned when a job is not found in the database
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotCancellable is returned when a job is processing or already finished.
	ErrJobNotCancellable = errors.New("job cannot be cancelled")
)

const jobColumns = `id, job_type, payload, status, priority, attempts, max_attempts,
		       created_at, updated_at, scheduled_for, last_error, retry_after,
		       processed_at, completed_at, worker_id, metadata`

const jobPriorityOrder = `CASE priority
				WHEN 'critical' THEN 4
				WHEN 'high' THEN 3
				WHEN 'normal' THEN 2
				WHEN 'low' THEN 1
			END DESC,
			created_at ASC`

// JobStore provides database operations for the notification job queue.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a new JobStore instance
func NewJobStore(db *sql.DB) (*JobStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &JobStore{db: db}, nil
}

// Enqueue creates a new job in the queue and writes back its id and timestamps.
func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.IsValid(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	status := models.JobStatusPending
	if job.Status != "" {
		status = job.Status
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO jobs (job_type, payload, status, priority, max_attempts, scheduled_for, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		job.JobType,
		job.Payload,
		status,
		job.Priority,
		job.MaxAttempts,
		job.ScheduledFor,
		job.Metadata,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	job.Status = status

	return nil
}

// GetByID retrieves a job by its ID
func (s *JobStore) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return job, nil
}

// ClaimNextJob atomically claims the next available job for processing.
// It returns nil, nil when the queue is empty.
func (s *JobStore) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'processing',
		    worker_id = $1,
		    processed_at = NOW(),
		    updated_at = NOW(),
		    attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND (scheduled_for IS NULL OR scheduled_for <= NOW())
			  AND (retry_after IS NULL OR retry_after <= NOW())
			ORDER BY ` + jobPriorityOrder + `
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRowContext(ctx, query, workerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// MarkCompleted marks a job as successfully completed
func (s *JobStore) MarkCompleted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed',
		    completed_at = NOW(),
		    updated_at = NOW(),
		    worker_id = NULL
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

// MarkFailed marks a job as permanently failed. The row and its last_error
// are the failure log for that notice.
func (s *JobStore) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    last_error = $2,
		    updated_at = NOW(),
		    worker_id = NULL
		WHERE id = $1`, id, errorMsg)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// ScheduleRetry puts a job back to pending, not claimable before retryAfter.
func (s *JobStore) ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending',
		    last_error = $2,
		    retry_after = $3,
		    updated_at = NOW(),
		    worker_id = NULL
		WHERE id = $1`, id, errorMsg, retryAfter)
	if err != nil {
		return fmt.Errorf("schedule job retry: %w", err)
	}
	return nil
}

// CancelJob marks a pending or failed job as cancelled.
func (s *JobStore) CancelJob(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'cancelled',
		    updated_at = NOW(),
		    worker_id = NULL
		WHERE id = $1 AND status IN ('pending', 'failed')`, id)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if affected == 0 {
		return ErrJobNotCancellable
	}
	return nil
}

// ReleaseJob releases a processing job back to pending (for graceful shutdown).
// The claim attempt is refunded so a shutdown does not burn a retry.
func (s *JobStore) ReleaseJob(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending',
		    worker_id = NULL,
		    attempts = GREATEST(attempts - 1, 0),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

// GetStats returns statistics about the job queue
func (s *JobStore) GetStats(ctx context.Context) (*models.JobStats, error) {
	stats := &models.JobStats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled,
			COUNT(*) AS total
		FROM jobs`).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&stats.Total,
	)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return stats, nil
}

// ListProcessingJobs returns all jobs currently being processed
func (s *JobStore) ListProcessingJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'processing'
		ORDER BY processed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list processing jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListPendingJobs returns claimable jobs in claim order.
func (s *JobStore) ListPendingJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'pending'
		  AND (scheduled_for IS NULL OR scheduled_for <= NOW())
		  AND (retry_after IS NULL OR retry_after <= NOW())
		ORDER BY `+jobPriorityOrder+`
		LIMIT $1`, pageSize(limit))
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListFailedJobs returns jobs that exhausted their attempts, newest first.
func (s *JobStore) ListFailedJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'failed'
		ORDER BY updated_at DESC
		LIMIT $1`, pageSize(limit))
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// CleanupOldJobs removes completed and cancelled jobs older than olderThan.
// Failed jobs are kept as the delivery failure log.
func (s *JobStore) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'cancelled')
		  AND updated_at < NOW() - INTERVAL '1 second' * $1`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}

	affected, _ := result.RowsAffected()
	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	var payloadJSON, metadataJSON []byte

	if err := row.Scan(
		&job.ID,
		&job.JobType,
		&payloadJSON,
		&job.Status,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.ScheduledFor,
		&job.LastError,
		&job.RetryAfter,
		&job.ProcessedAt,
		&job.CompletedAt,
		&job.WorkerID,
		&metadataJSON,
	); err != nil {
		return nil, err
	}

	if len(payloadJSON) > 0 {
		job.Payload = make(models.JSONB)
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		job.Metadata = make(models.JSONB)
		if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	return job, nil
}

func scanJobs(rows *sql.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}
