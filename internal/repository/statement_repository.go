package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/schoolworks/finance-api/internal/models"
)

// StatementRepository manages persistence for statement export jobs.
type StatementRepository struct {
	db *sqlx.DB
}

// NewStatementRepository constructs a StatementRepository.
func NewStatementRepository(db *sqlx.DB) *StatementRepository {
	return &StatementRepository{db: db}
}

// Create inserts a new pending statement job.
func (r *StatementRepository) Create(ctx context.Context, job *models.StatementJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.StatementJobPending
	}
	const query = `INSERT INTO statement_jobs (id, kind, status, params, requested_by, created_at, updated_at)
        VALUES (:id, :kind, :status, :params, :requested_by, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("create statement job: %w", err)
	}
	return nil
}

// FindByID fetches a statement job by ID.
func (r *StatementRepository) FindByID(ctx context.Context, id string) (*models.StatementJob, error) {
	const query = `SELECT id, kind, status, params, file_path, error, requested_by, created_at, updated_at, completed_at
        FROM statement_jobs WHERE id = $1`
	var job models.StatementJob
	if err := r.db.GetContext(ctx, &job, query, id); err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkRunning transitions a job to RUNNING.
func (r *StatementRepository) MarkRunning(ctx context.Context, id string) error {
	const query = "UPDATE statement_jobs SET status = $2, updated_at = $3 WHERE id = $1"
	if _, err := r.db.ExecContext(ctx, query, id, models.StatementJobRunning, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark statement job running: %w", err)
	}
	return nil
}

// MarkCompleted records the generated file and completes the job.
func (r *StatementRepository) MarkCompleted(ctx context.Context, id, filePath string) error {
	now := time.Now().UTC()
	const query = `UPDATE statement_jobs
        SET status = $2, file_path = $3, updated_at = $4, completed_at = $4
        WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, models.StatementJobCompleted, filePath, now); err != nil {
		return fmt.Errorf("mark statement job completed: %w", err)
	}
	return nil
}

// MarkFailed records the failure reason on the job.
func (r *StatementRepository) MarkFailed(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()
	const query = `UPDATE statement_jobs
        SET status = $2, error = $3, updated_at = $4, completed_at = $4
        WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, models.StatementJobFailed, reason, now); err != nil {
		return fmt.Errorf("mark statement job failed: %w", err)
	}
	return nil
}

// ListStale returns completed jobs older than the cutoff, for cleanup.
func (r *StatementRepository) ListStale(ctx context.Context, before time.Time) ([]models.StatementJob, error) {
	const query = `SELECT id, kind, status, params, file_path, error, requested_by, created_at, updated_at, completed_at
        FROM statement_jobs
        WHERE status = $1 AND completed_at < $2`
	jobs := []models.StatementJob{}
	if err := r.db.SelectContext(ctx, &jobs, query, models.StatementJobCompleted, before); err != nil {
		return nil, fmt.Errorf("list stale statement jobs: %w", err)
	}
	return jobs, nil
}

// Delete removes a statement job record.
func (r *StatementRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM statement_jobs WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete statement job: %w", err)
	}
	return nil
}
