package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// gateLockKey — ключ advisory lock, сериализующий допуск jobs.
const gateLockKey int64 = 424243

// JobRepo — репозиторий job records.
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo создаёт новый JobRepo.
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

const jobColumns = `job_id, pipeline_id, flow_id, user_id, status, trigger_type, created_at,
		       started_at, completed_at, current_step_name, error_details, retry_of`

// CreateJob создаёт pending job.
//
// Уникальный частичный индекс jobs_flow_active_uniq гарантирует, что у flow
// не появится второй pending/running job даже при конкурентных вызовах.
func (r *JobRepo) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (pipeline_id, flow_id, user_id, status, trigger_type, retry_of)
		VALUES ($1, $2, $3, 'pending', $4, $5)
		RETURNING job_id, created_at
	`
	err := r.pool.QueryRow(ctx, query,
		job.PipelineID,
		job.FlowID,
		job.UserID,
		job.TriggerType,
		job.RetryOf,
	).Scan(&job.ID, &job.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: active job for flow %s", ErrAlreadyExists, job.FlowID)
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	job.Status = domain.JobStatusPending
	return nil
}

// GetJob возвращает job по ID.
func (r *JobRepo) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`
	return scanJob(r.pool.QueryRow(ctx, query, id))
}

// ListJobs возвращает jobs с фильтрацией, новые первыми.
func (r *JobRepo) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE ($1::uuid IS NULL OR flow_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY job_id DESC
		LIMIT $3 OFFSET $4
	`
	return r.queryJobs(ctx, query, filter.FlowID, nullString(string(filter.Status)), limit, filter.Offset)
}

// ClaimNext допускает самый старый pending job, если есть свободный слот.
//
// Подсчёт running и захват выполняются в одной транзакции под
// pg_advisory_xact_lock, поэтому несколько orchestrator'ов не превысят limit.
func (r *JobRepo) ClaimNext(ctx context.Context, limit int) (*domain.Job, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, gateLockKey); err != nil {
		return nil, fmt.Errorf("gate lock: %w", err)
	}

	var running int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'running'`).Scan(&running); err != nil {
		return nil, fmt.Errorf("count running: %w", err)
	}
	if running >= limit {
		return nil, ErrNoCapacity
	}

	query := `
		UPDATE jobs
		SET status = 'running', started_at = COALESCE(started_at, NOW())
		WHERE job_id = (
			SELECT job_id FROM jobs
			WHERE status = 'pending'
			ORDER BY job_id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns
	job, err := scanJob(tx.QueryRow(ctx, query))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

// CountRunning возвращает число running jobs.
func (r *JobRepo) CountRunning(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'running'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count running: %w", err)
	}
	return n, nil
}

// UpdateCurrentStep обновляет current_step_name running job.
func (r *JobRepo) UpdateCurrentStep(ctx context.Context, id int64, step string) error {
	query := `UPDATE jobs SET current_step_name = $2 WHERE job_id = $1 AND status = 'running'`
	result, err := r.pool.Exec(ctx, query, id, step)
	if err != nil {
		return fmt.Errorf("update current step: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %d is not running", ErrInvalidState, id)
	}
	return nil
}

// FinishJob сохраняет финальный статус running job.
func (r *JobRepo) FinishJob(ctx context.Context, job *domain.Job) error {
	if !job.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidState, job.Status)
	}

	var details []byte
	if job.ErrorDetails != nil {
		var err error
		details, err = json.Marshal(job.ErrorDetails)
		if err != nil {
			return fmt.Errorf("marshal error details: %w", err)
		}
	}

	query := `
		UPDATE jobs
		SET status = $2, completed_at = $3, error_details = $4, current_step_name = $5
		WHERE job_id = $1 AND status = 'running'
	`
	result, err := r.pool.Exec(ctx, query,
		job.ID,
		job.Status,
		job.CompletedAt,
		details,
		nullString(job.CurrentStepName),
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %d is not running", ErrInvalidState, job.ID)
	}
	return nil
}

// ListStuck возвращает running jobs, начатые раньше startedBefore.
func (r *JobRepo) ListStuck(ctx context.Context, startedBefore time.Time) ([]domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'running' AND started_at < $1
		ORDER BY started_at ASC
	`
	return r.queryJobs(ctx, query, startedBefore)
}

// DeleteFinishedBefore удаляет финальные jobs старше before (пакеты — каскадно).
func (r *JobRepo) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE status NOT IN ('pending', 'running') AND completed_at < $1
	`
	result, err := r.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *JobRepo) queryJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// scanJob сканирует строку в Job.
func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var currentStep *string
	var details []byte

	err := row.Scan(
		&job.ID,
		&job.PipelineID,
		&job.FlowID,
		&job.UserID,
		&job.Status,
		&job.TriggerType,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&currentStep,
		&details,
		&job.RetryOf,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if currentStep != nil {
		job.CurrentStepName = *currentStep
	}
	if len(details) > 0 {
		job.ErrorDetails = &domain.ErrorDetails{}
		if err := json.Unmarshal(details, job.ErrorDetails); err != nil {
			return nil, fmt.Errorf("unmarshal error details: %w", err)
		}
	}
	return &job, nil
}
