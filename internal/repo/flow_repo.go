package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// FlowRepo — репозиторий flows.
type FlowRepo struct {
	pool *pgxpool.Pool
}

// NewFlowRepo создаёт новый FlowRepo.
func NewFlowRepo(pool *pgxpool.Pool) *FlowRepo {
	return &FlowRepo{pool: pool}
}

const flowColumns = `id, pipeline_id, name, user_id, schedule_interval, schedule_status,
		       last_run_at, handler_overrides, created_at, updated_at`

// CreateFlow создаёт flow. Несуществующий pipeline — ErrNotFound.
func (r *FlowRepo) CreateFlow(ctx context.Context, f *domain.Flow) error {
	overrides, err := json.Marshal(f.HandlerOverrides)
	if err != nil {
		return fmt.Errorf("marshal overrides: %w", err)
	}
	if f.Scheduling.Interval == "" {
		f.Scheduling.Interval = domain.IntervalManual
	}
	if f.Scheduling.Status == "" {
		f.Scheduling.Status = domain.ScheduleInactive
	}

	query := `
		INSERT INTO flows (id, pipeline_id, name, user_id, schedule_interval, schedule_status, handler_overrides)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err = r.pool.QueryRow(ctx, query,
		f.ID,
		f.PipelineID,
		f.Name,
		f.UserID,
		f.Scheduling.Interval,
		f.Scheduling.Status,
		overrides,
	).Scan(&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: pipeline %s", ErrNotFound, f.PipelineID)
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: flow %s", ErrAlreadyExists, f.ID)
		}
		return fmt.Errorf("insert flow: %w", err)
	}
	return nil
}

// GetFlow возвращает flow по ID.
func (r *FlowRepo) GetFlow(ctx context.Context, id uuid.UUID) (*domain.Flow, error) {
	query := `SELECT ` + flowColumns + ` FROM flows WHERE id = $1`
	return scanFlow(r.pool.QueryRow(ctx, query, id))
}

// ListFlows возвращает flows с фильтрацией по pipeline и владельцу.
func (r *FlowRepo) ListFlows(ctx context.Context, filter FlowFilter) ([]domain.Flow, error) {
	query := `
		SELECT ` + flowColumns + `
		FROM flows
		WHERE ($1::uuid IS NULL OR pipeline_id = $1)
		  AND ($2::bigint IS NULL OR user_id = $2)
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, filter.PipelineID, filter.UserID)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	var flows []domain.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, *f)
	}
	return flows, rows.Err()
}

// DeleteFlow удаляет flow.
func (r *FlowRepo) DeleteFlow(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM flows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateScheduling сохраняет interval и status. last_run_at не трогается.
func (r *FlowRepo) UpdateScheduling(ctx context.Context, id uuid.UUID, s domain.Scheduling) error {
	query := `
		UPDATE flows
		SET schedule_interval = $2, schedule_status = $3, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, id, s.Interval, s.Status)
	if err != nil {
		return fmt.Errorf("update scheduling: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordLastRun фиксирует время срабатывания триггера.
func (r *FlowRepo) RecordLastRun(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := r.pool.Exec(ctx, `UPDATE flows SET last_run_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("record last run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanFlow(row pgx.Row) (*domain.Flow, error) {
	var f domain.Flow
	var overrides []byte

	err := row.Scan(
		&f.ID,
		&f.PipelineID,
		&f.Name,
		&f.UserID,
		&f.Scheduling.Interval,
		&f.Scheduling.Status,
		&f.Scheduling.LastRunAt,
		&overrides,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan flow: %w", err)
	}

	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &f.HandlerOverrides); err != nil {
			return nil, fmt.Errorf("unmarshal overrides: %w", err)
		}
	}
	return &f, nil
}
