package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// PipelineRepo — репозиторий pipelines. Шаги хранятся в JSONB.
type PipelineRepo struct {
	pool *pgxpool.Pool
}

// NewPipelineRepo создаёт новый PipelineRepo.
func NewPipelineRepo(pool *pgxpool.Pool) *PipelineRepo {
	return &PipelineRepo{pool: pool}
}

// CreatePipeline создаёт pipeline.
func (r *PipelineRepo) CreatePipeline(ctx context.Context, p *domain.Pipeline) error {
	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	query := `
		INSERT INTO pipelines (id, name, steps)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`
	err = r.pool.QueryRow(ctx, query, p.ID, p.Name, stepsJSON).Scan(&p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: pipeline %s", ErrAlreadyExists, p.ID)
	}
	if err != nil {
		return fmt.Errorf("insert pipeline: %w", err)
	}
	return nil
}

// GetPipeline возвращает pipeline по ID.
func (r *PipelineRepo) GetPipeline(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error) {
	query := `
		SELECT id, name, steps, created_at, updated_at
		FROM pipelines
		WHERE id = $1
	`
	return scanPipeline(r.pool.QueryRow(ctx, query, id))
}

// ListPipelines возвращает все pipelines, новые первыми.
func (r *PipelineRepo) ListPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	query := `
		SELECT id, name, steps, created_at, updated_at
		FROM pipelines
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []domain.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, *p)
	}
	return pipelines, rows.Err()
}

// DeletePipeline удаляет pipeline. Flows удаляются каскадно (FK ON DELETE CASCADE).
func (r *PipelineRepo) DeletePipeline(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanPipeline сканирует строку в Pipeline. pgx.Row покрывает и pgx.Rows.
func scanPipeline(row pgx.Row) (*domain.Pipeline, error) {
	var p domain.Pipeline
	var stepsJSON []byte

	err := row.Scan(&p.ID, &p.Name, &stepsJSON, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pipeline: %w", err)
	}

	if err := json.Unmarshal(stepsJSON, &p.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return &p, nil
}
