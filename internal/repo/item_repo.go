package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ItemRepo — журнал обработанных элементов (processed_items).
type ItemRepo struct {
	pool *pgxpool.Pool
}

// NewItemRepo создаёт новый ItemRepo.
func NewItemRepo(pool *pgxpool.Pool) *ItemRepo {
	return &ItemRepo{pool: pool}
}

// IsProcessed проверяет, обрабатывался ли элемент этим шагом flow.
func (r *ItemRepo) IsProcessed(ctx context.Context, key ItemKey) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM processed_items
			WHERE flow_id = $1 AND step_id = $2 AND source_type = $3 AND item_identifier = $4
		)
	`
	var exists bool
	err := r.pool.QueryRow(ctx, query, key.FlowID, key.StepID, key.SourceType, key.ItemID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processed item: %w", err)
	}
	return exists, nil
}

// MarkProcessed отмечает элемент обработанным. Повторная отметка — no-op.
func (r *ItemRepo) MarkProcessed(ctx context.Context, key ItemKey, jobID int64) error {
	query := `
		INSERT INTO processed_items (flow_id, step_id, source_type, item_identifier, job_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query, key.FlowID, key.StepID, key.SourceType, key.ItemID, jobID)
	if err != nil {
		return fmt.Errorf("mark processed item: %w", err)
	}
	return nil
}
