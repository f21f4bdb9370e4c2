package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// TriggerRepo — durable backend повторяющихся триггеров (таблица triggers).
type TriggerRepo struct {
	pool *pgxpool.Pool
}

// NewTriggerRepo создаёт новый TriggerRepo.
func NewTriggerRepo(pool *pgxpool.Pool) *TriggerRepo {
	return &TriggerRepo{pool: pool}
}

// ScheduleRecurring регистрирует триггер. Повторный вызов с тем же key
// заменяет интервал и следующее срабатывание, дубликат не создаётся.
func (r *TriggerRepo) ScheduleRecurring(ctx context.Context, start time.Time, interval time.Duration, key string, payload domain.TriggerPayload) error {
	sec := int64(interval / time.Second)
	if sec <= 0 {
		return fmt.Errorf("%w: interval %s", ErrInvalidState, interval)
	}

	query := `
		INSERT INTO triggers (key, flow_id, interval_sec, next_due_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET flow_id = EXCLUDED.flow_id,
		    interval_sec = EXCLUDED.interval_sec,
		    next_due_at = EXCLUDED.next_due_at,
		    updated_at = NOW()
	`
	if _, err := r.pool.Exec(ctx, query, key, payload.FlowID, sec, start); err != nil {
		return fmt.Errorf("schedule trigger: %w", err)
	}
	return nil
}

// Unschedule снимает триггер. Отсутствующий триггер — не ошибка.
func (r *TriggerRepo) Unschedule(ctx context.Context, key string, payload domain.TriggerPayload) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM triggers WHERE key = $1 AND flow_id = $2`, key, payload.FlowID); err != nil {
		return fmt.Errorf("unschedule trigger: %w", err)
	}
	return nil
}

// NextScheduled возвращает время следующего срабатывания.
func (r *TriggerRepo) NextScheduled(ctx context.Context, key string, payload domain.TriggerPayload) (time.Time, bool, error) {
	var next time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT next_due_at FROM triggers WHERE key = $1 AND flow_id = $2`,
		key, payload.FlowID,
	).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next scheduled: %w", err)
	}
	return next, true, nil
}

// ClaimDue выбирает сработавшие триггеры и сдвигает next_due_at на
// interval от now. FOR UPDATE SKIP LOCKED не даёт двум тикам забрать
// один триггер.
func (r *TriggerRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Trigger, error) {
	query := `
		UPDATE triggers t
		SET next_due_at = $1::timestamptz + make_interval(secs => t.interval_sec),
		    updated_at = NOW()
		FROM (
			SELECT key FROM triggers
			WHERE next_due_at <= $1
			ORDER BY next_due_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) due
		WHERE t.key = due.key
		RETURNING t.key, t.flow_id, t.interval_sec, t.next_due_at
	`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due triggers: %w", err)
	}
	defer rows.Close()

	var triggers []domain.Trigger
	for rows.Next() {
		var t domain.Trigger
		var sec int64
		if err := rows.Scan(&t.Key, &t.Payload.FlowID, &sec, &t.NextDueAt); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		t.Interval = time.Duration(sec) * time.Second
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}
