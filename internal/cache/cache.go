// Package cache — Redis-кэш снимков завершённых jobs и счётчики rate limit.
//
// Кэш не является источником истины: при промахе читатели идут в PostgreSQL.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisCache — кэш поверх go-redis. Безопасен для конкурентного использования.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache создаёт кэш по Redis URL. ttl — время жизни снимков jobs.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: redis.NewClient(opts), ttl: ttl}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// snapshot — представление job в кэше.
type snapshot struct {
	ID              int64                `msgpack:"id"`
	PipelineID      string               `msgpack:"pipeline_id"`
	FlowID          string               `msgpack:"flow_id"`
	UserID          int64                `msgpack:"user_id"`
	Status          string               `msgpack:"status"`
	TriggerType     string               `msgpack:"trigger_type"`
	CreatedAt       time.Time            `msgpack:"created_at"`
	StartedAt       *time.Time           `msgpack:"started_at,omitempty"`
	CompletedAt     *time.Time           `msgpack:"completed_at,omitempty"`
	CurrentStepName string               `msgpack:"current_step,omitempty"`
	ErrorDetails    *domain.ErrorDetails `msgpack:"error_details,omitempty"`
	RetryOf         *int64               `msgpack:"retry_of,omitempty"`
}

// WriteSnapshot сохраняет снимок job. Пишутся только завершённые jobs:
// снимок running job устарел бы к моменту чтения.
func (c *RedisCache) WriteSnapshot(ctx context.Context, job *domain.Job) error {
	if !job.IsFinished() {
		return fmt.Errorf("job %d is not finished", job.ID)
	}
	data, err := msgpack.Marshal(snapshot{
		ID:              job.ID,
		PipelineID:      job.PipelineID.String(),
		FlowID:          job.FlowID.String(),
		UserID:          job.UserID,
		Status:          string(job.Status),
		TriggerType:     string(job.TriggerType),
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		CurrentStepName: job.CurrentStepName,
		ErrorDetails:    job.ErrorDetails,
		RetryOf:         job.RetryOf,
	})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return c.client.Set(ctx, JobSnapshotKey(job.ID), data, c.ttl).Err()
}

// ReadSnapshot читает снимок job. found=false при промахе.
func (c *RedisCache) ReadSnapshot(ctx context.Context, jobID int64) (*domain.Job, bool, error) {
	data, err := c.client.Get(ctx, JobSnapshotKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var s snapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, false, fmt.Errorf("decode snapshot %d: %w", jobID, err)
	}
	job, err := s.job()
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (s snapshot) job() (*domain.Job, error) {
	pipelineID, err := uuid.Parse(s.PipelineID)
	if err != nil {
		return nil, err
	}
	flowID, err := uuid.Parse(s.FlowID)
	if err != nil {
		return nil, err
	}
	return &domain.Job{
		ID:              s.ID,
		PipelineID:      pipelineID,
		FlowID:          flowID,
		UserID:          s.UserID,
		Status:          domain.JobStatus(s.Status),
		TriggerType:     domain.TriggerType(s.TriggerType),
		CreatedAt:       s.CreatedAt,
		StartedAt:       s.StartedAt,
		CompletedAt:     s.CompletedAt,
		CurrentStepName: s.CurrentStepName,
		ErrorDetails:    s.ErrorDetails,
		RetryOf:         s.RetryOf,
	}, nil
}

// IncrWithExpiry увеличивает счётчик key и продлевает его жизнь на expiry.
func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
