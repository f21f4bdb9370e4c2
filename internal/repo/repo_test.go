package repo_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB поднимает Postgres в контейнере и применяет миграции.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("conveyor_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pgContainer.Terminate(ctx)) })

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, repo.RunMigrations(dsn))

	pool, err := repo.NewPool(ctx, dsn, 10)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func seedFlow(t *testing.T, pool *pgxpool.Pool) *domain.Flow {
	t.Helper()
	ctx := context.Background()

	p := &domain.Pipeline{
		ID:   uuid.New(),
		Name: "rss-to-blog",
		Steps: []domain.StepDef{
			{ID: "fetch", Type: domain.StepTypeFetch, Handler: "http_fetch"},
		},
	}
	require.NoError(t, repo.NewPipelineRepo(pool).CreatePipeline(ctx, p))

	f := &domain.Flow{ID: uuid.New(), PipelineID: p.ID, Name: "daily", UserID: 7}
	require.NoError(t, repo.NewFlowRepo(pool).CreateFlow(ctx, f))
	return f
}

func TestPipelineAndFlow_Roundtrip(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	f := seedFlow(t, pool)

	flows := repo.NewFlowRepo(pool)
	got, err := flows.GetFlow(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntervalManual, got.Scheduling.Interval)
	assert.Equal(t, domain.ScheduleInactive, got.Scheduling.Status)
	assert.Nil(t, got.Scheduling.LastRunAt)

	require.NoError(t, flows.UpdateScheduling(ctx, f.ID, domain.Scheduling{Interval: "hourly", Status: domain.ScheduleActive}))
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, flows.RecordLastRun(ctx, f.ID, now))

	got, err = flows.GetFlow(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "hourly", got.Scheduling.Interval)
	assert.True(t, got.Scheduling.IsActive())
	require.NotNil(t, got.Scheduling.LastRunAt)
	assert.True(t, now.Equal(*got.Scheduling.LastRunAt))

	err = flows.CreateFlow(ctx, &domain.Flow{ID: uuid.New(), PipelineID: uuid.New(), Name: "orphan"})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	require.NoError(t, repo.NewPipelineRepo(pool).DeletePipeline(ctx, f.PipelineID))
	_, err = flows.GetFlow(ctx, f.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestJobRepo_SingleFlightConcurrent(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	f := seedFlow(t, pool)
	jobs := repo.NewJobRepo(pool)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job := &domain.Job{PipelineID: f.PipelineID, FlowID: f.ID, TriggerType: domain.TriggerManual}
			err := jobs.CreateJob(ctx, job)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, repo.ErrAlreadyExists):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 9, conflicts)
}

func TestJobRepo_ClaimNextRespectsCeiling(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	jobs := repo.NewJobRepo(pool)

	var ids []int64
	for range 3 {
		f := seedFlow(t, pool)
		job := &domain.Job{PipelineID: f.PipelineID, FlowID: f.ID, TriggerType: domain.TriggerScheduled}
		require.NoError(t, jobs.CreateJob(ctx, job))
		ids = append(ids, job.ID)
	}

	first, err := jobs.ClaimNext(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, ids[0], first.ID)
	assert.Equal(t, domain.JobStatusRunning, first.Status)
	require.NotNil(t, first.StartedAt)

	second, err := jobs.ClaimNext(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, ids[1], second.ID)

	_, err = jobs.ClaimNext(ctx, 2)
	assert.ErrorIs(t, err, repo.ErrNoCapacity)

	require.NoError(t, first.Finish(domain.JobStatusCompleted, nil, time.Now()))
	require.NoError(t, jobs.FinishJob(ctx, first))

	third, err := jobs.ClaimNext(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, ids[2], third.ID)

	require.NoError(t, third.Finish(domain.JobStatusFailed, &domain.ErrorDetails{Cause: "boom"}, time.Now()))
	require.NoError(t, jobs.FinishJob(ctx, third))
	_, err = jobs.ClaimNext(ctx, 5)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	// Повторный finish не перезаписывает финальный статус.
	assert.ErrorIs(t, jobs.FinishJob(ctx, first), repo.ErrInvalidState)

	got, err := jobs.GetJob(ctx, third.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorDetails)
	assert.Equal(t, "boom", got.ErrorDetails.Cause)
}

func TestJobRepo_StuckAndRetention(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	jobs := repo.NewJobRepo(pool)
	f := seedFlow(t, pool)

	job := &domain.Job{PipelineID: f.PipelineID, FlowID: f.ID, TriggerType: domain.TriggerManual}
	require.NoError(t, jobs.CreateJob(ctx, job))
	_, err := jobs.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, jobs.UpdateCurrentStep(ctx, job.ID, "fetch"))

	stuck, err := jobs.ListStuck(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "fetch", stuck[0].CurrentStepName)

	stuck, err = jobs.ListStuck(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stuck)

	require.NoError(t, repo.NewPacketRepo(pool).AppendPackets(ctx, job.ID, 0, []domain.DataPacket{
		domain.NewPacket(domain.PacketTypeFetch, "rss", "t", "b"),
	}))

	finished, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, finished.Finish(domain.JobStatusCompleted, nil, time.Now()))
	require.NoError(t, jobs.FinishJob(ctx, finished))

	n, err := jobs.DeleteFinishedBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	packets, err := repo.NewPacketRepo(pool).ListPackets(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, packets)
}

func TestPacketRepo_AppendIsIdempotent(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	f := seedFlow(t, pool)
	jobs := repo.NewJobRepo(pool)
	packets := repo.NewPacketRepo(pool)

	job := &domain.Job{PipelineID: f.PipelineID, FlowID: f.ID, TriggerType: domain.TriggerManual}
	require.NoError(t, jobs.CreateJob(ctx, job))

	p, err := domain.NewPacket(domain.PacketTypeFetch, "rss", "Title", "Body").
		WithMetadata(domain.MetaSourceURL, "https://example.com/1")
	require.NoError(t, err)

	require.NoError(t, packets.AppendPackets(ctx, job.ID, 0, []domain.DataPacket{p.WithStep("fetch")}))
	require.NoError(t, packets.AppendPackets(ctx, job.ID, 0, []domain.DataPacket{p.WithStep("fetch")}))

	got, err := packets.ListPackets(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "https://example.com/1", got[0].MetaString(domain.MetaSourceURL))
	assert.Equal(t, []string{"fetch"}, got[0].History)
}

func TestItemRepo_MarkProcessed(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	items := repo.NewItemRepo(pool)

	key := repo.ItemKey{FlowID: uuid.New(), StepID: "fetch", SourceType: "rss", ItemID: "https://example.com/1"}
	ok, err := items.IsProcessed(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, items.MarkProcessed(ctx, key, 1))
	require.NoError(t, items.MarkProcessed(ctx, key, 2))

	ok, err = items.IsProcessed(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTriggerRepo_ScheduleAndClaim(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	triggers := repo.NewTriggerRepo(pool)

	flowID := uuid.New()
	key := domain.TriggerKey(flowID)
	payload := domain.TriggerPayload{FlowID: flowID}
	start := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, triggers.ScheduleRecurring(ctx, start, time.Hour, key, payload))
	// Повторная регистрация заменяет триггер, а не дублирует.
	require.NoError(t, triggers.ScheduleRecurring(ctx, start, time.Hour, key, payload))

	next, ok, err := triggers.NextScheduled(ctx, key, payload)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, start.Equal(next))

	due, err := triggers.ClaimDue(ctx, start.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, flowID, due[0].Payload.FlowID)
	assert.Equal(t, time.Hour, due[0].Interval)
	assert.True(t, start.Add(time.Second+time.Hour).Equal(due[0].NextDueAt))

	due, err = triggers.ClaimDue(ctx, start.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, triggers.Unschedule(ctx, key, payload))
	_, ok, err = triggers.NextScheduled(ctx, key, payload)
	require.NoError(t, err)
	assert.False(t, ok)
}
