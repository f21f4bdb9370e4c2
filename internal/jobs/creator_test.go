package jobs_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/jobs"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/repo/memory"
)

type recordingNotifier struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (n *recordingNotifier) PublishJobPending(_ context.Context, jobID int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, jobID)
	return n.err
}

type setup struct {
	store    *memory.Store
	creator  *jobs.Creator
	notifier *recordingNotifier
	pipeline *domain.Pipeline
	flow     *domain.Flow
}

func newSetup(t *testing.T) *setup {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	pipeline := &domain.Pipeline{
		ID:    uuid.New(),
		Name:  "rss-to-blog",
		Steps: []domain.StepDef{{ID: "fetch", Type: domain.StepTypeFetch, Handler: "http_fetch"}},
	}
	require.NoError(t, store.CreatePipeline(ctx, pipeline))

	flow := &domain.Flow{ID: uuid.New(), PipelineID: pipeline.ID, Name: "blog", UserID: 7}
	require.NoError(t, store.CreateFlow(ctx, flow))

	notifier := &recordingNotifier{}
	creator := jobs.NewCreator(jobs.Config{
		Pipelines: store,
		Flows:     store,
		Jobs:      store,
		Notifier:  notifier,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &setup{store: store, creator: creator, notifier: notifier, pipeline: pipeline, flow: flow}
}

func TestCreate_Success(t *testing.T) {
	s := newSetup(t)

	job, err := s.creator.Create(context.Background(), jobs.CreateRequest{
		FlowID:  s.flow.ID,
		Trigger: domain.TriggerManual,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, s.pipeline.ID, job.PipelineID)
	assert.Equal(t, int64(7), job.UserID)
	assert.Equal(t, domain.TriggerManual, job.TriggerType)
	assert.Equal(t, []int64{job.ID}, s.notifier.ids)
}

func TestCreate_ValidationErrors(t *testing.T) {
	s := newSetup(t)
	ctx := context.Background()

	empty := &domain.Pipeline{ID: uuid.New(), Name: "empty"}
	require.NoError(t, s.store.CreatePipeline(ctx, empty))
	emptyFlow := &domain.Flow{ID: uuid.New(), PipelineID: empty.ID, Name: "empty"}
	require.NoError(t, s.store.CreateFlow(ctx, emptyFlow))

	tests := []struct {
		name string
		req  jobs.CreateRequest
		want error
	}{
		{
			name: "unknown flow",
			req:  jobs.CreateRequest{FlowID: uuid.New(), Trigger: domain.TriggerManual},
			want: jobs.ErrFlowNotFound,
		},
		{
			name: "pipeline mismatch",
			req:  jobs.CreateRequest{PipelineID: empty.ID, FlowID: s.flow.ID, Trigger: domain.TriggerManual},
			want: jobs.ErrFlowPipelineMismatch,
		},
		{
			name: "empty pipeline",
			req:  jobs.CreateRequest{FlowID: emptyFlow.ID, Trigger: domain.TriggerScheduled},
			want: jobs.ErrEmptyPipeline,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.creator.Create(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	jobsList, err := s.store.ListJobs(ctx, repo.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobsList, "rejected requests must not create jobs")
}

func TestCreate_SingleFlight(t *testing.T) {
	s := newSetup(t)
	ctx := context.Background()

	_, err := s.creator.Create(ctx, jobs.CreateRequest{FlowID: s.flow.ID, Trigger: domain.TriggerScheduled})
	require.NoError(t, err)

	_, err = s.creator.Create(ctx, jobs.CreateRequest{FlowID: s.flow.ID, Trigger: domain.TriggerManual})
	assert.ErrorIs(t, err, jobs.ErrFlowBusy)
}

func TestCreate_ConcurrentTriggers(t *testing.T) {
	s := newSetup(t)
	ctx := context.Background()

	const callers = 20
	var created, busy atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			trigger := domain.TriggerManual
			if i%2 == 0 {
				trigger = domain.TriggerScheduled
			}
			_, err := s.creator.Create(ctx, jobs.CreateRequest{FlowID: s.flow.ID, Trigger: trigger})
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, jobs.ErrFlowBusy):
				busy.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(callers-1), busy.Load())
}

func TestCreate_NotifierFailureIsNotFatal(t *testing.T) {
	s := newSetup(t)
	s.notifier.err = errors.New("broker down")

	job, err := s.creator.Create(context.Background(), jobs.CreateRequest{FlowID: s.flow.ID, Trigger: domain.TriggerManual})
	require.NoError(t, err)

	stored, err := s.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, stored.Status)
}

func TestCreate_AfterFinishAllowsNextJob(t *testing.T) {
	s := newSetup(t)
	ctx := context.Background()

	first, err := s.creator.Create(ctx, jobs.CreateRequest{FlowID: s.flow.ID, Trigger: domain.TriggerManual})
	require.NoError(t, err)

	running, err := s.store.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, first.ID, running.ID)
	require.NoError(t, running.Finish(domain.JobStatusCompleted, nil, time.Now()))
	require.NoError(t, s.store.FinishJob(ctx, running))

	second, err := s.creator.Create(ctx, jobs.CreateRequest{FlowID: s.flow.ID, Trigger: domain.TriggerScheduled})
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)
}

func TestRetry(t *testing.T) {
	s := newSetup(t)
	ctx := context.Background()

	first, err := s.creator.Create(ctx, jobs.CreateRequest{FlowID: s.flow.ID, Trigger: domain.TriggerScheduled})
	require.NoError(t, err)

	_, err = s.creator.Retry(ctx, first.ID)
	assert.ErrorIs(t, err, jobs.ErrJobNotFinished)

	running, err := s.store.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, running.Finish(domain.JobStatusFailed, &domain.ErrorDetails{Cause: "boom"}, time.Now()))
	require.NoError(t, s.store.FinishJob(ctx, running))

	retry, err := s.creator.Retry(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TriggerManual, retry.TriggerType)
	require.NotNil(t, retry.RetryOf)
	assert.Equal(t, first.ID, *retry.RetryOf)

	_, err = s.creator.Retry(ctx, 9999)
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
}
