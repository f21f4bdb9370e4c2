package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/shaiso/Conveyor/internal/api"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/handlers"
	"github.com/shaiso/Conveyor/internal/jobs"
	"github.com/shaiso/Conveyor/internal/repo/memory"
	"github.com/shaiso/Conveyor/internal/scheduler"
)

const pipelineYAML = `
name: rss-to-blog
steps:
  - id: fetch
    type: fetch
    handler: http_fetch
    settings:
      url: https://example.com/items.json
  - id: publish
    type: publish
    handler: webhook
    continue_on_error: true
`

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type countingLimiter struct{ counts map[string]int64 }

func (l *countingLimiter) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	l.counts[key]++
	return l.counts[key], nil
}

type staticSnapshots struct{ jobs map[int64]domain.Job }

func (s *staticSnapshots) ReadSnapshot(_ context.Context, id int64) (*domain.Job, bool, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, false, nil
	}
	return &j, true, nil
}

type env struct {
	store   *memory.Store
	clock   *clock
	limiter *countingLimiter
	snaps   *staticSnapshots
	router  http.Handler
}

type envOption func(*api.Config)

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	clk := &clock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	store.Now = clk.Now

	creator := jobs.NewCreator(jobs.Config{Pipelines: store, Flows: store, Jobs: store, Logger: logger})
	sched := scheduler.New(scheduler.Config{
		Flows:   store,
		Backend: store,
		Creator: creator,
		Logger:  logger,
		Now:     clk.Now,
	})

	e := &env{
		store:   store,
		clock:   clk,
		limiter: &countingLimiter{counts: map[string]int64{}},
		snaps:   &staticSnapshots{jobs: map[int64]domain.Job{}},
	}
	cfg := api.Config{
		Pipelines:    store,
		Flows:        store,
		Jobs:         store,
		Packets:      store,
		Registry:     handlers.DefaultRegistry(logger),
		Creator:      creator,
		Scheduler:    sched,
		Snapshots:    e.snaps,
		Limiter:      e.limiter,
		RunRateLimit: 10,
		StuckTimeout: 6 * time.Hour,
		Logger:       logger,
		Now:          clk.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	e.router = api.NewHandler(cfg).Routes(nil)
	return e
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
	Error api.ErrorDetail `json:"error"`
}

func (e *env) do(t *testing.T, method, path string, body any, header ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func (e *env) pipeline(t *testing.T) api.PipelineResponse {
	t.Helper()
	rec, body := e.do(t, http.MethodPost, "/api/v1/pipelines", pipelineYAML)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[api.PipelineResponse](t, body.Data)
}

func (e *env) flow(t *testing.T, interval string, activate bool) api.FlowResponse {
	t.Helper()
	p := e.pipeline(t)
	rec, body := e.do(t, http.MethodPost, "/api/v1/flows", api.CreateFlowRequest{
		PipelineID: p.ID,
		Name:       "blog",
		UserID:     7,
		Interval:   interval,
		Activate:   activate,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[api.FlowResponse](t, body.Data)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	rec, _ := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	e := newEnv(t, func(c *api.Config) { c.TokenHash = string(hash) })

	rec, body := e.do(t, http.MethodGet, "/api/v1/pipelines", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, api.ErrCodeUnauthorized, body.Error.Code)

	rec, _ = e.do(t, http.MethodGet, "/api/v1/pipelines", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = e.do(t, http.MethodGet, "/api/v1/pipelines", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	// healthz не требует токена
	rec, _ = e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPipelines_CreateGetDelete(t *testing.T) {
	e := newEnv(t)
	p := e.pipeline(t)
	assert.Equal(t, "rss-to-blog", p.Name)
	require.Len(t, p.Steps, 2)
	assert.True(t, p.Steps[1].ContinueOnError)

	rec, body := e.do(t, http.MethodGet, "/api/v1/pipelines/"+p.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, p.ID, decode[api.PipelineResponse](t, body.Data).ID)

	rec, body = e.do(t, http.MethodGet, "/api/v1/pipelines", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, body.Total)

	rec, _ = e.do(t, http.MethodDelete, "/api/v1/pipelines/"+p.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, body = e.do(t, http.MethodGet, "/api/v1/pipelines/"+p.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, api.ErrCodeNotFound, body.Error.Code)
}

func TestPipelines_Rejected(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name string
		doc  string
	}{
		{"garbage", "{not json"},
		{"empty", ""},
		{"no steps", `{"name": "p", "steps": []}`},
		{"unknown handler", `{"name": "p", "steps": [{"id": "a", "type": "fetch", "handler": "ftp"}]}`},
		{"duplicate ids", `{"name": "p", "steps": [
			{"id": "a", "type": "fetch", "handler": "http_fetch"},
			{"id": "a", "type": "publish", "handler": "webhook"}]}`},
		{"no name", `{"steps": [{"id": "a", "type": "fetch", "handler": "http_fetch"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := e.do(t, http.MethodPost, "/api/v1/pipelines", tt.doc)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, api.ErrCodeBadRequest, body.Error.Code)
		})
	}
}

func TestPipelines_Validate(t *testing.T) {
	e := newEnv(t)

	rec, _ := e.do(t, http.MethodPost, "/api/v1/pipelines/validate", pipelineYAML)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := e.do(t, http.MethodGet, "/api/v1/pipelines", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, body.Total)
}

func TestFlows_CreateActivated(t *testing.T) {
	e := newEnv(t)
	f := e.flow(t, "hourly", true)

	assert.Equal(t, "hourly", f.Scheduling.Interval)
	assert.Equal(t, domain.ScheduleActive, f.Scheduling.Status)

	rec, body := e.do(t, http.MethodGet, "/api/v1/flows/"+f.ID.String()+"/next-run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	next := decode[api.NextRunResponse](t, body.Data)
	assert.True(t, next.Scheduled)
	require.NotNil(t, next.NextRunAt)
	assert.True(t, next.NextRunAt.Equal(e.clock.Now().Add(time.Hour)))
}

func TestFlows_CreateRejected(t *testing.T) {
	e := newEnv(t)
	p := e.pipeline(t)

	rec, _ := e.do(t, http.MethodPost, "/api/v1/flows", api.CreateFlowRequest{PipelineID: p.ID, Name: "f", Interval: "fortnightly"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/api/v1/flows", api.CreateFlowRequest{PipelineID: uuid.New(), Name: "f"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/api/v1/flows", api.CreateFlowRequest{
		PipelineID:       p.ID,
		Name:             "f",
		HandlerOverrides: map[string]map[string]any{"nope": {"url": "x"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFlows_ScheduleLifecycle(t *testing.T) {
	e := newEnv(t)
	f := e.flow(t, "daily", false)
	base := "/api/v1/flows/" + f.ID.String()

	rec, body := e.do(t, http.MethodPost, base+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ScheduleActive, decode[api.FlowResponse](t, body.Data).Scheduling.Status)

	rec, body = e.do(t, http.MethodPut, base+"/interval", api.RescheduleRequest{Interval: "every_2_hours"})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[api.FlowResponse](t, body.Data)
	assert.Equal(t, "every_2_hours", got.Scheduling.Interval)
	assert.Equal(t, domain.ScheduleActive, got.Scheduling.Status)

	rec, _ = e.do(t, http.MethodPut, base+"/interval", api.RescheduleRequest{Interval: "sometimes"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = e.do(t, http.MethodPost, base+"/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ScheduleInactive, decode[api.FlowResponse](t, body.Data).Scheduling.Status)
	assert.Empty(t, e.store.Triggers())

	rec, _ = e.do(t, http.MethodPost, "/api/v1/flows/"+uuid.NewString()+"/activate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFlows_DeleteRemovesTrigger(t *testing.T) {
	e := newEnv(t)
	f := e.flow(t, "hourly", true)
	require.Len(t, e.store.Triggers(), 1)

	rec, _ := e.do(t, http.MethodDelete, "/api/v1/flows/"+f.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, e.store.Triggers())

	rec, _ = e.do(t, http.MethodGet, "/api/v1/flows/"+f.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunFlow_SingleFlight(t *testing.T) {
	e := newEnv(t)
	f := e.flow(t, "manual", false)
	path := "/api/v1/flows/" + f.ID.String() + "/run"

	rec, body := e.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decode[api.RunResponse](t, body.Data)
	assert.True(t, run.Success)
	require.NotNil(t, run.Job)
	assert.Equal(t, domain.JobStatusPending, run.Job.Status)
	assert.Equal(t, domain.TriggerManual, run.Job.TriggerType)

	rec, body = e.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	busy := decode[api.RunResponse](t, body.Data)
	assert.False(t, busy.Success)
	assert.NotEmpty(t, busy.Reason)
	assert.Nil(t, busy.Job)
}

func TestRunFlow_RateLimited(t *testing.T) {
	e := newEnv(t, func(c *api.Config) { c.RunRateLimit = 1 })
	f := e.flow(t, "manual", false)
	path := "/api/v1/flows/" + f.ID.String() + "/run"

	rec, _ := e.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec, body := e.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, api.ErrCodeRateLimited, body.Error.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRunFlow_UnknownFlow(t *testing.T) {
	e := newEnv(t)

	rec, _ := e.do(t, http.MethodPost, "/api/v1/flows/"+uuid.NewString()+"/run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/api/v1/flows/not-a-uuid/run", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// runJob создаёт job через API и переводит его в running.
func (e *env) runJob(t *testing.T, f api.FlowResponse) int64 {
	t.Helper()
	rec, body := e.do(t, http.MethodPost, "/api/v1/flows/"+f.ID.String()+"/run", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	run := decode[api.RunResponse](t, body.Data)

	claimed, err := e.store.ClaimNext(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, run.Job.ID, claimed.ID)
	return claimed.ID
}

func TestJobs_ListGetPackets(t *testing.T) {
	e := newEnv(t)
	f := e.flow(t, "manual", false)
	id := e.runJob(t, f)
	ctx := context.Background()

	packets := []domain.DataPacket{domain.NewPacket(domain.PacketTypeFetch, "rss", "Hello", "body")}
	require.NoError(t, e.store.AppendPackets(ctx, id, 0, packets))

	rec, body := e.do(t, http.MethodGet, "/api/v1/jobs?flow_id="+f.ID.String()+"&status=running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, body.Total)

	rec, body = e.do(t, http.MethodGet, "/api/v1/jobs/"+strconv.FormatInt(id, 10), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[api.JobResponse](t, body.Data)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.NotNil(t, job.StartedAt)

	rec, body = e.do(t, http.MethodGet, "/api/v1/jobs/"+strconv.FormatInt(id, 10)+"/packets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]domain.DataPacket](t, body.Data)
	require.Len(t, got, 1)
	assert.Equal(t, "Hello", got[0].Title)

	rec, _ = e.do(t, http.MethodGet, "/api/v1/jobs?status=exploded", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, http.MethodGet, "/api/v1/jobs/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobs_GetFromSnapshot(t *testing.T) {
	e := newEnv(t)
	e.snaps.jobs[77] = domain.Job{ID: 77, Status: domain.JobStatusCompletedNoItems}

	rec, body := e.do(t, http.MethodGet, "/api/v1/jobs/77", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.JobStatusCompletedNoItems, decode[api.JobResponse](t, body.Data).Status)
}

func TestJobs_FailAndRetry(t *testing.T) {
	e := newEnv(t)
	f := e.flow(t, "manual", false)
	id := e.runJob(t, f)
	path := "/api/v1/jobs/" + strconv.FormatInt(id, 10)

	rec, _ := e.do(t, http.MethodPost, path+"/retry", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "running job cannot be retried")

	rec, _ = e.do(t, http.MethodPost, path+"/fail", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "job is not stuck yet")

	e.clock.Advance(7 * time.Hour)

	rec, body := e.do(t, http.MethodGet, "/api/v1/jobs/stuck", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, body.Total)

	rec, body = e.do(t, http.MethodPost, path+"/fail", api.FailJobRequest{Reason: "worker lost"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	failed := decode[api.JobResponse](t, body.Data)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorDetails)
	assert.Equal(t, "worker lost", failed.ErrorDetails.Cause)

	rec, _ = e.do(t, http.MethodPost, path+"/fail", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, body = e.do(t, http.MethodPost, path+"/retry", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	retry := decode[api.JobResponse](t, body.Data)
	assert.NotEqual(t, id, retry.ID)
	require.NotNil(t, retry.RetryOf)
	assert.Equal(t, id, *retry.RetryOf)
	assert.Equal(t, domain.TriggerManual, retry.TriggerType)
}

func TestListHandlers(t *testing.T) {
	e := newEnv(t)

	rec, body := e.do(t, http.MethodGet, "/api/v1/handlers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, body.Total)

	rec, body = e.do(t, http.MethodGet, "/api/v1/handlers?type=fetch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]api.HandlerResponse](t, body.Data)
	require.Len(t, list, 1)
	assert.Equal(t, "fetch/http_fetch", list[0].Key)

	rec, _ = e.do(t, http.MethodGet, "/api/v1/handlers?type=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListIntervals(t *testing.T) {
	e := newEnv(t)

	rec, body := e.do(t, http.MethodGet, "/api/v1/intervals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]api.IntervalResponse](t, body.Data)
	require.NotEmpty(t, list)
	assert.Equal(t, "every_5_minutes", list[0].Slug)
	assert.Equal(t, int64(300), list[0].Seconds)
}

func TestUnknownRoute(t *testing.T) {
	e := newEnv(t)
	rec, body := e.do(t, http.MethodGet, "/api/v1/nothing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, api.ErrCodeNotFound, body.Error.Code)
}
