package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/handlers"
	"github.com/shaiso/Conveyor/internal/jobs"
	"github.com/shaiso/Conveyor/internal/repo/memory"
)

func newTestServer(t *testing.T) (*Server, *memory.Store, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()

	p := &domain.Pipeline{
		ID:    uuid.New(),
		Name:  "p",
		Steps: []domain.StepDef{{ID: "fetch", Type: domain.StepTypeFetch, Handler: handlers.SlugHTTPFetch}},
	}
	require.NoError(t, store.CreatePipeline(ctx, p))
	f := &domain.Flow{ID: uuid.New(), PipelineID: p.ID, Name: "f", UserID: 3}
	require.NoError(t, store.CreateFlow(ctx, f))

	s := NewServer(Config{
		Creator:  jobs.NewCreator(jobs.Config{Pipelines: store, Flows: store, Jobs: store, Logger: logger}),
		Jobs:     store,
		Registry: handlers.DefaultRegistry(logger),
		Logger:   logger,
	})
	return s, store, f.ID
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func TestRunFlow(t *testing.T) {
	s, _, flowID := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleRunFlow(ctx, call("run_flow", map[string]any{"flow_id": flowID.String()}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var first runResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &first))
	assert.True(t, first.Success)
	require.NotNil(t, first.Job)
	assert.Equal(t, domain.TriggerManual, first.Job.TriggerType)

	res, err = s.handleRunFlow(ctx, call("run_flow", map[string]any{"flow_id": flowID.String()}))
	require.NoError(t, err)
	require.False(t, res.IsError, "busy flow is a soft failure")

	var second runResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &second))
	assert.False(t, second.Success)
	assert.Contains(t, second.Reason, "active job")
}

func TestRunFlow_BadArguments(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleRunFlow(ctx, call("run_flow", map[string]any{"flow_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleRunFlow(ctx, call("run_flow", map[string]any{"flow_id": uuid.NewString()}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestGetAndListJobs(t *testing.T) {
	s, _, flowID := newTestServer(t)
	ctx := context.Background()

	_, err := s.handleRunFlow(ctx, call("run_flow", map[string]any{"flow_id": flowID.String()}))
	require.NoError(t, err)

	res, err := s.handleGetJob(ctx, call("get_job", map[string]any{"job_id": float64(1)}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	var job domain.Job
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &job))
	assert.Equal(t, domain.JobStatusPending, job.Status)

	res, err = s.handleGetJob(ctx, call("get_job", map[string]any{"job_id": float64(42)}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleListJobs(ctx, call("list_jobs", map[string]any{"flow_id": flowID.String(), "status": "pending"}))
	require.NoError(t, err)
	var list []domain.Job
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &list))
	assert.Len(t, list, 1)

	res, err = s.handleListJobs(ctx, call("list_jobs", map[string]any{"status": "exploded"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestListHandlers(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleListHandlers(ctx, call("list_handlers", map[string]any{"type": "publish"}))
	require.NoError(t, err)
	var list []handlers.Descriptor
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &list))
	require.Len(t, list, 1)
	assert.Equal(t, handlers.SlugWebhook, list[0].Slug)

	res, err = s.handleListHandlers(ctx, call("list_handlers", map[string]any{"type": "bogus"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestToolsRegistered(t *testing.T) {
	s, _, _ := newTestServer(t)

	resp := s.MCPServer().HandleMessage(context.Background(), json.RawMessage(
		`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`))
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	for _, name := range []string{"run_flow", "get_job", "list_jobs", "list_handlers"} {
		assert.Contains(t, string(data), `"`+name+`"`)
	}
}
