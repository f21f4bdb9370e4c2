// Package mcp публикует операции Conveyor как MCP-инструменты:
// run_flow, get_job, list_jobs, list_handlers.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/handlers"
	"github.com/shaiso/Conveyor/internal/jobs"
	"github.com/shaiso/Conveyor/internal/repo"
)

// BasePath — префикс SSE-эндпоинтов.
const BasePath = "/mcp"

const defaultListLimit = 20

// JobCreator — создание jobs (реализуется jobs.Creator).
type JobCreator interface {
	Create(ctx context.Context, req jobs.CreateRequest) (*domain.Job, error)
}

// Server — MCP-сервер поверх creator'а, хранилища jobs и реестра.
type Server struct {
	mcpServer *server.MCPServer
	creator   JobCreator
	jobs      repo.JobStore
	registry  *handlers.Registry
	logger    *slog.Logger
}

// Config — зависимости Server.
type Config struct {
	Creator  JobCreator
	Jobs     repo.JobStore
	Registry *handlers.Registry
	Version  string
	Logger   *slog.Logger
}

// NewServer создаёт MCP-сервер и регистрирует инструменты.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		mcpServer: server.NewMCPServer(
			"Conveyor",
			version,
			server.WithToolCapabilities(true),
		),
		creator:  cfg.Creator,
		jobs:     cfg.Jobs,
		registry: cfg.Registry,
		logger:   logger,
	}

	s.registerTools()
	return s
}

// MCPServer возвращает нижележащий сервер mcp-go.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Handler возвращает HTTP-обработчик SSE-транспорта
// (BasePath+"/sse" и BasePath+"/message").
func (s *Server) Handler() http.Handler {
	return server.NewSSEServer(s.mcpServer, server.WithStaticBasePath(BasePath))
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_flow",
			mcp.WithDescription("Start a manual job for a flow. Fails softly if the flow already has an active job"),
			mcp.WithString("flow_id", mcp.Required(), mcp.Description("UUID of the flow")),
		),
		s.handleRunFlow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_job",
			mcp.WithDescription("Get a job record by ID"),
			mcp.WithNumber("job_id", mcp.Required(), mcp.Description("Numeric job ID")),
		),
		s.handleGetJob,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_jobs",
			mcp.WithDescription("List recent jobs, newest first"),
			mcp.WithString("flow_id", mcp.Description("Only jobs of this flow")),
			mcp.WithString("status", mcp.Description("Only jobs in this status")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of jobs (default 20)")),
		),
		s.handleListJobs,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_handlers",
			mcp.WithDescription("List registered step handlers"),
			mcp.WithString("type", mcp.Description("Step type: fetch, process, publish or update")),
		),
		s.handleListHandlers,
	)
}

// runResult — ответ run_flow.
type runResult struct {
	Success bool        `json:"success"`
	Reason  string      `json:"reason,omitempty"`
	Job     *domain.Job `json:"job,omitempty"`
}

func (s *Server) handleRunFlow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)

	raw, _ := args["flow_id"].(string)
	flowID, err := uuid.Parse(raw)
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid parameter: flow_id"), nil
	}

	job, err := s.creator.Create(ctx, jobs.CreateRequest{FlowID: flowID, Trigger: domain.TriggerManual})
	if errors.Is(err, jobs.ErrFlowBusy) {
		return jsonResult(runResult{Success: false, Reason: err.Error()})
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to run flow: %v", err)), nil
	}

	s.logger.Info("flow run via mcp", "flow_id", flowID, "job_id", job.ID)
	return jsonResult(runResult{Success: true, Job: job})
}

func (s *Server) handleGetJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)

	id, ok := args["job_id"].(float64)
	if !ok || id < 1 {
		return mcp.NewToolResultError("Missing or invalid parameter: job_id"), nil
	}

	job, err := s.jobs.GetJob(ctx, int64(id))
	if errors.Is(err, repo.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("Job %d not found", int64(id))), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get job: %v", err)), nil
	}

	return jsonResult(job)
}

func (s *Server) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	filter := repo.JobFilter{Limit: defaultListLimit}

	if raw, _ := args["flow_id"].(string); raw != "" {
		flowID, err := uuid.Parse(raw)
		if err != nil {
			return mcp.NewToolResultError("Invalid parameter: flow_id"), nil
		}
		filter.FlowID = &flowID
	}
	if raw, _ := args["status"].(string); raw != "" {
		status := domain.JobStatus(raw)
		if !status.IsValid() {
			return mcp.NewToolResultError(fmt.Sprintf("Unknown job status: %s", raw)), nil
		}
		filter.Status = status
	}
	if limit, ok := args["limit"].(float64); ok && limit >= 1 {
		filter.Limit = min(int(limit), 200)
	}

	list, err := s.jobs.ListJobs(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list jobs: %v", err)), nil
	}
	if list == nil {
		list = []domain.Job{}
	}
	return jsonResult(list)
}

func (s *Server) handleListHandlers(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)

	typ := domain.StepType("")
	if raw, _ := args["type"].(string); raw != "" {
		typ = domain.StepType(raw)
		if !typ.IsValid() {
			return mcp.NewToolResultError(fmt.Sprintf("Unknown step type: %s", raw)), nil
		}
	}

	return jsonResult(s.registry.List(typ))
}

func arguments(request mcp.CallToolRequest) map[string]any {
	args, _ := request.Params.Arguments.(map[string]any)
	return args
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
