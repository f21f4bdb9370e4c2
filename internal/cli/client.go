package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// StepDef — шаг pipeline из API.
type StepDef struct {
	ID              string         `json:"id"`
	Name            string         `json:"name,omitempty"`
	Type            string         `json:"type"`
	Handler         string         `json:"handler"`
	Settings        map[string]any `json:"settings,omitempty"`
	ContinueOnError bool           `json:"continue_on_error,omitempty"`
	TimeoutSec      int            `json:"timeout_sec,omitempty"`
}

// PipelineResponse — pipeline из API.
type PipelineResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Steps     []StepDef `json:"steps"`
	CreatedAt string    `json:"created_at"`
}

// Scheduling — расписание flow из API.
type Scheduling struct {
	Interval  string `json:"interval"`
	Status    string `json:"status"`
	LastRunAt string `json:"last_run_at,omitempty"`
}

// FlowResponse — flow из API.
type FlowResponse struct {
	ID               string                    `json:"id"`
	PipelineID       string                    `json:"pipeline_id"`
	Name             string                    `json:"name"`
	UserID           int64                     `json:"user_id"`
	Scheduling       Scheduling                `json:"scheduling"`
	HandlerOverrides map[string]map[string]any `json:"handler_overrides,omitempty"`
	CreatedAt        string                    `json:"created_at"`
}

// ErrorDetails — ошибки job из API.
type ErrorDetails struct {
	Cause      string `json:"cause,omitempty"`
	Step       string `json:"step,omitempty"`
	Handler    string `json:"handler,omitempty"`
	StepErrors []struct {
		Step    string `json:"step"`
		Handler string `json:"handler"`
		Message string `json:"message"`
	} `json:"step_errors,omitempty"`
}

// JobResponse — job из API.
type JobResponse struct {
	ID              int64         `json:"job_id"`
	PipelineID      string        `json:"pipeline_id"`
	FlowID          string        `json:"flow_id"`
	UserID          int64         `json:"user_id"`
	Status          string        `json:"status"`
	TriggerType     string        `json:"trigger_type"`
	CreatedAt       string        `json:"created_at"`
	StartedAt       string        `json:"started_at,omitempty"`
	CompletedAt     string        `json:"completed_at,omitempty"`
	CurrentStepName string        `json:"current_step_name,omitempty"`
	ErrorDetails    *ErrorDetails `json:"error_details,omitempty"`
	RetryOf         *int64        `json:"retry_of,omitempty"`
	DurationMS      int64         `json:"duration_ms,omitempty"`
}

// RunResponse — результат ручного запуска.
type RunResponse struct {
	Success bool         `json:"success"`
	Reason  string       `json:"reason,omitempty"`
	Job     *JobResponse `json:"job,omitempty"`
}

// PacketResponse — пакет истории job.
type PacketResponse struct {
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	SourceType string         `json:"source_type"`
	Content    map[string]any `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	History    []string       `json:"history,omitempty"`
}

// NextRunResponse — следующее срабатывание триггера.
type NextRunResponse struct {
	FlowID    string `json:"flow_id"`
	Scheduled bool   `json:"scheduled"`
	NextRunAt string `json:"next_run_at,omitempty"`
}

// IntervalResponse — интервал расписания.
type IntervalResponse struct {
	Slug    string `json:"slug"`
	Seconds int64  `json:"seconds"`
}

// HandlerResponse — обработчик шага.
type HandlerResponse struct {
	Key            string   `json:"key"`
	Type           string   `json:"type"`
	Slug           string   `json:"slug"`
	Label          string   `json:"label,omitempty"`
	SettingsSchema []string `json:"settings_schema,omitempty"`
	RequiresAuth   bool     `json:"requires_auth"`
}

// --- Request types ---

// CreateFlowRequest — создание flow.
type CreateFlowRequest struct {
	PipelineID       string                    `json:"pipeline_id"`
	Name             string                    `json:"name"`
	UserID           int64                     `json:"user_id,omitempty"`
	Interval         string                    `json:"interval,omitempty"`
	Activate         bool                      `json:"activate,omitempty"`
	HandlerOverrides map[string]map[string]any `json:"handler_overrides,omitempty"`
}

// ListJobsOpts — параметры фильтрации jobs.
type ListJobsOpts struct {
	FlowID string
	Status string
	Limit  int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError — ошибка, возвращённая API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// --- Client ---

// Client — HTTP-клиент для Conveyor API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient создаёт клиент для API. token — bearer-токен, может быть пустым.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Pipelines ---

// ListPipelines возвращает все pipelines.
func (c *Client) ListPipelines() ([]PipelineResponse, error) {
	var pipelines []PipelineResponse
	err := c.list("/api/v1/pipelines", nil, &pipelines)
	return pipelines, err
}

// CreatePipeline создаёт pipeline из JSON или YAML документа.
func (c *Client) CreatePipeline(doc []byte) (*PipelineResponse, error) {
	var p PipelineResponse
	err := c.postRaw("/api/v1/pipelines", doc, &p)
	return &p, err
}

// ValidatePipeline проверяет документ pipeline без сохранения.
func (c *Client) ValidatePipeline(doc []byte) (*PipelineResponse, error) {
	var p PipelineResponse
	err := c.postRaw("/api/v1/pipelines/validate", doc, &p)
	return &p, err
}

// GetPipeline возвращает pipeline по ID.
func (c *Client) GetPipeline(id string) (*PipelineResponse, error) {
	var p PipelineResponse
	err := c.get("/api/v1/pipelines/"+id, &p)
	return &p, err
}

// DeletePipeline удаляет pipeline вместе с flows.
func (c *Client) DeletePipeline(id string) error {
	return c.delete("/api/v1/pipelines/" + id)
}

// --- Flows ---

// ListFlows возвращает flows. Если pipelineID не пустой — фильтрует.
func (c *Client) ListFlows(pipelineID string) ([]FlowResponse, error) {
	params := url.Values{}
	if pipelineID != "" {
		params.Set("pipeline_id", pipelineID)
	}

	var flows []FlowResponse
	err := c.list("/api/v1/flows", params, &flows)
	return flows, err
}

// CreateFlow создаёт новый flow.
func (c *Client) CreateFlow(req CreateFlowRequest) (*FlowResponse, error) {
	var flow FlowResponse
	err := c.post("/api/v1/flows", req, &flow)
	return &flow, err
}

// GetFlow возвращает flow по ID.
func (c *Client) GetFlow(id string) (*FlowResponse, error) {
	var flow FlowResponse
	err := c.get("/api/v1/flows/"+id, &flow)
	return &flow, err
}

// DeleteFlow удаляет flow.
func (c *Client) DeleteFlow(id string) error {
	return c.delete("/api/v1/flows/" + id)
}

// RunFlow запускает flow вручную. Занятый flow — не ошибка:
// возвращается RunResponse с Success=false.
func (c *Client) RunFlow(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/flows/"+id+"/run", nil, &run)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict && run.Reason != "" {
		return &run, nil
	}
	return &run, err
}

// ActivateFlow включает расписание flow.
func (c *Client) ActivateFlow(id string) (*FlowResponse, error) {
	var flow FlowResponse
	err := c.post("/api/v1/flows/"+id+"/activate", nil, &flow)
	return &flow, err
}

// DeactivateFlow выключает расписание flow.
func (c *Client) DeactivateFlow(id string) (*FlowResponse, error) {
	var flow FlowResponse
	err := c.post("/api/v1/flows/"+id+"/deactivate", nil, &flow)
	return &flow, err
}

// RescheduleFlow меняет интервал flow.
func (c *Client) RescheduleFlow(id, interval string) (*FlowResponse, error) {
	var flow FlowResponse
	err := c.put("/api/v1/flows/"+id+"/interval", map[string]string{"interval": interval}, &flow)
	return &flow, err
}

// NextRun возвращает следующее срабатывание триггера flow.
func (c *Client) NextRun(id string) (*NextRunResponse, error) {
	var next NextRunResponse
	err := c.get("/api/v1/flows/"+id+"/next-run", &next)
	return &next, err
}

// ListIntervals возвращает поддерживаемые интервалы.
func (c *Client) ListIntervals() ([]IntervalResponse, error) {
	var intervals []IntervalResponse
	err := c.list("/api/v1/intervals", nil, &intervals)
	return intervals, err
}

// --- Jobs ---

// ListJobs возвращает список jobs с фильтрацией.
func (c *Client) ListJobs(opts ListJobsOpts) ([]JobResponse, error) {
	params := url.Values{}
	if opts.FlowID != "" {
		params.Set("flow_id", opts.FlowID)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var jobs []JobResponse
	err := c.list("/api/v1/jobs", params, &jobs)
	return jobs, err
}

// ListStuckJobs возвращает зависшие jobs.
func (c *Client) ListStuckJobs() ([]JobResponse, error) {
	var jobs []JobResponse
	err := c.list("/api/v1/jobs/stuck", nil, &jobs)
	return jobs, err
}

// GetJob возвращает job по ID.
func (c *Client) GetJob(id string) (*JobResponse, error) {
	var job JobResponse
	err := c.get("/api/v1/jobs/"+id, &job)
	return &job, err
}

// ListPackets возвращает историю пакетов job.
func (c *Client) ListPackets(id string) ([]PacketResponse, error) {
	var packets []PacketResponse
	err := c.list("/api/v1/jobs/"+id+"/packets", nil, &packets)
	return packets, err
}

// RetryJob создаёт новый job для flow завершённого job.
func (c *Client) RetryJob(id string) (*JobResponse, error) {
	var job JobResponse
	err := c.post("/api/v1/jobs/"+id+"/retry", nil, &job)
	return &job, err
}

// FailJob вручную завершает зависший job.
func (c *Client) FailJob(id, reason string) (*JobResponse, error) {
	var job JobResponse
	err := c.post("/api/v1/jobs/"+id+"/fail", map[string]string{"reason": reason}, &job)
	return &job, err
}

// --- Handlers ---

// ListHandlers возвращает обработчики шагов. typ — фильтр по типу шага.
func (c *Client) ListHandlers(typ string) ([]HandlerResponse, error) {
	params := url.Values{}
	if typ != "" {
		params.Set("type", typ)
	}

	var list []HandlerResponse
	err := c.list("/api/v1/handlers", params, &list)
	return list, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) postRaw(path string, doc []byte, result any) error {
	req, err := c.newRequest(http.MethodPost, path, bytes.NewReader(doc))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/yaml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.decodeData(resp, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.decodeData(resp, result)
}

// decodeData разбирает {"data": ...}. Ответ 409 с data (отказ запуска)
// декодируется в result и возвращается вместе с APIError.
func (c *Client) decodeData(resp *http.Response, result any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var dr dataResponse
		if resp.StatusCode == http.StatusConflict && json.Unmarshal(raw, &dr) == nil && len(dr.Data) > 0 && result != nil {
			_ = json.Unmarshal(dr.Data, result)
			return &APIError{Status: resp.StatusCode, Code: "CONFLICT"}
		}
		return apiError(resp.StatusCode, raw)
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent || len(raw) == 0 {
		return nil
	}

	var dr dataResponse
	if err := json.Unmarshal(raw, &dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := c.newRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	raw, _ := io.ReadAll(resp.Body)
	return apiError(resp.StatusCode, raw)
}

func apiError(status int, raw []byte) error {
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err != nil || er.Error.Code == "" {
		return &APIError{Status: status}
	}
	return &APIError{Status: status, Code: er.Error.Code, Message: er.Error.Message}
}
