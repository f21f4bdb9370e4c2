package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shaiso/Conveyor/internal/domain"
)

// SlugHTTPUpdate — slug update-обработчика исходного артефакта.
const SlugHTTPUpdate = "http_update"

// HTTPUpdate — update-обработчик: отправляет результат tool-вызова
// обратно в источник.
//
// Работает только с Request.ToolResult, который Engine находит
// по metadata handler_tool == "http_update". URL по умолчанию —
// source_url результата.
//
// Настройки:
//
//	{"url": "...", "method": "PUT", "headers": {...}}
type HTTPUpdate struct {
	client *http.Client
}

// NewHTTPUpdate создаёт HTTPUpdate.
func NewHTTPUpdate() *HTTPUpdate {
	return &HTTPUpdate{client: &http.Client{Timeout: defaultHTTPTimeout}}
}

// Descriptor возвращает описание обработчика для реестра.
func (h *HTTPUpdate) Descriptor() Descriptor {
	return Descriptor{
		Type:           domain.StepTypeUpdate,
		Slug:           SlugHTTPUpdate,
		Label:          "Write a tool result back to its source URL",
		SettingsSchema: []string{settingURL, settingMethod, settingHeaders, settingRetryAttempts, settingRetryOnStatus},
		Handler:        h,
	}
}

// Execute отправляет результат и возвращает update-пакет.
func (h *HTTPUpdate) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req.ToolResult == nil {
		return nil, fmt.Errorf("%w: no tool result for %s", ErrNoWork, SlugHTTPUpdate)
	}
	result := *req.ToolResult

	cfg := parseHTTPSettings(req.Settings, http.MethodPut)
	url := cfg.URL
	if url == "" {
		url = result.MetaString(domain.MetaSourceURL)
	}
	if url == "" {
		return nil, fmt.Errorf("%w: %s: url is required (no source_url in tool result)", ErrInvalidConfig, SlugHTTPUpdate)
	}

	if _, _, err := cfg.do(ctx, cfg.client(h.client), url, packetPayload(result)); err != nil {
		return nil, err
	}

	out := result.Derive(domain.PacketTypeUpdate, SlugHTTPUpdate)
	return &Response{Packets: []domain.DataPacket{out}}, nil
}
