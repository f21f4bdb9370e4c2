package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shaiso/Conveyor/internal/domain"
)

// SlugWebhook — slug publish-обработчика, отправляющего пакеты во внешний URL.
const SlugWebhook = "webhook"

// MetaPublishStatus — HTTP-статус публикации в metadata publish-пакета.
const MetaPublishStatus = "publish_status"

// Webhook — publish-обработчик: POST каждого входного пакета в JSON.
//
// Настройки:
//
//	{
//	    "url": "https://hooks.example.com/publish",
//	    "method": "POST",
//	    "headers": {"Authorization": "Bearer ..."}
//	}
//
// Тело запроса:
//
//	{"title": "...", "body": "...", "fields": {...}, "source_type": "...", "metadata": {...}}
//
// Ошибка публикации отдельного пакета некритична. Если не удалось
// опубликовать ни один пакет, шаг завершается ошибкой.
type Webhook struct {
	client *http.Client
}

// NewWebhook создаёт Webhook.
func NewWebhook() *Webhook {
	return &Webhook{client: &http.Client{Timeout: defaultHTTPTimeout}}
}

// Descriptor возвращает описание обработчика для реестра.
func (h *Webhook) Descriptor() Descriptor {
	return Descriptor{
		Type:           domain.StepTypePublish,
		Slug:           SlugWebhook,
		Label:          "Publish packets to an HTTP endpoint",
		SettingsSchema: []string{settingURL, settingMethod, settingHeaders, settingRetryAttempts, settingRetryOnStatus},
		Handler:        h,
	}
}

// Execute публикует пакеты предыдущего шага.
func (h *Webhook) Execute(ctx context.Context, req *Request) (*Response, error) {
	cfg := parseHTTPSettings(req.Settings, http.MethodPost)
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: %s: url is required", ErrInvalidConfig, SlugWebhook)
	}

	inputs := req.Inputs()
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: nothing to publish", ErrNoWork)
	}

	client := cfg.client(h.client)
	resp := &Response{}
	var firstErr error
	for _, in := range inputs {
		_, status, err := cfg.do(ctx, client, cfg.URL, packetPayload(in))
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return nil, err
			}
			if firstErr == nil {
				firstErr = err
			}
			resp.AddError("publish %q: %v", in.Title, err)
			continue
		}

		out := in.Derive(domain.PacketTypePublish, SlugWebhook)
		out, err = out.WithMetadata(MetaPublishStatus, status)
		if err != nil {
			resp.AddError("publish %q: %v", in.Title, err)
			continue
		}
		resp.Packets = append(resp.Packets, out)
	}

	if len(resp.Packets) == 0 && firstErr != nil {
		return nil, fmt.Errorf("publish failed: %w", firstErr)
	}
	return resp, nil
}

func packetPayload(p domain.DataPacket) map[string]any {
	return map[string]any{
		"title":       p.Title,
		"body":        p.Content.Body,
		"fields":      p.Content.Fields,
		"source_type": p.SourceType,
		"metadata":    p.Metadata,
	}
}
