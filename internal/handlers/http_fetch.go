package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shaiso/Conveyor/internal/domain"
)

// SlugHTTPFetch — slug fetch-обработчика JSON-ленты.
const SlugHTTPFetch = "http_fetch"

// Ключи настроек http_fetch.
const (
	settingSourceType = "source_type"
	settingItemsField = "items_field"
	settingIDField    = "id_field"
	settingTitleField = "title_field"
	settingBodyField  = "body_field"
	settingURLField   = "url_field"
	settingDateField  = "date_field"
	settingLimit      = "limit"
)

// HTTPFetch — fetch-обработчик, читающий JSON-ленту элементов.
//
// Настройки:
//
//	{
//	    "url": "https://example.com/items.json",
//	    "items_field": "items",     // если ответ — объект, а не массив
//	    "source_type": "blog",
//	    "id_field": "id", "title_field": "title", "body_field": "body",
//	    "url_field": "url", "date_field": "created_at",
//	    "limit": 10
//	}
//
// Каждый новый элемент становится fetch-пакетом с metadata source_url,
// item_identifier, original_id и date_created. Уже обработанные элементы
// (по журналу шага) пропускаются; если новых нет, шаг возвращает пустой ответ.
type HTTPFetch struct {
	client *http.Client
}

// NewHTTPFetch создаёт HTTPFetch.
func NewHTTPFetch() *HTTPFetch {
	return &HTTPFetch{client: &http.Client{Timeout: defaultHTTPTimeout}}
}

// Descriptor возвращает описание обработчика для реестра.
func (h *HTTPFetch) Descriptor() Descriptor {
	return Descriptor{
		Type:           domain.StepTypeFetch,
		Slug:           SlugHTTPFetch,
		Label:          "Fetch new items from a JSON feed",
		SettingsSchema: []string{settingURL, settingHeaders, settingItemsField, settingSourceType, settingIDField, settingLimit, settingRetryAttempts, settingRetryOnStatus},
		Handler:        h,
	}
}

// Execute загружает ленту и возвращает пакеты новых элементов.
func (h *HTTPFetch) Execute(ctx context.Context, req *Request) (*Response, error) {
	cfg := parseHTTPSettings(req.Settings, http.MethodGet)
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: %s: url is required", ErrInvalidConfig, SlugHTTPFetch)
	}
	sourceType := SettingStringOr(req.Settings, settingSourceType, "http")

	data, _, err := cfg.do(ctx, cfg.client(h.client), cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeItems(data, SettingString(req.Settings, settingItemsField))
	if err != nil {
		return nil, err
	}

	fields := itemFields{
		id:    SettingStringOr(req.Settings, settingIDField, "id"),
		title: SettingStringOr(req.Settings, settingTitleField, "title"),
		body:  SettingStringOr(req.Settings, settingBodyField, "body"),
		url:   SettingStringOr(req.Settings, settingURLField, "url"),
		date:  SettingStringOr(req.Settings, settingDateField, "created_at"),
	}
	limit := SettingInt(req.Settings, settingLimit)

	resp := &Response{}
	for _, item := range items {
		if limit > 0 && len(resp.Packets) >= limit {
			break
		}

		itemID := fields.identifier(item)
		seen, err := req.Items.IsProcessed(ctx, sourceType, itemID)
		if err != nil {
			return nil, fmt.Errorf("check processed item: %w", err)
		}
		if seen {
			continue
		}

		packet, err := fields.packet(item, sourceType, itemID)
		if err != nil {
			resp.AddError("item %s: %v", itemID, err)
			continue
		}
		if err := req.Items.MarkProcessed(ctx, sourceType, itemID); err != nil {
			return nil, fmt.Errorf("mark processed item: %w", err)
		}
		resp.Packets = append(resp.Packets, packet)
	}

	req.logger().Debug("feed fetched",
		"url", cfg.URL,
		"items", len(items),
		"new", len(resp.Packets),
	)
	return resp, nil
}

func decodeItems(data []byte, itemsField string) ([]map[string]any, error) {
	if itemsField == "" {
		var items []map[string]any
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("decode feed: %w", err)
		}
		return items, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	raw, ok := envelope[itemsField]
	if !ok {
		return nil, fmt.Errorf("%w: field %q not in response", ErrInvalidConfig, itemsField)
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode feed %s: %w", itemsField, err)
	}
	return items, nil
}

type itemFields struct {
	id, title, body, url, date string
}

// identifier возвращает id элемента, а при его отсутствии — url.
func (f itemFields) identifier(item map[string]any) string {
	if v, ok := item[f.id]; ok && v != nil {
		return fmt.Sprint(v)
	}
	if s, ok := item[f.url].(string); ok {
		return s
	}
	return ""
}

func (f itemFields) packet(item map[string]any, sourceType, itemID string) (domain.DataPacket, error) {
	title, _ := item[f.title].(string)
	body, _ := item[f.body].(string)

	p := domain.NewPacket(domain.PacketTypeFetch, sourceType, title, body)
	p.Content.Fields = item

	meta := []struct {
		key string
		val any
	}{
		{domain.MetaSourceURL, item[f.url]},
		{domain.MetaItemIdentifier, itemID},
		{domain.MetaOriginalID, item[f.id]},
		{domain.MetaDateCreated, item[f.date]},
	}
	for _, m := range meta {
		if m.val == nil || m.val == "" {
			continue
		}
		var err error
		if p, err = p.WithMetadata(m.key, m.val); err != nil {
			return p, err
		}
	}
	return p, nil
}
