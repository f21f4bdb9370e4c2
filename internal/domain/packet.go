package domain

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrMetadataConflict — попытка перезаписать существующий ключ metadata другим значением.
var ErrMetadataConflict = errors.New("metadata key already set")

// PacketType — тип пакета данных.
type PacketType string

const (
	PacketTypeFetch   PacketType = "fetch"
	PacketTypeProcess PacketType = "process"
	PacketTypePublish PacketType = "publish"
	PacketTypeUpdate  PacketType = "update"

	// PacketTypeToolResult — результат асинхронного tool-вызова.
	PacketTypeToolResult PacketType = "tool_result"

	// PacketTypeAIHandlerComplete — AI-шаг завершил вызов обработчика.
	PacketTypeAIHandlerComplete PacketType = "ai_handler_complete"
)

// Ключи metadata, на которые опираются последующие шаги.
const (
	MetaSourceURL      = "source_url"
	MetaItemIdentifier = "item_identifier"
	MetaOriginalID     = "original_id"
	MetaDateCreated    = "date_created"

	// MetaHandlerTool — slug обработчика, которому адресован tool_result.
	MetaHandlerTool = "handler_tool"
)

// IdentifyingKeys — ключи, которые идентифицируют исходный элемент.
var IdentifyingKeys = []string{MetaSourceURL, MetaItemIdentifier, MetaOriginalID, MetaDateCreated}

// PacketContent — содержимое пакета: текст и произвольные вложенные поля.
type PacketContent struct {
	Body   string         `json:"body"`
	Fields map[string]any `json:"fields,omitempty"`
}

// DataPacket — единица контента, проходящая через pipeline.
//
// Пакеты неизменяемы по соглашению: методы With* возвращают копию.
// Список пакетов job только дополняется, порядок вставки — ключ корреляции.
type DataPacket struct {
	Type       PacketType     `json:"type"`
	Title      string         `json:"title"`
	Content    PacketContent  `json:"content"`
	SourceType string         `json:"source_type"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	// History — имена шагов, через которые прошёл пакет, по порядку.
	History []string `json:"history,omitempty"`
}

// NewPacket создаёт пакет с пустыми metadata и history.
func NewPacket(typ PacketType, sourceType, title, body string) DataPacket {
	return DataPacket{
		Type:       typ,
		Title:      title,
		Content:    PacketContent{Body: body},
		SourceType: sourceType,
		Metadata:   map[string]any{},
	}
}

// Clone возвращает глубокую копию пакета.
func (p DataPacket) Clone() DataPacket {
	out := p
	out.Content.Fields = copyMap(p.Content.Fields)
	out.Metadata = copyMap(p.Metadata)
	if p.History != nil {
		out.History = append([]string(nil), p.History...)
	}
	return out
}

// Derive создаёт новый пакет на основе текущего: metadata и history
// сохраняются, тип и источник меняются.
func (p DataPacket) Derive(typ PacketType, sourceType string) DataPacket {
	out := p.Clone()
	out.Type = typ
	out.SourceType = sourceType
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	return out
}

// WithMetadata возвращает копию пакета с добавленным ключом.
// Существующий ключ с другим значением не перезаписывается: ErrMetadataConflict.
func (p DataPacket) WithMetadata(key string, value any) (DataPacket, error) {
	if old, ok := p.Metadata[key]; ok && !reflect.DeepEqual(old, value) {
		return p, fmt.Errorf("%w: %s", ErrMetadataConflict, key)
	}
	out := p.Clone()
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	out.Metadata[key] = value
	return out, nil
}

// WithStep возвращает копию пакета с шагом, добавленным в history.
func (p DataPacket) WithStep(step string) DataPacket {
	out := p.Clone()
	out.History = append(out.History, step)
	return out
}

// MetaString возвращает строковое значение ключа metadata.
func (p DataPacket) MetaString(key string) string {
	if v, ok := p.Metadata[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

// IsToolResult возвращает true для пакетов с результатом tool-вызова.
func (p DataPacket) IsToolResult() bool {
	return p.Type == PacketTypeToolResult || p.Type == PacketTypeAIHandlerComplete
}

// HandlerTool возвращает slug обработчика, которому адресован результат.
func (p DataPacket) HandlerTool() string {
	return p.MetaString(MetaHandlerTool)
}

// Identity возвращает идентифицирующие ключи metadata, которые есть в пакете.
func (p DataPacket) Identity() map[string]any {
	out := map[string]any{}
	for _, k := range IdentifyingKeys {
		if v, ok := p.Metadata[k]; ok {
			out[k] = v
		}
	}
	return out
}

// LatestPacket возвращает последний пакет списка.
func LatestPacket(packets []DataPacket) (DataPacket, bool) {
	if len(packets) == 0 {
		return DataPacket{}, false
	}
	return packets[len(packets)-1], true
}

// ClonePackets возвращает глубокую копию списка пакетов.
func ClonePackets(packets []DataPacket) []DataPacket {
	out := make([]DataPacket, len(packets))
	for i := range packets {
		out[i] = packets[i].Clone()
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	default:
		return v
	}
}
