package handlers

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	"github.com/shaiso/Conveyor/internal/domain"
)

// SlugScript — slug process-обработчика на JavaScript.
const SlugScript = "script"

const settingCode = "code"

// Script — process-обработчик: JS-преобразование каждого входного пакета.
//
// Код выполняется как тело функции, пакет доступен как packet:
//
//	{
//	    "code": "return { title: packet.title.toUpperCase(), body: packet.body };"
//	}
//
// packet содержит title, body, fields, source_type и metadata.
// Возвращаемый объект может задать title, body, fields и metadata
// (новые ключи metadata добавляются, существующие не перезаписываются).
// null или undefined отбрасывает пакет.
type Script struct{}

// NewScript создаёт Script.
func NewScript() *Script {
	return &Script{}
}

// Descriptor возвращает описание обработчика для реестра.
func (h *Script) Descriptor() Descriptor {
	return Descriptor{
		Type:           domain.StepTypeProcess,
		Slug:           SlugScript,
		Label:          "Transform packets with a JavaScript snippet",
		SettingsSchema: []string{settingCode},
		Handler:        h,
	}
}

// Execute прогоняет скрипт по пакетам предыдущего шага.
func (h *Script) Execute(ctx context.Context, req *Request) (*Response, error) {
	code := SettingString(req.Settings, settingCode)
	if code == "" {
		return nil, fmt.Errorf("%w: %s: code is required", ErrInvalidConfig, SlugScript)
	}
	program, err := goja.Compile(req.Step.ID, "(function() {\n"+code+"\n})()", false)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, SlugScript, err)
	}

	inputs := req.Inputs()
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: nothing to transform", ErrNoWork)
	}

	resp := &Response{}
	for _, in := range inputs {
		out, keep, err := runScript(ctx, program, in)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			}
			resp.AddError("script %q: %v", in.Title, err)
			continue
		}
		if keep {
			resp.Packets = append(resp.Packets, out)
		}
	}
	return resp, nil
}

func runScript(ctx context.Context, program *goja.Program, in domain.DataPacket) (domain.DataPacket, bool, error) {
	vm := goja.New()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt("step cancelled") })
	defer stop()

	if err := vm.Set("packet", packetPayload(in.Clone())); err != nil {
		return in, false, fmt.Errorf("set packet: %w", err)
	}
	value, err := vm.RunProgram(program)
	if err != nil {
		return in, false, err
	}
	if goja.IsNull(value) || goja.IsUndefined(value) {
		return in, false, nil
	}

	result, ok := value.Export().(map[string]any)
	if !ok {
		return in, false, fmt.Errorf("script must return an object, got %T", value.Export())
	}

	out := in.Derive(domain.PacketTypeProcess, in.SourceType)
	if v, ok := result["title"].(string); ok {
		out.Title = v
	}
	if v, ok := result["body"].(string); ok {
		out.Content.Body = v
	}
	if v, ok := result["fields"].(map[string]any); ok {
		out.Content.Fields = v
	}
	if meta, ok := result["metadata"].(map[string]any); ok {
		for k, v := range meta {
			if out, err = out.WithMetadata(k, v); err != nil {
				return in, false, err
			}
		}
	}
	return out, true, nil
}
