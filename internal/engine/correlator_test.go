package engine

import (
	"testing"

	"github.com/shaiso/Conveyor/internal/domain"
)

func TestFindHandlerResult(t *testing.T) {
	tool := func(slug string) domain.DataPacket {
		p := domain.NewPacket(domain.PacketTypeToolResult, "ai", "tool", "")
		p.Metadata[domain.MetaHandlerTool] = slug
		return p
	}
	complete := domain.NewPacket(domain.PacketTypeAIHandlerComplete, "ai", "done", "")
	complete.Metadata[domain.MetaHandlerTool] = "wordpress_update"

	packets := []domain.DataPacket{
		domain.NewPacket(domain.PacketTypeFetch, "rss", "item", ""),
		tool("other_tool"),
		complete,
		tool("wordpress_update"),
	}

	got, idx, ok := FindHandlerResult(packets, "wordpress_update")
	if !ok || idx != 2 {
		t.Fatalf("expected match at index 2, got idx=%d ok=%v", idx, ok)
	}
	if got.Type != domain.PacketTypeAIHandlerComplete {
		t.Errorf("expected first matching packet, got %s", got.Type)
	}

	if _, idx, ok := FindHandlerResult(packets, "missing"); ok || idx != -1 {
		t.Errorf("expected miss, got idx=%d ok=%v", idx, ok)
	}
	if _, _, ok := FindHandlerResult(nil, "wordpress_update"); ok {
		t.Error("expected miss on empty history")
	}
}
