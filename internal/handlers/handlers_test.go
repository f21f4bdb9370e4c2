package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/repo/memory"
)

// Registry Tests

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)

	echo := HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{}, nil
	})
	r.Register(Descriptor{Type: domain.StepTypeProcess, Slug: "echo", Handler: echo})

	d, err := r.Resolve(domain.StepTypeProcess, "echo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Key() != "process/echo" {
		t.Errorf("expected process/echo, got %s", d.Key())
	}

	// Тот же slug под другим типом — другой обработчик.
	_, err = r.Resolve(domain.StepTypePublish, "echo")
	if !errors.Is(err, ErrHandlerNotFound) {
		t.Errorf("expected ErrHandlerNotFound, got %v", err)
	}
	if err.Error() != "handler not registered: publish/echo" {
		t.Errorf("unexpected message: %q", err.Error())
	}

	// Повторная регистрация заменяет обработчик.
	r.Register(Descriptor{Type: domain.StepTypeProcess, Slug: "echo", Label: "v2", Handler: echo})
	d, _ = r.Resolve(domain.StepTypeProcess, "echo")
	if d.Label != "v2" {
		t.Errorf("expected last registration to win, got %q", d.Label)
	}
	if n := len(r.List("")); n != 1 {
		t.Errorf("expected 1 handler, got %d", n)
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry(nil)

	expected := map[domain.StepType]string{
		domain.StepTypeFetch:   SlugHTTPFetch,
		domain.StepTypeProcess: SlugScript,
		domain.StepTypePublish: SlugWebhook,
		domain.StepTypeUpdate:  SlugHTTPUpdate,
	}
	for typ, slug := range expected {
		if !r.Has(typ, slug) {
			t.Errorf("default registry should have %s/%s", typ, slug)
		}
		list := r.List(typ)
		if len(list) != 1 || list[0].Slug != slug {
			t.Errorf("List(%s) = %v", typ, list)
		}
	}

	all := r.List("")
	for i := 1; i < len(all); i++ {
		if all[i-1].Key() > all[i].Key() {
			t.Errorf("list not sorted: %s > %s", all[i-1].Key(), all[i].Key())
		}
	}
}

// Request Tests

func TestRequest_Inputs(t *testing.T) {
	a := domain.NewPacket(domain.PacketTypeFetch, "rss", "a", "").WithStep("fetch")
	b := domain.NewPacket(domain.PacketTypeFetch, "rss", "b", "").WithStep("fetch")
	c := a.Derive(domain.PacketTypeProcess, "rss").WithStep("rewrite")

	req := &Request{Packets: []domain.DataPacket{a, b}, PrevStep: "fetch"}
	if got := req.Inputs(); len(got) != 2 {
		t.Errorf("expected 2 inputs, got %d", len(got))
	}

	req.Packets = append(req.Packets, c)
	req.PrevStep = "rewrite"
	got := req.Inputs()
	if len(got) != 1 || got[0].Title != "a" || got[0].Type != domain.PacketTypeProcess {
		t.Errorf("expected only the rewrite packet, got %+v", got)
	}

	if got := (&Request{}).Inputs(); got != nil {
		t.Errorf("expected nil inputs, got %v", got)
	}
}

func TestRequest_InputsSkipsEmptyPreviousStep(t *testing.T) {
	a := domain.NewPacket(domain.PacketTypeFetch, "rss", "a", "").WithStep("fetch")

	// rewrite отработал, но не добавил пакетов: fetch-пакеты не подставляются.
	req := &Request{Packets: []domain.DataPacket{a}, PrevStep: "rewrite"}
	if got := req.Inputs(); len(got) != 0 {
		t.Errorf("expected no inputs, got %+v", got)
	}

	_, err := NewWebhook().Execute(context.Background(), &Request{
		Settings: map[string]any{"url": "http://127.0.0.1:1"},
		Packets:  req.Packets,
		PrevStep: req.PrevStep,
	})
	if !errors.Is(err, ErrNoWork) {
		t.Errorf("expected ErrNoWork, got %v", err)
	}
}

// HTTP Fetch Tests

func TestHTTPFetch_SkipsProcessedItems(t *testing.T) {
	feed := `{"items": [
		{"id": 1, "title": "First", "body": "one", "url": "https://example.com/1", "created_at": "2025-01-01"},
		{"id": 2, "title": "Second", "body": "two", "url": "https://example.com/2"}
	]}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(feed))
	}))
	defer server.Close()

	store := memory.New()
	flowID := uuid.New()
	ctx := context.Background()
	h := NewHTTPFetch()

	newReq := func(items *ItemTracker) *Request {
		return &Request{
			Step:     domain.StepDef{ID: "fetch", Type: domain.StepTypeFetch, Handler: SlugHTTPFetch},
			Settings: map[string]any{"url": server.URL, "items_field": "items", "source_type": "blog"},
			Items:    items,
		}
	}

	log := NewItemLog(store, flowID, 1)
	tracker := log.Step("fetch")
	resp, err := h.Execute(ctx, newReq(tracker))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	log.Accept(tracker)
	if err := log.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(resp.Packets) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(resp.Packets))
	}

	first := resp.Packets[0]
	if first.Type != domain.PacketTypeFetch || first.SourceType != "blog" {
		t.Errorf("unexpected packet: %+v", first)
	}
	if first.MetaString(domain.MetaSourceURL) != "https://example.com/1" {
		t.Errorf("source_url = %q", first.MetaString(domain.MetaSourceURL))
	}
	if first.MetaString(domain.MetaItemIdentifier) != "1" {
		t.Errorf("item_identifier = %q", first.MetaString(domain.MetaItemIdentifier))
	}
	if first.MetaString(domain.MetaDateCreated) != "2025-01-01" {
		t.Errorf("date_created = %q", first.MetaString(domain.MetaDateCreated))
	}

	// Второй запуск: всё уже обработано, новых элементов нет.
	resp, err = h.Execute(ctx, newReq(NewItemLog(store, flowID, 2).Step("fetch")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Packets) != 0 {
		t.Errorf("expected no new packets, got %d", len(resp.Packets))
	}
}

func TestHTTPFetch_Errors(t *testing.T) {
	h := NewHTTPFetch()

	_, err := h.Execute(context.Background(), &Request{Settings: map[string]any{}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err = h.Execute(context.Background(), &Request{Settings: map[string]any{"url": server.URL}})
	if !IsHTTPError(err) {
		t.Errorf("expected HTTPError, got %v", err)
	}

	reshaped := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": []}`))
	}))
	defer reshaped.Close()

	_, err = h.Execute(context.Background(), &Request{Settings: map[string]any{"url": reshaped.URL, "items_field": "items"}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing items field: expected ErrInvalidConfig, got %v", err)
	}
}

func TestItemLog_CommitsOnlyAcceptedSteps(t *testing.T) {
	store := memory.New()
	flowID := uuid.New()
	ctx := context.Background()

	log := NewItemLog(store, flowID, 1)
	fetch := log.Step("fetch")
	if err := fetch.MarkProcessed(ctx, "blog", "1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if seen, _ := fetch.IsProcessed(ctx, "blog", "1"); !seen {
		t.Error("staged mark must be visible to its step")
	}
	if seen, _ := store.IsProcessed(ctx, repo.ItemKey{FlowID: flowID, StepID: "fetch", SourceType: "blog", ItemID: "1"}); seen {
		t.Error("mark must not reach the store before commit")
	}

	broken := log.Step("other")
	broken.MarkProcessed(ctx, "blog", "2")
	log.Reject(broken)
	if err := broken.MarkProcessed(ctx, "blog", "3"); !errors.Is(err, ErrTrackerClosed) {
		t.Errorf("expected ErrTrackerClosed, got %v", err)
	}

	log.Accept(fetch)
	if log.Pending() != 1 {
		t.Fatalf("expected 1 pending mark, got %d", log.Pending())
	}
	if err := log.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	next := NewItemLog(store, flowID, 2)
	if seen, _ := next.Step("fetch").IsProcessed(ctx, "blog", "1"); !seen {
		t.Error("committed item must be processed for the next job")
	}
	if seen, _ := next.Step("other").IsProcessed(ctx, "blog", "2"); seen {
		t.Error("rejected item must stay new")
	}

	var nilLog *ItemLog
	if nilLog.Step("fetch") != nil || nilLog.Commit(ctx) != nil {
		t.Error("nil log must be a no-op")
	}
}

// Script Tests

func TestScript_Transform(t *testing.T) {
	in, _ := domain.NewPacket(domain.PacketTypeFetch, "blog", "hello", "world").
		WithMetadata(domain.MetaSourceURL, "https://example.com/1")
	drop := domain.NewPacket(domain.PacketTypeFetch, "blog", "skip", "")

	req := &Request{
		Step: domain.StepDef{ID: "rewrite"},
		Settings: map[string]any{"code": `
			if (packet.title === "skip") { return null; }
			return { title: packet.title.toUpperCase(), body: packet.body + "!", metadata: { lang: "en" } };
		`},
		Packets:  []domain.DataPacket{in.WithStep("fetch"), drop.WithStep("fetch")},
		PrevStep: "fetch",
	}

	resp, err := NewScript().Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Packets) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(resp.Packets))
	}

	out := resp.Packets[0]
	if out.Title != "HELLO" || out.Content.Body != "world!" {
		t.Errorf("unexpected content: %q %q", out.Title, out.Content.Body)
	}
	if out.Type != domain.PacketTypeProcess {
		t.Errorf("expected process packet, got %s", out.Type)
	}
	if out.MetaString(domain.MetaSourceURL) != "https://example.com/1" {
		t.Error("identifying metadata lost")
	}
	if out.MetaString("lang") != "en" {
		t.Error("metadata from script not applied")
	}
}

func TestScript_Errors(t *testing.T) {
	s := NewScript()
	ctx := context.Background()
	packets := []domain.DataPacket{domain.NewPacket(domain.PacketTypeFetch, "blog", "a", "").WithStep("fetch")}

	_, err := s.Execute(ctx, &Request{Settings: map[string]any{}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing code: expected ErrInvalidConfig, got %v", err)
	}

	_, err = s.Execute(ctx, &Request{Settings: map[string]any{"code": "return {"}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("syntax error: expected ErrInvalidConfig, got %v", err)
	}

	_, err = s.Execute(ctx, &Request{Settings: map[string]any{"code": "return {};"}})
	if !errors.Is(err, ErrNoWork) {
		t.Errorf("no input: expected ErrNoWork, got %v", err)
	}

	resp, err := s.Execute(ctx, &Request{Settings: map[string]any{"code": "throw new Error('bad')"}, Packets: packets, PrevStep: "fetch"})
	if err != nil {
		t.Fatalf("runtime error must be recoverable, got %v", err)
	}
	if len(resp.Errors) != 1 {
		t.Errorf("expected 1 recoverable error, got %v", resp.Errors)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = s.Execute(timeoutCtx, &Request{Settings: map[string]any{"code": "while (true) {}"}, Packets: packets, PrevStep: "fetch"})
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("infinite loop: expected ErrCancelled, got %v", err)
	}
}

// Webhook Tests

func TestWebhook_PartialFailure(t *testing.T) {
	var (
		mu       sync.Mutex
		received []map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var body map[string]any
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &body)

		mu.Lock()
		received = append(received, body)
		mu.Unlock()

		if body["title"] == "bad" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	good, _ := domain.NewPacket(domain.PacketTypeProcess, "blog", "good", "x").
		WithMetadata(domain.MetaSourceURL, "https://example.com/1")
	bad := domain.NewPacket(domain.PacketTypeProcess, "blog", "bad", "y")

	resp, err := NewWebhook().Execute(context.Background(), &Request{
		Settings: map[string]any{"url": server.URL, "headers": map[string]any{"X-Token": "t"}},
		Packets:  []domain.DataPacket{good.WithStep("rewrite"), bad.WithStep("rewrite")},
		PrevStep: "rewrite",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(received) != 2 {
		t.Errorf("expected 2 requests, got %d", len(received))
	}
	if len(resp.Packets) != 1 || len(resp.Errors) != 1 {
		t.Fatalf("expected 1 packet and 1 error, got %d/%d", len(resp.Packets), len(resp.Errors))
	}

	out := resp.Packets[0]
	if out.Type != domain.PacketTypePublish {
		t.Errorf("expected publish packet, got %s", out.Type)
	}
	if out.MetaString(MetaPublishStatus) != "202" {
		t.Errorf("publish_status = %q", out.MetaString(MetaPublishStatus))
	}
	if out.MetaString(domain.MetaSourceURL) != "https://example.com/1" {
		t.Error("identifying metadata lost")
	}
}

func TestWebhook_AllFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewWebhook().Execute(context.Background(), &Request{
		Settings: map[string]any{"url": server.URL},
		Packets:  []domain.DataPacket{domain.NewPacket(domain.PacketTypeProcess, "blog", "a", "").WithStep("rewrite")},
		PrevStep: "rewrite",
	})
	if !IsHTTPError(err) {
		t.Errorf("expected HTTPError, got %v", err)
	}
}

// HTTP Update Tests

func TestHTTPUpdate(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := NewHTTPUpdate()
	_, err := h.Execute(context.Background(), &Request{})
	if !errors.Is(err, ErrNoWork) {
		t.Errorf("expected ErrNoWork without tool result, got %v", err)
	}

	result := domain.NewPacket(domain.PacketTypeToolResult, "ai", "updated", "new body")
	result, _ = result.WithMetadata(domain.MetaHandlerTool, SlugHTTPUpdate)
	result, _ = result.WithMetadata(domain.MetaSourceURL, server.URL+"/posts/1")

	resp, err := h.Execute(context.Background(), &Request{Settings: map[string]any{}, ToolResult: &result})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotMethod != http.MethodPut || !strings.HasSuffix(gotPath, "/posts/1") {
		t.Errorf("unexpected request %s %s", gotMethod, gotPath)
	}
	if len(resp.Packets) != 1 || resp.Packets[0].Type != domain.PacketTypeUpdate {
		t.Fatalf("expected one update packet, got %+v", resp.Packets)
	}
}
