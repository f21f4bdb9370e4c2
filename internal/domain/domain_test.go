package domain

import (
	"errors"
	"testing"
	"time"
)

// --- JobStatus ---

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusPending, JobStatusRunning, true},
		{JobStatusRunning, JobStatusCompleted, true},
		{JobStatusRunning, JobStatusCompletedWithErrors, true},
		{JobStatusRunning, JobStatusCompletedNoItems, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusPending, JobStatusCompleted, false},
		{JobStatusRunning, JobStatusPending, false},
		{JobStatusCompleted, JobStatusRunning, false},
		{JobStatusFailed, JobStatusFailed, false},
		{JobStatusCompletedNoItems, JobStatusCompleted, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	for _, from := range AllJobStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range AllJobStatuses {
			if CanTransition(from, to) {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func TestJob_Lifecycle(t *testing.T) {
	job := &Job{ID: 1, Status: JobStatusPending}
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	if err := job.MarkRunning(start); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if job.StartedAt == nil || !job.StartedAt.Equal(start) {
		t.Fatalf("started_at = %v, want %v", job.StartedAt, start)
	}

	// Повторный MarkRunning запрещён и не сдвигает started_at
	if err := job.MarkRunning(start.Add(time.Minute)); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if !job.StartedAt.Equal(start) {
		t.Error("started_at must be set exactly once")
	}

	end := start.Add(5 * time.Minute)
	if err := job.Finish(JobStatusCompleted, nil, end); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if job.Duration() != 5*time.Minute {
		t.Errorf("duration = %v", job.Duration())
	}

	// Финальный статус нельзя получить дважды
	if err := job.Finish(JobStatusFailed, nil, end); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestJob_FinishRejectsNonTerminal(t *testing.T) {
	job := &Job{Status: JobStatusRunning}
	if err := job.Finish(JobStatusPending, nil, time.Now()); err == nil {
		t.Error("expected error for non-terminal status")
	}
}

func TestJob_FinishKeepsOrdering(t *testing.T) {
	start := time.Now()
	job := &Job{Status: JobStatusRunning, StartedAt: &start}

	// Часы "ушли назад" — completed_at не должен быть раньше started_at
	if err := job.Finish(JobStatusFailed, &ErrorDetails{Cause: "boom"}, start.Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	if job.CompletedAt.Before(*job.StartedAt) {
		t.Error("completed_at must not precede started_at")
	}
}

func TestJob_IsStuck(t *testing.T) {
	now := time.Now()
	started := now.Add(-7 * time.Hour)
	job := &Job{Status: JobStatusRunning, StartedAt: &started}

	if !job.IsStuck(now, 6*time.Hour) {
		t.Error("job running for 7h should be stuck with 6h timeout")
	}
	if job.IsStuck(now, 8*time.Hour) {
		t.Error("job should not be stuck with 8h timeout")
	}

	job.Status = JobStatusCompleted
	if job.IsStuck(now, time.Hour) {
		t.Error("finished job is never stuck")
	}
}

func TestErrorDetails_String(t *testing.T) {
	d := &ErrorDetails{
		Cause: "handler not registered: process/nonexistent",
		Step:  "transform",
		StepErrors: []StepError{
			{Step: "publish", Message: "2 of 3 items failed"},
		},
	}
	want := "transform: handler not registered: process/nonexistent; publish: 2 of 3 items failed"
	if got := d.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	var nilDetails *ErrorDetails
	if nilDetails.String() != "" {
		t.Error("nil details should render empty")
	}
}

// --- DataPacket ---

func TestDataPacket_WithMetadata(t *testing.T) {
	p := NewPacket(PacketTypeFetch, "http_fetch", "title", "body")
	p, err := p.WithMetadata(MetaSourceURL, "https://example.com/1")
	if err != nil {
		t.Fatal(err)
	}

	// Тот же ключ с тем же значением — не конфликт
	if _, err := p.WithMetadata(MetaSourceURL, "https://example.com/1"); err != nil {
		t.Errorf("same value should not conflict: %v", err)
	}

	// Другое значение — конфликт, исходный пакет не меняется
	_, err = p.WithMetadata(MetaSourceURL, "https://evil.example.com")
	if !errors.Is(err, ErrMetadataConflict) {
		t.Fatalf("expected ErrMetadataConflict, got %v", err)
	}
	if p.MetaString(MetaSourceURL) != "https://example.com/1" {
		t.Error("source_url must not be overwritten")
	}
}

func TestDataPacket_CopyOnWrite(t *testing.T) {
	p := NewPacket(PacketTypeFetch, "http_fetch", "title", "body")
	p.Content.Fields = map[string]any{"tags": []any{"a"}}

	q, _ := p.WithMetadata("lang", "en")
	q = q.WithStep("fetch")
	q.Content.Fields["tags"].([]any)[0] = "changed"

	if _, ok := p.Metadata["lang"]; ok {
		t.Error("original metadata must not change")
	}
	if len(p.History) != 0 {
		t.Error("original history must not change")
	}
	if p.Content.Fields["tags"].([]any)[0] != "a" {
		t.Error("nested fields must be deep-copied")
	}
}

func TestDataPacket_IdentitySurvivesSteps(t *testing.T) {
	p := NewPacket(PacketTypeFetch, "http_fetch", "title", "body")
	p, _ = p.WithMetadata(MetaSourceURL, "https://example.com/42")
	p, _ = p.WithMetadata(MetaItemIdentifier, "42")
	want := p.Identity()

	steps := []string{"fetch", "summarize", "translate", "publish", "update"}
	for i, step := range steps {
		p = p.Derive(PacketTypeProcess, "step").WithStep(step)
		p, _ = p.WithMetadata("extra_"+step, i)
	}

	got := p.Identity()
	for k, v := range want {
		if got[k] != v {
			t.Errorf("identity key %s = %v, want %v", k, got[k], v)
		}
	}
	if len(p.History) != len(steps) {
		t.Errorf("history = %v", p.History)
	}
}

func TestDataPacket_IsToolResult(t *testing.T) {
	tests := []struct {
		typ  PacketType
		want bool
	}{
		{PacketTypeToolResult, true},
		{PacketTypeAIHandlerComplete, true},
		{PacketTypeFetch, false},
		{PacketTypeProcess, false},
	}
	for _, tt := range tests {
		p := DataPacket{Type: tt.typ}
		if p.IsToolResult() != tt.want {
			t.Errorf("IsToolResult(%s) = %v", tt.typ, !tt.want)
		}
	}
}

// --- Flow / Pipeline ---

func TestFlow_StepSettings(t *testing.T) {
	step := StepDef{ID: "fetch", Settings: map[string]any{"url": "a", "limit": 10}}
	flow := &Flow{HandlerOverrides: map[string]map[string]any{
		"fetch": {"url": "b"},
	}}

	got := flow.StepSettings(step)
	if got["url"] != "b" || got["limit"] != 10 {
		t.Errorf("settings = %v", got)
	}
	if step.Settings["url"] != "a" {
		t.Error("pipeline settings must not be mutated")
	}
}

func TestStepDef_Timeout(t *testing.T) {
	if got := (StepDef{}).Timeout(time.Minute); got != time.Minute {
		t.Errorf("default timeout = %v", got)
	}
	if got := (StepDef{TimeoutSec: 5}).Timeout(time.Minute); got != 5*time.Second {
		t.Errorf("timeout = %v", got)
	}
}

func TestScheduling(t *testing.T) {
	if !(Scheduling{}).IsManual() {
		t.Error("empty interval is manual")
	}
	if !(Scheduling{Interval: IntervalManual}).IsManual() {
		t.Error("manual interval is manual")
	}
	if (Scheduling{Interval: "hourly", Status: ScheduleActive}).IsManual() {
		t.Error("hourly is not manual")
	}
}
