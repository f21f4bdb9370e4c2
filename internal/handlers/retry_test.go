package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := retryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Backoff: backoffExponential}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := p.delay(tt.attempt); got != tt.want {
			t.Errorf("delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	p.Backoff = backoffFixed
	if got := p.delay(4); got != 100*time.Millisecond {
		t.Errorf("fixed delay = %v", got)
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := parseRetryPolicy(map[string]any{"retry_on_status": []any{float64(503)}})

	if !p.shouldRetry(&HTTPError{StatusCode: 503}) {
		t.Error("503 should be retried")
	}
	if p.shouldRetry(&HTTPError{StatusCode: 404}) {
		t.Error("404 should not be retried")
	}
	if !p.shouldRetry(errors.New("connection refused")) {
		t.Error("transport errors should be retried")
	}
	if p.shouldRetry(ErrCancelled) {
		t.Error("cancellation should not be retried")
	}
	if p.shouldRetry(nil) {
		t.Error("success should not be retried")
	}
}

func TestParseRetryPolicy_Defaults(t *testing.T) {
	p := parseRetryPolicy(map[string]any{})

	if p.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want 1", p.MaxAttempts)
	}
	if len(p.OnStatus) != len(defaultRetryStatuses) {
		t.Errorf("OnStatus = %v", p.OnStatus)
	}
}

func TestHTTPFetch_RetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items": [{"id": 1, "title": "One"}]}`))
	}))
	defer server.Close()

	resp, err := NewHTTPFetch().Execute(context.Background(), &Request{
		Settings: map[string]any{
			"url":            server.URL,
			"items_field":    "items",
			"retry_attempts": 3,
			"retry_delay_ms": 1,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
	if len(resp.Packets) != 1 {
		t.Errorf("expected 1 packet, got %d", len(resp.Packets))
	}
}

func TestHTTPFetch_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewHTTPFetch().Execute(context.Background(), &Request{
		Settings: map[string]any{"url": server.URL, "retry_attempts": 2, "retry_delay_ms": 1},
	})
	if !IsHTTPError(err) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}
