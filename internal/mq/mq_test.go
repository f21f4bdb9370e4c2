package mq

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewMessage_DecodePayload(t *testing.T) {
	msg, err := NewMessage(MessageTypeJobPending, JobPendingPayload{JobID: 42})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ID == "" || msg.Type != MessageTypeJobPending {
		t.Errorf("unexpected envelope: %+v", msg)
	}

	// конверт переживает сериализацию, как при доставке из очереди
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var delivered Message
	if err := json.Unmarshal(body, &delivered); err != nil {
		t.Fatal(err)
	}

	payload, err := DecodePayload[JobPendingPayload](&delivered)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.JobID != 42 {
		t.Errorf("expected job_id 42, got %d", payload.JobID)
	}
}

func TestDecodePayload_Poison(t *testing.T) {
	msg := &Message{Type: MessageTypeJobPending, Payload: json.RawMessage(`{"job_id":"nope"}`)}

	_, err := DecodePayload[JobPendingPayload](msg)
	if !errors.Is(err, ErrPoison) {
		t.Errorf("expected ErrPoison, got %v", err)
	}
}
