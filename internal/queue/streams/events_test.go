package streams

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidateBasic(t *testing.T) {
	env := Envelope{
		EventID:        "e1",
		EventType:      EventTaskEnqueued,
		PayloadVersion: PayloadVersionV1,
		Data:           json.RawMessage(`{}`),
	}
	if err := env.ValidateBasic(); err != nil {
		t.Fatalf("ValidateBasic: %v", err)
	}
	if env.OccurredAt.IsZero() {
		t.Error("OccurredAt not defaulted")
	}

	bad := Envelope{EventType: EventTaskEnqueued}
	if err := bad.ValidateBasic(); err == nil {
		t.Error("expected error for missing event_id")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		EventID:        "e1",
		EventType:      EventTaskTransition,
		OccurredAt:     time.Now().UTC(),
		PayloadVersion: PayloadVersionV1,
		Data:           json.RawMessage(`{"task_id":"t1"}`),
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if got.EventID != env.EventID || got.EventType != env.EventType {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestTaskSchemaRegistryValidates(t *testing.T) {
	reg, err := NewTaskSchemaRegistry()
	if err != nil {
		t.Fatalf("NewTaskSchemaRegistry: %v", err)
	}

	enq, _ := json.Marshal(TaskEnqueued{
		TaskID:     "t1",
		Query:      "what changed in http semantics",
		EnqueuedAt: time.Now().UTC(),
	})
	if err := reg.Validate(EventTaskEnqueued, PayloadVersionV1, enq); err != nil {
		t.Errorf("valid task.enqueued rejected: %v", err)
	}

	if err := reg.Validate(EventTaskEnqueued, PayloadVersionV1, []byte(`{"query":"missing id"}`)); err == nil {
		t.Error("task.enqueued without task_id accepted")
	}

	trans, _ := json.Marshal(TaskTransition{
		TaskID:     "t1",
		Status:     "executing",
		Version:    3,
		OccurredAt: time.Now().UTC(),
	})
	if err := reg.Validate(EventTaskTransition, PayloadVersionV1, trans); err != nil {
		t.Errorf("valid task.transition rejected: %v", err)
	}

	if err := reg.Validate(EventTaskTransition, PayloadVersionV1, []byte(`{"task_id":"t1","status":"half-done","version":1,"occurred_at":"2026-01-01T00:00:00Z"}`)); err == nil {
		t.Error("task.transition with unknown status accepted")
	}

	if err := reg.Validate("task.unknown", PayloadVersionV1, enq); err == nil {
		t.Error("unregistered event type accepted")
	}
}
