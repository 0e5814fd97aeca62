package publish

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"shipping-ndr-rto-resolution-system/shared/events"

	"shipping-ndr-rto-resolution-system/resolution/internal/models"
	"shipping-ndr-rto-resolution-system/resolution/internal/repos"
)

type memOutbox struct {
	rows []models.OutboxEvent
}

func (m *memOutbox) Insert(_ context.Context, _ repos.DBTX, event models.OutboxEvent) (models.OutboxEvent, error) {
	m.rows = append(m.rows, event)
	return event, nil
}

func TestEmitWrapsEnvelope(t *testing.T) {
	out := &memOutbox{}
	p := New(out, nil)
	fe := models.FailureEvent{
		FailureEventID: uuid.New(),
		TenantID:       uuid.New(),
		ShipmentID:     uuid.New(),
	}

	if err := p.Emit(context.Background(), fe, events.EventFailureResolved, map[string]any{"note": "done"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(out.rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(out.rows))
	}
	row := out.rows[0]
	if row.Topic != events.TopicNDREvents {
		t.Fatalf("topic = %q", row.Topic)
	}
	if row.AggregateType != models.AggregateTypeFailureEvent || row.AggregateID != fe.FailureEventID {
		t.Fatalf("aggregate = %s/%s", row.AggregateType, row.AggregateID)
	}

	var envelope events.Envelope
	if err := json.Unmarshal(row.Payload, &envelope); err != nil {
		t.Fatalf("payload not an envelope: %v", err)
	}
	if envelope.EventType != events.EventFailureResolved {
		t.Fatalf("event_type = %q", envelope.EventType)
	}
	if envelope.EventID != row.EventID {
		t.Fatalf("event id mismatch")
	}
	var body map[string]any
	if err := json.Unmarshal(envelope.Payload, &body); err != nil || body["note"] != "done" {
		t.Fatalf("inner payload = %v (%v)", body, err)
	}
}

func TestReturnEventsRouteToRTOTopic(t *testing.T) {
	out := &memOutbox{}
	p := New(out, nil)
	re := models.ReturnEvent{ReturnEventID: uuid.New(), TenantID: uuid.New()}

	if err := p.EmitReturn(context.Background(), re, events.EventReturnBooked, nil); err != nil {
		t.Fatalf("EmitReturn: %v", err)
	}
	if out.rows[0].Topic != events.TopicRTOEvents {
		t.Fatalf("topic = %q", out.rows[0].Topic)
	}
	if out.rows[0].AggregateType != models.AggregateTypeReturnEvent {
		t.Fatalf("aggregate type = %q", out.rows[0].AggregateType)
	}
}

func TestEscalationNoticesGetOwnTopic(t *testing.T) {
	out := &memOutbox{}
	p := New(out, nil)
	fe := models.FailureEvent{FailureEventID: uuid.New(), TenantID: uuid.New(), ShipmentID: uuid.New()}

	if err := p.NotifyEscalation(context.Background(), fe, "ops_manager"); err != nil {
		t.Fatalf("NotifyEscalation: %v", err)
	}
	if out.rows[0].Topic != events.TopicEscalations {
		t.Fatalf("topic = %q", out.rows[0].Topic)
	}
	var envelope events.Envelope
	if err := json.Unmarshal(out.rows[0].Payload, &envelope); err != nil {
		t.Fatalf("payload: %v", err)
	}
	var body map[string]any
	_ = json.Unmarshal(envelope.Payload, &body)
	if body["escalate_to_role"] != "ops_manager" {
		t.Fatalf("role = %v", body["escalate_to_role"])
	}
}
