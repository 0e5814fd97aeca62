// Package publish hands lifecycle events to the transactional outbox. The
// worker drains the table and produces to Kafka, so a crash between the
// state change and the publish never loses an event for long.
package publish

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"shipping-ndr-rto-resolution-system/shared/events"

	"shipping-ndr-rto-resolution-system/resolution/internal/models"
	"shipping-ndr-rto-resolution-system/resolution/internal/repos"
)

type OutboxWriter interface {
	Insert(ctx context.Context, db repos.DBTX, event models.OutboxEvent) (models.OutboxEvent, error)
}

type Publisher struct {
	outbox OutboxWriter
	db     repos.DBTX
}

func New(outbox OutboxWriter, db repos.DBTX) *Publisher {
	return &Publisher{outbox: outbox, db: db}
}

func (p *Publisher) Emit(ctx context.Context, fe models.FailureEvent, eventType string, payload map[string]any) error {
	return p.insert(ctx, fe.TenantID, models.AggregateTypeFailureEvent, fe.FailureEventID, eventType, events.TopicFor(eventType), payload)
}

func (p *Publisher) EmitReturn(ctx context.Context, re models.ReturnEvent, eventType string, payload map[string]any) error {
	return p.insert(ctx, re.TenantID, models.AggregateTypeReturnEvent, re.ReturnEventID, eventType, events.TopicFor(eventType), payload)
}

// NotifyEscalation lands on its own topic so on-call tooling can subscribe
// without filtering the full lifecycle stream.
func (p *Publisher) NotifyEscalation(ctx context.Context, fe models.FailureEvent, role string) error {
	return p.insert(ctx, fe.TenantID, models.AggregateTypeFailureEvent, fe.FailureEventID, "ndr.escalation.due", events.TopicEscalations, map[string]any{
		"failure_event_id": fe.FailureEventID.String(),
		"shipment_id":      fe.ShipmentID.String(),
		"escalate_to_role": role,
		"detected_at":      fe.DetectedAt,
	})
}

func (p *Publisher) insert(ctx context.Context, tenantID uuid.UUID, aggregateType string, aggregateID uuid.UUID, eventType string, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	envelope := events.New(tenantID, aggregateType, aggregateID, eventType, body)
	raw, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	_, err = p.outbox.Insert(ctx, p.db, models.OutboxEvent{
		EventID:       envelope.EventID,
		TenantID:      tenantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Topic:         topic,
		Payload:       raw,
	})
	return err
}
