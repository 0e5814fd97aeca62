package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	TopicCarrierTracking = "carrier.tracking"
	TopicNDREvents       = "ndr.events"
	TopicRTOEvents       = "rto.events"
	TopicEscalations     = "ndr.escalations"
)

const (
	EventActionExecuted   = "ndr.action.executed"
	EventFailureResolved  = "ndr.failure.resolved"
	EventFailureEscalated = "ndr.failure.escalated"
	EventRTOTriggered     = "rto.triggered"
	EventReturnCreated    = "rto.return.created"
	EventReturnBooked     = "rto.return.booked"
	EventBookingFailed    = "rto.booking.failed"
)

// TopicFor routes an event type to its outbox topic.
func TopicFor(eventType string) string {
	if strings.HasPrefix(eventType, "rto.") {
		return TopicRTOEvents
	}
	return TopicNDREvents
}

// New stamps a fresh envelope around an already-marshalled payload.
func New(tenantID uuid.UUID, aggregateType string, aggregateID uuid.UUID, eventType string, payload json.RawMessage) Envelope {
	return Envelope{
		EventID:       uuid.New(),
		TenantID:      tenantID,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
	}
}
