package models

import (
	"time"

	"github.com/google/uuid"
)

// Failure categories. Classification output is validated against this set;
// anything else degrades to CategoryOther.
const (
	CategoryAddressIssue        = "address_issue"
	CategoryCustomerUnavailable = "customer_unavailable"
	CategoryRefused             = "refused"
	CategoryPaymentIssue        = "payment_issue"
	CategoryOther               = "other"
)

// Failure event statuses. Resolved and RTOTriggered are terminal.
const (
	StatusDetected     = "detected"
	StatusInResolution = "in_resolution"
	StatusResolved     = "resolved"
	StatusEscalated    = "escalated"
	StatusRTOTriggered = "rto_triggered"
)

// Resolution action types.
const (
	ActionContactCustomer      = "contact_customer"
	ActionSendMessage          = "send_message"
	ActionRequestAddressUpdate = "request_address_update"
	ActionRequestReattempt     = "request_reattempt"
	ActionTriggerRTO           = "trigger_rto"
)

// Action results.
const (
	ResultPending           = "pending"
	ResultExecuted          = "executed"
	ResultResolvedCase      = "resolved_case"
	ResultNoResolution      = "no_resolution"
	ResultFailedPermanently = "failed_permanently"
	ResultCancelled         = "cancelled"
)

// ReturnEvent trigger sources.
const (
	TriggeredByWorkflowAction = "workflow_action"
	TriggeredByDeadlineSweep  = "deadline_sweep"
	TriggeredByManual         = "manual"
)

// ReturnEvent booking statuses.
const (
	BookingStatusBooked         = "booked"
	BookingStatusPendingBooking = "pending_booking"
	BookingStatusFailed         = "failed"
)

func ValidCategory(category string) bool {
	switch category {
	case CategoryAddressIssue, CategoryCustomerUnavailable, CategoryRefused, CategoryPaymentIssue, CategoryOther:
		return true
	}
	return false
}

func TerminalStatus(status string) bool {
	return status == StatusResolved || status == StatusRTOTriggered
}

type FailureEvent struct {
	FailureEventID            uuid.UUID
	TenantID                  uuid.UUID
	ShipmentID                uuid.UUID
	AttemptNumber             int
	RawReason                 string
	RawSignature              string
	ClassifiedCategory        string
	ClassificationExplanation string
	Status                    string
	Version                   int64
	DetectedAt                time.Time
	ResolutionDeadline        time.Time
	WorkflowSnapshot          []byte
	EscalationNotifiedAt      *time.Time
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

type ResolutionAction struct {
	ActionID       uuid.UUID
	TenantID       uuid.UUID
	FailureEventID uuid.UUID
	Sequence       int
	ActionType     string
	Result         string
	OutcomeNote    string
	ScheduledAt    time.Time
	ExecutedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WorkflowDefinition rows hold the JSON document; WorkflowDocument is the
// decoded form and the shape snapshotted onto a FailureEvent at open time.
type WorkflowDefinition struct {
	WorkflowID uuid.UUID
	TenantID   *uuid.UUID
	Category   string
	Document   []byte
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type WorkflowDocument struct {
	Category                string           `json:"category"`
	Actions                 []WorkflowAction `json:"actions"`
	Escalation              Escalation       `json:"escalation"`
	RTOTrigger              RTOTrigger       `json:"rto_trigger"`
	ReattemptResetsDeadline bool             `json:"reattempt_resets_deadline"`
}

type WorkflowAction struct {
	Sequence           int               `json:"sequence"`
	ActionType         string            `json:"action_type"`
	DelayAfterPrevious Duration          `json:"delay_after_previous"`
	AutoExecute        bool              `json:"auto_execute"`
	Config             map[string]string `json:"config,omitempty"`
}

type Escalation struct {
	AfterDuration  Duration `json:"after_duration"`
	EscalateToRole string   `json:"escalate_to_role"`
}

type RTOTrigger struct {
	MaxAttempts int      `json:"max_attempts"`
	MaxDuration Duration `json:"max_duration"`
	AutoTrigger bool     `json:"auto_trigger"`
}

type AddressUpdateToken struct {
	TokenID        uuid.UUID
	TenantID       uuid.UUID
	ShipmentID     uuid.UUID
	FailureEventID uuid.UUID
	Purpose        string
	IssuedAt       time.Time
	ExpiresAt      time.Time
	ConsumedAt     *time.Time
}

type ReturnEvent struct {
	ReturnEventID             uuid.UUID
	TenantID                  uuid.UUID
	ShipmentID                uuid.UUID
	OriginatingFailureEventID uuid.UUID
	TriggeredBy               string
	BookingStatus             string
	BookingAttempts           int
	BookingError              string
	ReverseShipmentRef        *string
	ChargesCents              int64
	ExpectedReturnDate        *time.Time
	ActualReturnDate          *time.Time
	QCOutcome                 *string
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

type Shipment struct {
	ShipmentID      uuid.UUID
	TenantID        uuid.UUID
	TrackingID      string
	Carrier         string
	Status          string
	CustomerName    string
	CustomerPhone   string
	DeliveryAddress string
	PickupAddress   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Tenant struct {
	TenantID              uuid.UUID
	Name                  string
	Status                string
	ResolutionWindowHours int
	FailureStatuses       []string
	CreatedAt             time.Time
}

type OutboxEvent struct {
	EventID       uuid.UUID
	TenantID      uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	Topic         string
	Payload       []byte
	Status        string
	Attempts      int
	NextRetryAt   *time.Time
	LockedAt      *time.Time
	LockedBy      *string
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PublishedAt   *time.Time
}

const (
	AggregateTypeFailureEvent = "failure_event"
	AggregateTypeReturnEvent  = "return_event"
)
