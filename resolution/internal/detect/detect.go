package detect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"shipping-ndr-rto-resolution-system/shared/logx"
	"shipping-ndr-rto-resolution-system/shared/metricsx"

	"shipping-ndr-rto-resolution-system/resolution/internal/classify"
	"shipping-ndr-rto-resolution-system/resolution/internal/models"
	"shipping-ndr-rto-resolution-system/resolution/internal/repos"
)

// TrackingUpdate is one event off the carrier feed. Delivery is
// at-least-once, so the service has to absorb duplicates.
type TrackingUpdate struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	ShipmentID uuid.UUID `json:"shipment_id"`
	Status     string    `json:"status"`
	Remarks    string    `json:"remarks"`
	Location   string    `json:"location"`
	Carrier    string    `json:"carrier"`
	OccurredAt time.Time `json:"occurred_at"`
}

var defaultFailureStatuses = []string{
	"undelivered", "delivery_failed", "ndr", "refused", "unreachable", "not_delivered",
}

type FailureStore interface {
	HasRecentDuplicate(ctx context.Context, tenantID uuid.UUID, shipmentID uuid.UUID, rawSignature string, since time.Time) (bool, error)
	GetOpenByShipment(ctx context.Context, tenantID uuid.UUID, shipmentID uuid.UUID) (models.FailureEvent, error)
	Create(ctx context.Context, fe models.FailureEvent) (models.FailureEvent, bool, error)
	AppendReattempt(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, rawReason string, newDeadline *time.Time) (models.FailureEvent, error)
	MaxAttemptNumber(ctx context.Context, tenantID uuid.UUID, shipmentID uuid.UUID) (int, error)
	UpdateClassification(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, category string, explanation string) error
}

type TenantStore interface {
	GetByID(ctx context.Context, tenantID uuid.UUID) (models.Tenant, error)
}

// WorkflowOpener hands a freshly classified failure event to the engine.
type WorkflowOpener interface {
	Open(ctx context.Context, fe models.FailureEvent) error
}

type Service struct {
	failures         FailureStore
	tenants          TenantStore
	classifier       *classify.Service
	opener           WorkflowOpener
	logger           logx.Logger
	resolutionWindow time.Duration
	dedupeWindow     time.Duration
}

func NewService(failures FailureStore, tenants TenantStore, classifier *classify.Service, opener WorkflowOpener, logger logx.Logger, resolutionWindow time.Duration, dedupeWindow time.Duration) *Service {
	if resolutionWindow <= 0 {
		resolutionWindow = 48 * time.Hour
	}
	if dedupeWindow <= 0 {
		dedupeWindow = 24 * time.Hour
	}
	return &Service{
		failures:         failures,
		tenants:          tenants,
		classifier:       classifier,
		opener:           opener,
		logger:           logger,
		resolutionWindow: resolutionWindow,
		dedupeWindow:     dedupeWindow,
	}
}

// Handle inspects one tracking update. Non-failure statuses and duplicates
// are no-ops; everything else either appends to the open failure event or
// opens a new one. The service itself never raises business errors upward,
// only storage errors the consumer should retry.
func (s *Service) Handle(ctx context.Context, update TrackingUpdate) error {
	status := strings.ToLower(strings.TrimSpace(update.Status))
	if status == "" || update.ShipmentID == uuid.Nil {
		return nil
	}

	failureStatuses := defaultFailureStatuses
	if s.tenants != nil {
		tenant, err := s.tenants.GetByID(ctx, update.TenantID)
		if err == nil && len(tenant.FailureStatuses) > 0 {
			failureStatuses = tenant.FailureStatuses
		}
	}
	if !contains(failureStatuses, status) {
		return nil
	}

	log := s.logger.With(
		slog.String("tenant_id", update.TenantID.String()),
		slog.String("shipment_id", update.ShipmentID.String()),
	)

	signature := RawSignature(status, update.Remarks)
	dup, err := s.failures.HasRecentDuplicate(ctx, update.TenantID, update.ShipmentID, signature, time.Now().UTC().Add(-s.dedupeWindow))
	if err != nil {
		return err
	}
	if dup {
		metricsx.IncDuplicateEvent()
		log.Debug(ctx, "failure_duplicate_ignored", "duplicate tracking event inside dedupe window")
		return nil
	}

	open, err := s.failures.GetOpenByShipment(ctx, update.TenantID, update.ShipmentID)
	if err == nil {
		return s.appendReattempt(ctx, log, open, update)
	}
	if !errors.Is(err, repos.ErrFailureEventNotFound) {
		return err
	}

	return s.openNewFailure(ctx, log, update, status, signature)
}

func (s *Service) appendReattempt(ctx context.Context, log logx.Logger, open models.FailureEvent, update TrackingUpdate) error {
	var newDeadline *time.Time
	if len(open.WorkflowSnapshot) > 0 {
		var doc models.WorkflowDocument
		if err := json.Unmarshal(open.WorkflowSnapshot, &doc); err == nil && doc.ReattemptResetsDeadline {
			deadline := time.Now().UTC().Add(s.resolutionWindow)
			newDeadline = &deadline
		}
	}

	updated, err := s.failures.AppendReattempt(ctx, update.TenantID, open.FailureEventID, rawReason(update), newDeadline)
	if err != nil {
		return err
	}
	log.Info(ctx, "failure_reattempt_recorded", "re-attempt failure appended to open event",
		slog.String("failure_event_id", updated.FailureEventID.String()),
		slog.Int("attempt_number", updated.AttemptNumber),
	)
	return nil
}

func (s *Service) openNewFailure(ctx context.Context, log logx.Logger, update TrackingUpdate, status string, signature string) error {
	maxAttempt, err := s.failures.MaxAttemptNumber(ctx, update.TenantID, update.ShipmentID)
	if err != nil {
		return err
	}

	window := s.resolutionWindow
	if s.tenants != nil {
		if tenant, err := s.tenants.GetByID(ctx, update.TenantID); err == nil && tenant.ResolutionWindowHours > 0 {
			window = time.Duration(tenant.ResolutionWindowHours) * time.Hour
		}
	}

	detectedAt := update.OccurredAt.UTC()
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}

	fe := models.FailureEvent{
		FailureEventID:     uuid.New(),
		TenantID:           update.TenantID,
		ShipmentID:         update.ShipmentID,
		AttemptNumber:      maxAttempt + 1,
		RawReason:          rawReason(update),
		RawSignature:       signature,
		ClassifiedCategory: models.CategoryOther,
		Status:             models.StatusDetected,
		DetectedAt:         detectedAt,
		ResolutionDeadline: detectedAt.Add(window),
	}

	// Persist first so a classifier crash cannot lose the detection.
	created, fresh, err := s.failures.Create(ctx, fe)
	if err != nil {
		return err
	}
	if !fresh {
		// Lost a create race to a concurrent consumer; the winner owns
		// classification and workflow start.
		log.Debug(ctx, "failure_create_race_lost", "open failure event already exists")
		return nil
	}

	result := s.classifier.Classify(ctx, update.TenantID.String(), update.Carrier, update.Status, update.Remarks)
	if err := s.failures.UpdateClassification(ctx, created.TenantID, created.FailureEventID, result.Category, result.Explanation); err != nil {
		log.Error(ctx, "failure_classify_persist_failed", "keeping category=other", slog.String("error", err.Error()))
	} else {
		created.ClassifiedCategory = result.Category
		created.ClassificationExplanation = result.Explanation
	}

	metricsx.IncFailureDetected(created.ClassifiedCategory)
	log.Info(ctx, "failure_detected", "new failure event opened",
		slog.String("failure_event_id", created.FailureEventID.String()),
		slog.String("category", created.ClassifiedCategory),
		slog.Int("attempt_number", created.AttemptNumber),
	)

	if s.opener != nil {
		if err := s.opener.Open(ctx, created); err != nil {
			return err
		}
	}
	return nil
}

// RawSignature normalizes a status+remarks pair for duplicate suppression.
func RawSignature(status string, remarks string) string {
	normalized := strings.ToLower(strings.TrimSpace(status)) + "|" + strings.ToLower(strings.TrimSpace(remarks))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func rawReason(update TrackingUpdate) string {
	reason := strings.TrimSpace(update.Status)
	if remarks := strings.TrimSpace(update.Remarks); remarks != "" {
		reason += ": " + remarks
	}
	if location := strings.TrimSpace(update.Location); location != "" {
		reason += " (" + location + ")"
	}
	return reason
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}
