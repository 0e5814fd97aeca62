package sweeper

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"shipping-ndr-rto-resolution-system/shared/logx"
	"shipping-ndr-rto-resolution-system/shared/metricsx"

	"shipping-ndr-rto-resolution-system/resolution/internal/models"
)

type FailureStore interface {
	ListDeadlineExpired(ctx context.Context, now time.Time, limit int) ([]models.FailureEvent, error)
	ListEscalationCandidates(ctx context.Context, detectedBefore time.Time, limit int) ([]models.FailureEvent, error)
	MarkEscalationNotified(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID) (bool, error)
}

// EscalationEngine is the engine surface the sweeper drives. Its
// compare-and-swap semantics make a concurrent sweep safe.
type EscalationEngine interface {
	Escalate(ctx context.Context, fe models.FailureEvent, triggeredBy string) error
}

// Notifier tells the escalation role about an event that has been open past
// its notification point. Side effect only; status is untouched.
type Notifier interface {
	NotifyEscalation(ctx context.Context, fe models.FailureEvent, role string) error
}

type Sweeper struct {
	failures  FailureStore
	engine    EscalationEngine
	notifier  Notifier
	logger    logx.Logger
	batchSize int
	now       func() time.Time
}

func New(failures FailureStore, engine EscalationEngine, notifier Notifier, logger logx.Logger, batchSize int) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		failures:  failures,
		engine:    engine,
		notifier:  notifier,
		logger:    logger,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Sweep forces expired open events to RTO and fires overdue escalation
// notifications. Both halves are idempotent, so overlapping runs from
// multiple workers only cost wasted reads.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.now()

	expired, err := s.failures.ListDeadlineExpired(ctx, now, s.batchSize)
	if err != nil {
		return err
	}
	for _, fe := range expired {
		if err := s.engine.Escalate(ctx, fe, models.TriggeredByDeadlineSweep); err != nil {
			s.logger.Error(ctx, "sweep_escalate_failed", "leaving event for the next sweep",
				slog.String("failure_event_id", fe.FailureEventID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		metricsx.IncSweeperEscalation()
		s.logger.Info(ctx, "sweep_escalated", "deadline passed, forced to RTO",
			slog.String("failure_event_id", fe.FailureEventID.String()),
			slog.String("shipment_id", fe.ShipmentID.String()),
			slog.Time("deadline", fe.ResolutionDeadline),
		)
	}

	if s.notifier == nil {
		return nil
	}
	return s.notifyOverdue(ctx, now)
}

func (s *Sweeper) notifyOverdue(ctx context.Context, now time.Time) error {
	candidates, err := s.failures.ListEscalationCandidates(ctx, now, s.batchSize)
	if err != nil {
		return err
	}
	for _, fe := range candidates {
		var doc models.WorkflowDocument
		if err := json.Unmarshal(fe.WorkflowSnapshot, &doc); err != nil {
			continue
		}
		after := doc.Escalation.AfterDuration.Std()
		if after <= 0 || doc.Escalation.EscalateToRole == "" {
			continue
		}
		if now.Sub(fe.DetectedAt) < after {
			continue
		}

		marked, err := s.failures.MarkEscalationNotified(ctx, fe.TenantID, fe.FailureEventID)
		if err != nil {
			return err
		}
		if !marked {
			continue
		}
		if err := s.notifier.NotifyEscalation(ctx, fe, doc.Escalation.EscalateToRole); err != nil {
			s.logger.Error(ctx, "escalation_notify_failed", "notification lost, mark already set",
				slog.String("failure_event_id", fe.FailureEventID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
