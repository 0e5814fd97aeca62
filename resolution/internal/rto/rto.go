package rto

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"shipping-ndr-rto-resolution-system/shared/clients/carrier"
	"shipping-ndr-rto-resolution-system/shared/events"
	"shipping-ndr-rto-resolution-system/shared/logx"
	"shipping-ndr-rto-resolution-system/shared/metricsx"

	"shipping-ndr-rto-resolution-system/resolution/internal/models"
)

var ErrBookingExhausted = errors.New("reverse booking retries exhausted")

type ReturnStore interface {
	Create(ctx context.Context, re models.ReturnEvent) (models.ReturnEvent, bool, error)
	GetByID(ctx context.Context, returnEventID uuid.UUID) (models.ReturnEvent, error)
	MarkBooked(ctx context.Context, returnEventID uuid.UUID, reverseRef string, chargesCents int64, expectedReturn *time.Time) (bool, error)
	MarkBookingFailed(ctx context.Context, returnEventID uuid.UUID, attempts int, bookingErr string, terminal bool) error
}

type ShipmentStore interface {
	GetByID(ctx context.Context, tenantID uuid.UUID, shipmentID uuid.UUID) (models.Shipment, error)
}

type CarrierGateway interface {
	QuoteReturnRate(ctx context.Context, req carrier.RateRequest) (carrier.RateResponse, error)
	BookReversePickup(ctx context.Context, req carrier.ReversePickupRequest) (carrier.ReversePickupResponse, error)
}

// RetryScheduler defers another booking attempt.
type RetryScheduler interface {
	ScheduleBookingRetry(ctx context.Context, tenantID uuid.UUID, returnEventID uuid.UUID, delay time.Duration) error
}

type Publisher interface {
	EmitReturn(ctx context.Context, re models.ReturnEvent, eventType string, payload map[string]any) error
}

type Coordinator struct {
	returns   ReturnStore
	shipments ShipmentStore
	carrier   CarrierGateway
	scheduler RetryScheduler
	publisher Publisher
	logger    logx.Logger
	retryMax  int
}

func NewCoordinator(returns ReturnStore, shipments ShipmentStore, gateway CarrierGateway, scheduler RetryScheduler, publisher Publisher, logger logx.Logger, retryMax int) *Coordinator {
	if retryMax <= 0 {
		retryMax = 5
	}
	return &Coordinator{
		returns:   returns,
		shipments: shipments,
		carrier:   gateway,
		scheduler: scheduler,
		publisher: publisher,
		logger:    logger,
		retryMax:  retryMax,
	}
}

// Escalate creates the return record for a failure event and attempts the
// reverse booking. Idempotent on the originating failure event: a repeat
// call returns the existing record untouched.
func (c *Coordinator) Escalate(ctx context.Context, fe models.FailureEvent, triggeredBy string) (models.ReturnEvent, error) {
	re := models.ReturnEvent{
		TenantID:                  fe.TenantID,
		ShipmentID:                fe.ShipmentID,
		OriginatingFailureEventID: fe.FailureEventID,
		TriggeredBy:               triggeredBy,
		BookingStatus:             models.BookingStatusPendingBooking,
	}

	created, fresh, err := c.returns.Create(ctx, re)
	if err != nil {
		return models.ReturnEvent{}, err
	}
	if !fresh {
		return created, nil
	}

	c.logger.Info(ctx, "rto_escalated", "return event created",
		slog.String("return_event_id", created.ReturnEventID.String()),
		slog.String("failure_event_id", fe.FailureEventID.String()),
		slog.String("triggered_by", triggeredBy),
	)
	if c.publisher != nil {
		_ = c.publisher.EmitReturn(ctx, created, events.EventReturnCreated, map[string]any{"triggered_by": triggeredBy})
	}

	if _, err := c.attemptBooking(ctx, &created); err != nil {
		return models.ReturnEvent{}, err
	}
	return created, nil
}

// RetryBooking is the deferred-job entry point for a pending booking.
func (c *Coordinator) RetryBooking(ctx context.Context, returnEventID uuid.UUID) error {
	re, err := c.returns.GetByID(ctx, returnEventID)
	if err != nil {
		return err
	}
	if re.BookingStatus != models.BookingStatusPendingBooking {
		return nil
	}
	_, err = c.attemptBooking(ctx, &re)
	return err
}

// attemptBooking quotes and books the reverse leg. On failure the record
// stays pending_booking with the reason recorded; no reference is ever
// synthesized.
func (c *Coordinator) attemptBooking(ctx context.Context, re *models.ReturnEvent) (bool, error) {
	shipment, err := c.shipments.GetByID(ctx, re.TenantID, re.ShipmentID)
	if err != nil {
		return false, err
	}

	charges := re.ChargesCents
	if charges == 0 {
		quote, err := c.carrier.QuoteReturnRate(ctx, carrier.RateRequest{
			ShipmentID: re.ShipmentID.String(),
			Carrier:    shipment.Carrier,
		})
		if err == nil {
			charges = quote.ChargesCents
		} else {
			c.logger.Warn(ctx, "rto_rate_quote_failed", "booking proceeds without a quote",
				slog.String("return_event_id", re.ReturnEventID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	resp, err := c.carrier.BookReversePickup(ctx, carrier.ReversePickupRequest{
		ShipmentID:    re.ShipmentID.String(),
		TrackingID:    shipment.TrackingID,
		Carrier:       shipment.Carrier,
		PickupAddress: shipment.DeliveryAddress,
		ReturnAddress: shipment.PickupAddress,
		Reason:        "ndr_unresolved",
	})
	if err != nil {
		return false, c.recordBookingFailure(ctx, re, err)
	}
	if resp.ChargesCents > 0 {
		charges = resp.ChargesCents
	}

	var expectedReturn *time.Time
	if resp.EstimatedPickup != "" {
		if eta, parseErr := time.Parse(time.RFC3339, resp.EstimatedPickup); parseErr == nil {
			eta = eta.UTC()
			expectedReturn = &eta
		}
	}

	booked, err := c.returns.MarkBooked(ctx, re.ReturnEventID, resp.BookingReference, charges, expectedReturn)
	if err != nil {
		return false, err
	}
	if booked {
		re.BookingStatus = models.BookingStatusBooked
		re.ReverseShipmentRef = &resp.BookingReference
		re.ChargesCents = charges
		metricsx.IncRTOBooking("booked")
		c.logger.Info(ctx, "rto_booked", "reverse pickup booked",
			slog.String("return_event_id", re.ReturnEventID.String()),
			slog.String("reverse_ref", resp.BookingReference),
		)
		if c.publisher != nil {
			_ = c.publisher.EmitReturn(ctx, *re, events.EventReturnBooked, map[string]any{"reverse_ref": resp.BookingReference})
		}
	}
	return booked, nil
}

func (c *Coordinator) recordBookingFailure(ctx context.Context, re *models.ReturnEvent, cause error) error {
	attempts := re.BookingAttempts + 1
	terminal := errors.Is(cause, carrier.ErrRejected) || attempts >= c.retryMax
	if err := c.returns.MarkBookingFailed(ctx, re.ReturnEventID, attempts, cause.Error(), terminal); err != nil {
		return err
	}
	re.BookingAttempts = attempts

	metricsx.IncRTOBooking("failed")
	c.logger.Error(ctx, "booking_failed", "reverse pickup booking failed",
		slog.String("return_event_id", re.ReturnEventID.String()),
		slog.Int("attempts", attempts),
		slog.Bool("terminal", terminal),
		slog.String("error", cause.Error()),
	)
	if terminal {
		if c.publisher != nil {
			_ = c.publisher.EmitReturn(ctx, *re, events.EventBookingFailed, map[string]any{"error": cause.Error()})
		}
		return nil
	}
	if c.scheduler != nil {
		return c.scheduler.ScheduleBookingRetry(ctx, re.TenantID, re.ReturnEventID, bookingBackoff(attempts))
	}
	return nil
}

func bookingBackoff(attempt int) time.Duration {
	d := time.Duration(attempt*attempt) * 5 * time.Minute
	if d > 2*time.Hour {
		d = 2 * time.Hour
	}
	return d
}
