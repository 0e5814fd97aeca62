package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"shipping-ndr-rto-resolution-system/resolution/internal/models"
)

var ErrReturnEventNotFound = errors.New("return event not found")

type ReturnsRepo struct {
	pool *pgxpool.Pool
}

func NewReturnsRepo(pool *pgxpool.Pool) *ReturnsRepo {
	return &ReturnsRepo{pool: pool}
}

const returnEventColumns = `
	return_event_id, tenant_id, shipment_id, originating_failure_event_id, triggered_by,
	booking_status, booking_attempts, booking_error, reverse_shipment_ref, charges_cents,
	expected_return_date, actual_return_date, qc_outcome, created_at, updated_at`

func scanReturnEvent(row pgx.Row) (models.ReturnEvent, error) {
	var re models.ReturnEvent
	err := row.Scan(
		&re.ReturnEventID, &re.TenantID, &re.ShipmentID, &re.OriginatingFailureEventID, &re.TriggeredBy,
		&re.BookingStatus, &re.BookingAttempts, &re.BookingError, &re.ReverseShipmentRef, &re.ChargesCents,
		&re.ExpectedReturnDate, &re.ActualReturnDate, &re.QCOutcome, &re.CreatedAt, &re.UpdatedAt,
	)
	return re, err
}

// Create is idempotent on the originating failure event. The second caller
// for the same escalation gets the existing row and created = false.
func (r *ReturnsRepo) Create(ctx context.Context, re models.ReturnEvent) (models.ReturnEvent, bool, error) {
	if re.ReturnEventID == uuid.Nil {
		re.ReturnEventID = uuid.New()
	}
	now := time.Now().UTC()
	created, err := scanReturnEvent(r.pool.QueryRow(ctx, `
		INSERT INTO return_events (
			return_event_id, tenant_id, shipment_id, originating_failure_event_id, triggered_by,
			booking_status, booking_attempts, booking_error, charges_cents, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (originating_failure_event_id) DO NOTHING
		RETURNING`+returnEventColumns+`
	`, re.ReturnEventID, re.TenantID, re.ShipmentID, re.OriginatingFailureEventID, re.TriggeredBy,
		re.BookingStatus, re.BookingAttempts, re.BookingError, re.ChargesCents, now))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.ReturnEvent{}, false, err
	}

	existing, err := r.GetByFailureEvent(ctx, re.OriginatingFailureEventID)
	if err != nil {
		return models.ReturnEvent{}, false, err
	}
	return existing, false, nil
}

func (r *ReturnsRepo) GetByFailureEvent(ctx context.Context, failureEventID uuid.UUID) (models.ReturnEvent, error) {
	re, err := scanReturnEvent(r.pool.QueryRow(ctx, `
		SELECT`+returnEventColumns+`
		FROM return_events
		WHERE originating_failure_event_id = $1
	`, failureEventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ReturnEvent{}, ErrReturnEventNotFound
	}
	return re, err
}

func (r *ReturnsRepo) GetByID(ctx context.Context, returnEventID uuid.UUID) (models.ReturnEvent, error) {
	re, err := scanReturnEvent(r.pool.QueryRow(ctx, `
		SELECT`+returnEventColumns+`
		FROM return_events
		WHERE return_event_id = $1
	`, returnEventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ReturnEvent{}, ErrReturnEventNotFound
	}
	return re, err
}

// MarkBooked records the carrier-assigned reference. Only a pending row can
// move to booked, so a late duplicate booking result is ignored.
func (r *ReturnsRepo) MarkBooked(ctx context.Context, returnEventID uuid.UUID, reverseRef string, chargesCents int64, expectedReturn *time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE return_events
		SET booking_status = $2, reverse_shipment_ref = $3, charges_cents = $4,
		    expected_return_date = $5, booking_error = '', updated_at = now()
		WHERE return_event_id = $1 AND booking_status = $6
	`, returnEventID, models.BookingStatusBooked, reverseRef, chargesCents, expectedReturn, models.BookingStatusPendingBooking)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ReturnsRepo) MarkBookingFailed(ctx context.Context, returnEventID uuid.UUID, attempts int, bookingErr string, terminal bool) error {
	status := models.BookingStatusPendingBooking
	if terminal {
		status = models.BookingStatusFailed
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE return_events
		SET booking_status = $2, booking_attempts = $3, booking_error = $4, updated_at = now()
		WHERE return_event_id = $1 AND booking_status != $5
	`, returnEventID, status, attempts, bookingErr, models.BookingStatusBooked)
	return err
}

func (r *ReturnsRepo) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit int, offset int) ([]models.ReturnEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT`+returnEventColumns+`
		FROM return_events
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ReturnEvent
	for rows.Next() {
		re, err := scanReturnEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, rows.Err()
}
