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

var (
	ErrFailureEventNotFound = errors.New("failure event not found")
	ErrStaleVersion         = errors.New("stale failure event version")
)

type FailureEventsRepo struct {
	pool *pgxpool.Pool
}

func NewFailureEventsRepo(pool *pgxpool.Pool) *FailureEventsRepo {
	return &FailureEventsRepo{pool: pool}
}

const failureEventColumns = `
	failure_event_id, tenant_id, shipment_id, attempt_number, raw_reason, raw_signature,
	classified_category, classification_explanation, status, version, detected_at,
	resolution_deadline, workflow_snapshot, escalation_notified_at, created_at, updated_at`

func scanFailureEvent(row pgx.Row) (models.FailureEvent, error) {
	var fe models.FailureEvent
	err := row.Scan(
		&fe.FailureEventID, &fe.TenantID, &fe.ShipmentID, &fe.AttemptNumber, &fe.RawReason, &fe.RawSignature,
		&fe.ClassifiedCategory, &fe.ClassificationExplanation, &fe.Status, &fe.Version, &fe.DetectedAt,
		&fe.ResolutionDeadline, &fe.WorkflowSnapshot, &fe.EscalationNotifiedAt, &fe.CreatedAt, &fe.UpdatedAt,
	)
	return fe, err
}

// Create inserts a failure event unless the shipment already has an open one.
// The partial unique index on open statuses makes the insert race-safe: the
// loser re-reads the open event and reports created = false.
func (r *FailureEventsRepo) Create(ctx context.Context, fe models.FailureEvent) (models.FailureEvent, bool, error) {
	now := time.Now().UTC()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO failure_events (
			failure_event_id, tenant_id, shipment_id, attempt_number, raw_reason, raw_signature,
			classified_category, classification_explanation, status, version, detected_at,
			resolution_deadline, workflow_snapshot, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11, $12, $13, $13)
		ON CONFLICT (shipment_id) WHERE status IN ('detected', 'in_resolution', 'escalated') DO NOTHING
		RETURNING`+failureEventColumns+`
	`, fe.FailureEventID, fe.TenantID, fe.ShipmentID, fe.AttemptNumber, fe.RawReason, fe.RawSignature,
		fe.ClassifiedCategory, fe.ClassificationExplanation, fe.Status, fe.DetectedAt,
		fe.ResolutionDeadline, fe.WorkflowSnapshot, now)
	created, err := scanFailureEvent(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.FailureEvent{}, false, err
	}

	existing, err := r.GetOpenByShipment(ctx, fe.TenantID, fe.ShipmentID)
	if err != nil {
		return models.FailureEvent{}, false, err
	}
	return existing, false, nil
}

func (r *FailureEventsRepo) GetByID(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID) (models.FailureEvent, error) {
	fe, err := scanFailureEvent(r.pool.QueryRow(ctx, `
		SELECT`+failureEventColumns+`
		FROM failure_events
		WHERE tenant_id = $1 AND failure_event_id = $2
	`, tenantID, failureEventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FailureEvent{}, ErrFailureEventNotFound
	}
	return fe, err
}

func (r *FailureEventsRepo) GetOpenByShipment(ctx context.Context, tenantID uuid.UUID, shipmentID uuid.UUID) (models.FailureEvent, error) {
	fe, err := scanFailureEvent(r.pool.QueryRow(ctx, `
		SELECT`+failureEventColumns+`
		FROM failure_events
		WHERE tenant_id = $1 AND shipment_id = $2 AND status IN ('detected', 'in_resolution', 'escalated')
	`, tenantID, shipmentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FailureEvent{}, ErrFailureEventNotFound
	}
	return fe, err
}

// HasRecentDuplicate reports whether any failure event for the shipment
// carries the same raw signature inside the dedupe window.
func (r *FailureEventsRepo) HasRecentDuplicate(ctx context.Context, tenantID uuid.UUID, shipmentID uuid.UUID, rawSignature string, since time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM failure_events
			WHERE tenant_id = $1 AND shipment_id = $2 AND raw_signature = $3 AND detected_at >= $4
		)
	`, tenantID, shipmentID, rawSignature, since).Scan(&exists)
	return exists, err
}

func (r *FailureEventsRepo) MaxAttemptNumber(ctx context.Context, tenantID uuid.UUID, shipmentID uuid.UUID) (int, error) {
	var max int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(attempt_number), 0)
		FROM failure_events
		WHERE tenant_id = $1 AND shipment_id = $2
	`, tenantID, shipmentID).Scan(&max)
	return max, err
}

// AppendReattempt records a re-attempt failure on an already-open event.
// attempt_number increments and the deadline moves only when the workflow
// snapshot asked for it.
func (r *FailureEventsRepo) AppendReattempt(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, rawReason string, newDeadline *time.Time) (models.FailureEvent, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.FailureEvent{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	fe, err := scanFailureEvent(tx.QueryRow(ctx, `
		SELECT`+failureEventColumns+`
		FROM failure_events
		WHERE tenant_id = $1 AND failure_event_id = $2
		FOR UPDATE
	`, tenantID, failureEventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FailureEvent{}, ErrFailureEventNotFound
	}
	if err != nil {
		return models.FailureEvent{}, err
	}

	now := time.Now().UTC()
	deadline := fe.ResolutionDeadline
	if newDeadline != nil {
		deadline = newDeadline.UTC()
	}
	err = tx.QueryRow(ctx, `
		UPDATE failure_events
		SET attempt_number = attempt_number + 1,
		    raw_reason = $3,
		    resolution_deadline = $4,
		    version = version + 1,
		    updated_at = $5
		WHERE tenant_id = $1 AND failure_event_id = $2
		RETURNING attempt_number, version
	`, tenantID, failureEventID, rawReason, deadline, now).Scan(&fe.AttemptNumber, &fe.Version)
	if err != nil {
		return models.FailureEvent{}, err
	}
	fe.RawReason = rawReason
	fe.ResolutionDeadline = deadline
	fe.UpdatedAt = now

	if err := tx.Commit(ctx); err != nil {
		return models.FailureEvent{}, err
	}
	return fe, nil
}

// TransitionStatus is the single write path for status changes. The version
// check makes it a compare-and-swap: a stale caller gets swapped = false and
// must re-read instead of overwriting a concurrent transition.
func (r *FailureEventsRepo) TransitionStatus(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, fromVersion int64, toStatus string) (models.FailureEvent, bool, error) {
	fe, err := scanFailureEvent(r.pool.QueryRow(ctx, `
		UPDATE failure_events
		SET status = $4, version = version + 1, updated_at = $5
		WHERE tenant_id = $1 AND failure_event_id = $2 AND version = $3
		RETURNING`+failureEventColumns+`
	`, tenantID, failureEventID, fromVersion, toStatus, time.Now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FailureEvent{}, false, nil
	}
	if err != nil {
		return models.FailureEvent{}, false, err
	}
	return fe, true, nil
}

func (r *FailureEventsRepo) UpdateClassification(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, category string, explanation string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE failure_events
		SET classified_category = $3, classification_explanation = $4, updated_at = $5
		WHERE tenant_id = $1 AND failure_event_id = $2
	`, tenantID, failureEventID, category, explanation, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrFailureEventNotFound
	}
	return nil
}

func (r *FailureEventsRepo) SetWorkflowSnapshot(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, snapshot []byte) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE failure_events
		SET workflow_snapshot = $3, updated_at = $4
		WHERE tenant_id = $1 AND failure_event_id = $2
	`, tenantID, failureEventID, snapshot, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrFailureEventNotFound
	}
	return nil
}

// ListDeadlineExpired returns open events whose resolution deadline has
// passed, oldest deadline first.
func (r *FailureEventsRepo) ListDeadlineExpired(ctx context.Context, now time.Time, limit int) ([]models.FailureEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT`+failureEventColumns+`
		FROM failure_events
		WHERE status IN ('detected', 'in_resolution') AND resolution_deadline <= $1
		ORDER BY resolution_deadline ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFailureEvents(rows)
}

// ListEscalationCandidates returns open, un-notified events detected before
// the given bound. Whether the notification point has actually passed depends
// on the per-event workflow snapshot, so the caller evaluates that.
func (r *FailureEventsRepo) ListEscalationCandidates(ctx context.Context, detectedBefore time.Time, limit int) ([]models.FailureEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT`+failureEventColumns+`
		FROM failure_events
		WHERE status IN ('detected', 'in_resolution')
		  AND escalation_notified_at IS NULL
		  AND workflow_snapshot IS NOT NULL
		  AND detected_at <= $1
		ORDER BY detected_at ASC
		LIMIT $2
	`, detectedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFailureEvents(rows)
}

// MarkEscalationNotified records the notification exactly once.
func (r *FailureEventsRepo) MarkEscalationNotified(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE failure_events
		SET escalation_notified_at = $3, updated_at = $3
		WHERE tenant_id = $1 AND failure_event_id = $2 AND escalation_notified_at IS NULL
	`, tenantID, failureEventID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *FailureEventsRepo) List(ctx context.Context, tenantID uuid.UUID, status string, limit int, offset int) ([]models.FailureEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT`+failureEventColumns+`
		FROM failure_events
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY detected_at DESC
		LIMIT $3 OFFSET $4
	`, tenantID, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFailureEvents(rows)
}

func collectFailureEvents(rows pgx.Rows) ([]models.FailureEvent, error) {
	var out []models.FailureEvent
	for rows.Next() {
		fe, err := scanFailureEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fe)
	}
	return out, rows.Err()
}
