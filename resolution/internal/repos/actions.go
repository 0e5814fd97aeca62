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

var ErrActionNotFound = errors.New("resolution action not found")

type ActionsRepo struct {
	pool *pgxpool.Pool
}

func NewActionsRepo(pool *pgxpool.Pool) *ActionsRepo {
	return &ActionsRepo{pool: pool}
}

const actionColumns = `
	action_id, tenant_id, failure_event_id, sequence, action_type, result,
	outcome_note, scheduled_at, executed_at, created_at, updated_at`

func scanAction(row pgx.Row) (models.ResolutionAction, error) {
	var a models.ResolutionAction
	err := row.Scan(
		&a.ActionID, &a.TenantID, &a.FailureEventID, &a.Sequence, &a.ActionType, &a.Result,
		&a.OutcomeNote, &a.ScheduledAt, &a.ExecutedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

// CreateForEvent materializes the workflow snapshot's actions as rows, all
// pending. The conflict clause makes replays of the open step harmless.
func (r *ActionsRepo) CreateForEvent(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID, actions []models.WorkflowAction) error {
	now := time.Now().UTC()
	for _, action := range actions {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO resolution_actions (
				action_id, tenant_id, failure_event_id, sequence, action_type, result,
				scheduled_at, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			ON CONFLICT (failure_event_id, sequence) DO NOTHING
		`, uuid.New(), tenantID, failureEventID, action.Sequence, action.ActionType, models.ResultPending, now, now)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *ActionsRepo) Get(ctx context.Context, failureEventID uuid.UUID, sequence int) (models.ResolutionAction, error) {
	a, err := scanAction(r.pool.QueryRow(ctx, `
		SELECT`+actionColumns+`
		FROM resolution_actions
		WHERE failure_event_id = $1 AND sequence = $2
	`, failureEventID, sequence))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ResolutionAction{}, ErrActionNotFound
	}
	return a, err
}

func (r *ActionsRepo) ListByEvent(ctx context.Context, failureEventID uuid.UUID) ([]models.ResolutionAction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT`+actionColumns+`
		FROM resolution_actions
		WHERE failure_event_id = $1
		ORDER BY sequence ASC
	`, failureEventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ResolutionAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetScheduledAt records when a pending action is due to run.
func (r *ActionsRepo) SetScheduledAt(ctx context.Context, failureEventID uuid.UUID, sequence int, scheduledAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE resolution_actions
		SET scheduled_at = $3, updated_at = $4
		WHERE failure_event_id = $1 AND sequence = $2 AND executed_at IS NULL
	`, failureEventID, sequence, scheduledAt.UTC(), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrActionNotFound
	}
	return nil
}

// RecordResult stamps an action exactly once. A second writer sees
// recorded = false and must not overwrite the first outcome.
func (r *ActionsRepo) RecordResult(ctx context.Context, failureEventID uuid.UUID, sequence int, result string, outcomeNote string) (bool, error) {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE resolution_actions
		SET result = $3, outcome_note = $4, executed_at = $5, updated_at = $5
		WHERE failure_event_id = $1 AND sequence = $2 AND executed_at IS NULL
	`, failureEventID, sequence, result, outcomeNote, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CancelPending marks every unexecuted action cancelled, used when the event
// leaves the open superstate before the workflow finishes.
func (r *ActionsRepo) CancelPending(ctx context.Context, failureEventID uuid.UUID) (int, error) {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE resolution_actions
		SET result = $2, executed_at = $3, updated_at = $3
		WHERE failure_event_id = $1 AND executed_at IS NULL
	`, failureEventID, models.ResultCancelled, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// CustomerContacted reports whether any contact-style action has executed.
func (r *ActionsRepo) CustomerContacted(ctx context.Context, failureEventID uuid.UUID) (bool, error) {
	var contacted bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM resolution_actions
			WHERE failure_event_id = $1
			  AND action_type IN ($2, $3)
			  AND executed_at IS NOT NULL
			  AND result NOT IN ($4, $5)
		)
	`, failureEventID, models.ActionContactCustomer, models.ActionSendMessage,
		models.ResultCancelled, models.ResultFailedPermanently).Scan(&contacted)
	return contacted, err
}
