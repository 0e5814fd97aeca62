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

var ErrTokenNotFound = errors.New("address update token not found")

type TokensRepo struct {
	pool *pgxpool.Pool
}

func NewTokensRepo(pool *pgxpool.Pool) *TokensRepo {
	return &TokensRepo{pool: pool}
}

func (r *TokensRepo) Insert(ctx context.Context, token models.AddressUpdateToken) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO address_update_tokens (token_id, tenant_id, shipment_id, failure_event_id, purpose, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, token.TokenID, token.TenantID, token.ShipmentID, token.FailureEventID, token.Purpose, token.IssuedAt, token.ExpiresAt)
	return err
}

func (r *TokensRepo) Get(ctx context.Context, tokenID uuid.UUID) (models.AddressUpdateToken, error) {
	var token models.AddressUpdateToken
	err := r.pool.QueryRow(ctx, `
		SELECT token_id, tenant_id, shipment_id, failure_event_id, purpose, issued_at, expires_at, consumed_at
		FROM address_update_tokens
		WHERE token_id = $1
	`, tokenID).Scan(&token.TokenID, &token.TenantID, &token.ShipmentID, &token.FailureEventID, &token.Purpose, &token.IssuedAt, &token.ExpiresAt, &token.ConsumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AddressUpdateToken{}, ErrTokenNotFound
	}
	return token, err
}

// Consume stamps consumed_at exactly once. Two racing callers both issue the
// update; only one matches the NULL guard, so the row count is the decider.
func (r *TokensRepo) Consume(ctx context.Context, tokenID uuid.UUID, now time.Time) (models.AddressUpdateToken, bool, error) {
	var token models.AddressUpdateToken
	err := r.pool.QueryRow(ctx, `
		UPDATE address_update_tokens
		SET consumed_at = $2
		WHERE token_id = $1 AND consumed_at IS NULL AND expires_at > $2
		RETURNING token_id, tenant_id, shipment_id, failure_event_id, purpose, issued_at, expires_at, consumed_at
	`, tokenID, now.UTC()).Scan(&token.TokenID, &token.TenantID, &token.ShipmentID, &token.FailureEventID, &token.Purpose, &token.IssuedAt, &token.ExpiresAt, &token.ConsumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AddressUpdateToken{}, false, nil
	}
	if err != nil {
		return models.AddressUpdateToken{}, false, err
	}
	return token, true, nil
}
