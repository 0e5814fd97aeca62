package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"shipping-ndr-rto-resolution-system/resolution/internal/models"
)

var ErrTenantNotFound = errors.New("tenant not found")

type TenantsRepo struct {
	pool *pgxpool.Pool
}

func NewTenantsRepo(pool *pgxpool.Pool) *TenantsRepo {
	return &TenantsRepo{pool: pool}
}

func (r *TenantsRepo) GetByID(ctx context.Context, tenantID uuid.UUID) (models.Tenant, error) {
	var tenant models.Tenant
	err := r.pool.QueryRow(ctx, `
		SELECT tenant_id, name, status, resolution_window_hours, failure_statuses, created_at
		FROM tenants
		WHERE tenant_id = $1
	`, tenantID).Scan(&tenant.TenantID, &tenant.Name, &tenant.Status, &tenant.ResolutionWindowHours, &tenant.FailureStatuses, &tenant.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Tenant{}, ErrTenantNotFound
	}
	return tenant, err
}
