package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"shipping-ndr-rto-resolution-system/shared/cachex"

	"shipping-ndr-rto-resolution-system/resolution/internal/models"
)

// ErrWorkflowNotFound means neither a tenant override nor a global default
// exists for the category. That is a configuration gap, not a runtime
// condition to paper over.
var ErrWorkflowNotFound = errors.New("workflow definition not found")

type WorkflowsRepo struct {
	pool     *pgxpool.Pool
	cache    *cachex.Client
	cacheTTL time.Duration
}

func NewWorkflowsRepo(pool *pgxpool.Pool, cache *cachex.Client, cacheTTL time.Duration) *WorkflowsRepo {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &WorkflowsRepo{pool: pool, cache: cache, cacheTTL: cacheTTL}
}

// Resolve returns the tenant override for (category, tenant) when one is
// active, otherwise the global default. Results are cached briefly; the
// snapshot taken at event-open time is what actually pins execution.
func (r *WorkflowsRepo) Resolve(ctx context.Context, tenantID uuid.UUID, category string) (models.WorkflowDocument, error) {
	cacheKey := fmt.Sprintf("workflow:%s:%s", tenantID, category)
	if r.cache != nil {
		var doc models.WorkflowDocument
		if ok, err := r.cache.GetJSON(ctx, cacheKey, &doc); err == nil && ok {
			return doc, nil
		}
	}

	var raw []byte
	err := r.pool.QueryRow(ctx, `
		SELECT document
		FROM workflow_definitions
		WHERE category = $2 AND active AND (tenant_id = $1 OR tenant_id IS NULL)
		ORDER BY tenant_id NULLS LAST
		LIMIT 1
	`, tenantID, category).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WorkflowDocument{}, fmt.Errorf("%w: category %q", ErrWorkflowNotFound, category)
	}
	if err != nil {
		return models.WorkflowDocument{}, err
	}

	var doc models.WorkflowDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.WorkflowDocument{}, fmt.Errorf("decode workflow document: %w", err)
	}
	if r.cache != nil {
		_ = r.cache.SetJSON(ctx, cacheKey, doc, r.cacheTTL)
	}
	return doc, nil
}

func (r *WorkflowsRepo) Upsert(ctx context.Context, def models.WorkflowDefinition) (models.WorkflowDefinition, error) {
	if def.WorkflowID == uuid.Nil {
		def.WorkflowID = uuid.New()
	}
	now := time.Now().UTC()
	err := r.pool.QueryRow(ctx, `
		INSERT INTO workflow_definitions (workflow_id, tenant_id, category, document, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (category, COALESCE(tenant_id, '00000000-0000-0000-0000-000000000000'::uuid))
		DO UPDATE SET document = EXCLUDED.document, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at
		RETURNING workflow_id, tenant_id, category, document, active, created_at, updated_at
	`, def.WorkflowID, def.TenantID, def.Category, def.Document, def.Active, now).
		Scan(&def.WorkflowID, &def.TenantID, &def.Category, &def.Document, &def.Active, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return models.WorkflowDefinition{}, err
	}
	if r.cache != nil {
		tenantKey := ""
		if def.TenantID != nil {
			tenantKey = def.TenantID.String()
		}
		_ = r.cache.Delete(ctx, fmt.Sprintf("workflow:%s:%s", tenantKey, def.Category))
	}
	return def, nil
}

func (r *WorkflowsRepo) List(ctx context.Context, tenantID *uuid.UUID) ([]models.WorkflowDefinition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT workflow_id, tenant_id, category, document, active, created_at, updated_at
		FROM workflow_definitions
		WHERE ($1::uuid IS NULL AND tenant_id IS NULL) OR tenant_id = $1
		ORDER BY category ASC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []models.WorkflowDefinition
	for rows.Next() {
		var def models.WorkflowDefinition
		if err := rows.Scan(&def.WorkflowID, &def.TenantID, &def.Category, &def.Document, &def.Active, &def.CreatedAt, &def.UpdatedAt); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}
