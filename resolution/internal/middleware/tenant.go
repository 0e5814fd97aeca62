package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"shipping-ndr-rto-resolution-system/shared/authx"
	"shipping-ndr-rto-resolution-system/shared/httpx"
	"shipping-ndr-rto-resolution-system/shared/tenantx"

	"shipping-ndr-rto-resolution-system/resolution/internal/models"
	"shipping-ndr-rto-resolution-system/resolution/internal/repos"
)

type TenantLookup interface {
	GetByID(ctx context.Context, tenantID uuid.UUID) (models.Tenant, error)
}

type TenantMiddleware struct {
	Tenants TenantLookup
	Skip    func(*http.Request) bool
}

func (m TenantMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		raw := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		if raw == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant header", nil)
			return
		}
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "malformed tenant id", nil)
			return
		}

		if m.Tenants != nil {
			record, err := m.Tenants.GetByID(r.Context(), tenantID)
			if err != nil {
				if errors.Is(err, repos.ErrTenantNotFound) {
					httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "tenant not found", nil)
					return
				}
				httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to resolve tenant", nil)
				return
			}
			if record.Status != "" && record.Status != "active" {
				httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "tenant suspended", nil)
				return
			}
		}

		if auth, ok := authx.FromContext(r.Context()); ok {
			if err := validateTenantClaims(auth.Claims, tenantID.String()); err != nil {
				httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", err.Error(), nil)
				return
			}
		}

		ctx := tenantx.WithTenant(r.Context(), tenantx.TenantContext{ID: tenantID.String()})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validateTenantClaims(claims map[string]any, tenantID string) error {
	if claims == nil || tenantID == "" {
		return nil
	}
	if v, ok := claims["tenant_id"]; ok {
		claimTenantID := strings.TrimSpace(fmt.Sprint(v))
		if claimTenantID != "" && claimTenantID != tenantID {
			return errors.New("tenant claim mismatch")
		}
	}
	if v, ok := claims["tenants"]; ok {
		allowed := map[string]struct{}{}
		switch t := v.(type) {
		case []string:
			for _, item := range t {
				if item = strings.TrimSpace(item); item != "" {
					allowed[item] = struct{}{}
				}
			}
		case []any:
			for _, item := range t {
				if val := strings.TrimSpace(fmt.Sprint(item)); val != "" {
					allowed[val] = struct{}{}
				}
			}
		case string:
			for _, item := range strings.Fields(t) {
				allowed[item] = struct{}{}
			}
		}
		if len(allowed) > 0 {
			if _, ok := allowed[tenantID]; !ok {
				return errors.New("tenant not allowed")
			}
		}
	}
	return nil
}
