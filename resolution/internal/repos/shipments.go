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

var ErrShipmentNotFound = errors.New("shipment not found")

type ShipmentsRepo struct {
	pool *pgxpool.Pool
}

func NewShipmentsRepo(pool *pgxpool.Pool) *ShipmentsRepo {
	return &ShipmentsRepo{pool: pool}
}

const shipmentColumns = `
	shipment_id, tenant_id, tracking_id, carrier, status, customer_name,
	customer_phone, delivery_address, pickup_address, created_at, updated_at`

func scanShipment(row pgx.Row) (models.Shipment, error) {
	var s models.Shipment
	err := row.Scan(
		&s.ShipmentID, &s.TenantID, &s.TrackingID, &s.Carrier, &s.Status, &s.CustomerName,
		&s.CustomerPhone, &s.DeliveryAddress, &s.PickupAddress, &s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

func (r *ShipmentsRepo) GetByID(ctx context.Context, tenantID uuid.UUID, shipmentID uuid.UUID) (models.Shipment, error) {
	s, err := scanShipment(r.pool.QueryRow(ctx, `
		SELECT`+shipmentColumns+`
		FROM shipments
		WHERE tenant_id = $1 AND shipment_id = $2
	`, tenantID, shipmentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Shipment{}, ErrShipmentNotFound
	}
	return s, err
}

func (r *ShipmentsRepo) GetByTracking(ctx context.Context, tenantID uuid.UUID, trackingID string) (models.Shipment, error) {
	s, err := scanShipment(r.pool.QueryRow(ctx, `
		SELECT`+shipmentColumns+`
		FROM shipments
		WHERE tenant_id = $1 AND tracking_id = $2
	`, tenantID, trackingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Shipment{}, ErrShipmentNotFound
	}
	return s, err
}

func (r *ShipmentsRepo) UpdateDeliveryAddress(ctx context.Context, tenantID uuid.UUID, shipmentID uuid.UUID, address string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE shipments
		SET delivery_address = $3, updated_at = $4
		WHERE tenant_id = $1 AND shipment_id = $2
	`, tenantID, shipmentID, address, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrShipmentNotFound
	}
	return nil
}

func (r *ShipmentsRepo) SetStatus(ctx context.Context, tenantID uuid.UUID, shipmentID uuid.UUID, status string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE shipments
		SET status = $3, updated_at = $4
		WHERE tenant_id = $1 AND shipment_id = $2
	`, tenantID, shipmentID, status, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrShipmentNotFound
	}
	return nil
}
