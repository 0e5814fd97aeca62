package rto

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"shipping-ndr-rto-resolution-system/shared/clients/carrier"
	"shipping-ndr-rto-resolution-system/shared/logx"

	"shipping-ndr-rto-resolution-system/resolution/internal/models"
)

type memReturnStore struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*models.ReturnEvent
	byEvent map[uuid.UUID]uuid.UUID
}

func newMemReturnStore() *memReturnStore {
	return &memReturnStore{byID: map[uuid.UUID]*models.ReturnEvent{}, byEvent: map[uuid.UUID]uuid.UUID{}}
}

func (m *memReturnStore) Create(ctx context.Context, re models.ReturnEvent) (models.ReturnEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existingID, ok := m.byEvent[re.OriginatingFailureEventID]; ok {
		return *m.byID[existingID], false, nil
	}
	re.ReturnEventID = uuid.New()
	copied := re
	m.byID[re.ReturnEventID] = &copied
	m.byEvent[re.OriginatingFailureEventID] = re.ReturnEventID
	return copied, true, nil
}

func (m *memReturnStore) GetByID(ctx context.Context, returnEventID uuid.UUID) (models.ReturnEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	re, ok := m.byID[returnEventID]
	if !ok {
		return models.ReturnEvent{}, errors.New("not found")
	}
	return *re, nil
}

func (m *memReturnStore) MarkBooked(ctx context.Context, returnEventID uuid.UUID, reverseRef string, chargesCents int64, expectedReturn *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	re, ok := m.byID[returnEventID]
	if !ok || re.BookingStatus != models.BookingStatusPendingBooking {
		return false, nil
	}
	re.BookingStatus = models.BookingStatusBooked
	re.ReverseShipmentRef = &reverseRef
	re.ChargesCents = chargesCents
	re.ExpectedReturnDate = expectedReturn
	return true, nil
}

func (m *memReturnStore) MarkBookingFailed(ctx context.Context, returnEventID uuid.UUID, attempts int, bookingErr string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	re, ok := m.byID[returnEventID]
	if !ok {
		return errors.New("not found")
	}
	re.BookingAttempts = attempts
	re.BookingError = bookingErr
	if terminal {
		re.BookingStatus = models.BookingStatusFailed
	} else {
		re.BookingStatus = models.BookingStatusPendingBooking
	}
	return nil
}

type stubShipments struct{ shipment models.Shipment }

func (s stubShipments) GetByID(ctx context.Context, tenantID uuid.UUID, shipmentID uuid.UUID) (models.Shipment, error) {
	return s.shipment, nil
}

type stubGateway struct {
	mu        sync.Mutex
	bookResp  carrier.ReversePickupResponse
	bookErr   error
	bookCalls int
	rateResp  carrier.RateResponse
	rateErr   error
}

func (g *stubGateway) QuoteReturnRate(ctx context.Context, req carrier.RateRequest) (carrier.RateResponse, error) {
	return g.rateResp, g.rateErr
}

func (g *stubGateway) BookReversePickup(ctx context.Context, req carrier.ReversePickupRequest) (carrier.ReversePickupResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bookCalls++
	return g.bookResp, g.bookErr
}

type recordingRetry struct {
	calls []time.Duration
}

func (r *recordingRetry) ScheduleBookingRetry(ctx context.Context, tenantID uuid.UUID, returnEventID uuid.UUID, delay time.Duration) error {
	r.calls = append(r.calls, delay)
	return nil
}

func sampleFailure() models.FailureEvent {
	return models.FailureEvent{
		FailureEventID: uuid.New(),
		TenantID:       uuid.New(),
		ShipmentID:     uuid.New(),
	}
}

func newCoordinator(store *memReturnStore, gateway *stubGateway, retry *recordingRetry) *Coordinator {
	shipment := models.Shipment{
		TrackingID:      "TRK1",
		Carrier:         "delhivery",
		DeliveryAddress: "12 Old Street",
		PickupAddress:   "Warehouse 4",
	}
	return NewCoordinator(store, stubShipments{shipment: shipment}, gateway, retry, nil, logx.New("rto-test", "test", "", "error"), 3)
}

func TestEscalateBooksReversePickup(t *testing.T) {
	store := newMemReturnStore()
	gateway := &stubGateway{
		bookResp: carrier.ReversePickupResponse{BookingReference: "RVP-1", ChargesCents: 9900},
		rateResp: carrier.RateResponse{ChargesCents: 8800},
	}
	coord := newCoordinator(store, gateway, &recordingRetry{})

	re, err := coord.Escalate(context.Background(), sampleFailure(), models.TriggeredByWorkflowAction)
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	stored, err := store.GetByID(context.Background(), re.ReturnEventID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.BookingStatus != models.BookingStatusBooked {
		t.Fatalf("expected booked, got %s", stored.BookingStatus)
	}
	if stored.ReverseShipmentRef == nil || *stored.ReverseShipmentRef != "RVP-1" {
		t.Fatalf("expected carrier reference, got %v", stored.ReverseShipmentRef)
	}
	if stored.ChargesCents != 9900 {
		t.Fatalf("expected booking charges to win, got %d", stored.ChargesCents)
	}
}

func TestEscalateIdempotentOnFailureEvent(t *testing.T) {
	store := newMemReturnStore()
	gateway := &stubGateway{bookResp: carrier.ReversePickupResponse{BookingReference: "RVP-2"}}
	coord := newCoordinator(store, gateway, &recordingRetry{})

	fe := sampleFailure()
	first, err := coord.Escalate(context.Background(), fe, models.TriggeredByWorkflowAction)
	if err != nil {
		t.Fatalf("first Escalate: %v", err)
	}
	second, err := coord.Escalate(context.Background(), fe, models.TriggeredByDeadlineSweep)
	if err != nil {
		t.Fatalf("second Escalate: %v", err)
	}
	if first.ReturnEventID != second.ReturnEventID {
		t.Fatalf("expected same return event, got %s and %s", first.ReturnEventID, second.ReturnEventID)
	}
	if gateway.bookCalls != 1 {
		t.Fatalf("second escalation must not re-book, got %d calls", gateway.bookCalls)
	}
	if len(store.byID) != 1 {
		t.Fatalf("expected exactly one return event, got %d", len(store.byID))
	}
}

func TestBookingFailureStaysPendingWithoutFabricatedRef(t *testing.T) {
	store := newMemReturnStore()
	gateway := &stubGateway{bookErr: errors.New("carrier api error: status 503")}
	retry := &recordingRetry{}
	coord := newCoordinator(store, gateway, retry)

	re, err := coord.Escalate(context.Background(), sampleFailure(), models.TriggeredByDeadlineSweep)
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	stored, _ := store.GetByID(context.Background(), re.ReturnEventID)
	if stored.BookingStatus != models.BookingStatusPendingBooking {
		t.Fatalf("expected pending_booking, got %s", stored.BookingStatus)
	}
	if stored.ReverseShipmentRef != nil {
		t.Fatalf("no reference may be fabricated on failure, got %v", *stored.ReverseShipmentRef)
	}
	if stored.BookingError == "" {
		t.Fatalf("failure reason must be recorded")
	}
	if len(retry.calls) != 1 {
		t.Fatalf("expected one scheduled retry, got %d", len(retry.calls))
	}
}

func TestUnserviceableRejectionIsTerminal(t *testing.T) {
	store := newMemReturnStore()
	gateway := &stubGateway{bookErr: carrier.ErrRejected}
	retry := &recordingRetry{}
	coord := newCoordinator(store, gateway, retry)

	re, err := coord.Escalate(context.Background(), sampleFailure(), models.TriggeredByWorkflowAction)
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	stored, _ := store.GetByID(context.Background(), re.ReturnEventID)
	if stored.BookingStatus != models.BookingStatusFailed {
		t.Fatalf("expected terminal failed, got %s", stored.BookingStatus)
	}
	if len(retry.calls) != 0 {
		t.Fatalf("terminal rejection must not schedule a retry")
	}
}

func TestRetryBookingSucceedsLater(t *testing.T) {
	store := newMemReturnStore()
	gateway := &stubGateway{bookErr: errors.New("timeout")}
	retry := &recordingRetry{}
	coord := newCoordinator(store, gateway, retry)

	re, err := coord.Escalate(context.Background(), sampleFailure(), models.TriggeredByDeadlineSweep)
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}

	gateway.bookErr = nil
	gateway.bookResp = carrier.ReversePickupResponse{BookingReference: "RVP-9", ChargesCents: 4500}
	if err := coord.RetryBooking(context.Background(), re.ReturnEventID); err != nil {
		t.Fatalf("RetryBooking: %v", err)
	}
	stored, _ := store.GetByID(context.Background(), re.ReturnEventID)
	if stored.BookingStatus != models.BookingStatusBooked {
		t.Fatalf("expected booked after retry, got %s", stored.BookingStatus)
	}

	// A retry job firing after success is a no-op.
	if err := coord.RetryBooking(context.Background(), re.ReturnEventID); err != nil {
		t.Fatalf("late RetryBooking: %v", err)
	}
	if gateway.bookCalls != 2 {
		t.Fatalf("expected 2 booking calls, got %d", gateway.bookCalls)
	}
}
