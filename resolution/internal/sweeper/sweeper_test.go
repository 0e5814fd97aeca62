package sweeper

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"shipping-ndr-rto-resolution-system/shared/logx"

	"shipping-ndr-rto-resolution-system/resolution/internal/models"
	"shipping-ndr-rto-resolution-system/resolution/internal/ndr"
)

type memStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]*models.FailureEvent
}

func newMemStore() *memStore {
	return &memStore{events: map[uuid.UUID]*models.FailureEvent{}}
}

func (m *memStore) put(fe models.FailureEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := fe
	m.events[fe.FailureEventID] = &copied
}

func (m *memStore) ListDeadlineExpired(ctx context.Context, now time.Time, limit int) ([]models.FailureEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FailureEvent
	for _, fe := range m.events {
		if ndr.Open(fe.Status) && !fe.ResolutionDeadline.After(now) {
			out = append(out, *fe)
		}
	}
	return out, nil
}

func (m *memStore) ListEscalationCandidates(ctx context.Context, detectedBefore time.Time, limit int) ([]models.FailureEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FailureEvent
	for _, fe := range m.events {
		if ndr.Open(fe.Status) && fe.EscalationNotifiedAt == nil && len(fe.WorkflowSnapshot) > 0 && !fe.DetectedAt.After(detectedBefore) {
			out = append(out, *fe)
		}
	}
	return out, nil
}

func (m *memStore) MarkEscalationNotified(ctx context.Context, tenantID uuid.UUID, failureEventID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fe, ok := m.events[failureEventID]
	if !ok || fe.EscalationNotifiedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	fe.EscalationNotifiedAt = &now
	return true, nil
}

// escalatingEngine mimics the engine's CAS: only an open event escalates,
// and only once.
type escalatingEngine struct {
	store *memStore
	mu    sync.Mutex
	calls int
}

func (e *escalatingEngine) Escalate(ctx context.Context, fe models.FailureEvent, triggeredBy string) error {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	current, ok := e.store.events[fe.FailureEventID]
	if !ok || !ndr.Open(current.Status) {
		return nil
	}
	current.Status = models.StatusRTOTriggered
	current.Version++
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) NotifyEscalation(ctx context.Context, fe models.FailureEvent, role string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, role)
	return nil
}

func snapshot(t *testing.T, after time.Duration, role string) []byte {
	t.Helper()
	raw, err := json.Marshal(models.WorkflowDocument{
		Escalation: models.Escalation{AfterDuration: models.Duration(after), EscalateToRole: role},
		RTOTrigger: models.RTOTrigger{AutoTrigger: true},
	})
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	return raw
}

func openEvent(t *testing.T, detectedAgo time.Duration, deadlineIn time.Duration) models.FailureEvent {
	t.Helper()
	now := time.Now().UTC()
	return models.FailureEvent{
		FailureEventID:     uuid.New(),
		TenantID:           uuid.New(),
		ShipmentID:         uuid.New(),
		Status:             models.StatusInResolution,
		Version:            1,
		DetectedAt:         now.Add(-detectedAgo),
		ResolutionDeadline: now.Add(deadlineIn),
		WorkflowSnapshot:   snapshot(t, 24*time.Hour, "ops_admin"),
	}
}

func TestSweepEscalatesExpiredExactlyOnce(t *testing.T) {
	store := newMemStore()
	engine := &escalatingEngine{store: store}
	s := New(store, engine, nil, logx.New("sweep-test", "test", "", "error"), 100)

	expired := openEvent(t, 50*time.Hour, -2*time.Hour)
	fresh := openEvent(t, time.Hour, 47*time.Hour)
	store.put(expired)
	store.put(fresh)

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("second Sweep: %v", err)
	}

	if engine.calls != 1 {
		t.Fatalf("expected exactly one escalation, got %d", engine.calls)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.events[expired.FailureEventID].Status != models.StatusRTOTriggered {
		t.Fatalf("expired event not escalated")
	}
	if store.events[fresh.FailureEventID].Status != models.StatusInResolution {
		t.Fatalf("fresh event must be untouched")
	}
}

func TestConcurrentSweepsStayExactlyOnce(t *testing.T) {
	store := newMemStore()
	engine := &escalatingEngine{store: store}
	s := New(store, engine, nil, logx.New("sweep-test", "test", "", "error"), 100)
	store.put(openEvent(t, 50*time.Hour, -time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Sweep(context.Background())
		}()
	}
	wg.Wait()

	if engine.calls != 1 {
		t.Fatalf("expected exactly one escalation under concurrency, got %d", engine.calls)
	}
}

func TestNotifyOverdueFiresOnce(t *testing.T) {
	store := newMemStore()
	engine := &escalatingEngine{store: store}
	notifier := &recordingNotifier{}
	s := New(store, engine, notifier, logx.New("sweep-test", "test", "", "error"), 100)

	// Past the 24h notification point but inside the 48h deadline.
	overdue := openEvent(t, 30*time.Hour, 18*time.Hour)
	store.put(overdue)

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("second Sweep: %v", err)
	}

	if len(notifier.calls) != 1 || notifier.calls[0] != "ops_admin" {
		t.Fatalf("expected one ops_admin notification, got %v", notifier.calls)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.events[overdue.FailureEventID].Status != models.StatusInResolution {
		t.Fatalf("notification must not change status")
	}
}

func TestNotifySkipsEventsInsideWindow(t *testing.T) {
	store := newMemStore()
	notifier := &recordingNotifier{}
	s := New(store, &escalatingEngine{store: store}, notifier, logx.New("sweep-test", "test", "", "error"), 100)
	store.put(openEvent(t, 2*time.Hour, 46*time.Hour))

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(notifier.calls) != 0 {
		t.Fatalf("no notification expected inside the window, got %v", notifier.calls)
	}
}
