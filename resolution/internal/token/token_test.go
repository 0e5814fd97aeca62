package token

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"shipping-ndr-rto-resolution-system/resolution/internal/models"
)

type memTokenStore struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]*models.AddressUpdateToken
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{tokens: map[uuid.UUID]*models.AddressUpdateToken{}}
}

func (m *memTokenStore) Insert(ctx context.Context, token models.AddressUpdateToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := token
	m.tokens[token.TokenID] = &copied
	return nil
}

func (m *memTokenStore) Consume(ctx context.Context, tokenID uuid.UUID, now time.Time) (models.AddressUpdateToken, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[tokenID]
	if !ok || token.ConsumedAt != nil || !token.ExpiresAt.After(now) {
		return models.AddressUpdateToken{}, false, nil
	}
	token.ConsumedAt = &now
	return *token, true, nil
}

func newTestService(t *testing.T, ttl time.Duration) (*Service, *memTokenStore) {
	t.Helper()
	store := newMemTokenStore()
	svc, err := NewService(store, "test-secret-please-rotate", ttl, "https://links.example.com")
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store
}

func sampleEvent() models.FailureEvent {
	return models.FailureEvent{
		FailureEventID: uuid.New(),
		TenantID:       uuid.New(),
		ShipmentID:     uuid.New(),
	}
}

func TestIssueAndConsumeRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, 48*time.Hour)
	fe := sampleEvent()

	signed, err := svc.Issue(context.Background(), fe)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	record, err := svc.ValidateAndConsume(context.Background(), signed)
	if err != nil {
		t.Fatalf("ValidateAndConsume: %v", err)
	}
	if record.ShipmentID != fe.ShipmentID || record.FailureEventID != fe.FailureEventID {
		t.Fatalf("token bound to wrong identifiers: %+v", record)
	}
}

func TestSecondConsumeIsInvalid(t *testing.T) {
	svc, _ := newTestService(t, 48*time.Hour)
	signed, err := svc.Issue(context.Background(), sampleEvent())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.ValidateAndConsume(context.Background(), signed); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if _, err := svc.ValidateAndConsume(context.Background(), signed); !errors.Is(err, ErrInvalid) {
		t.Fatalf("second consume must be invalid, got %v", err)
	}
}

func TestConcurrentConsumeExactlyOnce(t *testing.T) {
	svc, _ := newTestService(t, 48*time.Hour)
	signed, err := svc.Issue(context.Background(), sampleEvent())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	var successes int32
	var mu sync.Mutex
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ValidateAndConsume(context.Background(), signed); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if successes != 1 {
		t.Fatalf("expected exactly one successful consume, got %d", successes)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	svc, _ := newTestService(t, time.Minute)
	base := time.Now().UTC()
	svc.now = func() time.Time { return base }

	signed, err := svc.Issue(context.Background(), sampleEvent())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := svc.ValidateAndConsume(context.Background(), signed); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expired token must be invalid, got %v", err)
	}
}

func TestForgedTokenRejected(t *testing.T) {
	svc, _ := newTestService(t, 48*time.Hour)
	other, err := NewService(newMemTokenStore(), "different-secret", 48*time.Hour, "")
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	forged, err := other.Issue(context.Background(), sampleEvent())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.ValidateAndConsume(context.Background(), forged); !errors.Is(err, ErrInvalid) {
		t.Fatalf("forged token must be invalid, got %v", err)
	}
}

func TestGarbageTokenRejected(t *testing.T) {
	svc, _ := newTestService(t, 48*time.Hour)
	for _, raw := range []string{"", "  ", "not.a.jwt", "aaaa.bbbb.cccc"} {
		if _, err := svc.ValidateAndConsume(context.Background(), raw); !errors.Is(err, ErrInvalid) {
			t.Fatalf("raw %q must be invalid, got %v", raw, err)
		}
	}
}

func TestIssueLinkCarriesToken(t *testing.T) {
	svc, _ := newTestService(t, 48*time.Hour)
	link, err := svc.IssueLink(context.Background(), sampleEvent())
	if err != nil {
		t.Fatalf("IssueLink: %v", err)
	}
	if !strings.HasPrefix(link, "https://links.example.com/address-update?token=") {
		t.Fatalf("unexpected link %q", link)
	}
}
