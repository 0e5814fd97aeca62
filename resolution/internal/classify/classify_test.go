package classify

import (
	"context"
	"errors"
	"testing"

	"shipping-ndr-rto-resolution-system/shared/logx"

	"shipping-ndr-rto-resolution-system/resolution/internal/models"
)

type stubProvider struct {
	category string
	err      error
	calls    int
}

func (p *stubProvider) Classify(ctx context.Context, tenantID string, carrier string, text string) (string, error) {
	p.calls++
	return p.category, p.err
}

func testService(p *stubProvider) *Service {
	return NewService(p, logx.New("classify-test", "test", "", "error"))
}

func TestClassifyUsesProviderCategory(t *testing.T) {
	svc := testService(&stubProvider{category: models.CategoryRefused})
	got := svc.Classify(context.Background(), "t1", "bluedart", "Consignee refused delivery", "")
	if got.Category != models.CategoryRefused {
		t.Fatalf("expected refused, got %s", got.Category)
	}
	if got.FromFallback {
		t.Fatalf("expected provider result, not fallback")
	}
}

func TestClassifyFallsBackOnProviderError(t *testing.T) {
	svc := testService(&stubProvider{err: errors.New("timeout")})
	got := svc.Classify(context.Background(), "t1", "bluedart", "Customer not available, phone switched off", "")
	if got.Category != models.CategoryCustomerUnavailable {
		t.Fatalf("expected customer_unavailable, got %s", got.Category)
	}
	if !got.FromFallback {
		t.Fatalf("expected fallback result")
	}
}

func TestClassifyFallsBackOnInvalidCategory(t *testing.T) {
	svc := testService(&stubProvider{category: "weather_delay"})
	got := svc.Classify(context.Background(), "t1", "delhivery", "Wrong address, pincode mismatch", "")
	if got.Category != models.CategoryAddressIssue {
		t.Fatalf("expected address_issue, got %s", got.Category)
	}
}

func TestClassifyDeterministicUnderProviderFailure(t *testing.T) {
	svc := testService(&stubProvider{err: errors.New("boom")})
	first := svc.Classify(context.Background(), "t1", "", "COD amount not ready", "customer asked to come tomorrow")
	for i := 0; i < 10; i++ {
		again := svc.Classify(context.Background(), "t1", "", "COD amount not ready", "customer asked to come tomorrow")
		if again.Category != first.Category {
			t.Fatalf("classification not deterministic: %s vs %s", first.Category, again.Category)
		}
	}
	if first.Category != models.CategoryPaymentIssue {
		t.Fatalf("expected payment_issue, got %s", first.Category)
	}
}

func TestClassifyNoMatchIsOther(t *testing.T) {
	svc := testService(&stubProvider{err: errors.New("down")})
	got := svc.Classify(context.Background(), "t1", "", "vehicle breakdown en route", "")
	if got.Category != models.CategoryOther {
		t.Fatalf("expected other, got %s", got.Category)
	}
}

func TestKeywordOrderStable(t *testing.T) {
	// Text matching both an address term and a refusal term must always
	// resolve to the earlier rule.
	category, term := KeywordCategory("refused due to wrong address")
	if category != models.CategoryAddressIssue {
		t.Fatalf("expected address_issue, got %s (term %q)", category, term)
	}
}

func TestBuildPromptBounded(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	text := buildPrompt(string(long), "tail")
	if len(text) > maxPromptLen {
		t.Fatalf("prompt not bounded: %d", len(text))
	}
}
