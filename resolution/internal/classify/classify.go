package classify

import (
	"context"
	"log/slog"
	"strings"

	"shipping-ndr-rto-resolution-system/shared/logx"
	"shipping-ndr-rto-resolution-system/shared/metricsx"

	"shipping-ndr-rto-resolution-system/resolution/internal/models"
)

const maxPromptLen = 512

// Provider is the external text classifier. Errors and invalid categories
// both route through the keyword fallback.
type Provider interface {
	Classify(ctx context.Context, tenantID string, carrier string, text string) (string, error)
}

type Result struct {
	Category     string
	Explanation  string
	FromFallback bool
}

type Service struct {
	provider Provider
	logger   logx.Logger
}

func NewService(provider Provider, logger logx.Logger) *Service {
	return &Service{provider: provider, logger: logger}
}

// Classify never fails upward. The provider gets one shot (its client
// already retries once internally); anything short of a valid category
// degrades to the deterministic keyword rules.
func (s *Service) Classify(ctx context.Context, tenantID string, carrier string, rawReason string, remarks string) Result {
	text := buildPrompt(rawReason, remarks)

	if s.provider != nil {
		category, err := s.provider.Classify(ctx, tenantID, carrier, text)
		if err == nil && models.ValidCategory(category) {
			return Result{Category: category, Explanation: "classifier: " + category}
		}
		if err != nil {
			s.logger.Warn(ctx, "classifier_fallback", "classifier unavailable, using keyword rules", slog.String("error", err.Error()))
		} else {
			s.logger.Warn(ctx, "classifier_fallback", "classifier returned unknown category "+category)
		}
	}

	metricsx.IncClassifierFallback()
	category, matched := KeywordCategory(text)
	explanation := "keyword fallback: no rule matched"
	if matched != "" {
		explanation = "keyword fallback: matched " + matched
	}
	return Result{Category: category, Explanation: explanation, FromFallback: true}
}

func buildPrompt(rawReason string, remarks string) string {
	text := strings.TrimSpace(rawReason)
	remarks = strings.TrimSpace(remarks)
	if remarks != "" {
		if text != "" {
			text += "; "
		}
		text += remarks
	}
	if len(text) > maxPromptLen {
		text = text[:maxPromptLen]
	}
	return text
}

type keywordRule struct {
	category string
	terms    []string
}

// Rule order is significant: the first matching term wins, so the same input
// always yields the same category.
var keywordRules = []keywordRule{
	{models.CategoryAddressIssue, []string{
		"address", "incomplete address", "wrong address", "landmark", "pincode", "pin code", "locality", "out of delivery area", "oda",
	}},
	{models.CategoryCustomerUnavailable, []string{
		"not available", "unavailable", "unreachable", "not reachable", "no response", "switched off", "not answering", "door locked", "premises closed",
	}},
	{models.CategoryRefused, []string{
		"refused", "rejected", "denied", "cancel", "does not want", "not required",
	}},
	{models.CategoryPaymentIssue, []string{
		"cod", "cash not ready", "payment", "amount not ready", "insufficient cash",
	}},
}

// KeywordCategory returns the fallback category and the term that matched,
// or empty when nothing did.
func KeywordCategory(text string) (string, string) {
	lower := strings.ToLower(text)
	for _, rule := range keywordRules {
		for _, term := range rule.terms {
			if strings.Contains(lower, term) {
				return rule.category, term
			}
		}
	}
	return models.CategoryOther, ""
}
