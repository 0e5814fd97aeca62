package token

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"shipping-ndr-rto-resolution-system/resolution/internal/models"
)

const PurposeAddressUpdate = "address_update"

// ErrInvalid is the single rejection kind surfaced to callers. Expired,
// consumed, and forged tokens are indistinguishable on purpose.
var ErrInvalid = errors.New("token invalid")

type Store interface {
	Insert(ctx context.Context, token models.AddressUpdateToken) error
	Consume(ctx context.Context, tokenID uuid.UUID, now time.Time) (models.AddressUpdateToken, bool, error)
}

type Service struct {
	store   Store
	secret  []byte
	ttl     time.Duration
	baseURL string
	now     func() time.Time
}

func NewService(store Store, signingSecret string, ttl time.Duration, baseURL string) (*Service, error) {
	if strings.TrimSpace(signingSecret) == "" {
		return nil, errors.New("TOKEN_SIGNING_SECRET is required")
	}
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &Service{
		store:   store,
		secret:  []byte(signingSecret),
		ttl:     ttl,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

type claims struct {
	Purpose        string `json:"purpose"`
	TenantID       string `json:"tenant_id"`
	ShipmentID     string `json:"shipment_id"`
	FailureEventID string `json:"failure_event_id"`
	jwt.RegisteredClaims
}

// Issue mints a signed single-use token bound to one shipment and failure
// event. The database row is the consumption record; the signature just
// keeps forged identifiers out of the lookup path.
func (s *Service) Issue(ctx context.Context, fe models.FailureEvent) (string, error) {
	now := s.now()
	record := models.AddressUpdateToken{
		TokenID:        uuid.New(),
		TenantID:       fe.TenantID,
		ShipmentID:     fe.ShipmentID,
		FailureEventID: fe.FailureEventID,
		Purpose:        PurposeAddressUpdate,
		IssuedAt:       now,
		ExpiresAt:      now.Add(s.ttl),
	}
	if err := s.store.Insert(ctx, record); err != nil {
		return "", err
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Purpose:        PurposeAddressUpdate,
		TenantID:       fe.TenantID.String(),
		ShipmentID:     fe.ShipmentID.String(),
		FailureEventID: fe.FailureEventID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        record.TokenID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(record.ExpiresAt),
		},
	}).SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// IssueLink satisfies the engine's link issuer contract.
func (s *Service) IssueLink(ctx context.Context, fe models.FailureEvent) (string, error) {
	signed, err := s.Issue(ctx, fe)
	if err != nil {
		return "", err
	}
	if s.baseURL == "" {
		return signed, nil
	}
	return fmt.Sprintf("%s/address-update?token=%s", s.baseURL, url.QueryEscape(signed)), nil
}

// ValidateAndConsume verifies the signature and expiry, then consumes the
// database row atomically. Two racing calls both reach the store; only the
// one that flips consumed_at wins.
func (s *Service) ValidateAndConsume(ctx context.Context, raw string) (models.AddressUpdateToken, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return models.AddressUpdateToken{}, ErrInvalid
	}

	parsed := claims{}
	_, err := jwt.ParseWithClaims(raw, &parsed, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalid
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return models.AddressUpdateToken{}, ErrInvalid
	}
	if parsed.Purpose != PurposeAddressUpdate {
		return models.AddressUpdateToken{}, ErrInvalid
	}
	tokenID, err := uuid.Parse(parsed.ID)
	if err != nil {
		return models.AddressUpdateToken{}, ErrInvalid
	}

	record, consumed, err := s.store.Consume(ctx, tokenID, s.now())
	if err != nil {
		return models.AddressUpdateToken{}, err
	}
	if !consumed {
		return models.AddressUpdateToken{}, ErrInvalid
	}
	return record, nil
}
