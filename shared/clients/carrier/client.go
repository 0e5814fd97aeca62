package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"shipping-ndr-rto-resolution-system/shared/config"
)

// ErrRejected marks a 4xx carrier response. Retrying the same request
// will not change the outcome, so callers treat it as terminal.
var ErrRejected = errors.New("carrier rejected request")

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type ReattemptRequest struct {
	ShipmentID    string `json:"shipment_id"`
	TrackingID    string `json:"tracking_id"`
	Carrier       string `json:"carrier"`
	PreferredDate string `json:"preferred_date,omitempty"`
	Address       string `json:"address,omitempty"`
	Instructions  string `json:"instructions,omitempty"`
}

type ReattemptResponse struct {
	ReferenceID string `json:"reference_id"`
	Scheduled   bool   `json:"scheduled"`
}

type ReversePickupRequest struct {
	ShipmentID    string `json:"shipment_id"`
	TrackingID    string `json:"tracking_id"`
	Carrier       string `json:"carrier"`
	PickupAddress string `json:"pickup_address"`
	ReturnAddress string `json:"return_address"`
	Reason        string `json:"reason"`
}

type ReversePickupResponse struct {
	BookingReference string `json:"booking_reference"`
	ChargesCents     int64  `json:"charges_cents"`
	EstimatedPickup  string `json:"estimated_pickup,omitempty"`
}

type RateRequest struct {
	ShipmentID string `json:"shipment_id"`
	Carrier    string `json:"carrier"`
	FromPin    string `json:"from_pin,omitempty"`
	ToPin      string `json:"to_pin,omitempty"`
}

type RateResponse struct {
	ChargesCents int64 `json:"charges_cents"`
}

func New(cfg config.Config) (*Client, error) {
	if cfg.CarrierAPIURL == "" {
		return nil, errors.New("CARRIER_API_URL is required")
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.CarrierAPIURL, "/"),
		token:   cfg.CarrierAPIToken,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// ScheduleReattempt asks the carrier to deliver again, optionally with an
// updated address or customer instructions attached.
func (c *Client) ScheduleReattempt(ctx context.Context, req ReattemptRequest) (ReattemptResponse, error) {
	var out ReattemptResponse
	if err := c.post(ctx, "/api/v1/shipments/reattempt", req, &out); err != nil {
		return ReattemptResponse{}, err
	}
	return out, nil
}

// BookReversePickup books the return leg for an RTO. The carrier assigns
// the booking reference; callers never synthesize one.
func (c *Client) BookReversePickup(ctx context.Context, req ReversePickupRequest) (ReversePickupResponse, error) {
	var out ReversePickupResponse
	if err := c.post(ctx, "/api/v1/returns/pickup", req, &out); err != nil {
		return ReversePickupResponse{}, err
	}
	if strings.TrimSpace(out.BookingReference) == "" {
		return ReversePickupResponse{}, errors.New("carrier returned empty booking reference")
	}
	return out, nil
}

// QuoteReturnRate asks the rate card service for the expected reverse
// shipping cost. A quote failure is not fatal to the escalation itself.
func (c *Client) QuoteReturnRate(ctx context.Context, req RateRequest) (RateResponse, error) {
	var out RateResponse
	if err := c.post(ctx, "/api/v1/returns/rate", req, &out); err != nil {
		return RateResponse{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, in any, out any) error {
	if c == nil || c.http == nil {
		return errors.New("carrier client not initialized")
	}
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	reqHTTP, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	reqHTTP.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		reqHTTP.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(reqHTTP)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("carrier api error: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
