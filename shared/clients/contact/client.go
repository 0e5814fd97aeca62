package contact

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

// Client talks to the voice gateway and the template messaging service.
// Both sides are fire-and-ask: the caller records the outcome reference
// and waits for the customer response to arrive out of band.
type Client struct {
	voiceURL     string
	messagingURL string
	http         *http.Client
}

type CallRequest struct {
	TenantID   string `json:"tenant_id"`
	ShipmentID string `json:"shipment_id"`
	Phone      string `json:"phone"`
	Script     string `json:"script"`
	Language   string `json:"language,omitempty"`
}

type CallResponse struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

type MessageRequest struct {
	TenantID   string            `json:"tenant_id"`
	ShipmentID string            `json:"shipment_id"`
	Phone      string            `json:"phone"`
	TemplateID string            `json:"template_id"`
	Params     map[string]string `json:"params,omitempty"`
}

type MessageResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

func New(cfg config.Config) (*Client, error) {
	if cfg.VoiceGatewayURL == "" && cfg.MessagingURL == "" {
		return nil, errors.New("VOICE_GATEWAY_URL or MESSAGING_URL is required")
	}
	return &Client{
		voiceURL:     strings.TrimRight(cfg.VoiceGatewayURL, "/"),
		messagingURL: strings.TrimRight(cfg.MessagingURL, "/"),
		http:         &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *Client) PlaceCall(ctx context.Context, req CallRequest) (CallResponse, error) {
	if c.voiceURL == "" {
		return CallResponse{}, errors.New("voice gateway not configured")
	}
	var out CallResponse
	if err := c.post(ctx, c.voiceURL+"/api/v1/calls", req, &out); err != nil {
		return CallResponse{}, err
	}
	return out, nil
}

func (c *Client) SendTemplate(ctx context.Context, req MessageRequest) (MessageResponse, error) {
	if c.messagingURL == "" {
		return MessageResponse{}, errors.New("messaging service not configured")
	}
	var out MessageResponse
	if err := c.post(ctx, c.messagingURL+"/api/v1/messages", req, &out); err != nil {
		return MessageResponse{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, url string, in any, out any) error {
	if c == nil || c.http == nil {
		return errors.New("contact client not initialized")
	}
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	reqHTTP, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	reqHTTP.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(reqHTTP)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("contact request failed: status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
