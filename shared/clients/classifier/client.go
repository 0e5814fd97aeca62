package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"shipping-ndr-rto-resolution-system/shared/config"
	"shipping-ndr-rto-resolution-system/shared/metricsx"
)

// ErrUnavailable covers transport failures, 5xx responses, and an open
// breaker. Callers fall back to keyword classification on it.
var ErrUnavailable = errors.New("classifier unavailable")

type Client struct {
	baseURL  string
	timeout  time.Duration
	retryMax int
	http     *http.Client
	breaker  *circuitBreaker
}

type classifyRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
	Carrier  string `json:"carrier,omitempty"`
	Text     string `json:"text"`
}

type classifyResponse struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

type Result struct {
	Category   string
	Confidence float64
}

func New(cfg config.Config) (*Client, error) {
	if cfg.ClassifierURL == "" {
		return nil, errors.New("CLASSIFIER_URL is required")
	}
	timeout := time.Duration(cfg.ClassifierTimeoutMS) * time.Millisecond
	return &Client{
		baseURL:  strings.TrimRight(cfg.ClassifierURL, "/"),
		timeout:  timeout,
		retryMax: cfg.ClassifierRetryMax,
		http:     &http.Client{Timeout: timeout},
		breaker:  newCircuitBreaker(5, 30*time.Second),
	}, nil
}

func (c *Client) Classify(ctx context.Context, tenantID string, carrier string, text string) (Result, error) {
	if c == nil || c.http == nil {
		return Result{}, errors.New("classifier client not initialized")
	}
	if c.breaker.open() {
		return Result{}, ErrUnavailable
	}
	body, err := json.Marshal(classifyRequest{TenantID: tenantID, Carrier: carrier, Text: text})
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		reqHTTP, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/ndr/classify", bytes.NewReader(body))
		if err != nil {
			return Result{}, err
		}
		reqHTTP.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(reqHTTP)
		if err != nil {
			lastErr = err
			c.breaker.fail()
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = ErrUnavailable
			c.breaker.fail()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return Result{}, ErrUnavailable
		}
		var out classifyResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			c.breaker.fail()
			return Result{}, ErrUnavailable
		}
		c.breaker.success()
		metricsx.ObserveClassifierLatency(time.Since(start))
		return Result{Category: strings.TrimSpace(out.Category), Confidence: out.Confidence}, nil
	}
	if lastErr == nil {
		lastErr = ErrUnavailable
	}
	return Result{}, lastErr
}

// circuitBreaker trips after a run of consecutive failures and stays open
// for the cooldown. While open, Classify fails fast and detection runs on
// the keyword fallback alone.
type circuitBreaker struct {
	mu          sync.Mutex
	consecutive int
	trippedAt   time.Time
	threshold   int
	cooldown    time.Duration
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, cooldown: cooldown}
}

func (b *circuitBreaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trippedAt.IsZero() {
		return false
	}
	if time.Since(b.trippedAt) > b.cooldown {
		b.trippedAt = time.Time{}
		b.consecutive = 0
		return false
	}
	return true
}

func (b *circuitBreaker) fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if b.consecutive >= b.threshold && b.trippedAt.IsZero() {
		b.trippedAt = time.Now()
	}
}

func (b *circuitBreaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.trippedAt = time.Time{}
}
