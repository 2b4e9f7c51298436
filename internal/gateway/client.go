// Package gateway is the HTTP client for the payment-reference provider.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/safar/portal-billing/internal/apperror"
	"github.com/safar/portal-billing/internal/config"
	"github.com/safar/portal-billing/internal/metrics"
)

const (
	opRequestReference = "request_reference"
	opCheckStatus      = "check_status"

	maxErrorBody = 512
)

type PaymentStatus string

const (
	StatusPending  PaymentStatus = "pending"
	StatusPaid     PaymentStatus = "paid"
	StatusExpired  PaymentStatus = "expired"
	StatusCanceled PaymentStatus = "canceled"
)

var ErrMalformedResponse = errors.New("gateway: malformed response")

type ReferenceRequest struct {
	OrderID     string
	Entity      string
	Amount      decimal.Decimal
	Description string
	CallbackURL string
}

type Reference struct {
	Entity     string
	Reference  string
	Amount     decimal.Decimal
	ValidUntil time.Time
}

type Status struct {
	Reference string
	Status    PaymentStatus
	Amount    decimal.Decimal
	PaidAt    time.Time
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewClient(cfg config.GatewayConfig, m *metrics.Metrics, logger *zap.Logger) *Client {
	if m == nil {
		m = metrics.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		metrics: m,
		logger:  logger,
	}
}

type referencePayload struct {
	OrderID     string          `json:"order_id"`
	Entity      string          `json:"entity"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
}

type referenceResponse struct {
	Entity     string          `json:"entity"`
	Reference  string          `json:"reference"`
	Amount     decimal.Decimal `json:"amount"`
	ValidUntil string          `json:"valid_until"`
}

type statusResponse struct {
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	PaidAt    string          `json:"paid_at"`
}

// RequestReference asks the provider for a new payment reference. Every
// failure, timeouts included, is returned as a retryable gateway error.
func (c *Client) RequestReference(ctx context.Context, req ReferenceRequest) (*Reference, error) {
	endpoint, err := url.JoinPath(c.baseURL, "references")
	if err != nil {
		return nil, apperror.NewGateway("gateway.RequestReference", err)
	}
	body, err := json.Marshal(referencePayload{
		OrderID:     req.OrderID,
		Entity:      req.Entity,
		Amount:      req.Amount,
		Description: req.Description,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		return nil, apperror.NewGateway("gateway.RequestReference", err)
	}

	var payload referenceResponse
	if err := c.do(ctx, opRequestReference, http.MethodPost, endpoint, body, &payload); err != nil {
		return nil, apperror.NewGateway("gateway.RequestReference", err)
	}

	if strings.TrimSpace(payload.Reference) == "" {
		return nil, apperror.NewGateway("gateway.RequestReference", fmt.Errorf("%w: empty reference", ErrMalformedResponse))
	}
	if !payload.Amount.IsPositive() {
		return nil, apperror.NewGateway("gateway.RequestReference", fmt.Errorf("%w: amount %s", ErrMalformedResponse, payload.Amount))
	}
	ref := &Reference{
		Entity:    defaultString(payload.Entity, req.Entity),
		Reference: strings.TrimSpace(payload.Reference),
		Amount:    payload.Amount,
	}
	if payload.ValidUntil != "" {
		validUntil, err := time.Parse(time.RFC3339, payload.ValidUntil)
		if err != nil {
			return nil, apperror.NewGateway("gateway.RequestReference", fmt.Errorf("%w: valid_until: %v", ErrMalformedResponse, err))
		}
		ref.ValidUntil = validUntil
	}
	return ref, nil
}

// CheckStatus polls the provider for the state of reference.
func (c *Client) CheckStatus(ctx context.Context, entity, reference string) (*Status, error) {
	endpoint, err := url.JoinPath(c.baseURL, "references", url.PathEscape(reference))
	if err != nil {
		return nil, apperror.NewGateway("gateway.CheckStatus", err)
	}
	endpoint += "?" + url.Values{"entity": []string{entity}}.Encode()

	var payload statusResponse
	if err := c.do(ctx, opCheckStatus, http.MethodGet, endpoint, nil, &payload); err != nil {
		return nil, apperror.NewGateway("gateway.CheckStatus", err)
	}

	status := PaymentStatus(strings.ToLower(strings.TrimSpace(payload.Status)))
	switch status {
	case StatusPending, StatusPaid, StatusExpired, StatusCanceled:
	default:
		return nil, apperror.NewGateway("gateway.CheckStatus", fmt.Errorf("%w: status %q", ErrMalformedResponse, payload.Status))
	}

	out := &Status{
		Reference: defaultString(payload.Reference, reference),
		Status:    status,
		Amount:    payload.Amount,
	}
	if payload.PaidAt != "" {
		paidAt, err := time.Parse(time.RFC3339, payload.PaidAt)
		if err != nil {
			return nil, apperror.NewGateway("gateway.CheckStatus", fmt.Errorf("%w: paid_at: %v", ErrMalformedResponse, err))
		}
		out.PaidAt = paidAt
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.observe(op, "transport_error", start)
		c.logger.Warn("gateway call failed", zap.String("operation", op), zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.observe(op, "http_error", start)
		return fmt.Errorf("gateway: %s status %d: %s", op, resp.StatusCode, drainError(resp.Body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.observe(op, "malformed", start)
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	c.observe(op, "ok", start)
	return nil
}

func (c *Client) observe(op, outcome string, start time.Time) {
	c.metrics.ObserveGatewayCall(op, outcome, time.Since(start))
}

func drainError(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(data))
}

func defaultString(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
