package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
	"github.com/arklim/auditmarket-core/internal/infra/config"
)

const maxErrorBody = 4 << 10

var (
	// ErrRejected marks a 4xx answer: the request itself is wrong and retrying will not help.
	ErrRejected = errors.New("payment processor rejected request")
	// ErrUnavailable marks transport failures and 5xx answers.
	ErrUnavailable = errors.New("payment processor unavailable")
)

// Client talks to the payment processor's JSON API. Every call carries the caller's idempotency
// key so a retried request never moves money twice.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ port.PaymentProcessor = (*Client)(nil)

func NewClient(cfg config.PaymentSettings, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

type intentRequest struct {
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Description   string            `json:"description,omitempty"`
	PaymentMethod string            `json:"payment_method,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type transferRequest struct {
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Description   string            `json:"description,omitempty"`
	PaymentIntent string            `json:"payment_intent,omitempty"`
	Destination   string            `json:"destination"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type processorResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type processorError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// FundIntent creates and confirms a payment intent charging the client.
func (c *Client) FundIntent(ctx context.Context, req port.PaymentRequest) (*port.PaymentResult, error) {
	body := intentRequest{
		Amount:        req.Amount,
		Currency:      strings.ToLower(req.Currency),
		Description:   req.Description,
		PaymentMethod: req.PaymentMethodRef,
		Metadata:      map[string]string{"contract_id": req.ContractID},
	}
	return c.post(ctx, "/v1/payment_intents", req.IdempotencyKey, body)
}

// ReleaseFunds transfers a milestone amount to the auditor.
func (c *Client) ReleaseFunds(ctx context.Context, req port.PaymentRequest) (*port.PaymentResult, error) {
	if req.DestinationRef == "" {
		return nil, fmt.Errorf("%w: destination is required", ErrRejected)
	}
	body := transferRequest{
		Amount:        req.Amount,
		Currency:      strings.ToLower(req.Currency),
		Description:   req.Description,
		PaymentIntent: req.PaymentIntentID,
		Destination:   req.DestinationRef,
		Metadata: map[string]string{
			"contract_id":  req.ContractID,
			"milestone_id": req.MilestoneID,
		},
	}
	return c.post(ctx, "/v1/transfers", req.IdempotencyKey, body)
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, payload any) (*port.PaymentResult, error) {
	if idempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", ErrRejected)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("payment rate limit: %w", err)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payment request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build payment request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, c.statusError(resp, path, idempotencyKey)
	}

	var out processorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: response without id", ErrUnavailable)
	}
	return &port.PaymentResult{ProcessorRef: out.ID, Status: mapStatus(out.Status)}, nil
}

func (c *Client) statusError(resp *http.Response, path, idempotencyKey string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var perr processorError
	message := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &perr) == nil && perr.Error.Message != "" {
		message = perr.Error.Code + ": " + perr.Error.Message
	}

	c.logger.Warn("payment processor returned error",
		zap.String("path", path),
		zap.String("idempotency_key", idempotencyKey),
		zap.Int("status", resp.StatusCode),
		zap.String("message", message),
	)

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, message)
	}
	return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, message)
}

func mapStatus(status string) domain.TransactionStatus {
	switch strings.ToLower(status) {
	case "succeeded", "paid":
		return domain.TransactionSucceeded
	case "failed", "canceled", "cancelled", "reversed":
		return domain.TransactionFailed
	default:
		return domain.TransactionPending
	}
}
