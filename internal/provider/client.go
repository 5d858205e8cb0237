package provider

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

	"paidpost/internal/config"
	"paidpost/internal/log"
	"paidpost/internal/payment"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var ErrPaymentNotFound = errors.New("payment not found at provider")

// StatusError is a non-2xx answer from the provider API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Code, e.Body)
}

// IsRetryable reports whether err is a provider answer worth repeating:
// a 5xx or a rate limit.
func IsRetryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 500 || se.Code == http.StatusTooManyRequests
}

// Payment is the provider's view of one payment.
type Payment struct {
	ID              string
	Status          payment.Status
	RawStatus       string
	CreatedAt       time.Time
	Metadata        map[string]string
	ConfirmationURL string
}

// CreateRequest asks the provider for a new redirect-confirmed payment.
type CreateRequest struct {
	Amount         float64
	Currency       string
	Description    string
	ReturnURL      string
	Metadata       map[string]string
	IdempotenceKey string
	ExpiresAt      time.Time
}

// Client is a REST client for the payment provider.
type Client struct {
	http    *http.Client
	baseURL string
	shopID  string
	secret  string
	cb      *gobreaker.CircuitBreaker
	logger  *log.Logger
}

func NewClient(cfg *config.Config, logger *log.Logger) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-provider",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500
			}
			return err == nil || errors.Is(err, ErrPaymentNotFound)
		},
	})
	return &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(cfg.ProviderAPIURL, "/"),
		shopID:  cfg.ProviderShopID,
		secret:  cfg.ProviderSecretKey,
		cb:      cb,
		logger:  logger,
	}
}

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type paymentObject struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	Metadata     map[string]string `json:"metadata"`
	Confirmation *confirmation     `json:"confirmation,omitempty"`
}

func (o paymentObject) toPayment() Payment {
	p := Payment{
		ID:        o.ID,
		Status:    payment.ParseProviderStatus(o.Status),
		RawStatus: o.Status,
		CreatedAt: o.CreatedAt,
		Metadata:  o.Metadata,
	}
	if o.Confirmation != nil {
		p.ConfirmationURL = o.Confirmation.ConfirmationURL
	}
	return p
}

// QueryPayment fetches the authoritative status of paymentID.
func (c *Client) QueryPayment(ctx context.Context, paymentID string) (Payment, error) {
	var obj paymentObject
	if err := c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(paymentID), "", nil, &obj); err != nil {
		return Payment{}, fmt.Errorf("query payment %s: %w", paymentID, err)
	}
	return obj.toPayment(), nil
}

// CancelPayment asks the provider to release paymentID.
func (c *Client) CancelPayment(ctx context.Context, paymentID string) (Payment, error) {
	var obj paymentObject
	path := "/payments/" + url.PathEscape(paymentID) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, uuid.NewString(), struct{}{}, &obj); err != nil {
		return Payment{}, fmt.Errorf("cancel payment %s: %w", paymentID, err)
	}
	c.logger.Info("Payment cancel requested", zap.String("payment_id", paymentID), zap.String("status", obj.Status))
	return obj.toPayment(), nil
}

func (c *Client) CreatePayment(ctx context.Context, req CreateRequest) (Payment, error) {
	key := req.IdempotenceKey
	if key == "" {
		key = uuid.NewString()
	}
	body := map[string]any{
		"amount":       amount{Value: fmt.Sprintf("%.2f", req.Amount), Currency: req.Currency},
		"confirmation": confirmation{Type: "redirect", ReturnURL: req.ReturnURL},
		"capture":      true,
		"description":  req.Description,
		"metadata":     req.Metadata,
	}
	if !req.ExpiresAt.IsZero() {
		body["expires_at"] = req.ExpiresAt.UTC().Format(time.RFC3339)
	}

	var obj paymentObject
	if err := c.do(ctx, http.MethodPost, "/payments", key, body, &obj); err != nil {
		return Payment{}, fmt.Errorf("create payment: %w", err)
	}
	c.logger.Info("Payment created", zap.String("payment_id", obj.ID), zap.String("idempotence_key", key))
	return obj.toPayment(), nil
}

func (c *Client) do(ctx context.Context, method, path, idempotenceKey string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}
	_, err := c.cb.Execute(func() (interface{}, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.SetBasicAuth(c.shopID, c.secret)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if idempotenceKey != "" {
			req.Header.Set("Idempotence-Key", idempotenceKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrPaymentNotFound
		case resp.StatusCode >= 300:
			return nil, &StatusError{Code: resp.StatusCode, Body: string(raw)}
		}
		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
		}
		return nil, nil
	})
	return err
}
