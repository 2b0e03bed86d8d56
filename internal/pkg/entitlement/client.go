package entitlement

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

	"github.com/wisdomapp/wisdompay/internal/pkg/env"
)

const serviceSecretHeader = "X-Service-Secret"

// defaultTimeout bounds every downstream call. A stuck entitlement service is
// handled by timeout, never by blocking the acknowledgement path.
const defaultTimeout = 10 * time.Second

// SubscriptionGrant asks the entitlement service to grant or extend a
// subscription. The order invoice number doubles as the downstream
// de-duplication reference.
type SubscriptionGrant struct {
	UserID             string `json:"user_id"`
	PlanCode           string `json:"plan_code"`
	DurationDays       int    `json:"duration_days"`
	OrderInvoiceNumber string `json:"order_invoice_number"`
	RequestID          string `json:"request_id"`
}

// PointsCredit asks the entitlement service to increment a point balance.
type PointsCredit struct {
	UserID             string `json:"user_id"`
	Points             int64  `json:"points"`
	OrderInvoiceNumber string `json:"order_invoice_number"`
	Reason             string `json:"reason"`
	RequestID          string `json:"request_id"`
}

// BookAccessGrant asks the entitlement service to unlock a purchased book.
// The service re-derives book, user and purchase type from the order.
type BookAccessGrant struct {
	OrderInvoiceNumber string `json:"order_invoice_number"`
	RequestID          string `json:"request_id"`
}

// Confirmation is the downstream success response.
type Confirmation struct {
	ConfirmationID string `json:"confirmation_id"`
}

// Client is the downstream entitlement-granting service.
type Client interface {
	GrantSubscription(ctx context.Context, grant SubscriptionGrant) (*Confirmation, error)
	CreditPoints(ctx context.Context, credit PointsCredit) (*Confirmation, error)
	GrantBookAccess(ctx context.Context, grant BookAccessGrant) (*Confirmation, error)
}

// HTTPClient talks to the entitlement service over authenticated HTTP.
type HTTPClient struct {
	BaseURL       string
	ServiceSecret string

	HTTPClient *http.Client
}

// NewClientFromEnv builds the entitlement client from configuration.
func NewClientFromEnv() *HTTPClient {
	return &HTTPClient{
		BaseURL:       strings.TrimRight(strings.TrimSpace(env.GetEnv("ENTITLEMENT_SERVICE_URL", "")), "/"),
		ServiceSecret: strings.TrimSpace(env.GetEnv("ENTITLEMENT_SERVICE_SECRET", "")),
		HTTPClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

func (c *HTTPClient) GrantSubscription(ctx context.Context, grant SubscriptionGrant) (*Confirmation, error) {
	return c.post(ctx, "/internal/subscriptions/activate", grant)
}

func (c *HTTPClient) CreditPoints(ctx context.Context, credit PointsCredit) (*Confirmation, error) {
	return c.post(ctx, "/internal/points/credit", credit)
}

func (c *HTTPClient) GrantBookAccess(ctx context.Context, grant BookAccessGrant) (*Confirmation, error) {
	return c.post(ctx, "/internal/books/grant-access", grant)
}

func (c *HTTPClient) post(ctx context.Context, path string, body interface{}) (*Confirmation, error) {
	if c.BaseURL == "" {
		return nil, errors.New("ENTITLEMENT_SERVICE_URL is not configured")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(serviceSecretHeader, c.ServiceSecret)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("entitlement service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var conf Confirmation
	if err := json.Unmarshal(raw, &conf); err != nil {
		return nil, fmt.Errorf("invalid entitlement service response: %w", err)
	}
	if strings.TrimSpace(conf.ConfirmationID) == "" {
		return nil, errors.New("entitlement service response is missing confirmation_id")
	}
	return &conf, nil
}
