package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Intent is what the provider returns for a created payment intent. The
// client ref goes back to the buyer's client to complete the payment.
type Intent struct {
	ID        string `json:"id"`
	ClientRef string `json:"client_ref"`
}

// Client talks to the external payment provider. With no secret configured
// it runs in mock mode and fabricates intents locally, so the whole stack
// works without provider credentials.
type Client struct {
	BaseURL string
	Secret  string
	HTTP    *http.Client
	Log     *zap.Logger
}

func NewClient(baseURL, secret string, log *zap.Logger) *Client {
	return &Client{
		BaseURL: baseURL,
		Secret:  secret,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Log:     log,
	}
}

type intentRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	OrderID     string `json:"order_id"`
}

func (c *Client) CreateIntent(ctx context.Context, amountCents int64, orderID string) (Intent, error) {
	if c.Secret == "" {
		id := fmt.Sprintf("pi_test_%d", time.Now().UnixNano())
		return Intent{ID: id, ClientRef: id + "_secret_mock"}, nil
	}

	body, err := json.Marshal(intentRequest{AmountCents: amountCents, Currency: "usd", OrderID: orderID})
	if err != nil {
		return Intent{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/payment_intents", bytes.NewReader(body))
	if err != nil {
		return Intent{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Secret)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Intent{}, fmt.Errorf("payment provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Intent{}, fmt.Errorf("payment provider: status %d: %s", resp.StatusCode, b)
	}

	var intent Intent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return Intent{}, fmt.Errorf("payment provider: decode intent: %w", err)
	}
	return intent, nil
}
