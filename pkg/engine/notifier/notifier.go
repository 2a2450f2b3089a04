// Package notifier reports account availability back to the enrollment
// service.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/meterwise/cloudmeter/pkg/model"
)

// Status values accepted by the enrollment service.
const (
	StatusAvailable   = "available"
	StatusUnavailable = "unavailable"
)

// Client posts availability updates. An empty BaseURL disables posting,
// which is the mock-mode default.
type Client struct {
	BaseURL string
	// AuthHeader carries the pre-shared identity header, when set.
	AuthHeader string
	AuthValue  string
	HTTP       *http.Client
	Log        *slog.Logger
}

// NewClient initializes the availability notifier.
func NewClient(baseURL, authHeader, authValue string, log *slog.Logger) *Client {
	return &Client{
		BaseURL:    baseURL,
		AuthHeader: authHeader,
		AuthValue:  authValue,
		HTTP:       &http.Client{Timeout: 10 * time.Second},
		Log:        log,
	}
}

type availabilityPayload struct {
	AvailabilityStatus      string `json:"availability_status"`
	AvailabilityStatusError string `json:"availability_status_error,omitempty"`
}

// Available reports an account as healthy.
func (c *Client) Available(ctx context.Context, account model.Account) error {
	return c.post(ctx, account, availabilityPayload{AvailabilityStatus: StatusAvailable})
}

// Unavailable reports an account as broken, with the reason shown to the
// customer.
func (c *Client) Unavailable(ctx context.Context, account model.Account, reason string) error {
	return c.post(ctx, account, availabilityPayload{
		AvailabilityStatus:      StatusUnavailable,
		AvailabilityStatusError: reason,
	})
}

func (c *Client) post(ctx context.Context, account model.Account, payload availabilityPayload) error {
	if c.BaseURL == "" {
		return nil
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal availability payload: %w", err)
	}

	url := fmt.Sprintf("%s/sources/%s/availability", c.BaseURL, account.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonPayload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AuthHeader != "" {
		req.Header.Set(c.AuthHeader, c.AuthValue)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post availability: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		// The source was already removed upstream; nothing to update.
		return nil
	default:
		c.Log.Warn("availability update rejected",
			"account_id", account.ID, "status", payload.AvailabilityStatus,
			"http_status", resp.StatusCode)
		return fmt.Errorf("received non-2xx status from sources: %d", resp.StatusCode)
	}
}
