/**
 * @description
 * This package provides a client for the external payment backend API. It
 * encapsulates the logic for making authenticated HTTP requests to the payout
 * endpoint, handling request body construction, and parsing responses.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package paymentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Client is a client for the payment backend API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payment backend client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PayoutRequest represents the payload for a single payout.
type PayoutRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Currency       string `json:"currency"`
			Amount         int64  `json:"amount"`
			Destination    string `json:"destination"`
			IdempotencyKey string `json:"idempotencyKey"`
			Reason         string `json:"reason"`
		} `json:"attributes"`
	} `json:"data"`
}

// PayoutResponse is the expected response from the backend's payout endpoint.
type PayoutResponse struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Accepted  bool   `json:"accepted"`
			Reference string `json:"reference"`
			Status    string `json:"status"`
		} `json:"attributes"`
	} `json:"data"`
}

// ErrorResponse represents an error from the payment backend API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("payment backend error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown payment backend error"
}

// IsExplicitRejection reports whether the backend rejected the payout for a
// business reason (invalid destination, insufficient funds). Rejections are
// terminal and must not be retried; everything else is treated as transient.
func (e *ErrorResponse) IsExplicitRejection() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// SubmitPayout sends a payout for one destination to the backend. The
// idempotency key makes a resubmission after an ambiguous failure safe.
func (c *Client) SubmitPayout(ctx context.Context, payoutAddress string, amount int64, idempotencyKey, reason string) (*PayoutResponse, error) {
	reqPayload := PayoutRequest{}
	reqPayload.Data.Type = "Payout"
	reqPayload.Data.Attributes.Currency = "USD"
	reqPayload.Data.Attributes.Amount = amount
	reqPayload.Data.Attributes.Destination = payoutAddress
	reqPayload.Data.Attributes.IdempotencyKey = idempotencyKey
	reqPayload.Data.Attributes.Reason = reason

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/payouts", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create payout request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-payout-key", c.APIKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute payout request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payout response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=payment_client op=payout status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=payment_client op=payout status=%d title=%q detail=%q", resp.StatusCode, firstErrorTitle(errResp), firstErrorDetail(errResp))
		return nil, &errResp
	}

	var successResp PayoutResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode success response: %w", err)
	}
	if strings.TrimSpace(successResp.Data.Attributes.Reference) == "" {
		successResp.Data.Attributes.Reference = successResp.Data.ID
	}

	return &successResp, nil
}

func firstErrorTitle(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
