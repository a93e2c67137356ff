package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClient talks to the external token-balance service.
type HTTPClient struct {
	base string
	hc   *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		base: baseURL,
		hc:   &http.Client{Timeout: 10 * time.Second},
	}
}

type balanceRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

type balanceResponse struct {
	RemainingBalance int64 `json:"remaining_balance"`
}

func (c *HTTPClient) Debit(ctx context.Context, userID string, amount int64) (int64, error) {
	var resp balanceResponse
	status, err := c.post(ctx, "/v1/debit", balanceRequest{UserID: userID, Amount: amount}, &resp)
	if err != nil {
		return 0, err
	}
	switch status {
	case http.StatusOK:
		return resp.RemainingBalance, nil
	case http.StatusPaymentRequired:
		return 0, ErrInsufficientBalance
	default:
		return 0, fmt.Errorf("ledger debit returned status %d", status)
	}
}

func (c *HTTPClient) Refund(ctx context.Context, userID string, amount int64) error {
	status, err := c.post(ctx, "/v1/refund", balanceRequest{UserID: userID, Amount: amount}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("ledger refund returned status %d", status)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out interface{}) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal ledger request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("failed to build ledger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0, fmt.Errorf("failed to decode ledger response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
