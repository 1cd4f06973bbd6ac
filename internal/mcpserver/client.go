package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the escrow API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Client API key, e.g. "sk_..."
}

// EscrowClient is a thin HTTP client for the escrow API.
type EscrowClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEscrowClient creates a new client for the escrow API.
func NewEscrowClient(cfg Config) *EscrowClient {
	return &EscrowClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *EscrowClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetPayment fetches a single payment.
func (c *EscrowClient) GetPayment(ctx context.Context, paymentID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, nil)
}

// ListPayments lists payments where partyID acts in role.
func (c *EscrowClient) ListPayments(ctx context.Context, partyID, role string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if role != "" {
		q.Set("role", role)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/parties/"+url.PathEscape(partyID)+"/payments", q, nil)
}

// GetStats returns aggregate payment statistics for a worker or employer.
func (c *EscrowClient) GetStats(ctx context.Context, scopeID, role string) (json.RawMessage, error) {
	q := url.Values{}
	if role != "" {
		q.Set("role", role)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/stats/"+url.PathEscape(scopeID), q, nil)
}

// QuoteFees previews the fee breakdown for an amount without creating a payment.
func (c *EscrowClient) QuoteFees(ctx context.Context, amount int64, method, currency, region string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("amount", strconv.FormatInt(amount, 10))
	q.Set("method", method)
	if currency != "" {
		q.Set("currency", currency)
	}
	if region != "" {
		q.Set("region", region)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/fees/quote", q, nil)
}

// RaiseDispute freezes an escrowed payment pending admin resolution.
func (c *EscrowClient) RaiseDispute(ctx context.Context, paymentID, reason string) (json.RawMessage, error) {
	path := "/v1/payments/" + url.PathEscape(paymentID) + "/dispute"
	return c.doRequest(ctx, http.MethodPost, path, nil, map[string]string{"reason": reason})
}

// ApproveMilestone approves a completed milestone.
func (c *EscrowClient) ApproveMilestone(ctx context.Context, paymentID, milestoneID string) (json.RawMessage, error) {
	path := "/v1/payments/" + url.PathEscape(paymentID) + "/milestones/" + url.PathEscape(milestoneID) + "/approve"
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}
