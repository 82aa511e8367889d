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
	APIURL        string // Base URL, e.g. "http://localhost:8080"
	Token         string // Bearer token whose subject is WalletAddress
	WalletAddress string // Sent as X-Wallet-Address when no token is set (development servers only)
}

// Client is a plain HTTP client for the escrow API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
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

	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	} else if c.cfg.WalletAddress != "" {
		req.Header.Set("X-Wallet-Address", c.cfg.WalletAddress)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// CreateEscrow locks amount (smallest units) of the caller's funds for seller.
func (c *Client) CreateEscrow(ctx context.Context, seller string, amount uint64, arbiter, memo string) (json.RawMessage, error) {
	body := map[string]string{
		"seller": seller,
		"amount": strconv.FormatUint(amount, 10),
	}
	if arbiter != "" {
		body["arbiter"] = arbiter
	}
	if memo != "" {
		body["memo"] = memo
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows", nil, body)
}

// GetEscrow returns one escrow the caller is party to.
func (c *Client) GetEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(id), nil, nil)
}

// ListEscrows lists the caller's escrows in a role. pendingOnly keeps those
// still waiting on the caller.
func (c *Client) ListEscrows(ctx context.Context, role string, pendingOnly bool, cursor string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if role != "" {
		q.Set("role", role)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/escrows"
	if pendingOnly {
		path += "/pending"
	}
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// Approve records the caller's approval. An empty role lets the server infer it.
func (c *Client) Approve(ctx context.Context, id, role string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/approve", nil, roleBody(role))
}

// RaiseDispute flags the escrow for arbitration.
func (c *Client) RaiseDispute(ctx context.Context, id, role string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/dispute", nil, roleBody(role))
}

// ResolveDispute records the arbiter's decision.
func (c *Client) ResolveDispute(ctx context.Context, id, party string) (json.RawMessage, error) {
	body := map[string]string{"deservingParty": party}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/resolve", nil, body)
}

// Release pays out a release-ready escrow.
func (c *Client) Release(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/release", nil, nil)
}

// Cancel refunds the buyer.
func (c *Client) Cancel(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// GetBalance returns the caller's ledger balance.
func (c *Client) GetBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/ledger/balance", nil, nil)
}

func roleBody(role string) any {
	if role == "" {
		return nil
	}
	return map[string]string{"role": role}
}
