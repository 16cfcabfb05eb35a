// Package agentapi provides the HTTP client for the remote agent-execution
// API, implementing the agentgateway port.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/droverhq/drover/internal/port/agentgateway"
	"github.com/droverhq/drover/internal/resilience"
)

// Client talks to the remote agent-execution API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a new agent API client. callTimeout bounds every
// individual request.
func NewClient(baseURL, apiKey string, callTimeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: callTimeout,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Create submits a new run and returns the remote acknowledgement.
func (c *Client) Create(ctx context.Context, prompt string, runContext map[string]string) (*agentgateway.CreateResult, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":  prompt,
		"context": runContext,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal create run: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/runs", body)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	var result agentgateway.CreateResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal create result: %w", err)
	}
	return &result, nil
}

// Resume sends a follow-up instruction to an existing run.
func (c *Client) Resume(ctx context.Context, externalID, instruction string) (string, error) {
	body, err := json.Marshal(map[string]string{"instruction": instruction})
	if err != nil {
		return "", fmt.Errorf("marshal resume run: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(externalID)+"/resume", body)
	if err != nil {
		return "", fmt.Errorf("resume run %s: %w", externalID, err)
	}

	var result struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", fmt.Errorf("unmarshal resume result: %w", err)
	}
	return result.Status, nil
}

// Fetch returns the remote snapshot of one run.
func (c *Client) Fetch(ctx context.Context, externalID string) (*agentgateway.Snapshot, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(externalID), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch run %s: %w", externalID, err)
	}

	var snap agentgateway.Snapshot
	if err := json.Unmarshal(resp, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// List returns remote snapshots of every run in the organization.
func (c *Client) List(ctx context.Context, orgID string) ([]agentgateway.Snapshot, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/runs?org="+url.QueryEscape(orgID), nil)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var result struct {
		Runs []agentgateway.Snapshot `json:"runs"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal run list: %w", err)
	}
	return result.Runs, nil
}

// Cancel requests cancellation of a run.
func (c *Client) Cancel(ctx context.Context, externalID string) error {
	if _, err := c.doRequest(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(externalID)+"/cancel", nil); err != nil {
		return fmt.Errorf("cancel run %s: %w", externalID, err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		// 4xx means the remote rejected the request outright; callers record
		// these as terminal failures instead of retrying.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("agent API %d: %s: %w", resp.StatusCode, string(data), agentgateway.ErrRejected)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("agent API error %d: %s", resp.StatusCode, string(data))
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}
