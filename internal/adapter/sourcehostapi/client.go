// Package sourcehostapi provides the HTTP client for the source-hosting
// collaborator, implementing the sourcehost port.
package sourcehostapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/droverhq/drover/internal/port/sourcehost"
)

// Client talks to the source-hosting API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new source-hosting client.
func NewClient(baseURL, token string, callTimeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: callTimeout,
		},
	}
}

// Merge merges the pull request identified by its URL.
func (c *Client) Merge(ctx context.Context, prURL string) (*sourcehost.MergeResult, error) {
	body, err := json.Marshal(map[string]string{"pull_request_url": prURL})
	if err != nil {
		return nil, fmt.Errorf("marshal merge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/merge", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("merge request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("source host error %d: %s", resp.StatusCode, string(data))
	}

	var result sourcehost.MergeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal merge result: %w", err)
	}
	return &result, nil
}
