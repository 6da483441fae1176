// Package client talks to a running workerlink control plane. Used by
// the CLI; transient network failures are retried.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/psantana5/workerlink/pkg/api"
	"github.com/psantana5/workerlink/pkg/retry"
)

// Client manages communication with the control-plane API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retryCfg   retry.Config
}

// New creates a control-plane client.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		retryCfg: retry.DefaultConfig(),
	}
}

// ListWorkers retrieves all supervised workers and their phases.
func (c *Client) ListWorkers(ctx context.Context) (*api.WorkerListResponse, error) {
	var resp api.WorkerListResponse
	err := c.doRetry(ctx, http.MethodGet, "/workers", nil, http.StatusOK, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartWorker starts the worker for an identity and returns its status.
func (c *Client) StartWorker(ctx context.Context, identity string) (*api.WorkerInfo, error) {
	var info api.WorkerInfo
	// No retry: starting is not idempotent from the caller's view.
	if err := c.do(ctx, http.MethodPost, "/workers/"+identity+"/start", nil, http.StatusCreated, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Call forwards a procedure call to a worker and returns the raw result.
func (c *Client) Call(ctx context.Context, identity, module, function string, args []interface{}, timeout time.Duration) (json.RawMessage, error) {
	req := api.CallRequest{
		Module:    module,
		Function:  function,
		Args:      args,
		TimeoutMs: timeout.Milliseconds(),
	}
	var resp api.CallResponse
	if err := c.do(ctx, http.MethodPost, "/workers/"+identity+"/call", req, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// StopWorker stops the worker for an identity.
func (c *Client) StopWorker(ctx context.Context, identity string) error {
	return c.doRetry(ctx, http.MethodPost, "/workers/"+identity+"/stop", nil, http.StatusOK, nil)
}

// doRetry wraps do with retries for idempotent requests.
func (c *Client) doRetry(ctx context.Context, method, path string, body interface{}, wantStatus int, out interface{}) error {
	return retry.Do(ctx, c.retryCfg, func() error {
		return c.do(ctx, method, path, body, wantStatus, out)
	})
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, wantStatus int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
