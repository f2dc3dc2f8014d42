package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"listingflow/backend/pkg/models"
)

// RunnerError is returned when the runner answers with a non-2xx status.
type RunnerError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("runner %s: status code %d: %s", e.Op, e.StatusCode, e.Body)
}

// Transient reports whether the failure may succeed on a later attempt.
func (e *RunnerError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// HTTPRunnerClient is an HTTP implementation of the RunnerClient interface.
type HTTPRunnerClient struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPRunnerClient creates a new HTTPRunnerClient. Every request is
// bounded by timeout.
func NewHTTPRunnerClient(baseURL, apiKey string, timeout time.Duration) *HTTPRunnerClient {
	return &HTTPRunnerClient{
		url:    baseURL,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

// Trigger posts the payload to <runner>/webhook/{workflow_type}.
func (c *HTTPRunnerClient) Trigger(ctx context.Context, workflowType models.WorkflowType, payload map[string]any) (string, error) {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	endpoint := c.url + "/webhook/" + url.PathEscape(string(workflowType))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var response struct {
		ExecutionID string `json:"executionId"`
	}
	if err := c.do(req, "trigger", &response); err != nil {
		return "", err
	}
	if response.ExecutionID == "" {
		return "", errors.New("runner trigger: response did not include executionId")
	}
	return response.ExecutionID, nil
}

// Status fetches <runner>/executions/{handle}.
func (c *HTTPRunnerClient) Status(ctx context.Context, handle string) (*RunnerStatus, error) {
	endpoint := c.url + "/executions/" + url.PathEscape(handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var status RunnerStatus
	if err := c.do(req, "status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *HTTPRunnerClient) do(req *http.Request, op string, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &RunnerError{Op: op, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}
