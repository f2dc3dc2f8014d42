package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listingflow/backend/internal/auth"
	"listingflow/backend/internal/engine"
	"listingflow/backend/internal/repository"
	"listingflow/backend/internal/services"
	"listingflow/backend/pkg/models"
)

type stubRunner struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (r *stubRunner) Trigger(ctx context.Context, wt models.WorkflowType, payload map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return "run-1", nil
}

func (r *stubRunner) Status(ctx context.Context, handle string) (*services.RunnerStatus, error) {
	return &services.RunnerStatus{}, nil
}

func newTestServer(t *testing.T) (*Server, *stubRunner) {
	t.Helper()
	runner := &stubRunner{}
	e := engine.New(repository.NewMemoryStore(), runner,
		engine.RetryPolicy{MaxRetries: 3, BaseDelay: time.Minute, Multiplier: 2})
	t.Cleanup(e.Events().Wait)
	return NewServer(e), runner
}

func call(t *testing.T, ctx context.Context, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := handler(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return res, text.Text
}

func TestStartAndInspectWorkflow(t *testing.T) {
	s, runner := newTestServer(t)
	ctx := auth.WithTenant(context.Background(), "tenant-a")

	res, body := call(t, ctx, s.handleStartWorkflow, map[string]any{
		"workflow_type": "social-campaign",
		"subject_id":    "listing-9",
		"payload":       map[string]any{"channel": "instagram", "accessToken": "abc"},
	})
	require.False(t, res.IsError, body)
	var exec models.WorkflowExecution
	require.NoError(t, json.Unmarshal([]byte(body), &exec))
	assert.Equal(t, models.StatusRunning, exec.Status)
	assert.Equal(t, "tenant-a", exec.TenantID)
	require.Len(t, runner.payloads, 1)
	assert.Equal(t, engine.RedactedValue, runner.payloads[0]["accessToken"])

	res, body = call(t, ctx, s.handleGetExecution, map[string]any{"id": exec.ID})
	require.False(t, res.IsError, body)
	assert.Contains(t, body, exec.ID)

	res, body = call(t, ctx, s.handleListExecutions, map[string]any{"status": "RUNNING"})
	require.False(t, res.IsError, body)
	var list []models.WorkflowExecution
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	assert.Len(t, list, 1)

	res, body = call(t, ctx, s.handleCancelExecution, map[string]any{"id": exec.ID})
	require.False(t, res.IsError, body)
	assert.Contains(t, body, `"CANCELLED"`)

	res, body = call(t, ctx, s.handleAnalytics, map[string]any{"range": "1d"})
	require.False(t, res.IsError, body)
	var summary models.AnalyticsSummary
	require.NoError(t, json.Unmarshal([]byte(body), &summary))
	assert.Equal(t, 1, summary.Total)
}

func TestToolErrors(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := auth.WithTenant(context.Background(), "tenant-a")

	res, _ := call(t, context.Background(), s.handleGetExecution, map[string]any{"id": "x"})
	assert.True(t, res.IsError, "tenant is required")

	res, _ = call(t, ctx, s.handleStartWorkflow, map[string]any{"workflow_type": "bogus"})
	assert.True(t, res.IsError)

	res, _ = call(t, ctx, s.handleGetExecution, map[string]any{})
	assert.True(t, res.IsError)

	res, body := call(t, ctx, s.handleRetryExecution, map[string]any{"id": "missing"})
	assert.True(t, res.IsError)
	assert.Contains(t, body, "not found")

	res, _ = call(t, ctx, s.handleListExecutions, map[string]any{"status": "DONE"})
	assert.True(t, res.IsError)

	res, _ = call(t, ctx, s.handleAnalytics, map[string]any{"range": "0d"})
	assert.True(t, res.IsError)
}

func TestToolsAreRegistered(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.GetMCPServer().HandleMessage(context.Background(),
		json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	for _, name := range []string{"start_workflow", "get_execution", "list_executions", "cancel_execution", "retry_execution", "execution_analytics"} {
		assert.Contains(t, string(raw), `"`+name+`"`)
	}
}
