// Package mcp exposes the execution engine as Model Context Protocol tools so
// assistants can start and inspect automations for the caller's tenant.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"listingflow/backend/internal/auth"
	"listingflow/backend/internal/engine"
	"listingflow/backend/pkg/models"
)

const basePath = "/mcp"

type Server struct {
	mcpServer *server.MCPServer
	engine    *engine.Engine
}

func NewServer(e *engine.Engine) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"ListingFlow Automation",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		engine: e,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func workflowTypeNames() []string {
	names := make([]string, 0, len(models.AllWorkflowTypes))
	for _, t := range models.AllWorkflowTypes {
		names = append(names, string(t))
	}
	return names
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"start_workflow",
			mcp.WithDescription("Start a workflow execution for the caller's tenant"),
			mcp.WithString("workflow_type", mcp.Required(), mcp.Enum(workflowTypeNames()...),
				mcp.Description("The kind of automation to run")),
			mcp.WithString("subject_id", mcp.Description("The listing, campaign or lead the run is about")),
			mcp.WithObject("payload", mcp.Description("Workflow input; credential-looking fields are redacted")),
		),
		s.handleStartWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_execution",
			mcp.WithDescription("Get the current state of a workflow execution"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The execution ID")),
		),
		s.handleGetExecution,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_executions",
			mcp.WithDescription("List recent workflow executions, newest first"),
			mcp.WithString("status", mcp.Description("Only executions in this status")),
			mcp.WithString("subject_id", mcp.Description("Only executions for this subject")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of executions (default 20)")),
		),
		s.handleListExecutions,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"cancel_execution",
			mcp.WithDescription("Cancel a pending, running or retrying execution"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The execution ID")),
		),
		s.handleCancelExecution,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"retry_execution",
			mcp.WithDescription("Re-dispatch a pending or retrying execution now"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The execution ID")),
		),
		s.handleRetryExecution,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"execution_analytics",
			mcp.WithDescription("Summarize executions over a lookback window"),
			mcp.WithString("range", mcp.Description("Lookback such as 7d or 24h (default 7d)")),
		),
		s.handleAnalytics,
	)
}

func (s *Server) handleStartWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("Not authenticated"), nil
	}
	rawType, err := request.RequireString("workflow_type")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: workflow_type"), nil
	}
	workflowType, err := models.ParseWorkflowType(rawType)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	req := engine.StartRequest{WorkflowType: workflowType, TenantID: tenant}
	if subject := request.GetString("subject_id", ""); subject != "" {
		req.SubjectID = &subject
	}
	if payload, ok := request.GetArguments()["payload"]; ok && payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid payload: %v", err)), nil
		}
		req.Payload = raw
	}

	exec, err := s.engine.Start(ctx, req)
	if err != nil && !engine.IsDispatchError(err) {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start workflow: %v", err)), nil
	}
	// A dispatch failure still leaves a PENDING record the caller can retry.
	return jsonResult(exec)
}

func (s *Server) handleGetExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withExecution(ctx, request, "get execution", s.engine.Get)
}

func (s *Server) handleCancelExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withExecution(ctx, request, "cancel execution", s.engine.Cancel)
}

func (s *Server) handleRetryExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withExecution(ctx, request, "retry execution", s.engine.Retry)
}

func (s *Server) handleListExecutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("Not authenticated"), nil
	}

	filter := models.ExecutionFilter{TenantID: tenant, Limit: 20}
	if limit := request.GetInt("limit", 0); limit > 0 {
		filter.Limit = min(limit, 200)
	}
	if raw := request.GetString("status", ""); raw != "" {
		status := models.ExecutionStatus(raw)
		if !status.Valid() {
			return mcp.NewToolResultError("Unknown status: " + raw), nil
		}
		filter.Status = &status
	}
	if subject := request.GetString("subject_id", ""); subject != "" {
		filter.SubjectID = &subject
	}

	executions, err := s.engine.List(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list executions: %v", err)), nil
	}
	if executions == nil {
		executions = []*models.WorkflowExecution{}
	}
	return jsonResult(executions)
}

func (s *Server) handleAnalytics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("Not authenticated"), nil
	}
	window, err := engine.ParseRange(request.GetString("range", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	to := s.engine.Now()
	summary, err := s.engine.Summarize(ctx, tenant, to.Add(-window), to)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to summarize executions: %v", err)), nil
	}
	return jsonResult(summary)
}

type executionOp func(ctx context.Context, tenantID, id string) (*models.WorkflowExecution, error)

func (s *Server) withExecution(ctx context.Context, request mcp.CallToolRequest, verb string, op executionOp) (*mcp.CallToolResult, error) {
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("Not authenticated"), nil
	}
	id, err := request.RequireString("id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	exec, err := op(ctx, tenant, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", verb, err)), nil
	}
	return jsonResult(exec)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// Mount serves the SSE transport under /mcp (GET /mcp/sse, POST /mcp/message)
// behind requireAuth, so tools see the caller's tenant in their context.
func Mount(e *echo.Echo, mcpServer *server.MCPServer, requireAuth echo.MiddlewareFunc) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath(basePath),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if tenant, ok := auth.TenantFromContext(r.Context()); ok {
				return auth.WithTenant(ctx, tenant)
			}
			return ctx
		}),
	)

	group := e.Group(basePath)
	if requireAuth != nil {
		group.Use(requireAuth)
	}
	group.GET("/sse", echo.WrapHandler(sseServer.SSEHandler()))
	group.POST("/message", echo.WrapHandler(sseServer.MessageHandler()))
}
