package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"listingflow/backend/internal/engine"
	"listingflow/backend/pkg/models"
)

const maxPageSize = 200

// StartExecutionRequest is the body of POST /api/v1/executions.
type StartExecutionRequest struct {
	WorkflowType string          `json:"workflowType"`
	SubjectID    *string         `json:"subjectId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// StartExecution records and dispatches a new execution for the caller's tenant
// (POST /api/v1/executions)
func (s *Server) StartExecution(c echo.Context) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}

	var req StartExecutionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	workflowType, err := models.ParseWorkflowType(req.WorkflowType)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	exec, err := s.engine.Start(c.Request().Context(), engine.StartRequest{
		WorkflowType: workflowType,
		TenantID:     tenant,
		SubjectID:    req.SubjectID,
		Payload:      req.Payload,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, exec)
}

// ListExecutions returns the tenant's executions, newest first
// (GET /api/v1/executions?status=&workflowType=&subjectId=&limit=&offset=)
func (s *Server) ListExecutions(c echo.Context) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}

	var (
		status, workflowType, subjectID string
		limit, offset                   int
	)
	query := c.QueryParams()
	for name, dest := range map[string]any{
		"status":       &status,
		"workflowType": &workflowType,
		"subjectId":    &subjectID,
		"limit":        &limit,
		"offset":       &offset,
	} {
		if err := runtime.BindQueryParameter("form", true, false, name, query, dest); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid query parameter "+name+": "+err.Error())
		}
	}

	filter := models.ExecutionFilter{TenantID: tenant, Limit: 50, Offset: offset}
	if limit > 0 {
		filter.Limit = min(limit, maxPageSize)
	}
	if offset < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "offset must not be negative")
	}
	if status != "" {
		st := models.ExecutionStatus(status)
		if !st.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+status)
		}
		filter.Status = &st
	}
	if workflowType != "" {
		wt, err := models.ParseWorkflowType(workflowType)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		filter.WorkflowType = &wt
	}
	if subjectID != "" {
		filter.SubjectID = &subjectID
	}

	executions, err := s.engine.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if executions == nil {
		executions = []*models.WorkflowExecution{}
	}
	return c.JSON(http.StatusOK, executions)
}

// GetExecution returns one execution snapshot
// (GET /api/v1/executions/{id})
func (s *Server) GetExecution(c echo.Context) error {
	return s.withExecution(c, s.engine.Get)
}

// RetryExecution re-dispatches a PENDING or RETRYING execution now
// (POST /api/v1/executions/{id}/retry)
func (s *Server) RetryExecution(c echo.Context) error {
	return s.withExecution(c, s.engine.Retry)
}

// CancelExecution cancels a non-terminal execution
// (POST /api/v1/executions/{id}/cancel)
func (s *Server) CancelExecution(c echo.Context) error {
	return s.withExecution(c, s.engine.Cancel)
}

// GetAnalytics summarizes the tenant's executions over a lookback window
// (GET /api/v1/executions/analytics?range=7d)
func (s *Server) GetAnalytics(c echo.Context) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}

	var lookback, requested string
	query := c.QueryParams()
	if err := runtime.BindQueryParameter("form", true, false, "range", query, &lookback); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid query parameter range: "+err.Error())
	}
	if err := runtime.BindQueryParameter("form", true, false, "tenant", query, &requested); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid query parameter tenant: "+err.Error())
	}
	if requested != "" && requested != tenant {
		return echo.NewHTTPError(http.StatusForbidden, "analytics are only available for the authenticated tenant")
	}

	window, err := engine.ParseRange(lookback)
	if err != nil {
		return err
	}
	to := s.now().UTC()
	summary, err := s.engine.Summarize(c.Request().Context(), tenant, to.Add(-window), to)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}

type executionOp func(ctx context.Context, tenantID, id string) (*models.WorkflowExecution, error)

func (s *Server) withExecution(c echo.Context, op executionOp) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}

	var id string
	err = runtime.BindStyledParameterWithOptions("simple", "id", c.Param("id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter id: "+err.Error())
	}

	exec, err := op(c.Request().Context(), tenant, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exec)
}
