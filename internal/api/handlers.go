// Package api contains the HTTP handlers for the workflow execution service
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"listingflow/backend/internal/auth"
	"listingflow/backend/internal/engine"
	"listingflow/backend/internal/logging"
	"listingflow/backend/pkg/models"
)

const (
	serviceName    = "listingflow-automation"
	serviceVersion = "1.0.0"
)

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies for the API server.
type Server struct {
	engine        *engine.Engine
	store         Pinger
	webhookSecret string
	logger        *logging.Logger
	now           func() time.Time
}

// NewServer creates a new Server. An empty webhookSecret disables the
// callback secret check, which is only acceptable in development.
func NewServer(e *engine.Engine, store Pinger, webhookSecret string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		engine:        e,
		store:         store,
		webhookSecret: webhookSecret,
		logger:        logger.With("component", "api"),
		now:           time.Now,
	}
}

// RegisterRoutes mounts every route. requireAuth guards the tenant-scoped
// execution routes, which are served both under /api/v1 and unversioned;
// the callback webhook authenticates with its shared secret.
func (s *Server) RegisterRoutes(e *echo.Echo, requireAuth echo.MiddlewareFunc) {
	e.GET("/health", s.HandleHealth)
	e.POST("/webhooks/workflow-callback", s.HandleWorkflowCallback)

	// /executions is the unversioned alias of /api/v1/executions
	for _, prefix := range []string{"/api/v1/executions", "/executions"} {
		g := e.Group(prefix)
		if requireAuth != nil {
			g.Use(requireAuth)
		}
		s.registerExecutionRoutes(g)
	}
}

func (s *Server) registerExecutionRoutes(g *echo.Group) {
	g.POST("", s.StartExecution)
	g.GET("", s.ListExecutions)
	g.GET("/analytics", s.GetAnalytics)
	g.GET("/:id", s.GetExecution)
	g.POST("/:id/retry", s.RetryExecution)
	g.POST("/:id/cancel", s.CancelExecution)
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Database  string    `json:"database"`
}

// HandleHealth reports service health; it returns 503 when the store is unreachable.
// (GET /health)
func (s *Server) HandleHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: s.now().UTC(),
		Service:   serviceName,
		Version:   serviceVersion,
		Database:  "ok",
	}
	code := http.StatusOK
	if s.store != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			status.Status = "degraded"
			status.Database = "unreachable"
			code = http.StatusServiceUnavailable
		}
	}
	return c.JSON(code, status)
}

// tenantID returns the tenant placed in the request context by auth.
func tenantID(c echo.Context) (string, error) {
	id, ok := auth.TenantFromContext(c.Request().Context())
	if !ok {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "Tenant ID not found in context")
	}
	return id, nil
}

// ErrorHandler renders every error as an RFC 7807 problem document, mapping
// engine errors to their HTTP status.
func ErrorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, title, detail := classify(err)
		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				"method", c.Request().Method,
				"path", c.Path(),
				"status", status,
				"error", err,
			)
		}
		if werr := writeProblem(c, status, title, detail); werr != nil {
			logger.Error("failed to write error response", "error", werr)
		}
	}
}

func classify(err error) (int, string, string) {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		detail := http.StatusText(httpErr.Code)
		if msg, ok := httpErr.Message.(string); ok {
			detail = msg
		}
		return httpErr.Code, http.StatusText(httpErr.Code), detail
	}

	var dispatchErr *engine.DispatchError
	switch {
	case errors.As(err, &dispatchErr):
		return http.StatusBadGateway, "Dispatch Failed",
			"execution " + dispatchErr.ExecutionID + " was recorded but could not be dispatched: " + dispatchErr.Err.Error()
	case engine.IsNotFound(err):
		return http.StatusNotFound, "Not Found", err.Error()
	case engine.IsInvalidInput(err):
		return http.StatusBadRequest, "Bad Request", err.Error()
	case engine.IsConflict(err):
		return http.StatusConflict, "Conflict", err.Error()
	default:
		return http.StatusInternalServerError, "Internal Server Error", "unexpected error"
	}
}

// writeProblem writes an RFC 7807 Problem Details JSON error response
func writeProblem(c echo.Context, status int, title, detail string) error {
	problem := models.ProblemDetails{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	}
	if c.Request().Method == http.MethodHead {
		return c.NoContent(status)
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	c.Response().WriteHeader(status)
	return json.NewEncoder(c.Response()).Encode(problem)
}
