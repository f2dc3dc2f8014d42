package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"listingflow/backend/internal/engine"
)

// WebhookSecretHeader carries the shared secret configured on the runner.
const WebhookSecretHeader = "X-Webhook-Secret"

// CallbackRequest is the body the runner posts when an execution finishes.
type CallbackRequest struct {
	ExecutionID    string          `json:"executionId"`
	TenantID       string          `json:"tenantId,omitempty"`
	ExternalHandle string          `json:"externalHandle,omitempty"`
	Status         string          `json:"status"`
	Data           json.RawMessage `json:"data,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// CallbackResponse acknowledges a processed callback.
type CallbackResponse struct {
	Acknowledged bool           `json:"acknowledged"`
	Outcome      engine.Outcome `json:"outcome"`
	Status       string         `json:"status,omitempty"`
}

// HandleWorkflowCallback applies a runner completion or failure notification
// (POST /webhooks/workflow-callback)
func (s *Server) HandleWorkflowCallback(c echo.Context) error {
	if s.webhookSecret != "" {
		got := c.Request().Header.Get(WebhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookSecret)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook secret")
		}
	}

	var req CallbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	status, err := engine.ParseCallbackStatus(req.Status)
	if err != nil {
		return err
	}

	exec, outcome, err := s.engine.HandleCallback(c.Request().Context(), engine.Callback{
		ExecutionID:    req.ExecutionID,
		TenantID:       req.TenantID,
		ExternalHandle: req.ExternalHandle,
		Status:         status,
		Data:           req.Data,
		Error:          req.Error,
	})
	if err != nil {
		return err
	}

	resp := CallbackResponse{Acknowledged: true, Outcome: outcome}
	if exec != nil {
		resp.Status = string(exec.Status)
	}
	return c.JSON(http.StatusOK, resp)
}
