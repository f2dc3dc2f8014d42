package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listingflow/backend/internal/auth"
	"listingflow/backend/internal/engine"
	"listingflow/backend/internal/repository"
	"listingflow/backend/internal/services"
	"listingflow/backend/pkg/models"
)

const (
	testTenant = "tenant-a"
	testSecret = "s3cret"
)

type stubRunner struct {
	mu      sync.Mutex
	handles int
	fail    error
}

func (r *stubRunner) Trigger(ctx context.Context, wt models.WorkflowType, payload map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return "", r.fail
	}
	r.handles++
	return fmt.Sprintf("run-%d", r.handles), nil
}

func (r *stubRunner) Status(ctx context.Context, handle string) (*services.RunnerStatus, error) {
	return &services.RunnerStatus{}, nil
}

type downStore struct{}

func (downStore) Ping(ctx context.Context) error { return errors.New("connection refused") }

type testAPI struct {
	echo   *echo.Echo
	engine *engine.Engine
	runner *stubRunner
}

// fixedTenant stands in for the OIDC middleware.
func fixedTenant(tenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithTenant(c.Request().Context(), tenant)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func newTestAPI(t *testing.T, store Pinger) *testAPI {
	t.Helper()
	mem := repository.NewMemoryStore()
	if store == nil {
		store = mem
	}
	runner := &stubRunner{}
	policy := engine.RetryPolicy{MaxRetries: 3, BaseDelay: time.Minute, Multiplier: 2}
	eng := engine.New(mem, runner, policy)
	t.Cleanup(eng.Events().Wait)

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(nil)
	NewServer(eng, store, testSecret, nil).RegisterRoutes(e, fixedTenant(testTenant))
	return &testAPI{echo: e, engine: eng, runner: runner}
}

func (a *testAPI) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) start(t *testing.T) *models.WorkflowExecution {
	t.Helper()
	rec := a.do(http.MethodPost, "/api/v1/executions",
		`{"workflowType":"content-generation","subjectId":"property-1","payload":{"title":"Loft","apiKey":"k"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var exec models.WorkflowExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exec))
	return &exec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) models.ProblemDetails {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	var p models.ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestStartAndGetExecution(t *testing.T) {
	a := newTestAPI(t, nil)

	exec := a.start(t)
	assert.Equal(t, models.StatusRunning, exec.Status)
	assert.Equal(t, testTenant, exec.TenantID)
	require.NotNil(t, exec.ExternalHandle)
	assert.Equal(t, "run-1", *exec.ExternalHandle)
	assert.NotContains(t, string(exec.InputData), `"k"`)

	rec := a.do(http.MethodGet, "/api/v1/executions/"+exec.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.WorkflowExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, exec.ID, got.ID)
}

func TestStartExecutionRejectsBadRequests(t *testing.T) {
	a := newTestAPI(t, nil)

	rec := a.do(http.MethodPost, "/api/v1/executions", `{"workflowType":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	decodeProblem(t, rec)

	rec = a.do(http.MethodPost, "/api/v1/executions", `{"workflowType":"ingestion","payload":[1,2]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/executions", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartExecutionDispatchFailure(t *testing.T) {
	a := newTestAPI(t, nil)
	a.runner.fail = &services.RunnerError{StatusCode: http.StatusServiceUnavailable, Body: "down"}

	rec := a.do(http.MethodPost, "/api/v1/executions", `{"workflowType":"ingestion"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "Dispatch Failed", p.Title)

	list, err := a.engine.List(context.Background(), models.ExecutionFilter{TenantID: testTenant})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.StatusPending, list[0].Status)

	a.runner.fail = nil
	rec = a.do(http.MethodPost, "/api/v1/executions/"+list[0].ID+"/retry", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var retried models.WorkflowExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &retried))
	assert.Equal(t, models.StatusRunning, retried.Status)
	assert.Equal(t, 0, retried.RetryCount)
}

func TestGetExecutionOtherTenant(t *testing.T) {
	a := newTestAPI(t, nil)
	other, err := a.engine.Start(context.Background(), engine.StartRequest{
		WorkflowType: models.WorkflowTypeIngestion,
		TenantID:     "tenant-b",
	})
	require.NoError(t, err)

	rec := a.do(http.MethodGet, "/api/v1/executions/"+other.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/executions/"+other.ID+"/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListExecutions(t *testing.T) {
	a := newTestAPI(t, nil)

	rec := a.do(http.MethodGet, "/api/v1/executions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	first := a.start(t)
	a.start(t)
	_, err := a.engine.Cancel(context.Background(), testTenant, first.ID)
	require.NoError(t, err)

	rec = a.do(http.MethodGet, "/api/v1/executions?status=CANCELLED", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.WorkflowExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)

	rec = a.do(http.MethodGet, "/api/v1/executions?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	for _, q := range []string{"status=DONE", "workflowType=nope", "limit=abc", "offset=-1"} {
		rec = a.do(http.MethodGet, "/api/v1/executions?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestCancelExecution(t *testing.T) {
	a := newTestAPI(t, nil)
	exec := a.start(t)

	rec := a.do(http.MethodPost, "/api/v1/executions/"+exec.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.WorkflowExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.StatusCancelled, got.Status)

	rec = a.do(http.MethodPost, "/api/v1/executions/"+exec.ID+"/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelCompletedExecutionConflicts(t *testing.T) {
	a := newTestAPI(t, nil)
	exec := a.start(t)

	body := fmt.Sprintf(`{"executionId":%q,"status":"COMPLETED","data":{"ok":true}}`, exec.ID)
	rec := a.do(http.MethodPost, "/webhooks/workflow-callback", body, WebhookSecretHeader, testSecret)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/executions/"+exec.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	decodeProblem(t, rec)
}

func TestWorkflowCallback(t *testing.T) {
	a := newTestAPI(t, nil)
	exec := a.start(t)
	body := fmt.Sprintf(`{"executionId":%q,"tenantId":%q,"externalHandle":"run-1","status":"completed","data":{"posts":3}}`,
		exec.ID, testTenant)

	t.Run("rejects missing secret", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/webhooks/workflow-callback", body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("applies once", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/webhooks/workflow-callback", body, WebhookSecretHeader, testSecret)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"acknowledged":true,"outcome":"applied","status":"COMPLETED"}`, rec.Body.String())

		rec = a.do(http.MethodPost, "/webhooks/workflow-callback", body, WebhookSecretHeader, testSecret)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"acknowledged":true,"outcome":"duplicate","status":"COMPLETED"}`, rec.Body.String())

		got, err := a.engine.Get(context.Background(), testTenant, exec.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"posts":3}`, string(got.OutputData))
	})

	t.Run("contradicting status conflicts", func(t *testing.T) {
		conflicting := fmt.Sprintf(`{"executionId":%q,"status":"FAILED","error":"boom"}`, exec.ID)
		rec := a.do(http.MethodPost, "/webhooks/workflow-callback", conflicting, WebhookSecretHeader, testSecret)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("validation", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/webhooks/workflow-callback",
			fmt.Sprintf(`{"executionId":%q,"status":"RUNNING"}`, exec.ID), WebhookSecretHeader, testSecret)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = a.do(http.MethodPost, "/webhooks/workflow-callback",
			`{"executionId":"missing","status":"COMPLETED"}`, WebhookSecretHeader, testSecret)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAnalytics(t *testing.T) {
	a := newTestAPI(t, nil)
	exec := a.start(t)
	a.start(t)
	body := fmt.Sprintf(`{"executionId":%q,"status":"COMPLETED"}`, exec.ID)
	rec := a.do(http.MethodPost, "/webhooks/workflow-callback", body, WebhookSecretHeader, testSecret)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodGet, "/api/v1/executions/analytics?range=7d", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary models.AnalyticsSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.ByStatus[models.StatusCompleted])
	assert.Equal(t, 1, summary.ByStatus[models.StatusRunning])
	assert.InDelta(t, 0.5, summary.SuccessRate, 1e-9)

	rec = a.do(http.MethodGet, "/api/v1/executions/analytics?tenant=tenant-b", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(http.MethodGet, "/api/v1/executions/analytics?range=-3d", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, nil)
	rec := a.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)

	degraded := newTestAPI(t, downStore{})
	rec = degraded.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "degraded", status.Status)
}

func TestRoutesRequireTenant(t *testing.T) {
	mem := repository.NewMemoryStore()
	eng := engine.New(mem, &stubRunner{}, engine.RetryPolicy{MaxRetries: 1, BaseDelay: time.Second, Multiplier: 2})
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(nil)
	NewServer(eng, mem, "", nil).RegisterRoutes(e, nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/executions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnversionedExecutionRoutes(t *testing.T) {
	a := newTestAPI(t, nil)
	exec := a.start(t)

	rec := a.do(http.MethodGet, "/executions/"+exec.ID, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got models.WorkflowExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, exec.ID, got.ID)

	rec = a.do(http.MethodGet, "/executions/analytics?range=7d", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary models.AnalyticsSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.Total)

	mem := repository.NewMemoryStore()
	eng := engine.New(mem, &stubRunner{}, engine.RetryPolicy{MaxRetries: 1, BaseDelay: time.Second, Multiplier: 2})
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(nil)
	NewServer(eng, mem, "", nil).RegisterRoutes(e, nil)
	unauth := httptest.NewRecorder()
	e.ServeHTTP(unauth, httptest.NewRequest(http.MethodGet, "/executions/"+exec.ID, nil))
	assert.Equal(t, http.StatusUnauthorized, unauth.Code)
}

// Every mounted route is described in the served OpenAPI document, the
// unversioned aliases through their /api/v1 twin.
func TestOpenAPIDocumentsMountedRoutes(t *testing.T) {
	a := newTestAPI(t, nil)
	for _, r := range a.echo.Routes() {
		if r.Method == echo.RouteNotFound || strings.HasSuffix(r.Path, "*") {
			continue
		}
		path := r.Path
		if strings.HasPrefix(path, "/executions") {
			path = "/api/v1" + path
		}
		path = strings.ReplaceAll(path, ":id", "{id}")
		assert.Contains(t, openAPISpec, "\n  "+path+":\n", "%s %s is not documented", r.Method, r.Path)
	}
	assert.Contains(t, openAPISpec, "without the /api/v1 prefix")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"http error", echo.NewHTTPError(http.StatusTeapot, "tea"), http.StatusTeapot},
		{"not found", engine.ErrNotFound, http.StatusNotFound},
		{"invalid", fmt.Errorf("%w: bad", engine.ErrInvalidInput), http.StatusBadRequest},
		{"unknown type", engine.ErrUnknownWorkflowType, http.StatusBadRequest},
		{"transition", engine.ErrInvalidTransition, http.StatusConflict},
		{"ceiling", engine.ErrRetryCeilingExceeded, http.StatusConflict},
		{"dispatch", &engine.DispatchError{ExecutionID: "x", Err: errors.New("refused")}, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, _ := classify(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSpecHandlerSubstitutesIssuer(t *testing.T) {
	rec := httptest.NewRecorder()
	SpecHandler("https://example.okta.com/oauth2/default")(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://example.okta.com/oauth2/default/v1/authorize")
	assert.NotContains(t, rec.Body.String(), "{oktaIssuer}")
}
