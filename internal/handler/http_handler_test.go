package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/app"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/client"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/lock"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository/memory"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/service"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/logger"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/middleware"
)

var baseTime = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

func newServices(t *testing.T) *service.Services {
	t.Helper()
	store := memory.New()
	clock := func() time.Time { return baseTime }
	store.Now = clock

	log := logger.Nop()
	notifier := client.NewNotificationPublisher(nil, "", log.Logger)
	svc := service.NewServices(app.MemoryStores(store), notifier, lock.NewLocalLocker(), nil, log)
	svc.SetClock(clock)
	return svc
}

type api struct {
	t      *testing.T
	router *mux.Router
}

func newAPI(t *testing.T) *api {
	t.Helper()
	r := mux.NewRouter()
	r.Use(middleware.Auth(middleware.NewAuthenticator(""), "/health", "/ready"))
	NewHTTPHandler(newServices(t), nil, logger.Nop()).Register(r)
	return &api{t: t, router: r}
}

func (a *api) do(method, path, tenant, user string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set(middleware.TenantHeader, tenant)
	}
	if user != "" {
		req.Header.Set(middleware.UserHeader, user)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"error"`
}

type detailBody struct {
	Request struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		CurrentStep int    `json:"current_step"`
	} `json:"request"`
	Steps []struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Approver string `json:"approver"`
	} `json:"steps"`
}

var twoStepWorkflow = map[string]any{
	"name":          "Expense approval",
	"workflow_type": "expense",
	"steps": []map[string]any{
		{"name": "Manager", "approver": "manager", "approver_kind": "user"},
		{"name": "Finance", "approver": "finance", "approver_kind": "role"},
	},
	"conditions": []map[string]any{
		{"field": "amount", "operator": "greater_than", "value": "100"},
	},
}

func TestHealth(t *testing.T) {
	a := newAPI(t)
	rec := a.do(http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodGet, "/ready", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnauthenticated(t *testing.T) {
	a := newAPI(t)
	rec := a.do(http.MethodGet, "/api/v1/workflows", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestApprovalLifecycle(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodPost, "/api/v1/workflows", "tenant-a", "admin", twoStepWorkflow)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = a.do(http.MethodPost, "/api/v1/requests", "tenant-a", "alice", map[string]any{
		"request_type": "expense",
		"request_data": map[string]any{"amount": 250},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[detailBody](t, rec)
	require.Len(t, created.Steps, 1)
	assert.Equal(t, "manager", created.Steps[0].Approver)

	rec = a.do(http.MethodGet, "/api/v1/approvals/pending", "tenant-a", "manager", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[struct {
		Steps []struct{ ID string } `json:"steps"`
	}](t, rec)
	require.Len(t, pending.Steps, 1)
	assert.Equal(t, created.Steps[0].ID, pending.Steps[0].ID)

	rec = a.do(http.MethodPost, "/api/v1/steps/"+created.Steps[0].ID+"/approve", "tenant-a", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/steps/"+created.Steps[0].ID+"/approve", "tenant-a", "manager",
		map[string]any{"notes": "ok"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(http.MethodPost, "/api/v1/steps/"+created.Steps[0].ID+"/approve", "tenant-a", "manager", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "a decided step cannot be decided again")

	rec = a.do(http.MethodGet, "/api/v1/requests/"+created.Request.ID, "tenant-a", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mid := decode[detailBody](t, rec)
	require.Len(t, mid.Steps, 2)
	finance := mid.Steps[1]
	assert.Equal(t, "pending", finance.Status)

	rec = a.do(http.MethodPost, "/api/v1/steps/"+finance.ID+"/approve", "tenant-a", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(http.MethodGet, "/api/v1/requests/"+created.Request.ID, "tenant-a", "alice", nil)
	final := decode[detailBody](t, rec)
	assert.Equal(t, "approved", final.Request.Status)

	rec = a.do(http.MethodGet, "/api/v1/requests/"+created.Request.ID+"/history", "tenant-a", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[struct {
		History []struct{ Action string } `json:"history"`
	}](t, rec)
	var actions []string
	for _, h := range history.History {
		actions = append(actions, h.Action)
	}
	assert.Equal(t, []string{"created", "approved", "approved", "completed"}, actions)

	rec = a.do(http.MethodGet, "/api/v1/requests?status=approved", "tenant-a", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Requests []struct{ ID string } `json:"requests"`
	}](t, rec)
	assert.Len(t, list.Requests, 1)
}

func TestRejectAndCancel(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/api/v1/workflows", "tenant-a", "admin", twoStepWorkflow).Code)

	newRequest := func() detailBody {
		rec := a.do(http.MethodPost, "/api/v1/requests", "tenant-a", "alice", map[string]any{
			"request_type": "expense",
			"request_data": map[string]any{"amount": 500},
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		return decode[detailBody](t, rec)
	}

	first := newRequest()
	rec := a.do(http.MethodPost, "/api/v1/steps/"+first.Steps[0].ID+"/reject", "tenant-a", "manager", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a reason is required")
	assert.Equal(t, "reason", decode[errorBody](t, rec).Error.Field)

	rec = a.do(http.MethodPost, "/api/v1/steps/"+first.Steps[0].ID+"/reject", "tenant-a", "manager",
		map[string]any{"reason": "missing receipt"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	second := newRequest()
	rec = a.do(http.MethodPost, "/api/v1/requests/"+second.Request.ID+"/cancel", "tenant-a", "manager", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "only the requestor may cancel")

	rec = a.do(http.MethodPost, "/api/v1/requests/"+second.Request.ID+"/cancel", "tenant-a", "alice",
		map[string]any{"reason": "duplicate"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decode[map[string]any](t, rec)["status"])
}

func TestErrorMapping(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodPost, "/api/v1/requests", "tenant-a", "alice", map[string]any{
		"request_type": "expense",
		"request_data": map[string]any{"amount": 10},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "NO_APPLICABLE_WORKFLOW", decode[errorBody](t, rec).Error.Code)

	rec = a.do(http.MethodPost, "/api/v1/workflows", "tenant-a", "admin", map[string]any{"name": "wf"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "INVALID_INPUT", body.Error.Code)
	assert.Equal(t, "workflow_type", body.Error.Field)

	rec = a.do(http.MethodPost, "/api/v1/workflows", "tenant-a", "admin", twoStepWorkflow)
	require.Equal(t, http.StatusCreated, rec.Code)
	wfID := decode[map[string]any](t, rec)["id"].(string)

	rec = a.do(http.MethodGet, "/api/v1/workflows/"+wfID, "tenant-b", "eve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "other tenants see not found")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", bytes.NewBufferString("{not json"))
	req.Header.Set(middleware.TenantHeader, "tenant-a")
	req.Header.Set(middleware.UserHeader, "admin")
	rec = httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodGet, "/api/v1/requests?status=lost", "tenant-a", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodGet, "/api/v1/recurring/logs?limit=-1", "tenant-a", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestBodyLimit(t *testing.T) {
	a := newAPI(t)

	big := map[string]any{
		"request_type": "expense",
		"request_data": map[string]any{"amount": 10, "note": strings.Repeat("x", maxBodyBytes)},
	}
	rec := a.do(http.MethodPost, "/api/v1/requests", "tenant-a", "alice", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", decode[errorBody](t, rec).Error.Code)

	rec = a.do(http.MethodPost, "/api/v1/workflows", "tenant-a", "admin", twoStepWorkflow)
	assert.Equal(t, http.StatusCreated, rec.Code, "ordinary bodies are unaffected")
}

func TestWorkflowUpdateAndDelete(t *testing.T) {
	a := newAPI(t)
	rec := a.do(http.MethodPost, "/api/v1/workflows", "tenant-a", "admin", twoStepWorkflow)
	require.Equal(t, http.StatusCreated, rec.Code)
	wfID := decode[map[string]any](t, rec)["id"].(string)

	rec = a.do(http.MethodPatch, "/api/v1/workflows/"+wfID, "tenant-a", "admin", map[string]any{"is_active": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, decode[map[string]any](t, rec)["is_active"])

	rec = a.do(http.MethodGet, "/api/v1/workflows?active=true", "tenant-a", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[map[string][]any](t, rec)["workflows"])

	rec = a.do(http.MethodDelete, "/api/v1/workflows/"+wfID, "tenant-a", "admin", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRecurringEndpoints(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodPost, "/api/v1/recurring/templates", "tenant-a", "admin", map[string]any{
		"name":               "Office rent",
		"template_type":      "expense",
		"template_data":      map[string]any{"vendor_id": "v-1", "category": "rent", "amount": "1200.00", "currency": "EUR"},
		"recurrence_pattern": "monthly",
		"start_date":         baseTime.AddDate(0, -2, 0).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tplID := decode[map[string]any](t, rec)["id"].(string)

	rec = a.do(http.MethodGet, "/api/v1/recurring/preview", "tenant-a", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	preview := decode[struct {
		Items []struct {
			TemplateID string `json:"template_id"`
		} `json:"items"`
	}](t, rec)
	require.Len(t, preview.Items, 1)
	assert.Equal(t, tplID, preview.Items[0].TemplateID)

	rec = a.do(http.MethodGet, "/api/v1/recurring/preview?at=yesterday", "tenant-a", "admin", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/recurring/generate", "tenant-a", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, run["generated"])
	assert.Equal(t, "user:admin", run["triggered_by"])

	rec = a.do(http.MethodGet, "/api/v1/recurring/logs?limit=5", "tenant-a", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]any](t, rec)["logs"], 1)

	rec = a.do(http.MethodPatch, "/api/v1/recurring/templates/"+tplID, "tenant-a", "admin", map[string]any{"is_active": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(http.MethodGet, "/api/v1/recurring/templates?active=true", "tenant-a", "admin", nil)
	assert.Empty(t, decode[map[string][]any](t, rec)["templates"])

	rec = a.do(http.MethodGet, "/api/v1/dashboards/recurring", "tenant-a", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dash := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, dash["template_stats"].(map[string]any)["inactive"])

	rec = a.do(http.MethodGet, "/api/v1/dashboards/approvals", "tenant-a", "admin", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodDelete, "/api/v1/recurring/templates/"+tplID, "tenant-a", "admin", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = a.do(http.MethodGet, "/api/v1/recurring/templates/"+tplID, "tenant-a", "admin", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
