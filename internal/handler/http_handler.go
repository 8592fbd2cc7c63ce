package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/service"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/logger"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/middleware"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	svc   *service.Services
	ready Pinger
	log   *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(svc *service.Services, ready Pinger, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, ready: ready, log: log}
}

// Register mounts every route on r.
func (h *HTTPHandler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.Ready).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/workflows", h.CreateWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows", h.ListWorkflows).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}", h.GetWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}", h.UpdateWorkflow).Methods(http.MethodPatch)
	api.HandleFunc("/workflows/{id}", h.DeleteWorkflow).Methods(http.MethodDelete)

	api.HandleFunc("/requests", h.CreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests", h.ListRequests).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", h.GetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/history", h.GetApprovalHistory).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/cancel", h.CancelRequest).Methods(http.MethodPost)
	api.HandleFunc("/steps/{id}/approve", h.ApproveStep).Methods(http.MethodPost)
	api.HandleFunc("/steps/{id}/reject", h.RejectStep).Methods(http.MethodPost)
	api.HandleFunc("/approvals/pending", h.ListPendingApprovals).Methods(http.MethodGet)

	api.HandleFunc("/recurring/templates", h.CreateTemplate).Methods(http.MethodPost)
	api.HandleFunc("/recurring/templates", h.ListTemplates).Methods(http.MethodGet)
	api.HandleFunc("/recurring/templates/{id}", h.GetTemplate).Methods(http.MethodGet)
	api.HandleFunc("/recurring/templates/{id}", h.UpdateTemplate).Methods(http.MethodPatch)
	api.HandleFunc("/recurring/templates/{id}", h.DeleteTemplate).Methods(http.MethodDelete)
	api.HandleFunc("/recurring/generate", h.RunGeneration).Methods(http.MethodPost)
	api.HandleFunc("/recurring/preview", h.PreviewGeneration).Methods(http.MethodGet)
	api.HandleFunc("/recurring/logs", h.ListGenerationLogs).Methods(http.MethodGet)

	api.HandleFunc("/dashboards/approvals", h.ApprovalDashboard).Methods(http.MethodGet)
	api.HandleFunc("/dashboards/recurring", h.RecurringDashboard).Methods(http.MethodGet)
}

// ── Health ────────────────────────────────────────────────────────────────────

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports whether the backing store answers.
func (h *HTTPHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready.Ping(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("Readiness check failed")
			h.respond(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	h.respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ── Workflows ─────────────────────────────────────────────────────────────────

// CreateWorkflow handles create workflow HTTP requests
func (h *HTTPHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var in service.CreateWorkflowInput
	if !h.decode(w, r, &in) {
		return
	}
	in.TenantID = id.TenantID
	in.CreatedBy = &id.UserID

	wf, err := h.svc.Workflows.CreateWorkflow(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, wf)
}

// GetWorkflow handles get workflow HTTP requests
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.svc.Workflows.GetWorkflow(r.Context(), mux.Vars(r)["id"], identity(r).TenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, wf)
}

// ListWorkflows handles list workflows HTTP requests
func (h *HTTPHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	activeOnly, err := queryBool(r, "active")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.svc.Workflows.ListWorkflows(r.Context(), identity(r).TenantID, activeOnly)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"workflows": list})
}

// UpdateWorkflow handles update workflow HTTP requests
func (h *HTTPHandler) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var patch repository.WorkflowPatch
	if !h.decode(w, r, &patch) {
		return
	}
	wf, err := h.svc.Workflows.UpdateWorkflow(r.Context(), mux.Vars(r)["id"], identity(r).TenantID, patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, wf)
}

// DeleteWorkflow handles delete workflow HTTP requests
func (h *HTTPHandler) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Workflows.DeleteWorkflow(r.Context(), mux.Vars(r)["id"], identity(r).TenantID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Approval requests ─────────────────────────────────────────────────────────

type createRequestBody struct {
	RequestType string              `json:"request_type"`
	RequestData json.RawMessage     `json:"request_data"`
	Priority    repository.Priority `json:"priority"`
	DueDate     *time.Time          `json:"due_date,omitempty"`
}

type decisionBody struct {
	Notes  *string `json:"notes,omitempty"`
	Reason string  `json:"reason"`
}

// CreateRequest routes a new approval request. The caller is the requestor.
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var body createRequestBody
	if !h.decode(w, r, &body) {
		return
	}

	detail, err := h.svc.Approvals.CreateRequest(r.Context(), service.CreateRequestInput{
		TenantID:    id.TenantID,
		RequestType: body.RequestType,
		RequestData: body.RequestData,
		RequestorID: id.UserID,
		Priority:    body.Priority,
		DueDate:     body.DueDate,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, detail)
}

// GetRequest returns a request with its steps.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	detail, err := h.svc.Approvals.GetRequest(r.Context(), mux.Vars(r)["id"], identity(r).TenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, detail)
}

// ListRequests handles list requests HTTP requests
func (h *HTTPHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter repository.RequestFilter
	if status := q.Get("status"); status != "" {
		s := repository.RequestStatus(status)
		filter.Status = &s
	}
	if requestType := q.Get("request_type"); requestType != "" {
		filter.RequestType = &requestType
	}
	if requestor := q.Get("requestor_id"); requestor != "" {
		filter.RequestorID = &requestor
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter.Limit = limit

	list, err := h.svc.Approvals.ListRequests(r.Context(), identity(r).TenantID, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"requests": list})
}

// GetApprovalHistory returns a request's audit trail.
func (h *HTTPHandler) GetApprovalHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Approvals.GetApprovalHistory(r.Context(), mux.Vars(r)["id"], identity(r).TenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"history": entries})
}

// CancelRequest withdraws a pending request. Only the requestor may cancel.
func (h *HTTPHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var body decisionBody
	if !h.decodeOptional(w, r, &body) {
		return
	}
	req, err := h.svc.Approvals.CancelRequest(r.Context(), mux.Vars(r)["id"], id.TenantID, id.UserID, body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, req)
}

// ApproveStep records the caller's approval of a step.
func (h *HTTPHandler) ApproveStep(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var body decisionBody
	if !h.decodeOptional(w, r, &body) {
		return
	}
	step, err := h.svc.Approvals.ApproveStep(r.Context(), mux.Vars(r)["id"], id.TenantID, id.UserID, body.Notes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, step)
}

// RejectStep records the caller's rejection of a step.
func (h *HTTPHandler) RejectStep(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var body decisionBody
	if !h.decode(w, r, &body) {
		return
	}
	step, err := h.svc.Approvals.RejectStep(r.Context(), mux.Vars(r)["id"], id.TenantID, id.UserID, body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, step)
}

// ListPendingApprovals lists live steps for ?approver=, defaulting to the
// caller. ?approver=* lists every live step of the tenant.
func (h *HTTPHandler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	approver := r.URL.Query().Get("approver")
	switch approver {
	case "":
		approver = id.UserID
	case "*":
		approver = ""
	}

	steps, err := h.svc.Approvals.ListPendingApprovals(r.Context(), id.TenantID, approver)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"steps": steps})
}

// ── Recurring templates ───────────────────────────────────────────────────────

// CreateTemplate handles create template HTTP requests
func (h *HTTPHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var in service.CreateTemplateInput
	if !h.decode(w, r, &in) {
		return
	}
	in.TenantID = identity(r).TenantID

	tpl, err := h.svc.Recurring.CreateTemplate(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, tpl)
}

// GetTemplate handles get template HTTP requests
func (h *HTTPHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.svc.Recurring.GetTemplate(r.Context(), mux.Vars(r)["id"], identity(r).TenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, tpl)
}

// ListTemplates handles list templates HTTP requests
func (h *HTTPHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	activeOnly, err := queryBool(r, "active")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.svc.Recurring.ListTemplates(r.Context(), identity(r).TenantID, activeOnly)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"templates": list})
}

// UpdateTemplate handles update template HTTP requests
func (h *HTTPHandler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var patch repository.TemplatePatch
	if !h.decode(w, r, &patch) {
		return
	}
	tpl, err := h.svc.Recurring.UpdateTemplate(r.Context(), mux.Vars(r)["id"], identity(r).TenantID, patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, tpl)
}

// DeleteTemplate handles delete template HTTP requests
func (h *HTTPHandler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Recurring.DeleteTemplate(r.Context(), mux.Vars(r)["id"], identity(r).TenantID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Generation ────────────────────────────────────────────────────────────────

// RunGeneration runs the generation orchestrator for the caller's tenant.
func (h *HTTPHandler) RunGeneration(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	run, err := h.svc.Generation.Run(r.Context(), id.TenantID, "user:"+id.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, run)
}

// PreviewGeneration lists the templates a run would generate at ?at=
// (RFC 3339, default now).
func (h *HTTPHandler) PreviewGeneration(w http.ResponseWriter, r *http.Request) {
	var at time.Time
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.fail(w, r, errors.InvalidInput("at", "must be an RFC 3339 timestamp"))
			return
		}
		at = parsed
	}

	items, err := h.svc.Generation.Preview(r.Context(), identity(r).TenantID, at)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"items": items})
}

// ListGenerationLogs returns recent run summaries.
func (h *HTTPHandler) ListGenerationLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	logs, err := h.svc.Generation.ListLogs(r.Context(), identity(r).TenantID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"logs": logs})
}

// ── Dashboards ────────────────────────────────────────────────────────────────

// ApprovalDashboard returns the approval rollup.
func (h *HTTPHandler) ApprovalDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := h.svc.Dashboards.ApprovalDashboard(r.Context(), identity(r).TenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, dash)
}

// RecurringDashboard returns the recurring rollup.
func (h *HTTPHandler) RecurringDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := h.svc.Dashboards.RecurringDashboard(r.Context(), identity(r).TenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, dash)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func identity(r *http.Request) middleware.Identity {
	id, _ := middleware.IdentityFromContext(r.Context())
	return id
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large")
			return false
		}
		h.fail(w, r, errors.InvalidInput("body", "invalid request body"))
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (h *HTTPHandler) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return h.decode(w, r, v)
}

func (h *HTTPHandler) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), h.log).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}

	body := map[string]string{
		"code":    string(errors.CodeOf(err)),
		"message": errors.PublicMessage(err),
	}
	if field := errors.FieldOf(err); field != "" {
		body["field"] = field
	}
	h.respond(w, status, map[string]any{"error": body})
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.InvalidInput(key, "must be a boolean")
	}
	return v, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.InvalidInput(key, "must be a non-negative integer")
	}
	return v, nil
}
