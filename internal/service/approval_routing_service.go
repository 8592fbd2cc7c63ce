package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/condition"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/schema"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/logger"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/metrics"
)

// CreateRequestInput carries the fields of CreateRequest.
type CreateRequestInput struct {
	TenantID    string
	RequestType string
	RequestData json.RawMessage
	RequestorID string
	Priority    repository.Priority
	DueDate     *time.Time
}

// RequestDetail is a request together with its step instances.
type RequestDetail struct {
	Request *repository.ApprovalRequest `json:"request"`
	Steps   []*repository.ApprovalStep  `json:"steps"`
}

// ApprovalRoutingService routes requests to workflows and drives them
// through their steps.
//
// Every transition runs in one transaction that locks the request row and
// writes it back with a version check, so two concurrent decisions on the
// same request cannot both succeed. Notifications and audit entries are
// written after commit and never fail the transition.
type ApprovalRoutingService struct {
	tx        Transactor
	workflows WorkflowStore
	requests  RequestStore
	steps     StepStore
	audit     AuditStore
	notifier  Notifier
	metrics   *metrics.Metrics
	log       *logger.Logger

	// Clock stamps transitions. Defaults to time.Now.
	Clock Clock
}

// NewApprovalRoutingService creates a new ApprovalRoutingService.
func NewApprovalRoutingService(
	tx Transactor,
	workflows WorkflowStore,
	requests RequestStore,
	steps StepStore,
	audit AuditStore,
	notifier Notifier,
	m *metrics.Metrics,
	log *logger.Logger,
) *ApprovalRoutingService {
	return &ApprovalRoutingService{
		tx:        tx,
		workflows: workflows,
		requests:  requests,
		steps:     steps,
		audit:     audit,
		notifier:  notifier,
		metrics:   m,
		log:       log,
		Clock:     time.Now,
	}
}

// ── Workflow matching ─────────────────────────────────────────────────────────

// FindWorkflow returns the first active workflow of requestType whose
// conditions all hold against data, or nil when none does. Workflows are
// scanned oldest first; a workflow without conditions always matches.
func (s *ApprovalRoutingService) FindWorkflow(
	ctx context.Context,
	tenantID, requestType string,
	data json.RawMessage,
) (*repository.ApprovalWorkflow, error) {
	candidates, err := s.workflows.ListActiveByType(ctx, tenantID, requestType)
	if err != nil {
		return nil, err
	}

	for _, wf := range candidates {
		if matches(wf, data) {
			return wf, nil
		}
	}
	return nil, nil
}

// matches ANDs every condition. The per-condition logic field is not consulted.
func matches(wf *repository.ApprovalWorkflow, data json.RawMessage) bool {
	for _, c := range wf.Conditions {
		if !condition.Evaluate(condition.Lookup(data, c.Field), c.Operator, c.Value) {
			return false
		}
	}
	return true
}

// ── Request creation ──────────────────────────────────────────────────────────

// CreateRequest matches a workflow and creates the request together with its
// first step. A workflow with no steps approves the request immediately.
func (s *ApprovalRoutingService) CreateRequest(ctx context.Context, in CreateRequestInput) (*RequestDetail, error) {
	if in.TenantID == "" {
		return nil, errors.InvalidInput("tenant_id", "tenant_id is required")
	}
	in.RequestType = strings.TrimSpace(in.RequestType)
	if in.RequestType == "" {
		return nil, errors.InvalidInput("request_type", "request_type is required")
	}
	if in.RequestorID == "" {
		return nil, errors.InvalidInput("requestor_id", "requestor_id is required")
	}
	if in.Priority == "" {
		in.Priority = repository.PriorityNormal
	}
	if !in.Priority.Valid() {
		return nil, errors.InvalidInput("priority", "priority must be low, normal, high or urgent")
	}
	if len(in.RequestData) == 0 {
		in.RequestData = json.RawMessage(`{}`)
	}
	if err := schema.ValidateRequestData(in.RequestType, in.RequestData); err != nil {
		return nil, err
	}

	wf, err := s.FindWorkflow(ctx, in.TenantID, in.RequestType, in.RequestData)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, errors.NoApplicableWorkflow(in.RequestType)
	}

	now := s.now()
	req := &repository.ApprovalRequest{
		TenantID:      in.TenantID,
		WorkflowID:    wf.ID,
		WorkflowName:  wf.Name,
		WorkflowSteps: append([]repository.WorkflowStepTemplate{}, wf.Steps...),
		RequestType:   in.RequestType,
		RequestData:   in.RequestData,
		RequestorID:   in.RequestorID,
		Status:        repository.RequestPending,
		CurrentStep:   0,
		TotalSteps:    len(wf.Steps),
		Priority:      in.Priority,
		DueDate:       in.DueDate,
	}

	var first *repository.ApprovalStep
	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.requests.Create(ctx, req); err != nil {
			return err
		}
		first, err = s.advanceOrCreateStep(ctx, req, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RequestCreated(req.RequestType)
	s.metrics.ApprovalTransition("created")
	s.log.Info().
		Str("tenant_id", req.TenantID).
		Str("request_id", req.ID).
		Str("workflow_id", wf.ID).
		Str("request_type", req.RequestType).
		Int("total_steps", req.TotalSteps).
		Msg("Approval request created")

	after := string(repository.RequestPending)
	s.appendAudit(ctx, &repository.ApprovalAuditEntry{
		TenantID:    req.TenantID,
		RequestID:   req.ID,
		Action:      "created",
		PerformedBy: req.RequestorID,
		StatusAfter: &after,
		Metadata: map[string]interface{}{
			"workflow_id": wf.ID,
			"total_steps": req.TotalSteps,
		},
	})

	detail := &RequestDetail{Request: req, Steps: []*repository.ApprovalStep{}}
	if first != nil {
		detail.Steps = append(detail.Steps, first)
		s.notifyApprover(ctx, req, first)
	} else {
		s.completed(ctx, req, req.RequestorID)
	}
	return detail, nil
}

// advanceOrCreateStep completes req when every step is done, otherwise opens
// the step at req.CurrentStep. It returns the opened step, or nil when the
// request was completed.
func (s *ApprovalRoutingService) advanceOrCreateStep(
	ctx context.Context,
	req *repository.ApprovalRequest,
	now time.Time,
) (*repository.ApprovalStep, error) {
	if req.CurrentStep >= req.TotalSteps {
		req.Status = repository.RequestApproved
		req.CompletedAt = &now
		return nil, s.requests.UpdateProgress(ctx, req)
	}

	tpl := req.WorkflowSteps[req.CurrentStep]
	step := &repository.ApprovalStep{
		RequestID:    req.ID,
		TenantID:     req.TenantID,
		StepNumber:   req.CurrentStep + 1,
		StepName:     tpl.Name,
		ApproverRef:  tpl.ApproverRef,
		ApproverKind: tpl.ApproverKind,
		IsRequired:   tpl.Required,
		Status:       repository.StepPending,
	}
	if tpl.DueOffsetDays != nil {
		due := now.AddDate(0, 0, *tpl.DueOffsetDays)
		step.DueAt = &due
	}
	if err := s.steps.Create(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// ── Approve ───────────────────────────────────────────────────────────────────

// ApproveStep approves the live step of a request and either opens the next
// step or, on the last one, approves the request.
func (s *ApprovalRoutingService) ApproveStep(
	ctx context.Context,
	stepID, tenantID, actorID string,
	notes *string,
) (*repository.ApprovalStep, error) {
	if actorID == "" {
		return nil, errors.InvalidInput("actor_id", "actor_id is required")
	}

	var (
		step *repository.ApprovalStep
		req  *repository.ApprovalRequest
		next *repository.ApprovalStep
	)
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		step, req, err = s.loadLiveStep(ctx, stepID, tenantID, actorID)
		if err != nil {
			return err
		}

		now := s.now()
		step.Status = repository.StepApproved
		step.ActedBy = &actorID
		step.ActedAt = &now
		step.Notes = notes
		if err := s.steps.Decide(ctx, step); err != nil {
			return err
		}

		req.CurrentStep++
		if req.CurrentStep < req.TotalSteps {
			if err := s.requests.UpdateProgress(ctx, req); err != nil {
				return err
			}
		}
		next, err = s.advanceOrCreateStep(ctx, req, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", tenantID).
		Str("request_id", req.ID).
		Str("step_id", step.ID).
		Int("step_number", step.StepNumber).
		Str("actor_id", actorID).
		Str("status", string(req.Status)).
		Msg("Approval step approved")

	before := string(repository.RequestPending)
	after := string(req.Status)
	s.appendAudit(ctx, &repository.ApprovalAuditEntry{
		TenantID:     tenantID,
		RequestID:    req.ID,
		StepID:       &step.ID,
		Action:       "approved",
		PerformedBy:  actorID,
		StatusBefore: &before,
		StatusAfter:  &after,
		Metadata:     map[string]interface{}{"step_number": step.StepNumber},
	})

	if next != nil {
		s.metrics.ApprovalTransition("advanced")
		s.notifyApprover(ctx, req, next)
	} else {
		s.completed(ctx, req, actorID)
	}
	return step, nil
}

// ── Reject ────────────────────────────────────────────────────────────────────

// RejectStep rejects the live step and with it the whole request. No
// further steps are created.
func (s *ApprovalRoutingService) RejectStep(
	ctx context.Context,
	stepID, tenantID, actorID, reason string,
) (*repository.ApprovalStep, error) {
	if actorID == "" {
		return nil, errors.InvalidInput("actor_id", "actor_id is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errors.InvalidInput("reason", "rejection reason is required")
	}

	var (
		step *repository.ApprovalStep
		req  *repository.ApprovalRequest
	)
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		step, req, err = s.loadLiveStep(ctx, stepID, tenantID, actorID)
		if err != nil {
			return err
		}

		now := s.now()
		step.Status = repository.StepRejected
		step.ActedBy = &actorID
		step.ActedAt = &now
		step.Notes = &reason
		if err := s.steps.Decide(ctx, step); err != nil {
			return err
		}

		req.Status = repository.RequestRejected
		req.CompletedAt = &now
		return s.requests.UpdateProgress(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ApprovalTransition("rejected")
	s.log.Info().
		Str("tenant_id", tenantID).
		Str("request_id", req.ID).
		Str("step_id", step.ID).
		Int("step_number", step.StepNumber).
		Str("actor_id", actorID).
		Msg("Approval request rejected")

	before := string(repository.RequestPending)
	after := string(repository.RequestRejected)
	s.appendAudit(ctx, &repository.ApprovalAuditEntry{
		TenantID:     tenantID,
		RequestID:    req.ID,
		StepID:       &step.ID,
		Action:       "rejected",
		PerformedBy:  actorID,
		StatusBefore: &before,
		StatusAfter:  &after,
		Metadata:     map[string]interface{}{"reason": reason, "step_number": step.StepNumber},
	})
	s.notifyOutcome(ctx, req)

	return step, nil
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// CancelRequest lets the requestor withdraw a pending request. The live step
// is closed as cancelled.
func (s *ApprovalRoutingService) CancelRequest(
	ctx context.Context,
	requestID, tenantID, actorID, reason string,
) (*repository.ApprovalRequest, error) {
	if actorID == "" {
		return nil, errors.InvalidInput("actor_id", "actor_id is required")
	}

	var req *repository.ApprovalRequest
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		req, err = s.requests.GetForUpdate(ctx, requestID, tenantID)
		if err != nil {
			return err
		}
		if req.RequestorID != actorID {
			return errors.Forbidden("only the requestor can cancel the request")
		}
		if req.Status.IsTerminal() {
			return errors.Conflict(fmt.Sprintf("request is already %s", req.Status))
		}

		now := s.now()
		steps, err := s.steps.ListByRequest(ctx, req.ID, tenantID)
		if err != nil {
			return err
		}
		for _, st := range steps {
			if st.Status != repository.StepPending {
				continue
			}
			st.Status = repository.StepCancelled
			st.ActedBy = &actorID
			st.ActedAt = &now
			if reason != "" {
				st.Notes = &reason
			}
			if err := s.steps.Decide(ctx, st); err != nil {
				return err
			}
		}

		req.Status = repository.RequestCancelled
		req.CompletedAt = &now
		return s.requests.UpdateProgress(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ApprovalTransition("cancelled")
	s.log.Info().
		Str("tenant_id", tenantID).
		Str("request_id", requestID).
		Str("actor_id", actorID).
		Msg("Approval request cancelled")

	before := string(repository.RequestPending)
	after := string(repository.RequestCancelled)
	entry := &repository.ApprovalAuditEntry{
		TenantID:     tenantID,
		RequestID:    req.ID,
		Action:       "cancelled",
		PerformedBy:  actorID,
		StatusBefore: &before,
		StatusAfter:  &after,
	}
	if reason != "" {
		entry.Metadata = map[string]interface{}{"reason": reason}
	}
	s.appendAudit(ctx, entry)

	return req, nil
}

// ── Query helpers ─────────────────────────────────────────────────────────────

// GetRequest returns a request with its steps.
func (s *ApprovalRoutingService) GetRequest(ctx context.Context, requestID, tenantID string) (*RequestDetail, error) {
	req, err := s.requests.GetByID(ctx, requestID, tenantID)
	if err != nil {
		return nil, err
	}
	steps, err := s.steps.ListByRequest(ctx, requestID, tenantID)
	if err != nil {
		return nil, err
	}
	if steps == nil {
		steps = []*repository.ApprovalStep{}
	}
	return &RequestDetail{Request: req, Steps: steps}, nil
}

// ListRequests returns a tenant's requests, newest first.
func (s *ApprovalRoutingService) ListRequests(
	ctx context.Context,
	tenantID string,
	filter repository.RequestFilter,
) ([]*repository.ApprovalRequest, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, errors.InvalidInput("status", fmt.Sprintf("unknown status %q", *filter.Status))
	}
	reqs, err := s.requests.List(ctx, tenantID, filter)
	if err != nil {
		return nil, err
	}
	if reqs == nil {
		reqs = []*repository.ApprovalRequest{}
	}
	return reqs, nil
}

// ListPendingApprovals returns live steps awaiting approverRef, or every live
// step of the tenant when approverRef is empty.
func (s *ApprovalRoutingService) ListPendingApprovals(
	ctx context.Context,
	tenantID, approverRef string,
) ([]*repository.ApprovalStep, error) {
	var ref *string
	if approverRef != "" {
		ref = &approverRef
	}
	steps, err := s.steps.ListPending(ctx, tenantID, ref, 0)
	if err != nil {
		return nil, err
	}
	if steps == nil {
		steps = []*repository.ApprovalStep{}
	}
	return steps, nil
}

// GetApprovalHistory returns the audit trail of a request, oldest first.
func (s *ApprovalRoutingService) GetApprovalHistory(
	ctx context.Context,
	requestID, tenantID string,
) ([]*repository.ApprovalAuditEntry, error) {
	if _, err := s.requests.GetByID(ctx, requestID, tenantID); err != nil {
		return nil, err
	}
	entries, err := s.audit.ListByRequest(ctx, requestID, tenantID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*repository.ApprovalAuditEntry{}
	}
	return entries, nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// loadLiveStep loads a step and locks its request, and checks that the step
// is the request's live step and that actorID may decide it.
func (s *ApprovalRoutingService) loadLiveStep(
	ctx context.Context,
	stepID, tenantID, actorID string,
) (*repository.ApprovalStep, *repository.ApprovalRequest, error) {
	step, err := s.steps.GetByID(ctx, stepID, tenantID)
	if err != nil {
		return nil, nil, err
	}
	req, err := s.requests.GetForUpdate(ctx, step.RequestID, tenantID)
	if err != nil {
		return nil, nil, err
	}

	if step.Status != repository.StepPending {
		return nil, nil, errors.Conflict(fmt.Sprintf("step %d is already %s", step.StepNumber, step.Status))
	}
	if req.Status.IsTerminal() {
		return nil, nil, errors.Conflict(fmt.Sprintf("request is already %s", req.Status))
	}
	if step.StepNumber != req.CurrentStep+1 {
		return nil, nil, errors.Conflict(fmt.Sprintf("step %d is not the current step", step.StepNumber))
	}
	if err := assertCanAct(step, actorID); err != nil {
		return nil, nil, err
	}
	return step, req, nil
}

// assertCanAct checks that actorID is the named approver of a user step.
// Role and department steps accept any actor.
func assertCanAct(step *repository.ApprovalStep, actorID string) error {
	if step.ApproverKind == repository.ApproverUser && step.ApproverRef != actorID {
		return errors.Forbidden("user is not the approver of this step")
	}
	return nil
}

func (s *ApprovalRoutingService) completed(ctx context.Context, req *repository.ApprovalRequest, actorID string) {
	s.metrics.ApprovalTransition("approved")
	s.log.Info().
		Str("tenant_id", req.TenantID).
		Str("request_id", req.ID).
		Msg("Approval request approved")

	before := string(repository.RequestPending)
	after := string(repository.RequestApproved)
	s.appendAudit(ctx, &repository.ApprovalAuditEntry{
		TenantID:     req.TenantID,
		RequestID:    req.ID,
		Action:       "completed",
		PerformedBy:  actorID,
		StatusBefore: &before,
		StatusAfter:  &after,
	})
	s.notifyOutcome(ctx, req)
}

func (s *ApprovalRoutingService) notifyApprover(ctx context.Context, req *repository.ApprovalRequest, step *repository.ApprovalStep) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyApprover(ctx, req, step); err != nil {
		s.metrics.NotificationFailed()
		s.log.Warn().Err(err).
			Str("request_id", req.ID).
			Str("step_id", step.ID).
			Str("approver", step.ApproverRef).
			Msg("Failed to notify approver")
	}
}

func (s *ApprovalRoutingService) notifyOutcome(ctx context.Context, req *repository.ApprovalRequest) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyOutcome(ctx, req); err != nil {
		s.metrics.NotificationFailed()
		s.log.Warn().Err(err).
			Str("request_id", req.ID).
			Str("status", string(req.Status)).
			Msg("Failed to notify requestor")
	}
}

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (s *ApprovalRoutingService) appendAudit(ctx context.Context, entry *repository.ApprovalAuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", entry.RequestID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

func (s *ApprovalRoutingService) now() time.Time {
	return s.Clock().UTC().Truncate(time.Microsecond)
}
