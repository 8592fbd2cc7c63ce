package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/condition"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/logger"
)

// CreateWorkflowInput carries the fields of a new workflow definition.
type CreateWorkflowInput struct {
	TenantID     string                            `json:"-" yaml:"-"`
	Name         string                            `json:"name" yaml:"name"`
	Description  *string                           `json:"description,omitempty" yaml:"description,omitempty"`
	WorkflowType string                            `json:"workflow_type" yaml:"workflow_type"`
	Steps        []repository.WorkflowStepTemplate `json:"steps" yaml:"steps"`
	Conditions   []repository.Condition            `json:"conditions" yaml:"conditions"`
	IsActive     *bool                             `json:"is_active,omitempty" yaml:"is_active,omitempty"`
	CreatedBy    *string                           `json:"-" yaml:"-"`
}

// WorkflowService manages tenant workflow definitions.
type WorkflowService struct {
	workflows WorkflowStore
	requests  RequestStore
	log       *logger.Logger
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(workflows WorkflowStore, requests RequestStore, log *logger.Logger) *WorkflowService {
	return &WorkflowService{workflows: workflows, requests: requests, log: log}
}

// CreateWorkflow validates and stores a new definition. New workflows are
// active unless IsActive says otherwise.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, in CreateWorkflowInput) (*repository.ApprovalWorkflow, error) {
	if in.TenantID == "" {
		return nil, errors.InvalidInput("tenant_id", "tenant_id is required")
	}

	wf := &repository.ApprovalWorkflow{
		TenantID:     in.TenantID,
		Name:         strings.TrimSpace(in.Name),
		Description:  in.Description,
		WorkflowType: strings.TrimSpace(in.WorkflowType),
		Steps:        in.Steps,
		Conditions:   in.Conditions,
		IsActive:     true,
		CreatedBy:    in.CreatedBy,
	}
	if in.IsActive != nil {
		wf.IsActive = *in.IsActive
	}
	if wf.Name == "" && wf.WorkflowType != "" {
		wf.Name = wf.WorkflowType + " approval"
	}
	if err := validateWorkflow(wf); err != nil {
		return nil, err
	}

	if err := s.workflows.Create(ctx, wf); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", wf.TenantID).
		Str("workflow_id", wf.ID).
		Str("workflow_type", wf.WorkflowType).
		Int("steps", len(wf.Steps)).
		Msg("Approval workflow created")

	return wf, nil
}

// GetWorkflow returns one definition.
func (s *WorkflowService) GetWorkflow(ctx context.Context, id, tenantID string) (*repository.ApprovalWorkflow, error) {
	return s.workflows.GetByID(ctx, id, tenantID)
}

// UpdateWorkflow applies patch. Requests already in flight keep the step
// list they were created with.
func (s *WorkflowService) UpdateWorkflow(ctx context.Context, id, tenantID string, patch repository.WorkflowPatch) (*repository.ApprovalWorkflow, error) {
	wf, err := s.workflows.GetByID(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		wf.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		wf.Description = patch.Description
	}
	if patch.WorkflowType != nil {
		wf.WorkflowType = strings.TrimSpace(*patch.WorkflowType)
	}
	if patch.Steps != nil {
		wf.Steps = *patch.Steps
	}
	if patch.Conditions != nil {
		wf.Conditions = *patch.Conditions
	}
	if patch.IsActive != nil {
		wf.IsActive = *patch.IsActive
	}
	if err := validateWorkflow(wf); err != nil {
		return nil, err
	}

	if err := s.workflows.Update(ctx, wf); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", tenantID).
		Str("workflow_id", id).
		Bool("is_active", wf.IsActive).
		Msg("Approval workflow updated")

	return wf, nil
}

// DeleteWorkflow removes a definition. A workflow that still has pending
// requests cannot be deleted; deactivate it instead.
func (s *WorkflowService) DeleteWorkflow(ctx context.Context, id, tenantID string) error {
	if _, err := s.workflows.GetByID(ctx, id, tenantID); err != nil {
		return err
	}

	pending, err := s.requests.CountPendingByWorkflow(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if pending > 0 {
		return errors.Conflict(fmt.Sprintf("workflow has %d pending request(s); deactivate it instead", pending))
	}

	if err := s.workflows.Delete(ctx, id, tenantID); err != nil {
		return err
	}

	s.log.Info().Str("tenant_id", tenantID).Str("workflow_id", id).Msg("Approval workflow deleted")
	return nil
}

// ListWorkflows returns every definition of a tenant, oldest first.
func (s *WorkflowService) ListWorkflows(ctx context.Context, tenantID string, activeOnly bool) ([]*repository.ApprovalWorkflow, error) {
	wfs, err := s.workflows.List(ctx, tenantID, activeOnly)
	if err != nil {
		return nil, err
	}
	if wfs == nil {
		wfs = []*repository.ApprovalWorkflow{}
	}
	return wfs, nil
}

func validateWorkflow(wf *repository.ApprovalWorkflow) error {
	if wf.Name == "" {
		return errors.InvalidInput("name", "name is required")
	}
	if wf.WorkflowType == "" {
		return errors.InvalidInput("workflow_type", "workflow_type is required")
	}

	for i := range wf.Steps {
		st := &wf.Steps[i]
		field := fmt.Sprintf("steps[%d]", i)
		st.Name = strings.TrimSpace(st.Name)
		st.ApproverRef = strings.TrimSpace(st.ApproverRef)
		if st.Name == "" {
			st.Name = fmt.Sprintf("Step %d", i+1)
		}
		if st.ApproverRef == "" {
			return errors.InvalidInput(field+".approver", "approver is required")
		}
		if st.ApproverKind == "" {
			st.ApproverKind = repository.ApproverUser
		}
		if !st.ApproverKind.Valid() {
			return errors.InvalidInput(field+".approver_kind", "approver_kind must be user, role or department")
		}
		if st.DueOffsetDays != nil && *st.DueOffsetDays < 0 {
			return errors.InvalidInput(field+".due_offset_days", "due_offset_days cannot be negative")
		}
	}

	for i, c := range wf.Conditions {
		field := fmt.Sprintf("conditions[%d]", i)
		if strings.TrimSpace(c.Field) == "" {
			return errors.InvalidInput(field+".field", "condition field is required")
		}
		if !condition.IsKnownOperator(c.Operator) {
			return errors.InvalidInput(field+".operator", fmt.Sprintf("unsupported operator %q", c.Operator))
		}
		switch strings.ToLower(c.Logic) {
		case "", "and", "or":
		default:
			return errors.InvalidInput(field+".logic", "logic must be and or or")
		}
	}

	if wf.Steps == nil {
		wf.Steps = []repository.WorkflowStepTemplate{}
	}
	if wf.Conditions == nil {
		wf.Conditions = []repository.Condition{}
	}
	return nil
}
