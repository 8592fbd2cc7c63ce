package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
)

func cloneWorkflow(wf repository.ApprovalWorkflow) *repository.ApprovalWorkflow {
	wf.Steps = append([]repository.WorkflowStepTemplate(nil), wf.Steps...)
	wf.Conditions = append([]repository.Condition(nil), wf.Conditions...)
	return &wf
}

func cloneRequest(req repository.ApprovalRequest) *repository.ApprovalRequest {
	req.WorkflowSteps = append([]repository.WorkflowStepTemplate(nil), req.WorkflowSteps...)
	req.RequestData = append(json.RawMessage(nil), req.RequestData...)
	return &req
}

// WorkflowRepository stores workflow definitions.
type WorkflowRepository struct{ s *Store }

func (r *WorkflowRepository) Create(ctx context.Context, wf *repository.ApprovalWorkflow) error {
	defer r.s.lockWrite(ctx)()

	wf.ID = newID()
	wf.CreatedAt = r.s.now()
	wf.UpdatedAt = wf.CreatedAt
	r.s.st.workflows[wf.ID] = *cloneWorkflow(*wf)
	r.s.st.workflowOrder = append(r.s.st.workflowOrder, wf.ID)
	return nil
}

func (r *WorkflowRepository) GetByID(_ context.Context, id, tenantID string) (*repository.ApprovalWorkflow, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	wf, ok := r.s.st.workflows[id]
	if !ok || wf.TenantID != tenantID {
		return nil, errors.NotFound("approval_workflow", id)
	}
	return cloneWorkflow(wf), nil
}

func (r *WorkflowRepository) List(_ context.Context, tenantID string, activeOnly bool) ([]*repository.ApprovalWorkflow, error) {
	return r.filter(func(wf repository.ApprovalWorkflow) bool {
		return wf.TenantID == tenantID && (!activeOnly || wf.IsActive)
	}), nil
}

func (r *WorkflowRepository) ListActiveByType(_ context.Context, tenantID, workflowType string) ([]*repository.ApprovalWorkflow, error) {
	return r.filter(func(wf repository.ApprovalWorkflow) bool {
		return wf.TenantID == tenantID && wf.IsActive && wf.WorkflowType == workflowType
	}), nil
}

func (r *WorkflowRepository) filter(keep func(repository.ApprovalWorkflow) bool) []*repository.ApprovalWorkflow {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*repository.ApprovalWorkflow
	for _, id := range r.s.st.workflowOrder {
		if wf, ok := r.s.st.workflows[id]; ok && keep(wf) {
			out = append(out, cloneWorkflow(wf))
		}
	}
	return out
}

func (r *WorkflowRepository) Update(ctx context.Context, wf *repository.ApprovalWorkflow) error {
	defer r.s.lockWrite(ctx)()

	cur, ok := r.s.st.workflows[wf.ID]
	if !ok || cur.TenantID != wf.TenantID {
		return errors.NotFound("approval_workflow", wf.ID)
	}
	wf.CreatedAt = cur.CreatedAt
	wf.CreatedBy = cur.CreatedBy
	wf.UpdatedAt = r.s.now()
	r.s.st.workflows[wf.ID] = *cloneWorkflow(*wf)
	return nil
}

func (r *WorkflowRepository) Delete(ctx context.Context, id, tenantID string) error {
	defer r.s.lockWrite(ctx)()

	wf, ok := r.s.st.workflows[id]
	if !ok || wf.TenantID != tenantID {
		return errors.NotFound("approval_workflow", id)
	}
	delete(r.s.st.workflows, id)
	r.s.st.workflowOrder = removeID(r.s.st.workflowOrder, id)
	return nil
}

func (r *WorkflowRepository) CountActive(ctx context.Context, tenantID string) (int, error) {
	wfs, _ := r.List(ctx, tenantID, true)
	return len(wfs), nil
}

// RequestRepository stores approval requests.
type RequestRepository struct{ s *Store }

func (r *RequestRepository) Create(ctx context.Context, req *repository.ApprovalRequest) error {
	defer r.s.lockWrite(ctx)()

	req.ID = newID()
	req.Version = 1
	req.CreatedAt = r.s.now()
	req.UpdatedAt = req.CreatedAt
	if len(req.RequestData) == 0 {
		req.RequestData = json.RawMessage(`{}`)
	}
	r.s.st.requests[req.ID] = *cloneRequest(*req)
	r.s.st.requestOrder = append(r.s.st.requestOrder, req.ID)
	return nil
}

func (r *RequestRepository) GetByID(_ context.Context, id, tenantID string) (*repository.ApprovalRequest, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	req, ok := r.s.st.requests[id]
	if !ok || req.TenantID != tenantID {
		return nil, errors.NotFound("approval_request", id)
	}
	return cloneRequest(req), nil
}

// GetForUpdate equals GetByID; InTransaction already serializes writers.
func (r *RequestRepository) GetForUpdate(ctx context.Context, id, tenantID string) (*repository.ApprovalRequest, error) {
	return r.GetByID(ctx, id, tenantID)
}

func (r *RequestRepository) UpdateProgress(ctx context.Context, req *repository.ApprovalRequest) error {
	defer r.s.lockWrite(ctx)()

	cur, ok := r.s.st.requests[req.ID]
	if !ok || cur.TenantID != req.TenantID || cur.Version != req.Version {
		return errors.Conflict(fmt.Sprintf("approval request %q was modified concurrently", req.ID))
	}
	cur.Status = req.Status
	cur.CurrentStep = req.CurrentStep
	cur.CompletedAt = req.CompletedAt
	cur.Version++
	cur.UpdatedAt = r.s.now()
	r.s.st.requests[req.ID] = cur

	req.Version = cur.Version
	req.UpdatedAt = cur.UpdatedAt
	return nil
}

func (r *RequestRepository) List(_ context.Context, tenantID string, filter repository.RequestFilter) ([]*repository.ApprovalRequest, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*repository.ApprovalRequest
	for i := len(r.s.st.requestOrder) - 1; i >= 0; i-- {
		req := r.s.st.requests[r.s.st.requestOrder[i]]
		if req.TenantID != tenantID {
			continue
		}
		if filter.Status != nil && req.Status != *filter.Status {
			continue
		}
		if filter.RequestType != nil && req.RequestType != *filter.RequestType {
			continue
		}
		if filter.RequestorID != nil && req.RequestorID != *filter.RequestorID {
			continue
		}
		out = append(out, cloneRequest(req))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *RequestRepository) CountPendingByWorkflow(_ context.Context, tenantID, workflowID string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	n := 0
	for _, req := range r.s.st.requests {
		if req.TenantID == tenantID && req.WorkflowID == workflowID && req.Status == repository.RequestPending {
			n++
		}
	}
	return n, nil
}

func (r *RequestRepository) CountByStatus(_ context.Context, tenantID string) (map[repository.RequestStatus]int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	counts := make(map[repository.RequestStatus]int)
	for _, req := range r.s.st.requests {
		if req.TenantID == tenantID {
			counts[req.Status]++
		}
	}
	return counts, nil
}

func (r *RequestRepository) CountByType(_ context.Context, tenantID string) (map[string]int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	counts := make(map[string]int)
	for _, req := range r.s.st.requests {
		if req.TenantID == tenantID {
			counts[req.RequestType]++
		}
	}
	return counts, nil
}

func (r *RequestRepository) UsageByWorkflow(_ context.Context, tenantID string) ([]repository.WorkflowUsage, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	byID := make(map[string]*repository.WorkflowUsage)
	for _, id := range r.s.st.requestOrder {
		req := r.s.st.requests[id]
		if req.TenantID != tenantID {
			continue
		}
		u, ok := byID[req.WorkflowID]
		if !ok {
			u = &repository.WorkflowUsage{WorkflowID: req.WorkflowID, WorkflowName: req.WorkflowName}
			byID[req.WorkflowID] = u
		}
		u.Total++
		switch req.Status {
		case repository.RequestPending:
			u.Pending++
		case repository.RequestApproved:
			u.Approved++
		case repository.RequestRejected:
			u.Rejected++
		case repository.RequestCancelled:
			u.Cancelled++
		}
	}

	usage := make([]repository.WorkflowUsage, 0, len(byID))
	for _, u := range byID {
		usage = append(usage, *u)
	}
	sort.Slice(usage, func(i, j int) bool {
		if usage[i].Total != usage[j].Total {
			return usage[i].Total > usage[j].Total
		}
		return usage[i].WorkflowID < usage[j].WorkflowID
	})
	return usage, nil
}

// StepRepository stores step instances.
type StepRepository struct{ s *Store }

func (r *StepRepository) Create(ctx context.Context, step *repository.ApprovalStep) error {
	defer r.s.lockWrite(ctx)()

	for _, existing := range r.s.st.steps {
		if existing.RequestID != step.RequestID {
			continue
		}
		if existing.StepNumber == step.StepNumber ||
			(existing.Status == repository.StepPending && step.Status == repository.StepPending) {
			return errors.Conflict(fmt.Sprintf("request %q already has step %d or a pending step", step.RequestID, step.StepNumber))
		}
	}

	step.ID = newID()
	step.CreatedAt = r.s.now()
	step.UpdatedAt = step.CreatedAt
	r.s.st.steps[step.ID] = *step
	r.s.st.stepOrder = append(r.s.st.stepOrder, step.ID)
	return nil
}

func (r *StepRepository) GetByID(_ context.Context, id, tenantID string) (*repository.ApprovalStep, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	step, ok := r.s.st.steps[id]
	if !ok || step.TenantID != tenantID {
		return nil, errors.NotFound("approval_step", id)
	}
	return &step, nil
}

func (r *StepRepository) ListByRequest(_ context.Context, requestID, tenantID string) ([]*repository.ApprovalStep, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*repository.ApprovalStep
	for _, id := range r.s.st.stepOrder {
		step := r.s.st.steps[id]
		if step.RequestID == requestID && step.TenantID == tenantID {
			out = append(out, &step)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out, nil
}

func (r *StepRepository) ListPending(_ context.Context, tenantID string, approverRef *string, limit int) ([]*repository.ApprovalStep, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*repository.ApprovalStep
	for _, id := range r.s.st.stepOrder {
		step := r.s.st.steps[id]
		if step.TenantID != tenantID || step.Status != repository.StepPending {
			continue
		}
		if approverRef != nil && step.ApproverRef != *approverRef {
			continue
		}
		out = append(out, &step)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].DueAt, out[j].DueAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *StepRepository) Decide(ctx context.Context, step *repository.ApprovalStep) error {
	defer r.s.lockWrite(ctx)()

	cur, ok := r.s.st.steps[step.ID]
	if !ok || cur.TenantID != step.TenantID || cur.Status != repository.StepPending {
		return errors.Conflict(fmt.Sprintf("approval step %q is no longer pending", step.ID))
	}
	cur.Status = step.Status
	cur.ActedBy = step.ActedBy
	cur.ActedAt = step.ActedAt
	cur.Notes = step.Notes
	cur.UpdatedAt = r.s.now()
	r.s.st.steps[step.ID] = cur
	step.UpdatedAt = cur.UpdatedAt
	return nil
}

// AuditRepository is the append-only approval audit log.
type AuditRepository struct{ s *Store }

func (r *AuditRepository) Append(ctx context.Context, entry *repository.ApprovalAuditEntry) error {
	defer r.s.lockWrite(ctx)()

	entry.ID = newID()
	entry.PerformedAt = r.s.now()
	r.s.st.audit = append(r.s.st.audit, *entry)
	return nil
}

func (r *AuditRepository) ListByRequest(_ context.Context, requestID, tenantID string) ([]*repository.ApprovalAuditEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*repository.ApprovalAuditEntry
	for _, e := range r.s.st.audit {
		e := e // per-iteration copy (go.mod targets 1.21 loop semantics)
		if e.RequestID == requestID && e.TenantID == tenantID {
			out = append(out, &e)
		}
	}
	return out, nil
}

func removeID(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
