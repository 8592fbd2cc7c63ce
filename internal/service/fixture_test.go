package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/lock"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository/memory"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/logger"
)

const (
	tenantA = "tenant-a"
	tenantB = "tenant-b"
)

var baseTime = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

// recordingNotifier captures notifications; fail makes every call error.
type recordingNotifier struct {
	mu        sync.Mutex
	fail      bool
	approvers []string
	outcomes  []repository.RequestStatus
}

func (n *recordingNotifier) NotifyApprover(_ context.Context, _ *repository.ApprovalRequest, step *repository.ApprovalStep) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return fmt.Errorf("broker unavailable")
	}
	n.approvers = append(n.approvers, step.ApproverRef)
	return nil
}

func (n *recordingNotifier) NotifyOutcome(_ context.Context, req *repository.ApprovalRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return fmt.Errorf("broker unavailable")
	}
	n.outcomes = append(n.outcomes, req.Status)
	return nil
}

type fixture struct {
	store      *memory.Store
	notifier   *recordingNotifier
	locker     *lock.LocalLocker
	now        time.Time
	workflows  *WorkflowService
	approvals  *ApprovalRoutingService
	recurring  *RecurringService
	generation *GenerationService
	dashboards *DashboardService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:    memory.New(),
		notifier: &recordingNotifier{},
		locker:   lock.NewLocalLocker(),
		now:      baseTime,
	}
	clock := func() time.Time { return f.now }
	f.store.Now = clock

	s := f.store
	svc := NewServices(Stores{
		Tx:             s,
		Workflows:      s.Workflows,
		Requests:       s.Requests,
		Steps:          s.Steps,
		Audit:          s.Audit,
		Templates:      s.Templates,
		GenerationLogs: s.GenerationLogs,
		Invoices:       s.Invoices,
		Expenses:       s.Expenses,
		Payments:       s.Payments,
	}, f.notifier, f.locker, nil, logger.Nop())
	svc.SetClock(clock)

	f.workflows = svc.Workflows
	f.approvals = svc.Approvals
	f.recurring = svc.Recurring
	f.generation = svc.Generation
	f.dashboards = svc.Dashboards
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func userStep(name, approver string) repository.WorkflowStepTemplate {
	return repository.WorkflowStepTemplate{Name: name, ApproverRef: approver, ApproverKind: repository.ApproverUser, Required: true}
}

func (f *fixture) mustWorkflow(t *testing.T, tenantID, wfType string, conds []repository.Condition, steps ...repository.WorkflowStepTemplate) *repository.ApprovalWorkflow {
	t.Helper()
	wf, err := f.workflows.CreateWorkflow(context.Background(), CreateWorkflowInput{
		TenantID:     tenantID,
		Name:         wfType + " approval",
		WorkflowType: wfType,
		Steps:        steps,
		Conditions:   conds,
	})
	require.NoError(t, err)
	return wf
}

func (f *fixture) mustRequest(t *testing.T, tenantID, reqType, data, requestor string) *RequestDetail {
	t.Helper()
	detail, err := f.approvals.CreateRequest(context.Background(), CreateRequestInput{
		TenantID:    tenantID,
		RequestType: reqType,
		RequestData: json.RawMessage(data),
		RequestorID: requestor,
	})
	require.NoError(t, err)
	return detail
}

func (f *fixture) liveStep(t *testing.T, requestID string) *repository.ApprovalStep {
	t.Helper()
	detail, err := f.approvals.GetRequest(context.Background(), requestID, tenantA)
	require.NoError(t, err)
	var live *repository.ApprovalStep
	for _, st := range detail.Steps {
		if st.Status == repository.StepPending {
			require.Nil(t, live, "more than one pending step")
			live = st
		}
	}
	require.NotNil(t, live, "no pending step")
	return live
}
