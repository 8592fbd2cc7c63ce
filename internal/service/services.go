package service

import (
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/logger"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/metrics"
)

// Stores is the persistence a Services set runs on. Postgres and the
// in-memory gateway both provide one.
type Stores struct {
	Tx             Transactor
	Workflows      WorkflowStore
	Requests       RequestStore
	Steps          StepStore
	Audit          AuditStore
	Templates      TemplateStore
	GenerationLogs GenerationLogStore
	Invoices       InvoiceStore
	Expenses       ExpenseStore
	Payments       PaymentStore
}

// Services groups the domain services exposed by the transports.
type Services struct {
	Workflows  *WorkflowService
	Approvals  *ApprovalRoutingService
	Recurring  *RecurringService
	Generation *GenerationService
	Dashboards *DashboardService
}

// NewServices wires every service over st.
func NewServices(st Stores, notifier Notifier, locker Locker, m *metrics.Metrics, log *logger.Logger) *Services {
	creators := map[repository.TemplateType]RecordCreator{
		repository.TemplateInvoice: NewInvoiceCreator(st.Invoices, log),
		repository.TemplateExpense: NewExpenseCreator(st.Expenses),
		repository.TemplatePayment: NewPaymentCreator(st.Payments),
	}

	return &Services{
		Workflows:  NewWorkflowService(st.Workflows, st.Requests, log),
		Approvals:  NewApprovalRoutingService(st.Tx, st.Workflows, st.Requests, st.Steps, st.Audit, notifier, m, log),
		Recurring:  NewRecurringService(st.Templates, log),
		Generation: NewGenerationService(st.Tx, st.Templates, st.GenerationLogs, creators, locker, m, log),
		Dashboards: NewDashboardService(st.Workflows, st.Requests, st.Steps, st.Templates, st.GenerationLogs, log),
	}
}

// SetClock overrides the clock of every time-dependent service.
func (s *Services) SetClock(c Clock) {
	s.Approvals.Clock = c
	s.Generation.Clock = c
	s.Dashboards.Clock = c
}
