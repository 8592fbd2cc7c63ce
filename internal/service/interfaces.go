package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/lock"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
)

// Transactor runs fn in one unit of work. Repository calls made with the
// context passed to fn join it.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	Create(ctx context.Context, wf *repository.ApprovalWorkflow) error
	GetByID(ctx context.Context, id, tenantID string) (*repository.ApprovalWorkflow, error)
	List(ctx context.Context, tenantID string, activeOnly bool) ([]*repository.ApprovalWorkflow, error)
	ListActiveByType(ctx context.Context, tenantID, workflowType string) ([]*repository.ApprovalWorkflow, error)
	Update(ctx context.Context, wf *repository.ApprovalWorkflow) error
	Delete(ctx context.Context, id, tenantID string) error
	CountActive(ctx context.Context, tenantID string) (int, error)
}

// RequestStore persists approval requests.
type RequestStore interface {
	Create(ctx context.Context, req *repository.ApprovalRequest) error
	GetByID(ctx context.Context, id, tenantID string) (*repository.ApprovalRequest, error)
	GetForUpdate(ctx context.Context, id, tenantID string) (*repository.ApprovalRequest, error)
	UpdateProgress(ctx context.Context, req *repository.ApprovalRequest) error
	List(ctx context.Context, tenantID string, filter repository.RequestFilter) ([]*repository.ApprovalRequest, error)
	CountPendingByWorkflow(ctx context.Context, tenantID, workflowID string) (int, error)
	CountByStatus(ctx context.Context, tenantID string) (map[repository.RequestStatus]int, error)
	CountByType(ctx context.Context, tenantID string) (map[string]int, error)
	UsageByWorkflow(ctx context.Context, tenantID string) ([]repository.WorkflowUsage, error)
}

// StepStore persists step instances.
type StepStore interface {
	Create(ctx context.Context, step *repository.ApprovalStep) error
	GetByID(ctx context.Context, id, tenantID string) (*repository.ApprovalStep, error)
	ListByRequest(ctx context.Context, requestID, tenantID string) ([]*repository.ApprovalStep, error)
	ListPending(ctx context.Context, tenantID string, approverRef *string, limit int) ([]*repository.ApprovalStep, error)
	Decide(ctx context.Context, step *repository.ApprovalStep) error
}

// AuditStore is the append-only approval audit log.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.ApprovalAuditEntry) error
	ListByRequest(ctx context.Context, requestID, tenantID string) ([]*repository.ApprovalAuditEntry, error)
}

// TemplateStore persists recurring templates.
type TemplateStore interface {
	Create(ctx context.Context, t *repository.RecurringTemplate) error
	GetByID(ctx context.Context, id, tenantID string) (*repository.RecurringTemplate, error)
	List(ctx context.Context, tenantID string, activeOnly bool) ([]*repository.RecurringTemplate, error)
	Update(ctx context.Context, t *repository.RecurringTemplate) error
	Delete(ctx context.Context, id, tenantID string) error
	MarkGenerated(ctx context.Context, id, tenantID string, prev *time.Time, at time.Time) error
}

// GenerationLogStore persists run summaries.
type GenerationLogStore interface {
	Append(ctx context.Context, l *repository.GenerationLog) error
	ListRecent(ctx context.Context, tenantID string, limit int) ([]*repository.GenerationLog, error)
}

// InvoiceStore persists generated invoices and serializes their numbering.
type InvoiceStore interface {
	Create(ctx context.Context, inv *repository.Invoice) error
	LatestNumber(ctx context.Context, tenantID string) (string, error)
	LockNumbering(ctx context.Context, tenantID string) error
}

// ExpenseStore persists generated expenses.
type ExpenseStore interface {
	Create(ctx context.Context, e *repository.Expense) error
}

// PaymentStore persists generated payments.
type PaymentStore interface {
	Create(ctx context.Context, p *repository.Payment) error
}

// Notifier delivers approval notifications. Failures are logged by the
// caller and never fail the transition that triggered them.
type Notifier interface {
	NotifyApprover(ctx context.Context, req *repository.ApprovalRequest, step *repository.ApprovalStep) error
	NotifyOutcome(ctx context.Context, req *repository.ApprovalRequest) error
}

// Locker takes a non-blocking keyed lock.
type Locker interface {
	Acquire(ctx context.Context, key string) (lock.Release, error)
}

// RecordCreator materializes one downstream record from a template and
// returns the new record's id.
type RecordCreator interface {
	Create(ctx context.Context, t *repository.RecurringTemplate, at time.Time) (string, error)
}

// Clock returns the current time.
type Clock func() time.Time
