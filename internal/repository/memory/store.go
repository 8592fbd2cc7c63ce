// Package memory is an in-process implementation of the repository
// contracts. It backs DB_DRIVER=memory and the service tests.
//
// Transactions are serialized: InTransaction holds a store-wide lock for the
// whole callback and restores a snapshot when the callback fails. Writes made
// outside InTransaction wait for the open transaction to finish, so a
// rollback only ever discards the transaction's own writes.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
)

type txKey struct{}

type state struct {
	workflows     map[string]repository.ApprovalWorkflow
	workflowOrder []string
	requests      map[string]repository.ApprovalRequest
	requestOrder  []string
	steps         map[string]repository.ApprovalStep
	stepOrder     []string
	audit         []repository.ApprovalAuditEntry
	templates     map[string]repository.RecurringTemplate
	templateOrder []string
	logs          []repository.GenerationLog
	invoices      []repository.Invoice
	expenses      []repository.Expense
	payments      []repository.Payment
}

func newState() *state {
	return &state{
		workflows: make(map[string]repository.ApprovalWorkflow),
		requests:  make(map[string]repository.ApprovalRequest),
		steps:     make(map[string]repository.ApprovalStep),
		templates: make(map[string]repository.RecurringTemplate),
	}
}

func (s *state) clone() *state {
	c := &state{
		workflows:     make(map[string]repository.ApprovalWorkflow, len(s.workflows)),
		workflowOrder: append([]string(nil), s.workflowOrder...),
		requests:      make(map[string]repository.ApprovalRequest, len(s.requests)),
		requestOrder:  append([]string(nil), s.requestOrder...),
		steps:         make(map[string]repository.ApprovalStep, len(s.steps)),
		stepOrder:     append([]string(nil), s.stepOrder...),
		audit:         append([]repository.ApprovalAuditEntry(nil), s.audit...),
		templates:     make(map[string]repository.RecurringTemplate, len(s.templates)),
		templateOrder: append([]string(nil), s.templateOrder...),
		logs:          append([]repository.GenerationLog(nil), s.logs...),
		invoices:      append([]repository.Invoice(nil), s.invoices...),
		expenses:      append([]repository.Expense(nil), s.expenses...),
		payments:      append([]repository.Payment(nil), s.payments...),
	}
	for k, v := range s.workflows {
		c.workflows[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, v := range s.steps {
		c.steps[k] = v
	}
	for k, v := range s.templates {
		c.templates[k] = v
	}
	return c
}

// Store owns the shared state behind every repository of this package.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state

	// Now stamps created/updated times. Defaults to time.Now.
	Now func() time.Time

	Workflows      *WorkflowRepository
	Requests       *RequestRepository
	Steps          *StepRepository
	Audit          *AuditRepository
	Templates      *TemplateRepository
	GenerationLogs *GenerationLogRepository
	Invoices       *InvoiceRepository
	Expenses       *ExpenseRepository
	Payments       *PaymentRepository
}

// New returns an empty store.
func New() *Store {
	s := &Store{st: newState(), Now: time.Now}
	s.Workflows = &WorkflowRepository{s: s}
	s.Requests = &RequestRepository{s: s}
	s.Steps = &StepRepository{s: s}
	s.Audit = &AuditRepository{s: s}
	s.Templates = &TemplateRepository{s: s}
	s.GenerationLogs = &GenerationLogRepository{s: s}
	s.Invoices = &InvoiceRepository{s: s}
	s.Expenses = &ExpenseRepository{s: s}
	s.Payments = &PaymentRepository{s: s}
	return s
}

// InTransaction runs fn with the store locked against other transactions.
// A nested call joins the outer transaction.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.st.clone()
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// lockWrite locks the state for a write and returns the unlock func. Outside
// a transaction it also takes txMu.
func (s *Store) lockWrite(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		s.mu.Lock()
		return s.mu.Unlock
	}
	s.txMu.Lock()
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		s.txMu.Unlock()
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) now() time.Time {
	return s.Now().UTC()
}

func newID() string {
	return uuid.NewString()
}
