package memory

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
)

// TemplateRepository stores recurring templates.
type TemplateRepository struct{ s *Store }

func (r *TemplateRepository) Create(ctx context.Context, t *repository.RecurringTemplate) error {
	defer r.s.lockWrite(ctx)()

	t.ID = newID()
	t.CreatedAt = r.s.now()
	t.UpdatedAt = t.CreatedAt
	r.s.st.templates[t.ID] = *t
	r.s.st.templateOrder = append(r.s.st.templateOrder, t.ID)
	return nil
}

func (r *TemplateRepository) GetByID(_ context.Context, id, tenantID string) (*repository.RecurringTemplate, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	t, ok := r.s.st.templates[id]
	if !ok || t.TenantID != tenantID {
		return nil, errors.NotFound("recurring_template", id)
	}
	return &t, nil
}

func (r *TemplateRepository) List(_ context.Context, tenantID string, activeOnly bool) ([]*repository.RecurringTemplate, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*repository.RecurringTemplate
	for _, id := range r.s.st.templateOrder {
		t := r.s.st.templates[id]
		if t.TenantID == tenantID && (!activeOnly || t.IsActive) {
			out = append(out, &t)
		}
	}
	return out, nil
}

func (r *TemplateRepository) Update(ctx context.Context, t *repository.RecurringTemplate) error {
	defer r.s.lockWrite(ctx)()

	cur, ok := r.s.st.templates[t.ID]
	if !ok || cur.TenantID != t.TenantID {
		return errors.NotFound("recurring_template", t.ID)
	}
	t.TemplateType = cur.TemplateType
	t.LastGeneratedAt = cur.LastGeneratedAt
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = r.s.now()
	r.s.st.templates[t.ID] = *t
	return nil
}

func (r *TemplateRepository) Delete(ctx context.Context, id, tenantID string) error {
	defer r.s.lockWrite(ctx)()

	t, ok := r.s.st.templates[id]
	if !ok || t.TenantID != tenantID {
		return errors.NotFound("recurring_template", id)
	}
	delete(r.s.st.templates, id)
	r.s.st.templateOrder = removeID(r.s.st.templateOrder, id)
	return nil
}

func (r *TemplateRepository) MarkGenerated(ctx context.Context, id, tenantID string, prev *time.Time, at time.Time) error {
	defer r.s.lockWrite(ctx)()

	conflict := errors.Conflict(fmt.Sprintf("recurring template %q was generated concurrently", id))
	t, ok := r.s.st.templates[id]
	if !ok || t.TenantID != tenantID {
		return conflict
	}
	switch {
	case prev == nil && t.LastGeneratedAt != nil,
		prev != nil && (t.LastGeneratedAt == nil || !t.LastGeneratedAt.Equal(*prev)),
		prev != nil && !at.After(*prev):
		return conflict
	}
	t.LastGeneratedAt = &at
	t.UpdatedAt = r.s.now()
	r.s.st.templates[id] = t
	return nil
}

// GenerationLogRepository stores run summaries.
type GenerationLogRepository struct{ s *Store }

func (r *GenerationLogRepository) Append(ctx context.Context, l *repository.GenerationLog) error {
	defer r.s.lockWrite(ctx)()

	l.ID = newID()
	r.s.st.logs = append(r.s.st.logs, *l)
	return nil
}

func (r *GenerationLogRepository) ListRecent(_ context.Context, tenantID string, limit int) ([]*repository.GenerationLog, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	var out []*repository.GenerationLog
	for i := len(r.s.st.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if l := r.s.st.logs[i]; l.TenantID == tenantID {
			out = append(out, &l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RunAt.After(out[j].RunAt) })
	return out, nil
}

// InvoiceRepository stores generated invoices.
type InvoiceRepository struct{ s *Store }

var invoiceNumber = regexp.MustCompile(`^INV-(\d+)$`)

func (r *InvoiceRepository) Create(ctx context.Context, inv *repository.Invoice) error {
	defer r.s.lockWrite(ctx)()

	for _, existing := range r.s.st.invoices {
		if existing.TenantID == inv.TenantID && existing.InvoiceNumber == inv.InvoiceNumber {
			return errors.Conflict(fmt.Sprintf("invoice number %s already exists", inv.InvoiceNumber))
		}
	}
	inv.ID = newID()
	inv.CreatedAt = r.s.now()
	r.s.st.invoices = append(r.s.st.invoices, *inv)
	return nil
}

func (r *InvoiceRepository) LatestNumber(_ context.Context, tenantID string) (string, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var (
		best    string
		bestNum int64 = -1
	)
	for _, inv := range r.s.st.invoices {
		if inv.TenantID != tenantID {
			continue
		}
		m := invoiceNumber.FindStringSubmatch(inv.InvoiceNumber)
		if m == nil {
			continue
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil && n > bestNum {
			best, bestNum = inv.InvoiceNumber, n
		}
	}
	return best, nil
}

// LockNumbering is a no-op; InTransaction already serializes writers.
func (r *InvoiceRepository) LockNumbering(context.Context, string) error { return nil }

// All returns a tenant's invoices in creation order.
func (r *InvoiceRepository) All(tenantID string) []repository.Invoice {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []repository.Invoice
	for _, inv := range r.s.st.invoices {
		if inv.TenantID == tenantID {
			out = append(out, inv)
		}
	}
	return out
}

// ExpenseRepository stores generated expenses.
type ExpenseRepository struct{ s *Store }

func (r *ExpenseRepository) Create(ctx context.Context, e *repository.Expense) error {
	defer r.s.lockWrite(ctx)()

	e.ID = newID()
	e.CreatedAt = r.s.now()
	r.s.st.expenses = append(r.s.st.expenses, *e)
	return nil
}

// All returns a tenant's expenses in creation order.
func (r *ExpenseRepository) All(tenantID string) []repository.Expense {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []repository.Expense
	for _, e := range r.s.st.expenses {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out
}

// PaymentRepository stores generated payments.
type PaymentRepository struct{ s *Store }

func (r *PaymentRepository) Create(ctx context.Context, p *repository.Payment) error {
	defer r.s.lockWrite(ctx)()

	p.ID = newID()
	p.CreatedAt = r.s.now()
	r.s.st.payments = append(r.s.st.payments, *p)
	return nil
}

// All returns a tenant's payments in creation order.
func (r *PaymentRepository) All(tenantID string) []repository.Payment {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []repository.Payment
	for _, p := range r.s.st.payments {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	return out
}
