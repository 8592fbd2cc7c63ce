package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	jnow "github.com/jinzhu/now"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/logger"
)

const invoicePrefix = "INV-"

// InvoiceCreator materializes invoice templates.
type InvoiceCreator struct {
	invoices InvoiceStore
	log      *logger.Logger
}

// NewInvoiceCreator creates a new InvoiceCreator.
func NewInvoiceCreator(invoices InvoiceStore, log *logger.Logger) *InvoiceCreator {
	return &InvoiceCreator{invoices: invoices, log: log}
}

// Create inserts a draft invoice dated on the day of at. It must run inside
// the caller's transaction so the numbering lock covers the insert.
func (c *InvoiceCreator) Create(ctx context.Context, t *repository.RecurringTemplate, at time.Time) (string, error) {
	data, ok := t.TemplateData.(repository.InvoiceTemplate)
	if !ok {
		return "", errors.InvalidInput("template_data", "template data is not an invoice")
	}

	number, err := c.nextNumber(ctx, t.TenantID, at)
	if err != nil {
		return "", err
	}

	issue := jnow.With(at.UTC()).BeginningOfDay()
	inv := &repository.Invoice{
		TenantID:      t.TenantID,
		TemplateID:    &t.ID,
		InvoiceNumber: number,
		CustomerID:    data.CustomerID,
		IssueDate:     issue,
		DueDate:       issue.AddDate(0, 0, data.PaymentTermsDays),
		Currency:      data.Currency,
		TotalAmount:   data.Total(),
		Description:   data.Description,
		Lines:         data.Lines,
		Status:        "draft",
	}
	if inv.Description == "" {
		inv.Description = t.Name
	}

	if err := c.invoices.Create(ctx, inv); err != nil {
		return "", err
	}
	return inv.ID, nil
}

// nextNumber returns INV-<n+1> where n is the tenant's highest numeric
// suffix. If the lookup fails the number falls back to a timestamp.
func (c *InvoiceCreator) nextNumber(ctx context.Context, tenantID string, at time.Time) (string, error) {
	if err := c.invoices.LockNumbering(ctx, tenantID); err != nil {
		return "", err
	}

	latest, err := c.invoices.LatestNumber(ctx, tenantID)
	if err != nil {
		c.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Invoice number lookup failed, using timestamp")
		return fmt.Sprintf("%s%d", invoicePrefix, at.UnixMilli()), nil
	}
	return formatInvoiceNumber(latest), nil
}

func formatInvoiceNumber(latest string) string {
	var n int64
	if latest != "" {
		if v, err := strconv.ParseInt(strings.TrimPrefix(latest, invoicePrefix), 10, 64); err == nil {
			n = v
		}
	}
	return fmt.Sprintf("%s%06d", invoicePrefix, n+1)
}

// ExpenseCreator materializes expense templates.
type ExpenseCreator struct {
	expenses ExpenseStore
}

// NewExpenseCreator creates a new ExpenseCreator.
func NewExpenseCreator(expenses ExpenseStore) *ExpenseCreator {
	return &ExpenseCreator{expenses: expenses}
}

// Create inserts a pending expense dated on the day of at.
func (c *ExpenseCreator) Create(ctx context.Context, t *repository.RecurringTemplate, at time.Time) (string, error) {
	data, ok := t.TemplateData.(repository.ExpenseTemplate)
	if !ok {
		return "", errors.InvalidInput("template_data", "template data is not an expense")
	}

	e := &repository.Expense{
		TenantID:    t.TenantID,
		TemplateID:  &t.ID,
		VendorID:    data.VendorID,
		Category:    data.Category,
		AccountID:   data.AccountID,
		Amount:      data.Amount.Round(2),
		Currency:    data.Currency,
		ExpenseDate: jnow.With(at.UTC()).BeginningOfDay(),
		Description: data.Description,
		Status:      "pending",
	}
	if e.Description == "" {
		e.Description = t.Name
	}

	if err := c.expenses.Create(ctx, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// PaymentCreator materializes payment templates.
type PaymentCreator struct {
	payments PaymentStore
}

// NewPaymentCreator creates a new PaymentCreator.
func NewPaymentCreator(payments PaymentStore) *PaymentCreator {
	return &PaymentCreator{payments: payments}
}

// Create inserts a scheduled payment dated on the day of at.
func (c *PaymentCreator) Create(ctx context.Context, t *repository.RecurringTemplate, at time.Time) (string, error) {
	data, ok := t.TemplateData.(repository.PaymentTemplate)
	if !ok {
		return "", errors.InvalidInput("template_data", "template data is not a payment")
	}

	p := &repository.Payment{
		TenantID:    t.TenantID,
		TemplateID:  &t.ID,
		PayeeID:     data.PayeeID,
		Amount:      data.Amount.Round(2),
		Currency:    data.Currency,
		Method:      data.Method,
		Reference:   data.Reference,
		PaymentDate: jnow.With(at.UTC()).BeginningOfDay(),
		Status:      "scheduled",
	}

	if err := c.payments.Create(ctx, p); err != nil {
		return "", err
	}
	return p.ID, nil
}
