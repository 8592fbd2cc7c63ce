package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/logger"
)

// failingCreator fails for one template name and delegates otherwise.
type failingCreator struct {
	next     RecordCreator
	failName string
}

func (c failingCreator) Create(ctx context.Context, t *repository.RecurringTemplate, at time.Time) (string, error) {
	if t.Name == c.failName {
		return "", fmt.Errorf("downstream rejected %s", t.Name)
	}
	return c.next.Create(ctx, t, at)
}

// blockingCreator parks inside the generation transaction until released,
// then fails it.
type blockingCreator struct {
	entered chan struct{}
	release chan struct{}
}

func (c blockingCreator) Create(context.Context, *repository.RecurringTemplate, time.Time) (string, error) {
	close(c.entered)
	<-c.release
	return "", fmt.Errorf("downstream unavailable")
}

func TestRun_GeneratesDueTemplates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := f.mustTemplate(t, templateInput(tenantA, "Retainer", repository.TemplateInvoice, invoiceData))
	f.mustTemplate(t, templateInput(tenantA, "Rent", repository.TemplateExpense, expenseData))
	f.mustTemplate(t, templateInput(tenantA, "Payroll", repository.TemplatePayment, paymentData))

	future := templateInput(tenantA, "Not started", repository.TemplateExpense, expenseData)
	future.StartDate = baseTime.AddDate(0, 1, 0)
	f.mustTemplate(t, future)

	inactive := false
	off := templateInput(tenantA, "Paused", repository.TemplateExpense, expenseData)
	off.IsActive = &inactive
	f.mustTemplate(t, off)

	f.mustTemplate(t, templateInput(tenantB, "Other tenant", repository.TemplateExpense, expenseData))

	run, err := f.generation.Run(ctx, tenantA, "")
	require.NoError(t, err)
	assert.Equal(t, 4, run.TemplatesConsidered, "inactive templates are not considered")
	assert.Equal(t, 3, run.Generated)
	assert.Equal(t, 1, run.Skipped)
	assert.Empty(t, run.Errors)
	assert.Equal(t, "manual", run.TriggeredBy)

	invoices := f.store.Invoices.All(tenantA)
	require.Len(t, invoices, 1)
	got := invoices[0]
	assert.Equal(t, "INV-000001", got.InvoiceNumber)
	assert.Equal(t, inv.ID, *got.TemplateID)
	assert.True(t, got.TotalAmount.Equal(decimal.RequireFromString("2501")))
	assert.Equal(t, time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC), got.IssueDate)
	assert.Equal(t, time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC), got.DueDate)
	assert.Equal(t, "draft", got.Status)

	assert.Len(t, f.store.Expenses.All(tenantA), 1)
	assert.Len(t, f.store.Payments.All(tenantA), 1)
	assert.Empty(t, f.store.Expenses.All(tenantB))

	tpl, err := f.recurring.GetTemplate(ctx, inv.ID, tenantA)
	require.NoError(t, err)
	require.NotNil(t, tpl.LastGeneratedAt)
	assert.True(t, tpl.LastGeneratedAt.Equal(baseTime))

	logs, err := f.generation.ListLogs(ctx, tenantA, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 3, logs[0].Generated)
}

func TestRun_NoDoubleGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustTemplate(t, templateInput(tenantA, "Rent", repository.TemplateExpense, expenseData))

	first, err := f.generation.Run(ctx, tenantA, "scheduler")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Generated)

	f.advance(23 * time.Hour)
	second, err := f.generation.Run(ctx, tenantA, "scheduler")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Generated)
	assert.Equal(t, 1, second.Skipped)

	f.advance(time.Hour)
	third, err := f.generation.Run(ctx, tenantA, "scheduler")
	require.NoError(t, err)
	assert.Equal(t, 1, third.Generated, "due again after one full day")

	assert.Len(t, f.store.Expenses.All(tenantA), 2)
}

func TestRun_IsolatesTemplateFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.generation.creators[repository.TemplateExpense] = failingCreator{
		next:     NewExpenseCreator(f.store.Expenses),
		failName: "Broken",
	}

	f.mustTemplate(t, templateInput(tenantA, "First", repository.TemplateExpense, expenseData))
	broken := f.mustTemplate(t, templateInput(tenantA, "Broken", repository.TemplateExpense, expenseData))
	f.mustTemplate(t, templateInput(tenantA, "Third", repository.TemplateExpense, expenseData))

	run, err := f.generation.Run(ctx, tenantA, "")
	require.NoError(t, err)
	assert.Equal(t, 3, run.TemplatesConsidered)
	assert.Equal(t, 2, run.Generated)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, broken.ID, run.Errors[0].TemplateID)
	assert.Equal(t, "Broken", run.Errors[0].TemplateName)
	assert.Contains(t, run.Errors[0].Error, "downstream rejected")

	tpl, err := f.recurring.GetTemplate(ctx, broken.ID, tenantA)
	require.NoError(t, err)
	assert.Nil(t, tpl.LastGeneratedAt, "failed template is retried next run")
	assert.Len(t, f.store.Expenses.All(tenantA), 2)
}

func TestRun_RollbackKeepsConcurrentWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := blockingCreator{entered: make(chan struct{}), release: make(chan struct{})}
	f.generation.creators[repository.TemplateExpense] = creator
	f.mustTemplate(t, templateInput(tenantA, "Rent", repository.TemplateExpense, expenseData))

	runDone := make(chan *repository.GenerationLog, 1)
	go func() {
		run, err := f.generation.Run(ctx, tenantA, "")
		assert.NoError(t, err)
		runDone <- run
	}()
	<-creator.entered

	type created struct {
		wf  *repository.ApprovalWorkflow
		err error
	}
	wfDone := make(chan created, 1)
	go func() {
		wf, err := f.workflows.CreateWorkflow(ctx, CreateWorkflowInput{
			TenantID:     tenantA,
			Name:         "Created during run",
			WorkflowType: "expense",
			Steps:        []repository.WorkflowStepTemplate{userStep("Manager", "manager-1")},
		})
		wfDone <- created{wf, err}
	}()

	time.Sleep(20 * time.Millisecond)
	close(creator.release)

	run := <-runDone
	require.NotNil(t, run)
	assert.Equal(t, 0, run.Generated)
	require.Len(t, run.Errors, 1)

	res := <-wfDone
	require.NoError(t, res.err)
	got, err := f.workflows.GetWorkflow(ctx, res.wf.ID, tenantA)
	require.NoError(t, err, "a write acknowledged during a failed transaction must survive its rollback")
	assert.Equal(t, "Created during run", got.Name)
	assert.Empty(t, f.store.Expenses.All(tenantA))
}

func TestRun_InvoiceNumbersIncrement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Invoices.Create(ctx, &repository.Invoice{
		TenantID:      tenantA,
		InvoiceNumber: "INV-000041",
		Currency:      "USD",
		Status:        "sent",
	}))
	require.NoError(t, f.store.Invoices.Create(ctx, &repository.Invoice{
		TenantID:      tenantA,
		InvoiceNumber: "INV-1699999999999x",
		Currency:      "USD",
		Status:        "sent",
	}))

	f.mustTemplate(t, templateInput(tenantA, "A", repository.TemplateInvoice, invoiceData))
	f.mustTemplate(t, templateInput(tenantA, "B", repository.TemplateInvoice, invoiceData))

	_, err := f.generation.Run(ctx, tenantA, "")
	require.NoError(t, err)

	var numbers []string
	for _, inv := range f.store.Invoices.All(tenantA) {
		numbers = append(numbers, inv.InvoiceNumber)
	}
	assert.Equal(t, []string{"INV-000041", "INV-1699999999999x", "INV-000042", "INV-000043"}, numbers)
}

func TestRun_TenantLockHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustTemplate(t, templateInput(tenantA, "Rent", repository.TemplateExpense, expenseData))

	release, err := f.locker.Acquire(ctx, "generation:"+tenantA)
	require.NoError(t, err)

	_, err = f.generation.Run(ctx, tenantA, "")
	assert.True(t, errors.Is(err, errors.ErrCodeConflict))

	_, err = f.generation.Run(ctx, tenantB, "")
	require.NoError(t, err, "other tenants are not blocked")

	release()
	run, err := f.generation.Run(ctx, tenantA, "")
	require.NoError(t, err)
	assert.Equal(t, 1, run.Generated)
}

func TestPreview_DoesNotWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tpl := f.mustTemplate(t, templateInput(tenantA, "Rent", repository.TemplateExpense, expenseData))

	items, err := f.generation.Preview(ctx, tenantA, time.Time{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, tpl.ID, items[0].TemplateID)

	items, err = f.generation.Preview(ctx, tenantA, baseTime.AddDate(0, 0, -60))
	require.NoError(t, err)
	assert.Empty(t, items, "before the start date")

	assert.Empty(t, f.store.Expenses.All(tenantA))
	logs, err := f.generation.ListLogs(ctx, tenantA, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

// brokenNumbering fails the highest-number lookup.
type brokenNumbering struct {
	created []*repository.Invoice
}

func (b *brokenNumbering) Create(_ context.Context, inv *repository.Invoice) error {
	inv.ID = fmt.Sprintf("inv-%d", len(b.created)+1)
	b.created = append(b.created, inv)
	return nil
}

func (b *brokenNumbering) LatestNumber(context.Context, string) (string, error) {
	return "", errors.New(errors.ErrCodeInternal, "connection reset")
}

func (b *brokenNumbering) LockNumbering(context.Context, string) error { return nil }

func TestInvoiceCreator_FallsBackToTimestampNumber(t *testing.T) {
	store := &brokenNumbering{}
	c := NewInvoiceCreator(store, logger.Nop())

	data, err := repository.DecodeTemplateData(repository.TemplateInvoice, []byte(invoiceData))
	require.NoError(t, err)
	tpl := &repository.RecurringTemplate{ID: "tpl-1", TenantID: tenantA, Name: "Retainer", TemplateType: repository.TemplateInvoice, TemplateData: data}

	id, err := c.Create(context.Background(), tpl, baseTime)
	require.NoError(t, err)
	assert.Equal(t, "inv-1", id)
	require.Len(t, store.created, 1)
	assert.Equal(t, fmt.Sprintf("INV-%d", baseTime.UnixMilli()), store.created[0].InvoiceNumber)
	assert.Equal(t, "Retainer", store.created[0].Description, "template name is the fallback description")
}

func TestFormatInvoiceNumber(t *testing.T) {
	tests := []struct {
		latest string
		want   string
	}{
		{"", "INV-000001"},
		{"INV-000009", "INV-000010"},
		{"INV-999999", "INV-1000000"},
		{"garbage", "INV-000001"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatInvoiceNumber(tt.latest), tt.latest)
	}
}

func TestRecordCreators_RejectMismatchedData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data, err := repository.DecodeTemplateData(repository.TemplateExpense, []byte(expenseData))
	require.NoError(t, err)
	tpl := &repository.RecurringTemplate{ID: "tpl-1", TenantID: tenantA, TemplateData: data}

	_, err = NewInvoiceCreator(f.store.Invoices, logger.Nop()).Create(ctx, tpl, baseTime)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
	_, err = NewPaymentCreator(f.store.Payments).Create(ctx, tpl, baseTime)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}
