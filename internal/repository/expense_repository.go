package repository

import (
	"context"

	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/database"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
)

// ExpenseRepository handles expenses produced by recurring generation.
type ExpenseRepository struct {
	db *database.DB
}

// NewExpenseRepository creates a new ExpenseRepository.
func NewExpenseRepository(db *database.DB) *ExpenseRepository {
	return &ExpenseRepository{db: db}
}

// Create inserts an expense.
func (r *ExpenseRepository) Create(ctx context.Context, e *Expense) error {
	query := `
		INSERT INTO expenses (tenant_id, template_id, vendor_id, category, account_id,
		                      amount, currency, expense_date, description, status)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6::numeric, $7, $8, $9, $10)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		e.TenantID,
		e.TemplateID,
		e.VendorID,
		e.Category,
		e.AccountID,
		e.Amount.StringFixed(2),
		e.Currency,
		e.ExpenseDate,
		e.Description,
		e.Status,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create expense")
	}
	return nil
}
