package repository

import (
	"context"

	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/database"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
)

// PaymentRepository handles scheduled payments produced by recurring generation.
type PaymentRepository struct {
	db *database.DB
}

// NewPaymentRepository creates a new PaymentRepository.
func NewPaymentRepository(db *database.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Create inserts a payment.
func (r *PaymentRepository) Create(ctx context.Context, p *Payment) error {
	query := `
		INSERT INTO payments (tenant_id, template_id, payee_id, amount, currency,
		                      method, reference, payment_date, status)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		p.TenantID,
		p.TemplateID,
		p.PayeeID,
		p.Amount.StringFixed(2),
		p.Currency,
		p.Method,
		p.Reference,
		p.PaymentDate,
		p.Status,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create payment")
	}
	return nil
}
