package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/database"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
)

// InvoiceRepository handles invoices produced by recurring generation.
type InvoiceRepository struct {
	db *database.DB
}

// NewInvoiceRepository creates a new invoice repository
func NewInvoiceRepository(db *database.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// Create inserts an invoice with its lines.
func (r *InvoiceRepository) Create(ctx context.Context, inv *Invoice) error {
	lines := inv.Lines
	if lines == nil {
		lines = []TemplateLine{}
	}
	linesJSON, err := json.Marshal(lines)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal invoice lines")
	}

	query := `
		INSERT INTO invoices (tenant_id, template_id, invoice_number, customer_id,
		                      issue_date, due_date, currency, total_amount,
		                      description, lines, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11)
		RETURNING id, created_at
	`

	err = r.db.QueryRow(ctx, query,
		inv.TenantID,
		inv.TemplateID,
		inv.InvoiceNumber,
		inv.CustomerID,
		inv.IssueDate,
		inv.DueDate,
		inv.Currency,
		inv.TotalAmount.StringFixed(2),
		inv.Description,
		linesJSON,
		inv.Status,
	).Scan(&inv.ID, &inv.CreatedAt)
	if isUniqueViolation(err) {
		return errors.Conflict(fmt.Sprintf("invoice number %s already exists", inv.InvoiceNumber))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create invoice")
	}
	return nil
}

// LatestNumber returns the tenant's highest INV-<digits> number, or "" when
// the tenant has none. The lookup runs in a savepoint so a failure leaves
// the caller's transaction usable for the insert that follows.
func (r *InvoiceRepository) LatestNumber(ctx context.Context, tenantID string) (string, error) {
	var number string
	err := r.db.Savepoint(ctx, func(ctx context.Context) error {
		var err error
		number, err = r.latestNumber(ctx, tenantID)
		return err
	})
	return number, err
}

func (r *InvoiceRepository) latestNumber(ctx context.Context, tenantID string) (string, error) {
	query := `
		SELECT invoice_number
		FROM invoices
		WHERE tenant_id = $1 AND invoice_number ~ '^INV-[0-9]+$'
		ORDER BY substring(invoice_number FROM 5)::bigint DESC
		LIMIT 1
	`

	var number string
	err := r.db.QueryRow(ctx, query, tenantID).Scan(&number)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to read latest invoice number")
	}
	return number, nil
}

// LockNumbering serializes invoice-number allocation for a tenant until the
// surrounding transaction ends.
func (r *InvoiceRepository) LockNumbering(ctx context.Context, tenantID string) error {
	if _, err := r.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "invoice_number:"+tenantID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock invoice numbering")
	}
	return nil
}
