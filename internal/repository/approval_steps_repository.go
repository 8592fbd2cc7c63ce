package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/database"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
)

// ApprovalStepsRepository handles step instances. A partial unique index
// keeps at most one pending step per request.
type ApprovalStepsRepository struct {
	db *database.DB
}

// NewApprovalStepsRepository creates a new ApprovalStepsRepository.
func NewApprovalStepsRepository(db *database.DB) *ApprovalStepsRepository {
	return &ApprovalStepsRepository{db: db}
}

const stepColumns = `
	id, request_id, tenant_id, step_number, step_name,
	approver_ref, approver_kind, is_required, status,
	acted_by, acted_at, notes, due_at, created_at, updated_at`

// Create inserts a step instance.
func (r *ApprovalStepsRepository) Create(ctx context.Context, step *ApprovalStep) error {
	query := `
		INSERT INTO approval_steps
		    (request_id, tenant_id, step_number, step_name,
		     approver_ref, approver_kind, is_required, status, due_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		step.RequestID,
		step.TenantID,
		step.StepNumber,
		step.StepName,
		step.ApproverRef,
		step.ApproverKind,
		step.IsRequired,
		step.Status,
		step.DueAt,
	).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Conflict(fmt.Sprintf("request %q already has step %d or a pending step", step.RequestID, step.StepNumber))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval step")
	}
	return nil
}

// GetByID retrieves a step scoped to its tenant.
func (r *ApprovalStepsRepository) GetByID(ctx context.Context, id, tenantID string) (*ApprovalStep, error) {
	if !validID(id) {
		return nil, errors.NotFound("approval_step", id)
	}
	query := `SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE id = $1 AND tenant_id = $2
	`

	step, err := r.scanStep(r.db.QueryRow(ctx, query, id, tenantID))
	if err != nil {
		return nil, notFoundOr(err, "approval_step", id, "failed to get approval step")
	}
	return step, nil
}

// ListByRequest returns every step of a request ordered by step_number.
func (r *ApprovalStepsRepository) ListByRequest(ctx context.Context, requestID, tenantID string) ([]*ApprovalStep, error) {
	if !validID(requestID) {
		return nil, nil
	}
	query := `SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE request_id = $1 AND tenant_id = $2
		ORDER BY step_number ASC
	`

	rows, err := r.db.Query(ctx, query, requestID, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval steps")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListPending returns live steps of a tenant, optionally for one approver,
// soonest due first.
func (r *ApprovalStepsRepository) ListPending(ctx context.Context, tenantID string, approverRef *string, limit int) ([]*ApprovalStep, error) {
	query := `SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE tenant_id = $1 AND status = 'pending'
	`
	args := []any{tenantID}
	if approverRef != nil {
		args = append(args, *approverRef)
		query += fmt.Sprintf(" AND approver_ref = $%d", len(args))
	}
	query += " ORDER BY due_at ASC NULLS LAST, created_at ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending approvals")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// Decide records the outcome of a pending step. A step that already left
// pending is a CONFLICT.
func (r *ApprovalStepsRepository) Decide(ctx context.Context, step *ApprovalStep) error {
	query := `
		UPDATE approval_steps
		SET status     = $3,
		    acted_by   = $4,
		    acted_at   = $5,
		    notes      = $6,
		    updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = 'pending'
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		step.ID,
		step.TenantID,
		step.Status,
		step.ActedBy,
		step.ActedAt,
		step.Notes,
	).Scan(&step.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.Conflict(fmt.Sprintf("approval step %q is no longer pending", step.ID))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record step decision")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ApprovalStepsRepository) scanStep(row rowScanner) (*ApprovalStep, error) {
	s := &ApprovalStep{}
	err := row.Scan(
		&s.ID,
		&s.RequestID,
		&s.TenantID,
		&s.StepNumber,
		&s.StepName,
		&s.ApproverRef,
		&s.ApproverKind,
		&s.IsRequired,
		&s.Status,
		&s.ActedBy,
		&s.ActedAt,
		&s.Notes,
		&s.DueAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *ApprovalStepsRepository) scanRows(rows pgx.Rows) ([]*ApprovalStep, error) {
	var steps []*ApprovalStep
	for rows.Next() {
		s, err := r.scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step")
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate approval steps")
	}
	return steps, nil
}
