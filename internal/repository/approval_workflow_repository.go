package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/database"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
)

// ApprovalWorkflowRepository handles CRUD for approval_workflows.
type ApprovalWorkflowRepository struct {
	db *database.DB
}

// NewApprovalWorkflowRepository creates a new ApprovalWorkflowRepository.
func NewApprovalWorkflowRepository(db *database.DB) *ApprovalWorkflowRepository {
	return &ApprovalWorkflowRepository{db: db}
}

const workflowColumns = `
	id, tenant_id, name, description, workflow_type,
	steps, conditions, is_active, created_by, created_at, updated_at`

// Create inserts a new workflow definition.
func (r *ApprovalWorkflowRepository) Create(ctx context.Context, wf *ApprovalWorkflow) error {
	stepsJSON, condJSON, err := marshalWorkflow(wf)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_workflows
		    (tenant_id, name, description, workflow_type,
		     steps, conditions, is_active, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		wf.TenantID,
		wf.Name,
		wf.Description,
		wf.WorkflowType,
		stepsJSON,
		condJSON,
		wf.IsActive,
		wf.CreatedBy,
	).Scan(&wf.ID, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval workflow")
	}
	return nil
}

// GetByID retrieves a workflow scoped to its tenant.
func (r *ApprovalWorkflowRepository) GetByID(ctx context.Context, id, tenantID string) (*ApprovalWorkflow, error) {
	if !validID(id) {
		return nil, errors.NotFound("approval_workflow", id)
	}
	query := `SELECT ` + workflowColumns + `
		FROM approval_workflows
		WHERE id = $1 AND tenant_id = $2
	`

	wf, err := r.scanWorkflow(r.db.QueryRow(ctx, query, id, tenantID))
	if err != nil {
		return nil, notFoundOr(err, "approval_workflow", id, "failed to get approval workflow")
	}
	return wf, nil
}

// List returns a tenant's workflows, optionally active only, oldest first.
func (r *ApprovalWorkflowRepository) List(ctx context.Context, tenantID string, activeOnly bool) ([]*ApprovalWorkflow, error) {
	query := `SELECT ` + workflowColumns + `
		FROM approval_workflows
		WHERE tenant_id = $1
	`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval workflows")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListActiveByType returns the active workflows of one type in the order the
// matcher scans them: creation time, then id.
func (r *ApprovalWorkflowRepository) ListActiveByType(ctx context.Context, tenantID, workflowType string) ([]*ApprovalWorkflow, error) {
	query := `SELECT ` + workflowColumns + `
		FROM approval_workflows
		WHERE tenant_id = $1 AND workflow_type = $2 AND is_active = TRUE
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, tenantID, workflowType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list active approval workflows")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// Update persists changes to an existing workflow.
func (r *ApprovalWorkflowRepository) Update(ctx context.Context, wf *ApprovalWorkflow) error {
	if !validID(wf.ID) {
		return errors.NotFound("approval_workflow", wf.ID)
	}
	stepsJSON, condJSON, err := marshalWorkflow(wf)
	if err != nil {
		return err
	}

	query := `
		UPDATE approval_workflows
		SET name          = $3,
		    description   = $4,
		    workflow_type = $5,
		    steps         = $6,
		    conditions    = $7,
		    is_active     = $8,
		    updated_at    = NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		wf.ID,
		wf.TenantID,
		wf.Name,
		wf.Description,
		wf.WorkflowType,
		stepsJSON,
		condJSON,
		wf.IsActive,
	).Scan(&wf.UpdatedAt)
	if err != nil {
		return notFoundOr(err, "approval_workflow", wf.ID, "failed to update approval workflow")
	}
	return nil
}

// Delete removes a workflow definition.
func (r *ApprovalWorkflowRepository) Delete(ctx context.Context, id, tenantID string) error {
	if !validID(id) {
		return errors.NotFound("approval_workflow", id)
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_workflows WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approval workflow")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_workflow", id)
	}
	return nil
}

// CountActive returns the number of active workflows of a tenant.
func (r *ApprovalWorkflowRepository) CountActive(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM approval_workflows WHERE tenant_id = $1 AND is_active = TRUE`, tenantID,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count active workflows")
	}
	return n, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func marshalWorkflow(wf *ApprovalWorkflow) ([]byte, []byte, error) {
	steps := wf.Steps
	if steps == nil {
		steps = []WorkflowStepTemplate{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal workflow steps")
	}
	conds := wf.Conditions
	if conds == nil {
		conds = []Condition{}
	}
	condJSON, err := json.Marshal(conds)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal workflow conditions")
	}
	return stepsJSON, condJSON, nil
}

func (r *ApprovalWorkflowRepository) scanWorkflow(row rowScanner) (*ApprovalWorkflow, error) {
	wf := &ApprovalWorkflow{}
	var stepsJSON, condJSON []byte

	err := row.Scan(
		&wf.ID,
		&wf.TenantID,
		&wf.Name,
		&wf.Description,
		&wf.WorkflowType,
		&stepsJSON,
		&condJSON,
		&wf.IsActive,
		&wf.CreatedBy,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &wf.Steps); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal workflow steps")
	}
	if err := json.Unmarshal(condJSON, &wf.Conditions); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal workflow conditions")
	}
	return wf, nil
}

func (r *ApprovalWorkflowRepository) scanRows(rows pgx.Rows) ([]*ApprovalWorkflow, error) {
	var workflows []*ApprovalWorkflow
	for rows.Next() {
		wf, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval workflow")
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate approval workflows")
	}
	return workflows, nil
}
