package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/database"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
)

// ApprovalRequestRepository manages approval_requests rows. Step rows are
// written by ApprovalStepsRepository inside the same transaction.
type ApprovalRequestRepository struct {
	db *database.DB
}

// NewApprovalRequestRepository creates a new ApprovalRequestRepository.
func NewApprovalRequestRepository(db *database.DB) *ApprovalRequestRepository {
	return &ApprovalRequestRepository{db: db}
}

const requestColumns = `
	id, tenant_id, workflow_id, workflow_name, workflow_steps,
	request_type, request_data, requestor_id, status,
	current_step, total_steps, priority, due_date, completed_at,
	version, created_at, updated_at`

// Create inserts a new request.
func (r *ApprovalRequestRepository) Create(ctx context.Context, req *ApprovalRequest) error {
	stepsJSON, err := json.Marshal(req.WorkflowSteps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal workflow snapshot")
	}
	data := req.RequestData
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO approval_requests
		    (tenant_id, workflow_id, workflow_name, workflow_steps,
		     request_type, request_data, requestor_id, status,
		     current_step, total_steps, priority, due_date, completed_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8,
		        $9, $10, $11, $12, $13)
		RETURNING id, version, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		req.TenantID,
		req.WorkflowID,
		req.WorkflowName,
		stepsJSON,
		req.RequestType,
		[]byte(data),
		req.RequestorID,
		req.Status,
		req.CurrentStep,
		req.TotalSteps,
		req.Priority,
		req.DueDate,
		req.CompletedAt,
	).Scan(&req.ID, &req.Version, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// GetByID retrieves a request scoped to its tenant.
func (r *ApprovalRequestRepository) GetByID(ctx context.Context, id, tenantID string) (*ApprovalRequest, error) {
	return r.get(ctx, id, tenantID, "")
}

// GetForUpdate retrieves a request and locks its row until the surrounding
// transaction ends. Must be called inside InTransaction.
func (r *ApprovalRequestRepository) GetForUpdate(ctx context.Context, id, tenantID string) (*ApprovalRequest, error) {
	return r.get(ctx, id, tenantID, " FOR UPDATE")
}

func (r *ApprovalRequestRepository) get(ctx context.Context, id, tenantID, suffix string) (*ApprovalRequest, error) {
	if !validID(id) {
		return nil, errors.NotFound("approval_request", id)
	}
	query := `SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE id = $1 AND tenant_id = $2` + suffix

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id, tenantID))
	if err != nil {
		return nil, notFoundOr(err, "approval_request", id, "failed to get approval request")
	}
	return req, nil
}

// UpdateProgress writes status, current_step and completed_at, guarded by the
// version the caller read. A concurrent writer causes a CONFLICT.
func (r *ApprovalRequestRepository) UpdateProgress(ctx context.Context, req *ApprovalRequest) error {
	query := `
		UPDATE approval_requests
		SET status       = $4,
		    current_step = $5,
		    completed_at = $6,
		    version      = version + 1,
		    updated_at   = NOW()
		WHERE id = $1 AND tenant_id = $2 AND version = $3
		RETURNING version, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		req.ID,
		req.TenantID,
		req.Version,
		req.Status,
		req.CurrentStep,
		req.CompletedAt,
	).Scan(&req.Version, &req.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.Conflict(fmt.Sprintf("approval request %q was modified concurrently", req.ID))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request")
	}
	return nil
}

// List returns a tenant's requests, newest first, narrowed by filter.
func (r *ApprovalRequestRepository) List(ctx context.Context, tenantID string, filter RequestFilter) ([]*ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE tenant_id = $1
	`
	args := []any{tenantID}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.RequestType != nil {
		args = append(args, *filter.RequestType)
		query += fmt.Sprintf(" AND request_type = $%d", len(args))
	}
	if filter.RequestorID != nil {
		args = append(args, *filter.RequestorID)
		query += fmt.Sprintf(" AND requestor_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval requests")
	}
	defer rows.Close()

	var requests []*ApprovalRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate approval requests")
	}
	return requests, nil
}

// CountPendingByWorkflow counts in-flight requests routed to a workflow.
func (r *ApprovalRequestRepository) CountPendingByWorkflow(ctx context.Context, tenantID, workflowID string) (int, error) {
	if !validID(workflowID) {
		return 0, nil
	}
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM approval_requests
		WHERE tenant_id = $1 AND workflow_id = $2 AND status = 'pending'`,
		tenantID, workflowID,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count pending requests")
	}
	return n, nil
}

// CountByStatus groups a tenant's requests by status.
func (r *ApprovalRequestRepository) CountByStatus(ctx context.Context, tenantID string) (map[RequestStatus]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT status, COUNT(*) FROM approval_requests
		WHERE tenant_id = $1
		GROUP BY status`, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count requests by status")
	}
	defer rows.Close()

	counts := make(map[RequestStatus]int)
	for rows.Next() {
		var (
			status RequestStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan status count")
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountByType groups a tenant's requests by request type.
func (r *ApprovalRequestRepository) CountByType(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT request_type, COUNT(*) FROM approval_requests
		WHERE tenant_id = $1
		GROUP BY request_type`, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count requests by type")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			requestType string
			n           int
		)
		if err := rows.Scan(&requestType, &n); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan type count")
		}
		counts[requestType] = n
	}
	return counts, rows.Err()
}

// UsageByWorkflow returns per-workflow outcome counts, busiest first.
func (r *ApprovalRequestRepository) UsageByWorkflow(ctx context.Context, tenantID string) ([]WorkflowUsage, error) {
	rows, err := r.db.Query(ctx, `
		SELECT workflow_id, MAX(workflow_name),
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'approved'),
		       COUNT(*) FILTER (WHERE status = 'rejected'),
		       COUNT(*) FILTER (WHERE status = 'cancelled')
		FROM approval_requests
		WHERE tenant_id = $1
		GROUP BY workflow_id
		ORDER BY COUNT(*) DESC, workflow_id ASC`, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to aggregate workflow usage")
	}
	defer rows.Close()

	var usage []WorkflowUsage
	for rows.Next() {
		var u WorkflowUsage
		if err := rows.Scan(&u.WorkflowID, &u.WorkflowName, &u.Total,
			&u.Pending, &u.Approved, &u.Rejected, &u.Cancelled); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow usage")
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *ApprovalRequestRepository) scanRequest(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var stepsJSON, dataJSON []byte

	err := row.Scan(
		&req.ID,
		&req.TenantID,
		&req.WorkflowID,
		&req.WorkflowName,
		&stepsJSON,
		&req.RequestType,
		&dataJSON,
		&req.RequestorID,
		&req.Status,
		&req.CurrentStep,
		&req.TotalSteps,
		&req.Priority,
		&req.DueDate,
		&req.CompletedAt,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &req.WorkflowSteps); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal workflow snapshot")
	}
	req.RequestData = json.RawMessage(dataJSON)
	return req, nil
}
