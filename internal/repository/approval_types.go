package repository

import (
	"encoding/json"
	"time"
)

// ── Domain types for approval workflow ───────────────────────────────────────

// ApproverKind says how a step's approver reference is resolved.
type ApproverKind string

const (
	ApproverUser       ApproverKind = "user"
	ApproverRole       ApproverKind = "role"
	ApproverDepartment ApproverKind = "department"
)

// Valid reports whether k is a known approver kind.
func (k ApproverKind) Valid() bool {
	switch k {
	case ApproverUser, ApproverRole, ApproverDepartment:
		return true
	}
	return false
}

// RequestStatus is the lifecycle state of an approval request.
// Transitions are one-directional: pending → approved | rejected | cancelled.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s RequestStatus) IsTerminal() bool {
	return s != RequestPending
}

// Valid reports whether s is a known request status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestApproved, RequestRejected, RequestCancelled:
		return true
	}
	return false
}

// StepStatus is the state of a single step instance.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepApproved  StepStatus = "approved"
	StepRejected  StepStatus = "rejected"
	StepCancelled StepStatus = "cancelled"
)

// Priority of an approval request.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// WorkflowStepTemplate is one entry in a workflow's ordered step list.
type WorkflowStepTemplate struct {
	Name          string       `json:"name" yaml:"name"`
	ApproverRef   string       `json:"approver" yaml:"approver"`
	ApproverKind  ApproverKind `json:"approver_kind" yaml:"approver_kind"`
	Required      bool         `json:"required" yaml:"required"`
	DueOffsetDays *int         `json:"due_offset_days,omitempty" yaml:"due_offset_days,omitempty"`
}

// Condition is a single field/operator/value predicate. Logic is stored for
// round-tripping but every condition of a workflow is ANDed.
type Condition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    string `json:"value" yaml:"value"`
	Logic    string `json:"logic,omitempty" yaml:"logic,omitempty"`
}

// ApprovalWorkflow is a tenant-defined routing definition.
type ApprovalWorkflow struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenant_id"`
	Name         string                 `json:"name"`
	Description  *string                `json:"description,omitempty"`
	WorkflowType string                 `json:"workflow_type"`
	Steps        []WorkflowStepTemplate `json:"steps"`
	Conditions   []Condition            `json:"conditions"`
	IsActive     bool                   `json:"is_active"`
	CreatedBy    *string                `json:"created_by,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// ApprovalRequest is a business object travelling through a workflow.
// WorkflowSteps is a snapshot of the workflow's step templates taken at
// creation, so edits to the workflow never reach in-flight requests.
type ApprovalRequest struct {
	ID            string                 `json:"id"`
	TenantID      string                 `json:"tenant_id"`
	WorkflowID    string                 `json:"workflow_id"`
	WorkflowName  string                 `json:"workflow_name"`
	WorkflowSteps []WorkflowStepTemplate `json:"workflow_steps"`
	RequestType   string                 `json:"request_type"`
	RequestData   json.RawMessage        `json:"request_data"`
	RequestorID   string                 `json:"requestor_id"`
	Status        RequestStatus          `json:"status"`
	CurrentStep   int                    `json:"current_step"`
	TotalSteps    int                    `json:"total_steps"`
	Priority      Priority               `json:"priority"`
	DueDate       *time.Time             `json:"due_date,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	Version       int                    `json:"version"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// ApprovalStep is a concrete, stateful step instance of a request.
type ApprovalStep struct {
	ID           string       `json:"id"`
	RequestID    string       `json:"request_id"`
	TenantID     string       `json:"tenant_id"`
	StepNumber   int          `json:"step_number"` // 1-based
	StepName     string       `json:"step_name"`
	ApproverRef  string       `json:"approver"`
	ApproverKind ApproverKind `json:"approver_kind"`
	IsRequired   bool         `json:"is_required"`
	Status       StepStatus   `json:"status"`
	ActedBy      *string      `json:"acted_by,omitempty"`
	ActedAt      *time.Time   `json:"acted_at,omitempty"`
	Notes        *string      `json:"notes,omitempty"`
	DueAt        *time.Time   `json:"due_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// ApprovalAuditEntry is one immutable record in the audit log.
type ApprovalAuditEntry struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenant_id"`
	RequestID    string                 `json:"request_id"`
	StepID       *string                `json:"step_id,omitempty"`
	Action       string                 `json:"action"` // created | approved | rejected | cancelled | completed
	PerformedBy  string                 `json:"performed_by"`
	PerformedAt  time.Time              `json:"performed_at"`
	StatusBefore *string                `json:"status_before,omitempty"`
	StatusAfter  *string                `json:"status_after,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// RequestFilter narrows ListApprovalRequests.
type RequestFilter struct {
	Status      *RequestStatus
	RequestType *string
	RequestorID *string
	Limit       int
}

// WorkflowPatch carries the fields of an UpdateWorkflow call; nil leaves a
// field unchanged.
type WorkflowPatch struct {
	Name         *string                 `json:"name,omitempty"`
	Description  *string                 `json:"description,omitempty"`
	WorkflowType *string                 `json:"workflow_type,omitempty"`
	Steps        *[]WorkflowStepTemplate `json:"steps,omitempty"`
	Conditions   *[]Condition            `json:"conditions,omitempty"`
	IsActive     *bool                   `json:"is_active,omitempty"`
}

// WorkflowUsage counts the requests routed to one workflow, by outcome.
type WorkflowUsage struct {
	WorkflowID   string `json:"workflow_id"`
	WorkflowName string `json:"workflow_name"`
	Total        int    `json:"total"`
	Pending      int    `json:"pending"`
	Approved     int    `json:"approved"`
	Rejected     int    `json:"rejected"`
	Cancelled    int    `json:"cancelled"`
}
