package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/database"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
)

// RecurringTemplateRepository handles CRUD for recurring_templates.
type RecurringTemplateRepository struct {
	db *database.DB
}

// NewRecurringTemplateRepository creates a new RecurringTemplateRepository.
func NewRecurringTemplateRepository(db *database.DB) *RecurringTemplateRepository {
	return &RecurringTemplateRepository{db: db}
}

const templateColumns = `
	id, tenant_id, name, description, template_type, template_data,
	recurrence_pattern, recurrence_interval, day_of_month, day_of_week, month,
	start_date, end_date, last_generated_at, is_active, created_at, updated_at`

// Create inserts a new template.
func (r *RecurringTemplateRepository) Create(ctx context.Context, t *RecurringTemplate) error {
	dataJSON, err := json.Marshal(t.TemplateData)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal template data")
	}

	query := `
		INSERT INTO recurring_templates
		    (tenant_id, name, description, template_type, template_data,
		     recurrence_pattern, recurrence_interval, day_of_month, day_of_week, month,
		     start_date, end_date, last_generated_at, is_active)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10,
		        $11, $12, $13, $14)
		RETURNING id, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		t.TenantID,
		t.Name,
		t.Description,
		t.TemplateType,
		dataJSON,
		t.RecurrencePattern,
		t.RecurrenceInterval,
		t.Anchors.DayOfMonth,
		t.Anchors.DayOfWeek,
		t.Anchors.Month,
		t.StartDate,
		t.EndDate,
		t.LastGeneratedAt,
		t.IsActive,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create recurring template")
	}
	return nil
}

// GetByID retrieves a template scoped to its tenant.
func (r *RecurringTemplateRepository) GetByID(ctx context.Context, id, tenantID string) (*RecurringTemplate, error) {
	if !validID(id) {
		return nil, errors.NotFound("recurring_template", id)
	}
	query := `SELECT ` + templateColumns + `
		FROM recurring_templates
		WHERE id = $1 AND tenant_id = $2
	`

	t, err := r.scanTemplate(r.db.QueryRow(ctx, query, id, tenantID))
	if err != nil {
		return nil, notFoundOr(err, "recurring_template", id, "failed to get recurring template")
	}
	return t, nil
}

// List returns a tenant's templates, optionally active only, oldest first.
func (r *RecurringTemplateRepository) List(ctx context.Context, tenantID string, activeOnly bool) ([]*RecurringTemplate, error) {
	query := `SELECT ` + templateColumns + `
		FROM recurring_templates
		WHERE tenant_id = $1
	`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list recurring templates")
	}
	defer rows.Close()

	var templates []*RecurringTemplate
	for rows.Next() {
		t, err := r.scanTemplate(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan recurring template")
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate recurring templates")
	}
	return templates, nil
}

// Update persists the editable fields of a template. last_generated_at is
// owned by MarkGenerated and is not written here.
func (r *RecurringTemplateRepository) Update(ctx context.Context, t *RecurringTemplate) error {
	if !validID(t.ID) {
		return errors.NotFound("recurring_template", t.ID)
	}
	dataJSON, err := json.Marshal(t.TemplateData)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal template data")
	}

	query := `
		UPDATE recurring_templates
		SET name                = $3,
		    description         = $4,
		    template_data       = $5,
		    recurrence_pattern  = $6,
		    recurrence_interval = $7,
		    day_of_month        = $8,
		    day_of_week         = $9,
		    month               = $10,
		    start_date          = $11,
		    end_date            = $12,
		    is_active           = $13,
		    updated_at          = NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		t.ID,
		t.TenantID,
		t.Name,
		t.Description,
		dataJSON,
		t.RecurrencePattern,
		t.RecurrenceInterval,
		t.Anchors.DayOfMonth,
		t.Anchors.DayOfWeek,
		t.Anchors.Month,
		t.StartDate,
		t.EndDate,
		t.IsActive,
	).Scan(&t.UpdatedAt)
	if err != nil {
		return notFoundOr(err, "recurring_template", t.ID, "failed to update recurring template")
	}
	return nil
}

// Delete removes a template. Records it already generated keep their
// template_id for traceability.
func (r *RecurringTemplateRepository) Delete(ctx context.Context, id, tenantID string) error {
	if !validID(id) {
		return errors.NotFound("recurring_template", id)
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM recurring_templates WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete recurring template")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("recurring_template", id)
	}
	return nil
}

// MarkGenerated advances last_generated_at from prev to at. The write only
// lands if the stored value still equals prev and at moves forward, so two
// concurrent runs cannot both generate the same period.
func (r *RecurringTemplateRepository) MarkGenerated(ctx context.Context, id, tenantID string, prev *time.Time, at time.Time) error {
	query := `
		UPDATE recurring_templates
		SET last_generated_at = $3,
		    updated_at        = NOW()
		WHERE id = $1 AND tenant_id = $2
		  AND last_generated_at IS NOT DISTINCT FROM $4::timestamptz
		  AND ($4::timestamptz IS NULL OR $3 > $4::timestamptz)
	`

	tag, err := r.db.Exec(ctx, query, id, tenantID, at, prev)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark template generated")
	}
	if tag.RowsAffected() == 0 {
		return errors.Conflict(fmt.Sprintf("recurring template %q was generated concurrently", id))
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *RecurringTemplateRepository) scanTemplate(row rowScanner) (*RecurringTemplate, error) {
	t := &RecurringTemplate{}
	var dataJSON []byte

	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.Name,
		&t.Description,
		&t.TemplateType,
		&dataJSON,
		&t.RecurrencePattern,
		&t.RecurrenceInterval,
		&t.Anchors.DayOfMonth,
		&t.Anchors.DayOfWeek,
		&t.Anchors.Month,
		&t.StartDate,
		&t.EndDate,
		&t.LastGeneratedAt,
		&t.IsActive,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if t.TemplateData, err = DecodeTemplateData(t.TemplateType, dataJSON); err != nil {
		return nil, err
	}
	return t, nil
}
