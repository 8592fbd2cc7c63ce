package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/database"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
)

// GenerationLogRepository appends and reads recurring_generation_logs.
type GenerationLogRepository struct {
	db *database.DB
}

// NewGenerationLogRepository creates a new GenerationLogRepository.
func NewGenerationLogRepository(db *database.DB) *GenerationLogRepository {
	return &GenerationLogRepository{db: db}
}

// Append writes one run summary.
func (r *GenerationLogRepository) Append(ctx context.Context, l *GenerationLog) error {
	errs := l.Errors
	if errs == nil {
		errs = []GenerationError{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal generation errors")
	}

	query := `
		INSERT INTO recurring_generation_logs
		    (tenant_id, templates_considered, generated, skipped, errors, triggered_by, run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	err = r.db.QueryRow(ctx, query,
		l.TenantID,
		l.TemplatesConsidered,
		l.Generated,
		l.Skipped,
		errorsJSON,
		l.TriggeredBy,
		l.RunAt,
	).Scan(&l.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append generation log")
	}
	return nil
}

// ListRecent returns a tenant's most recent runs, newest first.
func (r *GenerationLogRepository) ListRecent(ctx context.Context, tenantID string, limit int) ([]*GenerationLog, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, tenant_id, templates_considered, generated, skipped,
		       errors, triggered_by, run_at
		FROM recurring_generation_logs
		WHERE tenant_id = $1
		ORDER BY run_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list generation logs")
	}
	defer rows.Close()

	var logs []*GenerationLog
	for rows.Next() {
		l := &GenerationLog{}
		var errorsJSON []byte
		if err := rows.Scan(
			&l.ID,
			&l.TenantID,
			&l.TemplatesConsidered,
			&l.Generated,
			&l.Skipped,
			&errorsJSON,
			&l.TriggeredBy,
			&l.RunAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan generation log")
		}
		if err := json.Unmarshal(errorsJSON, &l.Errors); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal generation errors")
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate generation logs")
	}
	return logs, nil
}
