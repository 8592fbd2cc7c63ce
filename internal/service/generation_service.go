package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/recurrence"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/logger"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/metrics"
)

// errAlreadyGenerated marks a template whose last_generated_at moved under us.
var errAlreadyGenerated = stderrors.New("template already generated")

// PreviewItem is one template a run would generate from.
type PreviewItem struct {
	TemplateID    string                  `json:"template_id"`
	TemplateName  string                  `json:"template_name"`
	TemplateType  repository.TemplateType `json:"template_type"`
	LastGenerated *time.Time              `json:"last_generated_at,omitempty"`
}

// GenerationService runs recurring generation for a tenant.
//
// A run holds the tenant's generation lock. Each due template is materialized
// and stamped in its own transaction; a failing template is recorded in the
// run's error list and the run moves on.
type GenerationService struct {
	tx        Transactor
	templates TemplateStore
	logs      GenerationLogStore
	creators  map[repository.TemplateType]RecordCreator
	locker    Locker
	metrics   *metrics.Metrics
	log       *logger.Logger

	// Clock is the run instant. Defaults to time.Now.
	Clock Clock
}

// NewGenerationService creates a new GenerationService.
func NewGenerationService(
	tx Transactor,
	templates TemplateStore,
	logs GenerationLogStore,
	creators map[repository.TemplateType]RecordCreator,
	locker Locker,
	m *metrics.Metrics,
	log *logger.Logger,
) *GenerationService {
	return &GenerationService{
		tx:        tx,
		templates: templates,
		logs:      logs,
		creators:  creators,
		locker:    locker,
		metrics:   m,
		log:       log,
		Clock:     time.Now,
	}
}

// Run generates every due template of a tenant and writes one generation log.
// A second run for the same tenant while one is in progress fails with CONFLICT.
func (s *GenerationService) Run(ctx context.Context, tenantID, triggeredBy string) (*repository.GenerationLog, error) {
	if tenantID == "" {
		return nil, errors.InvalidInput("tenant_id", "tenant_id is required")
	}
	if triggeredBy == "" {
		triggeredBy = "manual"
	}

	release, err := s.locker.Acquire(ctx, "generation:"+tenantID)
	if err != nil {
		return nil, err
	}
	defer release()

	started := time.Now()
	at := s.now()

	templates, err := s.templates.List(ctx, tenantID, true)
	if err != nil {
		s.metrics.GenerationRun("failed", time.Since(started))
		return nil, err
	}

	run := &repository.GenerationLog{
		TenantID:    tenantID,
		TriggeredBy: triggeredBy,
		RunAt:       at,
		Errors:      []repository.GenerationError{},
	}
	for _, t := range templates {
		run.TemplatesConsidered++

		if !recurrence.IsDue(t, at) {
			run.Skipped++
			s.metrics.GenerationItem(string(t.TemplateType), "skipped")
			continue
		}

		recordID, err := s.generateOne(ctx, t, at)
		switch {
		case stderrors.Is(err, errAlreadyGenerated):
			run.Skipped++
			s.metrics.GenerationItem(string(t.TemplateType), "skipped")
		case err != nil:
			run.Errors = append(run.Errors, repository.GenerationError{
				TemplateID:   t.ID,
				TemplateName: t.Name,
				Error:        err.Error(),
			})
			s.metrics.GenerationItem(string(t.TemplateType), "failed")
			s.log.Warn().Err(err).
				Str("tenant_id", tenantID).
				Str("template_id", t.ID).
				Msg("Recurring generation failed for template")
		default:
			run.Generated++
			s.metrics.GenerationItem(string(t.TemplateType), "generated")
			s.log.Debug().
				Str("tenant_id", tenantID).
				Str("template_id", t.ID).
				Str("record_id", recordID).
				Msg("Recurring record generated")
		}
	}

	if err := s.logs.Append(ctx, run); err != nil {
		s.metrics.GenerationRun("failed", time.Since(started))
		return nil, err
	}

	result := "ok"
	if len(run.Errors) > 0 {
		result = "partial"
	}
	s.metrics.GenerationRun(result, time.Since(started))
	s.log.Info().
		Str("tenant_id", tenantID).
		Str("triggered_by", triggeredBy).
		Int("considered", run.TemplatesConsidered).
		Int("generated", run.Generated).
		Int("skipped", run.Skipped).
		Int("errors", len(run.Errors)).
		Msg("Recurring generation run completed")

	return run, nil
}

// generateOne materializes t and advances its last_generated_at in one
// transaction. The stamp is a compare-and-set on the value read at the
// start of the run.
func (s *GenerationService) generateOne(ctx context.Context, t *repository.RecurringTemplate, at time.Time) (string, error) {
	creator, ok := s.creators[t.TemplateType]
	if !ok {
		return "", fmt.Errorf("no generator for template type %q", t.TemplateType)
	}

	var recordID string
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		recordID, err = creator.Create(ctx, t, at)
		if err != nil {
			return err
		}
		if err := s.templates.MarkGenerated(ctx, t.ID, t.TenantID, t.LastGeneratedAt, at); err != nil {
			if errors.Is(err, errors.ErrCodeConflict) {
				return errAlreadyGenerated
			}
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	t.LastGeneratedAt = &at
	return recordID, nil
}

// Preview lists the active templates that a run at the given instant would
// generate from. Nothing is written.
func (s *GenerationService) Preview(ctx context.Context, tenantID string, at time.Time) ([]PreviewItem, error) {
	if at.IsZero() {
		at = s.now()
	}
	templates, err := s.templates.List(ctx, tenantID, true)
	if err != nil {
		return nil, err
	}

	items := []PreviewItem{}
	for _, t := range templates {
		if !recurrence.IsDue(t, at) {
			continue
		}
		items = append(items, PreviewItem{
			TemplateID:    t.ID,
			TemplateName:  t.Name,
			TemplateType:  t.TemplateType,
			LastGenerated: t.LastGeneratedAt,
		})
	}
	return items, nil
}

// ListLogs returns a tenant's most recent runs, newest first.
func (s *GenerationService) ListLogs(ctx context.Context, tenantID string, limit int) ([]*repository.GenerationLog, error) {
	logs, err := s.logs.ListRecent(ctx, tenantID, limit)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []*repository.GenerationLog{}
	}
	return logs, nil
}

func (s *GenerationService) now() time.Time {
	return s.Clock().UTC().Truncate(time.Microsecond)
}
