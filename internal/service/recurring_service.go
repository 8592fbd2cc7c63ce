package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/schema"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/logger"
)

// CreateTemplateInput carries the fields of a new recurring template.
type CreateTemplateInput struct {
	TenantID           string                       `json:"-"`
	Name               string                       `json:"name"`
	Description        *string                      `json:"description,omitempty"`
	TemplateType       repository.TemplateType      `json:"template_type"`
	TemplateData       json.RawMessage              `json:"template_data"`
	RecurrencePattern  repository.RecurrencePattern `json:"recurrence_pattern"`
	RecurrenceInterval int                          `json:"recurrence_interval"`
	Anchors            repository.RecurrenceAnchors `json:"anchors"`
	StartDate          time.Time                    `json:"start_date"`
	EndDate            *time.Time                   `json:"end_date,omitempty"`
	IsActive           *bool                        `json:"is_active,omitempty"`
}

// RecurringService manages recurring templates.
type RecurringService struct {
	templates TemplateStore
	log       *logger.Logger
}

// NewRecurringService creates a new RecurringService.
func NewRecurringService(templates TemplateStore, log *logger.Logger) *RecurringService {
	return &RecurringService{templates: templates, log: log}
}

// CreateTemplate validates and stores a template. The interval defaults to 1.
func (s *RecurringService) CreateTemplate(ctx context.Context, in CreateTemplateInput) (*repository.RecurringTemplate, error) {
	if in.TenantID == "" {
		return nil, errors.InvalidInput("tenant_id", "tenant_id is required")
	}
	if !in.TemplateType.Valid() {
		return nil, errors.InvalidInput("template_type", "template_type must be invoice, expense or payment")
	}
	data, err := decodeTemplateData(in.TemplateType, in.TemplateData)
	if err != nil {
		return nil, err
	}
	if in.RecurrenceInterval == 0 {
		in.RecurrenceInterval = 1
	}

	t := &repository.RecurringTemplate{
		TenantID:           in.TenantID,
		Name:               strings.TrimSpace(in.Name),
		Description:        in.Description,
		TemplateType:       in.TemplateType,
		TemplateData:       data,
		RecurrencePattern:  in.RecurrencePattern,
		RecurrenceInterval: in.RecurrenceInterval,
		Anchors:            in.Anchors,
		StartDate:          in.StartDate.UTC(),
		IsActive:           true,
	}
	if in.EndDate != nil {
		end := in.EndDate.UTC()
		t.EndDate = &end
	}
	if in.IsActive != nil {
		t.IsActive = *in.IsActive
	}
	if err := validateTemplate(t); err != nil {
		return nil, err
	}

	if err := s.templates.Create(ctx, t); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", t.TenantID).
		Str("template_id", t.ID).
		Str("template_type", string(t.TemplateType)).
		Str("pattern", string(t.RecurrencePattern)).
		Int("interval", t.RecurrenceInterval).
		Msg("Recurring template created")

	return t, nil
}

// GetTemplate returns one template.
func (s *RecurringService) GetTemplate(ctx context.Context, id, tenantID string) (*repository.RecurringTemplate, error) {
	return s.templates.GetByID(ctx, id, tenantID)
}

// ListTemplates returns a tenant's templates.
func (s *RecurringService) ListTemplates(ctx context.Context, tenantID string, activeOnly bool) ([]*repository.RecurringTemplate, error) {
	ts, err := s.templates.List(ctx, tenantID, activeOnly)
	if err != nil {
		return nil, err
	}
	if ts == nil {
		ts = []*repository.RecurringTemplate{}
	}
	return ts, nil
}

// UpdateTemplate applies patch. The template type and generation history
// cannot be changed.
func (s *RecurringService) UpdateTemplate(ctx context.Context, id, tenantID string, patch repository.TemplatePatch) (*repository.RecurringTemplate, error) {
	t, err := s.templates.GetByID(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		t.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		t.Description = patch.Description
	}
	if len(patch.TemplateData) > 0 {
		data, err := decodeTemplateData(t.TemplateType, patch.TemplateData)
		if err != nil {
			return nil, err
		}
		t.TemplateData = data
	}
	if patch.RecurrencePattern != nil {
		t.RecurrencePattern = *patch.RecurrencePattern
	}
	if patch.RecurrenceInterval != nil {
		t.RecurrenceInterval = *patch.RecurrenceInterval
	}
	if patch.Anchors != nil {
		t.Anchors = *patch.Anchors
	}
	if patch.StartDate != nil {
		t.StartDate = patch.StartDate.UTC()
	}
	switch {
	case patch.ClearEndDate:
		t.EndDate = nil
	case patch.EndDate != nil:
		end := patch.EndDate.UTC()
		t.EndDate = &end
	}
	if patch.IsActive != nil {
		t.IsActive = *patch.IsActive
	}
	if err := validateTemplate(t); err != nil {
		return nil, err
	}

	if err := s.templates.Update(ctx, t); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", tenantID).
		Str("template_id", id).
		Bool("is_active", t.IsActive).
		Msg("Recurring template updated")

	return t, nil
}

// DeleteTemplate removes a template. Records it already generated keep their
// template reference.
func (s *RecurringService) DeleteTemplate(ctx context.Context, id, tenantID string) error {
	if err := s.templates.Delete(ctx, id, tenantID); err != nil {
		return err
	}
	s.log.Info().Str("tenant_id", tenantID).Str("template_id", id).Msg("Recurring template deleted")
	return nil
}

func decodeTemplateData(tt repository.TemplateType, raw json.RawMessage) (repository.TemplateData, error) {
	if err := schema.ValidateTemplateData(string(tt), raw); err != nil {
		return nil, err
	}
	data, err := repository.DecodeTemplateData(tt, raw)
	if err != nil {
		return nil, err
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}
	return data, nil
}

func validateTemplate(t *repository.RecurringTemplate) error {
	if t.Name == "" {
		return errors.InvalidInput("name", "name is required")
	}
	if !t.RecurrencePattern.Valid() {
		return errors.InvalidInput("recurrence_pattern", "recurrence_pattern must be daily, weekly, monthly, yearly or custom")
	}
	if t.RecurrenceInterval < 1 {
		return errors.InvalidInput("recurrence_interval", "recurrence_interval must be at least 1")
	}
	if err := t.Anchors.Validate(); err != nil {
		return err
	}
	if t.StartDate.IsZero() {
		return errors.InvalidInput("start_date", "start_date is required")
	}
	if t.EndDate != nil && t.EndDate.Before(t.StartDate) {
		return errors.InvalidInput("end_date", "end_date cannot be before start_date")
	}
	return nil
}
