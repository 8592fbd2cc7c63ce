package service

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/recurrence"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/logger"
)

const (
	dashboardRecentLimit = 10
	upcomingWindow       = 30 * 24 * time.Hour
)

// RequestStats rolls up a tenant's approval requests.
type RequestStats struct {
	Total         int            `json:"total"`
	Pending       int            `json:"pending"`
	Approved      int            `json:"approved"`
	Rejected      int            `json:"rejected"`
	Cancelled     int            `json:"cancelled"`
	ByType        map[string]int `json:"by_type"`
	RejectionRate float64        `json:"rejection_rate"`
}

// WorkflowStats rolls up a tenant's workflow definitions.
type WorkflowStats struct {
	Total  int                        `json:"total"`
	Active int                        `json:"active"`
	Usage  []repository.WorkflowUsage `json:"usage"`
}

// ApprovalDashboard is the operator summary of the approval side.
type ApprovalDashboard struct {
	RequestStats     RequestStats                  `json:"request_stats"`
	RecentRequests   []*repository.ApprovalRequest `json:"recent_requests"`
	PendingApprovals []*repository.ApprovalStep    `json:"pending_approvals"`
	WorkflowStats    WorkflowStats                 `json:"workflow_stats"`
	Insights         []Insight                     `json:"insights"`
}

// TemplateStats rolls up a tenant's recurring templates.
type TemplateStats struct {
	Total     int            `json:"total"`
	Active    int            `json:"active"`
	Inactive  int            `json:"inactive"`
	ByType    map[string]int `json:"by_type"`
	ByPattern map[string]int `json:"by_pattern"`
}

// UpcomingItem is a template projected to generate within the window.
type UpcomingItem struct {
	TemplateID   string                  `json:"template_id"`
	TemplateName string                  `json:"template_name"`
	TemplateType repository.TemplateType `json:"template_type"`
	NextDueDate  time.Time               `json:"next_due_date"`
}

// RecurringDashboard is the operator summary of recurring generation.
type RecurringDashboard struct {
	TemplateStats   TemplateStats                   `json:"template_stats"`
	RecentTemplates []*repository.RecurringTemplate `json:"recent_templates"`
	GenerationLogs  []*repository.GenerationLog     `json:"generation_logs"`
	UpcomingItems   []UpcomingItem                  `json:"upcoming_items"`
	Insights        []Insight                       `json:"insights"`
}

// DashboardService builds read-only dashboards.
type DashboardService struct {
	workflows WorkflowStore
	requests  RequestStore
	steps     StepStore
	templates TemplateStore
	logs      GenerationLogStore
	log       *logger.Logger

	// Clock anchors the upcoming window. Defaults to time.Now.
	Clock Clock
}

// NewDashboardService creates a new DashboardService.
func NewDashboardService(
	workflows WorkflowStore,
	requests RequestStore,
	steps StepStore,
	templates TemplateStore,
	logs GenerationLogStore,
	log *logger.Logger,
) *DashboardService {
	return &DashboardService{
		workflows: workflows,
		requests:  requests,
		steps:     steps,
		templates: templates,
		logs:      logs,
		log:       log,
		Clock:     time.Now,
	}
}

// ApprovalDashboard queries the approval rollups concurrently.
func (s *DashboardService) ApprovalDashboard(ctx context.Context, tenantID string) (*ApprovalDashboard, error) {
	var (
		byStatus  map[repository.RequestStatus]int
		byType    map[string]int
		recent    []*repository.ApprovalRequest
		pending   []*repository.ApprovalStep
		workflows []*repository.ApprovalWorkflow
		usage     []repository.WorkflowUsage
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		byStatus, err = s.requests.CountByStatus(gctx, tenantID)
		return err
	})
	g.Go(func() (err error) {
		byType, err = s.requests.CountByType(gctx, tenantID)
		return err
	})
	g.Go(func() (err error) {
		recent, err = s.requests.List(gctx, tenantID, repository.RequestFilter{Limit: dashboardRecentLimit})
		return err
	})
	g.Go(func() (err error) {
		pending, err = s.steps.ListPending(gctx, tenantID, nil, dashboardRecentLimit)
		return err
	})
	g.Go(func() (err error) {
		workflows, err = s.workflows.List(gctx, tenantID, false)
		return err
	})
	g.Go(func() (err error) {
		usage, err = s.requests.UsageByWorkflow(gctx, tenantID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := RequestStats{
		Pending:   byStatus[repository.RequestPending],
		Approved:  byStatus[repository.RequestApproved],
		Rejected:  byStatus[repository.RequestRejected],
		Cancelled: byStatus[repository.RequestCancelled],
		ByType:    byType,
	}
	stats.Total = stats.Pending + stats.Approved + stats.Rejected + stats.Cancelled
	stats.RejectionRate = rejectionRate(stats.Approved, stats.Rejected)
	if stats.ByType == nil {
		stats.ByType = map[string]int{}
	}

	wfStats := WorkflowStats{Total: len(workflows), Usage: usage}
	for _, wf := range workflows {
		if wf.IsActive {
			wfStats.Active++
		}
	}
	if wfStats.Usage == nil {
		wfStats.Usage = []repository.WorkflowUsage{}
	}
	if recent == nil {
		recent = []*repository.ApprovalRequest{}
	}
	if pending == nil {
		pending = []*repository.ApprovalStep{}
	}

	return &ApprovalDashboard{
		RequestStats:     stats,
		RecentRequests:   recent,
		PendingApprovals: pending,
		WorkflowStats:    wfStats,
		Insights:         approvalInsights(stats, wfStats),
	}, nil
}

// RecurringDashboard queries the recurring rollups concurrently.
func (s *DashboardService) RecurringDashboard(ctx context.Context, tenantID string) (*RecurringDashboard, error) {
	var (
		templates []*repository.RecurringTemplate
		logs      []*repository.GenerationLog
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		templates, err = s.templates.List(gctx, tenantID, false)
		return err
	})
	g.Go(func() (err error) {
		logs, err = s.logs.ListRecent(gctx, tenantID, dashboardRecentLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	at := s.Clock().UTC()
	stats := TemplateStats{
		Total:     len(templates),
		ByType:    map[string]int{},
		ByPattern: map[string]int{},
	}
	upcoming := []UpcomingItem{}
	for _, t := range templates {
		stats.ByType[string(t.TemplateType)]++
		stats.ByPattern[string(t.RecurrencePattern)]++
		if !t.IsActive {
			stats.Inactive++
			continue
		}
		stats.Active++

		next := recurrence.NextDueDate(t, at)
		if next == nil || next.Sub(at) > upcomingWindow {
			continue
		}
		upcoming = append(upcoming, UpcomingItem{
			TemplateID:   t.ID,
			TemplateName: t.Name,
			TemplateType: t.TemplateType,
			NextDueDate:  *next,
		})
	}
	sort.SliceStable(upcoming, func(i, j int) bool {
		return upcoming[i].NextDueDate.Before(upcoming[j].NextDueDate)
	})

	recent := append([]*repository.RecurringTemplate{}, templates...)
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].CreatedAt.After(recent[j].CreatedAt)
	})
	if len(recent) > dashboardRecentLimit {
		recent = recent[:dashboardRecentLimit]
	}
	if logs == nil {
		logs = []*repository.GenerationLog{}
	}

	return &RecurringDashboard{
		TemplateStats:   stats,
		RecentTemplates: recent,
		GenerationLogs:  logs,
		UpcomingItems:   upcoming,
		Insights:        recurringInsights(stats, logs, upcoming, at),
	}, nil
}

// rejectionRate is rejected / (approved + rejected) as a percentage.
func rejectionRate(approved, rejected int) float64 {
	decided := approved + rejected
	if decided == 0 {
		return 0
	}
	return float64(rejected) / float64(decided) * 100
}
