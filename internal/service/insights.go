package service

import (
	"fmt"
	"time"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
)

// Insight severities.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
	SeverityInfo   = "info"
)

const (
	pendingBacklogThreshold = 10
	rejectionRateThreshold  = 25.0
	dueSoonWindow           = 7 * 24 * time.Hour
)

// Insight is a rule-fired observation shown on a dashboard.
type Insight struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}

func approvalInsights(stats RequestStats, wf WorkflowStats) []Insight {
	insights := []Insight{}

	if stats.Pending > pendingBacklogThreshold {
		insights = append(insights, Insight{
			Kind:     "pending_backlog",
			Severity: SeverityHigh,
			Title:    "Approval backlog",
			Message:  fmt.Sprintf("%d requests are waiting for approval", stats.Pending),
		})
	}
	if stats.RejectionRate > rejectionRateThreshold {
		insights = append(insights, Insight{
			Kind:     "rejection_rate",
			Severity: SeverityMedium,
			Title:    "High rejection rate",
			Message:  fmt.Sprintf("%.1f%% of decided requests were rejected", stats.RejectionRate),
		})
	}
	if wf.Active == 0 {
		insights = append(insights, Insight{
			Kind:     "no_active_workflow",
			Severity: SeverityInfo,
			Title:    "No active workflows",
			Message:  "New approval requests will fail until a workflow is activated",
		})
	}
	return insights
}

func recurringInsights(stats TemplateStats, logs []*repository.GenerationLog, upcoming []UpcomingItem, at time.Time) []Insight {
	insights := []Insight{}

	if len(logs) > 0 && len(logs[0].Errors) > 0 {
		insights = append(insights, Insight{
			Kind:     "generation_errors",
			Severity: SeverityHigh,
			Title:    "Generation errors",
			Message:  fmt.Sprintf("The last run failed for %d template(s)", len(logs[0].Errors)),
		})
	}

	dueSoon := 0
	for _, item := range upcoming {
		if item.NextDueDate.Sub(at) <= dueSoonWindow {
			dueSoon++
		}
	}
	if dueSoon > 0 {
		insights = append(insights, Insight{
			Kind:     "due_soon",
			Severity: SeverityInfo,
			Title:    "Items due this week",
			Message:  fmt.Sprintf("%d template(s) will generate within 7 days", dueSoon),
		})
	}

	if stats.Inactive > stats.Active {
		insights = append(insights, Insight{
			Kind:     "inactive_templates",
			Severity: SeverityLow,
			Title:    "Mostly inactive templates",
			Message:  fmt.Sprintf("%d of %d templates are inactive", stats.Inactive, stats.Total),
		})
	}
	return insights
}
