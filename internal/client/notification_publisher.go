package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
)

// NotificationPublisher publishes approval workflow events to NATS JetStream
// for consumption by the notifications service.
//
// Subject convention: <prefix>.<event_type>
// Event types: approval_required, request_approved, request_rejected,
//
//	request_cancelled
//
// Publishing runs behind a circuit breaker so an unreachable broker costs one
// fast failure per call instead of a publish timeout. Callers treat every
// error as non-fatal.
type NotificationPublisher struct {
	js      jetStream
	prefix  string
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// jetStream is the slice of nats.JetStreamContext the publisher uses.
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType     string                 `json:"event_type"`
	TenantID      string                 `json:"tenant_id"`
	Recipients    []string               `json:"recipients"`
	RecipientKind string                 `json:"recipient_kind,omitempty"`
	ResourceType  string                 `json:"resource_type"`
	ResourceID    string                 `json:"resource_id"`
	IsActionable  bool                   `json:"is_actionable,omitempty"`
	Severity      string                 `json:"severity,omitempty"`
	Category      string                 `json:"category"`
	OccurredAt    time.Time              `json:"occurred_at"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher. A nil js yields a publisher
// that only logs, which is how the service runs without a broker.
func NewNotificationPublisher(js nats.JetStreamContext, prefix string, log zerolog.Logger) *NotificationPublisher {
	p := newPublisher(nil, prefix, log)
	if js != nil {
		p.js = js
	}
	return p
}

func newPublisher(js jetStream, prefix string, log zerolog.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.bookkeeping"
	}
	return &NotificationPublisher{
		js:     js,
		prefix: prefix,
		log:    log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "notification-publisher",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
					Msg("notification: circuit breaker state changed")
			},
		}),
	}
}

// ConnectJetStream dials NATS and makes sure the notification stream exists.
func ConnectJetStream(url, stream, prefix string) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(url,
		nats.Name("be-bookkeeping-workflows"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream context: %w", err)
	}
	if stream != "" {
		if _, err := js.StreamInfo(stream); err != nil {
			if _, err := js.AddStream(&nats.StreamConfig{
				Name:     stream,
				Subjects: []string{prefix + ".>"},
			}); err != nil {
				nc.Close()
				return nil, nil, fmt.Errorf("add stream %s: %w", stream, err)
			}
		}
	}
	return nc, js, nil
}

// NotifyApprover tells the approver of a newly created step that it awaits
// their decision.
func (p *NotificationPublisher) NotifyApprover(ctx context.Context, req *repository.ApprovalRequest, step *repository.ApprovalStep) error {
	payload := map[string]interface{}{
		"request_id":    req.ID,
		"request_type":  req.RequestType,
		"workflow_name": req.WorkflowName,
		"step_id":       step.ID,
		"step_number":   step.StepNumber,
		"step_name":     step.StepName,
		"total_steps":   req.TotalSteps,
		"priority":      req.Priority,
		"requestor_id":  req.RequestorID,
	}
	if step.DueAt != nil {
		payload["due_at"] = step.DueAt
	}

	return p.publish(ctx, &NotificationEvent{
		EventType:     "approval_required",
		TenantID:      req.TenantID,
		Recipients:    []string{step.ApproverRef},
		RecipientKind: string(step.ApproverKind),
		ResourceType:  "approval_step",
		ResourceID:    step.ID,
		IsActionable:  true,
		Severity:      severityFor(req.Priority),
		Category:      "approval",
		Payload:       payload,
	})
}

// NotifyOutcome tells the requestor that their request reached a terminal state.
func (p *NotificationPublisher) NotifyOutcome(ctx context.Context, req *repository.ApprovalRequest) error {
	return p.publish(ctx, &NotificationEvent{
		EventType:     "request_" + string(req.Status),
		TenantID:      req.TenantID,
		Recipients:    []string{req.RequestorID},
		RecipientKind: string(repository.ApproverUser),
		ResourceType:  "approval_request",
		ResourceID:    req.ID,
		Severity:      "info",
		Category:      "approval",
		Payload: map[string]interface{}{
			"request_type":  req.RequestType,
			"workflow_name": req.WorkflowName,
			"current_step":  req.CurrentStep,
			"total_steps":   req.TotalSteps,
		},
	})
}

func (p *NotificationPublisher) publish(ctx context.Context, event *NotificationEvent) error {
	event.OccurredAt = time.Now().UTC()
	subject := fmt.Sprintf("%s.%s", p.prefix, event.EventType)

	if p.js == nil {
		p.log.Debug().
			Str("subject", subject).
			Str("resource_id", event.ResourceID).
			Strs("recipients", event.Recipients).
			Msg("notification: no broker configured, event dropped")
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return p.js.Publish(subject, data, nats.Context(ctx))
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("resource_id", event.ResourceID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
	return nil
}

func severityFor(p repository.Priority) string {
	switch p {
	case repository.PriorityUrgent, repository.PriorityHigh:
		return "warning"
	default:
		return "info"
	}
}
