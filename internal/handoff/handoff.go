// Package handoff publishes escalation events to the downstream case-review
// system. Delivery is at-least-once and best-effort: the triage decision is
// already final when an event is published, so a delivery failure is logged
// and absorbed rather than surfaced to the caller.
package handoff

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	cpotel "github.com/claimpilot/claimpilot/internal/otel"
)

var tracer = cpotel.Tracer("github.com/claimpilot/claimpilot/internal/handoff")

// Event is the escalation envelope delivered to the review queue.
type Event struct {
	EventID    string                 `json:"event_id"`
	ClaimID    string                 `json:"claim_id"`
	Flow       string                 `json:"flow"`
	Reason     string                 `json:"reason"`
	RiskScore  *float64               `json:"risk_score,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// NewEvent builds an escalation event with a fresh event id.
func NewEvent(claimID, flow, reason string, riskScore *float64, payload map[string]interface{}) Event {
	return Event{
		EventID:    "evt_" + uuid.NewString()[:12],
		ClaimID:    claimID,
		Flow:       flow,
		Reason:     reason,
		RiskScore:  riskScore,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers escalation events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

const publishTimeout = 10 * time.Second

// WebhookPublisher POSTs events as JSON to a configured endpoint.
type WebhookPublisher struct {
	endpoint string
	client   *http.Client
}

// NewWebhookPublisher creates a publisher targeting the given endpoint.
func NewWebhookPublisher(endpoint string) *WebhookPublisher {
	return &WebhookPublisher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: publishTimeout},
	}
}

// Publish delivers one event. Non-2xx responses are failures.
func (p *WebhookPublisher) Publish(ctx context.Context, event Event) error {
	ctx, span := tracer.Start(ctx, "handoff.publish")
	defer span.End()

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding handoff event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building handoff request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("delivering handoff event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("handoff endpoint returned %s", resp.Status)
		span.RecordError(err)
		return err
	}

	log.Info().
		Str("event_id", event.EventID).
		Str("claim_id", event.ClaimID).
		Str("reason", event.Reason).
		Func(cpotel.LogTraceFields(ctx)).
		Msg("handoff_published")
	return nil
}

// LogPublisher records events in the service log only. Used when no review
// endpoint is configured, typically in development.
type LogPublisher struct{}

// Publish logs the event and reports success.
func (LogPublisher) Publish(ctx context.Context, event Event) error {
	log.Info().
		Str("event_id", event.EventID).
		Str("claim_id", event.ClaimID).
		Str("flow", event.Flow).
		Str("reason", event.Reason).
		Func(cpotel.LogTraceFields(ctx)).
		Msg("handoff_logged")
	return nil
}
