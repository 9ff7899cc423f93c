// Package manager orchestrates the triage pipeline: guard evaluation,
// deterministic enrichment, specialist agent invocation, the escalation
// gate, and handoff publication. The manager owns flow sequencing; every
// individual capability lives in its own package.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/claimpilot/claimpilot/internal/agent"
	"github.com/claimpilot/claimpilot/internal/claim"
	"github.com/claimpilot/claimpilot/internal/guard"
	"github.com/claimpilot/claimpilot/internal/handoff"
	cpotel "github.com/claimpilot/claimpilot/internal/otel"
	"github.com/claimpilot/claimpilot/internal/schema"
	"github.com/claimpilot/claimpilot/internal/tools"
)

var tracer = cpotel.Tracer("github.com/claimpilot/claimpilot/internal/manager")

// ErrValidation marks an inbound payload that failed claim schema
// validation before any processing started.
var ErrValidation = errors.New("validation_error")

// ValidationError carries the diagnostic for a rejected inbound claim.
type ValidationError struct {
	Diagnostic *schema.Diagnostic
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation, e.Diagnostic.Error())
}

// Is lets errors.Is(err, ErrValidation) match a *ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Flow names, used in guard evaluation, telemetry, and handoff events.
const (
	FlowScore   = "score"
	FlowExplain = "explain"
)

// Agent names wired into the two flows.
const (
	agentTriage       = "triage"
	agentInvestigator = "investigator"
	agentExplainer    = "explainer"
)

// ScoreResult is the full outcome of one score flow.
type ScoreResult struct {
	CorrelationID string              `json:"correlation_id"`
	ClaimID       string              `json:"claim_id"`
	Blocked       bool                `json:"blocked"`
	BlockedBy     string              `json:"blocked_by,omitempty"`
	BlockReason   string              `json:"block_reason,omitempty"`
	Verdicts      []guard.Verdict     `json:"guard_verdicts"`
	Triage        *claim.TriageResult `json:"triage,omitempty"`
	Decision
}

// ExplainResult is the full outcome of one explain flow.
type ExplainResult struct {
	CorrelationID string               `json:"correlation_id"`
	ClaimID       string               `json:"claim_id"`
	Blocked       bool                 `json:"blocked"`
	BlockedBy     string               `json:"blocked_by,omitempty"`
	BlockReason   string               `json:"block_reason,omitempty"`
	Verdicts      []guard.Verdict      `json:"guard_verdicts"`
	Investigation *claim.Investigation `json:"investigation,omitempty"`
	Explanation   *claim.Explanation   `json:"explanation,omitempty"`
	Decision
}

// Manager sequences the triage flows.
type Manager struct {
	guards    *guard.Chain
	invoker   *agent.Invoker
	agents    *agent.Registry
	validator *schema.Validator
	tools     *tools.Registry
	publisher handoff.Publisher
	threshold float64
}

// Config holds the manager's dependencies.
type Config struct {
	Guards        *guard.Chain
	Invoker       *agent.Invoker
	Agents        *agent.Registry
	Validator     *schema.Validator
	Tools         *tools.Registry
	Publisher     handoff.Publisher
	RiskThreshold float64
}

// New builds a manager.
func New(cfg Config) *Manager {
	return &Manager{
		guards:    cfg.Guards,
		invoker:   cfg.Invoker,
		agents:    cfg.Agents,
		validator: cfg.Validator,
		tools:     cfg.Tools,
		publisher: cfg.Publisher,
		threshold: cfg.RiskThreshold,
	}
}

// Score runs the scoring flow for one claim payload: validate, guard,
// enrich, invoke the triage agent, gate, and publish an escalation when the
// gate requires one. A guard block is a terminal result, not an error;
// schema, budget, and transient failures abort with the matching sentinel.
func (m *Manager) Score(ctx context.Context, payload map[string]interface{}) (*ScoreResult, error) {
	corrID := newCorrelationID()
	ctx, span := tracer.Start(ctx, "manager.score",
		trace.WithAttributes(attribute.String("correlation_id", corrID)))
	defer span.End()

	result := &ScoreResult{CorrelationID: corrID}

	if err := m.validator.Validate(schema.RefClaim, payload); err != nil {
		var diag *schema.Diagnostic
		if errors.As(err, &diag) {
			span.SetAttributes(attribute.String("outcome", "validation_error"))
			return result, &ValidationError{Diagnostic: diag}
		}
		return result, err
	}
	if id, ok := payload["id"].(string); ok {
		result.ClaimID = id
	}

	outcome := m.guards.Evaluate(ctx, FlowScore, payload)
	result.Verdicts = outcome.Verdicts
	if outcome.Blocked {
		result.Blocked = true
		result.BlockedBy = outcome.Guard
		result.BlockReason = outcome.Reason
		result.Decision = Decide(nil, "", true, m.threshold)
		m.escalate(ctx, result.ClaimID, FlowScore, result.Decision, nil, outcome.Observed)
		return result, nil
	}

	c, err := claim.FromPayload(outcome.Sanitized)
	if err != nil {
		return result, err
	}
	result.ClaimID = c.ID

	input := map[string]interface{}{"claim": outcome.Sanitized}
	input["rule_signals"] = m.runTool(ctx, "rules_eval", map[string]interface{}{"claim": outcome.Sanitized})
	input["feature_stats"] = m.runTool(ctx, "feature_stats", map[string]interface{}{"claim_id": c.ID})
	input["provider_history"] = m.runTool(ctx, "provider_history", map[string]interface{}{"npi": c.Provider.NPI})

	def, err := m.agents.Get(agentTriage)
	if err != nil {
		return result, err
	}
	invocation, err := m.invoker.Invoke(ctx, def, input)
	if err != nil {
		span.RecordError(err)
		return result, err
	}

	triage, err := decodeAs[claim.TriageResult](invocation.Parsed)
	if err != nil {
		return result, err
	}
	result.Triage = triage

	result.Decision = Decide(&triage.RiskScore, triage.Recommendation, false, m.threshold)
	span.SetAttributes(
		attribute.Float64("triage.risk_score", triage.RiskScore),
		attribute.String("triage.recommendation", triage.Recommendation),
		attribute.Bool("gate.escalate", result.Decision.Escalate),
	)
	if result.Decision.Escalate {
		m.escalate(ctx, c.ID, FlowScore, result.Decision, &triage.RiskScore, map[string]interface{}{
			"signals":        triage.Signals,
			"recommendation": triage.Recommendation,
		})
	}

	log.Info().
		Str("correlation_id", corrID).
		Str("claim_id", c.ID).
		Float64("risk_score", triage.RiskScore).
		Str("recommendation", triage.Recommendation).
		Bool("escalated", result.Decision.Escalate).
		Func(cpotel.LogTraceFields(ctx)).
		Msg("score_flow_completed")
	return result, nil
}

// Explain runs the explanation flow for a previously scored claim: guard,
// investigate, explain, render the report, and gate on the explainer's
// recommendation.
func (m *Manager) Explain(ctx context.Context, claimID string) (*ExplainResult, error) {
	corrID := newCorrelationID()
	ctx, span := tracer.Start(ctx, "manager.explain",
		trace.WithAttributes(
			attribute.String("correlation_id", corrID),
			attribute.String("claim_id", claimID),
		))
	defer span.End()

	result := &ExplainResult{CorrelationID: corrID, ClaimID: claimID}

	payload := map[string]interface{}{"claim_id": claimID}
	outcome := m.guards.Evaluate(ctx, FlowExplain, payload)
	result.Verdicts = outcome.Verdicts
	if outcome.Blocked {
		result.Blocked = true
		result.BlockedBy = outcome.Guard
		result.BlockReason = outcome.Reason
		result.Decision = Decide(nil, "", true, m.threshold)
		m.escalate(ctx, claimID, FlowExplain, result.Decision, nil, outcome.Observed)
		return result, nil
	}

	investigatorDef, err := m.agents.Get(agentInvestigator)
	if err != nil {
		return result, err
	}
	investigated, err := m.invoker.Invoke(ctx, investigatorDef, outcome.Sanitized)
	if err != nil {
		span.RecordError(err)
		return result, err
	}
	investigation, err := decodeAs[claim.Investigation](investigated.Parsed)
	if err != nil {
		return result, err
	}
	result.Investigation = investigation

	explainerDef, err := m.agents.Get(agentExplainer)
	if err != nil {
		return result, err
	}
	explained, err := m.invoker.Invoke(ctx, explainerDef, map[string]interface{}{
		"claim_id":      claimID,
		"investigation": investigated.Parsed,
	})
	if err != nil {
		span.RecordError(err)
		return result, err
	}
	explanation, err := decodeAs[claim.Explanation](explained.Parsed)
	if err != nil {
		return result, err
	}

	report := m.runTool(ctx, "render_report", map[string]interface{}{
		"claim_id": claimID,
		"summary":  explanation.Summary,
	})
	if url, ok := report["report_url"].(string); ok {
		explanation.ReportURL = url
	}
	// The render step mutates the explanation, so the contract check runs
	// again on what the caller actually receives.
	rendered, err := json.Marshal(explanation)
	if err != nil {
		return result, fmt.Errorf("encoding rendered explanation: %w", err)
	}
	if err := m.validator.Validate(schema.RefExplanation, rendered); err != nil {
		var diag *schema.Diagnostic
		if errors.As(err, &diag) {
			span.RecordError(err)
			return result, &agent.SchemaError{Diagnostic: diag}
		}
		return result, err
	}
	result.Explanation = explanation

	result.Decision = Decide(nil, explanation.Recommendation, false, m.threshold)
	span.SetAttributes(
		attribute.String("explanation.recommendation", explanation.Recommendation),
		attribute.Bool("gate.escalate", result.Decision.Escalate),
	)
	if result.Decision.Escalate {
		m.escalate(ctx, claimID, FlowExplain, result.Decision, nil, map[string]interface{}{
			"recommendation": explanation.Recommendation,
			"report_url":     explanation.ReportURL,
		})
	}

	log.Info().
		Str("correlation_id", corrID).
		Str("claim_id", claimID).
		Str("recommendation", explanation.Recommendation).
		Bool("escalated", result.Decision.Escalate).
		Func(cpotel.LogTraceFields(ctx)).
		Msg("explain_flow_completed")
	return result, nil
}

// runTool executes one registered tool with encoded params. Enrichment is
// advisory: a failed lookup degrades to an empty result so the flow
// continues on whatever signals remain.
func (m *Manager) runTool(ctx context.Context, name string, params map[string]interface{}) map[string]interface{} {
	empty := map[string]interface{}{}
	tool, ok := m.tools.Get(name)
	if !ok {
		log.Warn().Str("tool", name).Msg("enrichment_tool_missing")
		return empty
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		log.Warn().Str("tool", name).Err(err).Msg("enrichment_params_invalid")
		return empty
	}
	out, err := tool.Execute(ctx, encoded)
	if err != nil {
		log.Warn().Str("tool", name).Err(err).Msg("enrichment_tool_failed")
		return empty
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(out, &decoded); err != nil {
		log.Warn().Str("tool", name).Err(err).Msg("enrichment_output_invalid")
		return empty
	}
	return decoded
}

// escalate publishes a handoff event for an escalating decision. Delivery
// failures are logged and absorbed: the decision stands regardless.
func (m *Manager) escalate(ctx context.Context, claimID, flow string, decision Decision, riskScore *float64, payload map[string]interface{}) {
	event := handoff.NewEvent(claimID, flow, decision.Reason, riskScore, payload)
	if err := m.publisher.Publish(ctx, event); err != nil {
		log.Warn().
			Str("event_id", event.EventID).
			Str("claim_id", claimID).
			Err(err).
			Func(cpotel.LogTraceFields(ctx)).
			Msg("handoff_publish_failed")
	}
}

func decodeAs[T any](parsed map[string]interface{}) (*T, error) {
	raw, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("encoding agent output: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding agent output: %w", err)
	}
	return &out, nil
}

func newCorrelationID() string {
	return "corr_" + uuid.NewString()[:12]
}
