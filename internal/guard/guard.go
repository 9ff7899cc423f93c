// Package guard implements the pre-model safety checks for the triage
// pipeline. The guard set is deliberately closed and finite — relevance,
// prompt injection, PII redaction — so the safety path stays auditable.
// Guards run in a configured fixed order and the chain short-circuits on the
// first block.
package guard

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	cpotel "github.com/claimpilot/claimpilot/internal/otel"
)

var tracer = cpotel.Tracer("github.com/claimpilot/claimpilot/internal/guard")

// ReasonGuardError marks a verdict produced because a guard faulted
// internally. A broken guard blocks the request; it never crashes it.
const ReasonGuardError = "guard_error"

// Verdict is the outcome of one guard invocation.
type Verdict struct {
	Guard  string `json:"guard"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"` // required when Passed is false
}

// Result is what a guard hands back to the chain. Payload, when non-nil,
// replaces the working copy for downstream guards and processing. Observed,
// when non-nil, replaces the copy used for logging and telemetry only — the
// redaction guard uses it to change what is observed without changing what is
// processed.
type Result struct {
	Verdict
	Payload  map[string]interface{}
	Observed map[string]interface{}
}

// Guard is a single safety/relevance check. Implementations classify bad
// input via a failed verdict; they never return errors or panic outward.
type Guard interface {
	Name() string
	Check(ctx context.Context, flow string, payload map[string]interface{}) Result
}

// Outcome aggregates a full chain evaluation.
type Outcome struct {
	Blocked   bool
	Guard     string // name of the blocking guard, when Blocked
	Reason    string
	Verdicts  []Verdict
	Sanitized map[string]interface{} // processed copy, forwarded downstream
	Observed  map[string]interface{} // redacted copy, safe for logs/telemetry
}

// Chain runs guards sequentially in a fixed configured order.
type Chain struct {
	guards []Guard
}

// NewChain builds a chain from ordered guard names. Unknown names are
// rejected at startup, not at request time.
func NewChain(order []string) (*Chain, error) {
	guards := make([]Guard, 0, len(order))
	for _, name := range order {
		switch name {
		case "pii_redaction":
			guards = append(guards, NewPIIRedactionGuard())
		case "prompt_injection":
			guards = append(guards, NewPromptInjectionGuard())
		case "relevance":
			guards = append(guards, NewRelevanceGuard())
		default:
			return nil, fmt.Errorf("unknown guard %q", name)
		}
	}
	return &Chain{guards: guards}, nil
}

// Names returns the configured guard order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.guards))
	for i, g := range c.guards {
		names[i] = g.Name()
	}
	return names
}

// Evaluate runs every guard in order against the payload. Each guard receives
// the previous guard's output; the first failed verdict halts evaluation with
// Blocked=true and the remaining guards do not run.
func (c *Chain) Evaluate(ctx context.Context, flow string, payload map[string]interface{}) Outcome {
	ctx, span := tracer.Start(ctx, "guard.chain.evaluate",
		trace.WithAttributes(
			attribute.String("flow", flow),
			attribute.Int("guard.count", len(c.guards)),
		))
	defer span.End()

	out := Outcome{Sanitized: payload, Observed: payload}
	for _, g := range c.guards {
		res := c.checkOne(ctx, g, flow, out.Sanitized)
		out.Verdicts = append(out.Verdicts, res.Verdict)
		if res.Payload != nil {
			out.Sanitized = res.Payload
		}
		if res.Observed != nil {
			out.Observed = res.Observed
		}
		if !res.Passed {
			out.Blocked = true
			out.Guard = g.Name()
			out.Reason = res.Reason
			span.SetAttributes(
				attribute.Bool("guard.blocked", true),
				attribute.String("guard.blocked_by", g.Name()),
			)
			log.Warn().
				Str("flow", flow).
				Str("guard", g.Name()).
				Str("reason", res.Reason).
				Func(cpotel.LogTraceFields(ctx)).
				Msg("guard_blocked")
			return out
		}
	}
	span.SetAttributes(attribute.Bool("guard.blocked", false))
	return out
}

// checkOne invokes a guard with panic containment: an internal guard fault
// degrades to a blocked verdict with reason "guard_error".
func (c *Chain) checkOne(ctx context.Context, g Guard, flow string, payload map[string]interface{}) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("guard", g.Name()).
				Interface("panic", r).
				Msg("guard_internal_fault")
			res = Result{Verdict: Verdict{Guard: g.Name(), Passed: false, Reason: ReasonGuardError}}
		}
	}()
	return g.Check(ctx, flow, payload)
}

// flattenStrings walks a decoded JSON structure and collects every string
// value. Used by guards that scan free-text fields wherever they appear.
func flattenStrings(value interface{}, into *[]string) {
	switch v := value.(type) {
	case string:
		*into = append(*into, v)
	case map[string]interface{}:
		for _, item := range v {
			flattenStrings(item, into)
		}
	case []interface{}:
		for _, item := range v {
			flattenStrings(item, into)
		}
	}
}

// deepCopy clones a decoded JSON structure so guards can rewrite fields
// without mutating the caller's copy.
func deepCopy(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = deepCopy(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
