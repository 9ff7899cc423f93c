// Package rules evaluates deterministic billing heuristics over claim lines
// using embedded Rego. The result feeds the triage model as tool context;
// it never decides the claim by itself.
package rules

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"

	"github.com/claimpilot/claimpilot/internal/claim"
)

//go:embed rego/*.rego
var embeddedRules embed.FS

const (
	ruleFile  = "rego/claim_rules.rego"
	ruleQuery = "data.claimpilot.rules"
)

// Evaluation is the outcome of running the billing rules over one claim.
type Evaluation struct {
	Score   float64  `json:"score"`
	Signals []string `json:"signals"`
}

// Engine holds the precompiled Rego query.
type Engine struct {
	prepared rego.PreparedEvalQuery
}

// NewEngine compiles the embedded rules once at startup.
func NewEngine(ctx context.Context) (*Engine, error) {
	content, err := embeddedRules.ReadFile(ruleFile)
	if err != nil {
		return nil, fmt.Errorf("reading embedded rules %s: %w", ruleFile, err)
	}
	prepared, err := rego.New(
		rego.Query(ruleQuery),
		rego.Module(ruleFile, string(content)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing claim rules: %w", err)
	}
	return &Engine{prepared: prepared}, nil
}

// Evaluate runs the billing rules against a claim.
func (e *Engine) Evaluate(ctx context.Context, c *claim.Claim) (*Evaluation, error) {
	input, err := c.ToPayload()
	if err != nil {
		return nil, err
	}
	rs, err := e.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating claim rules: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, fmt.Errorf("claim rules returned no result")
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("claim rules returned unexpected type %T", rs[0].Expressions[0].Value)
	}

	eval := &Evaluation{Signals: []string{}}
	eval.Score = toFloat(doc["score"])
	if raw, ok := doc["signals"].([]interface{}); ok {
		for _, s := range raw {
			if msg, ok := s.(string); ok {
				eval.Signals = append(eval.Signals, msg)
			}
		}
	}
	// Rego sets are unordered; sort for stable tool output.
	sort.Strings(eval.Signals)
	return eval, nil
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}
