package guard

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// RelevanceGuard checks that a payload is a claim-domain request for its
// flow. Out-of-scope content blocks; nothing is rewritten.
type RelevanceGuard struct{}

// NewRelevanceGuard returns the relevance guard.
func NewRelevanceGuard() *RelevanceGuard { return &RelevanceGuard{} }

// Name implements Guard.
func (g *RelevanceGuard) Name() string { return "relevance" }

var scoreRequiredKeys = []string{"id", "lines", "member", "provider"}

// Check implements Guard. Score requests must carry the structural elements
// of a claim; explain requests must reference a claim id.
func (g *RelevanceGuard) Check(_ context.Context, flow string, payload map[string]interface{}) Result {
	verdict := Verdict{Guard: g.Name(), Passed: true}

	switch flow {
	case "score":
		var missing []string
		for _, key := range scoreRequiredKeys {
			if _, ok := payload[key]; !ok {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			verdict.Passed = false
			verdict.Reason = fmt.Sprintf("missing required claim keys: %s", strings.Join(missing, ", "))
		} else if lines, ok := payload["lines"].([]interface{}); ok && len(lines) == 0 {
			verdict.Passed = false
			verdict.Reason = "claim has no billable lines"
		}
	case "explain":
		id, ok := payload["claim_id"].(string)
		if !ok || strings.TrimSpace(id) == "" {
			verdict.Passed = false
			verdict.Reason = "explain requests must include a claim_id"
		}
	}

	return Result{Verdict: verdict}
}
