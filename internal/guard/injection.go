package guard

import (
	"context"
	"fmt"
	"strings"
)

// Jailbreak/override markers scanned for in every free-text field. Kept as
// plain lowercase substrings: regexes here would widen the attack surface of
// the safety path for no detection gain.
var injectionMarkers = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard prior instructions",
	"override system",
	"you are now",
	"exfiltrate",
	"delete all logs",
	"run arbitrary code",
}

// PromptInjectionGuard scans all free-text fields for known jailbreak
// markers. Blocks on match; passes the payload through unchanged otherwise.
type PromptInjectionGuard struct{}

// NewPromptInjectionGuard returns the prompt-injection guard.
func NewPromptInjectionGuard() *PromptInjectionGuard { return &PromptInjectionGuard{} }

// Name implements Guard.
func (g *PromptInjectionGuard) Name() string { return "prompt_injection" }

// Check implements Guard.
func (g *PromptInjectionGuard) Check(_ context.Context, _ string, payload map[string]interface{}) Result {
	var texts []string
	flattenStrings(payload, &texts)
	blob := strings.ToLower(strings.Join(texts, "\n"))

	for _, marker := range injectionMarkers {
		if strings.Contains(blob, marker) {
			return Result{Verdict: Verdict{
				Guard:  g.Name(),
				Passed: false,
				Reason: fmt.Sprintf("detected prompt injection marker: %q", marker),
			}}
		}
	}
	return Result{Verdict: Verdict{Guard: g.Name(), Passed: true}}
}
