package guard

import (
	"context"
	"regexp"
)

// piiPattern pairs a recognizer with its replacement token.
type piiPattern struct {
	re          *regexp.Regexp
	replacement string
}

// Recognizers for identifiers that must never reach logs or telemetry.
// MRN before the generic digit block so medical record numbers keep their
// specific token; the digit block catches member IDs, NPIs and anything else
// nine-plus digits long.
var piiPatterns = []piiPattern{
	{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "[redacted-email]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[redacted-ssn]"},
	{regexp.MustCompile(`\b(?:\+1[-. ]?)?\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`), "[redacted-phone]"},
	{regexp.MustCompile(`(?i)\bMRN[-: ]{0,2}\d{6,10}\b`), "[redacted-mrn]"},
	{regexp.MustCompile(`\b\d{9,}\b`), "[redacted-id]"},
}

// PIIRedactionGuard masks identifiers matching phone/SSN/MRN/email patterns.
// It is the one guard whose purpose is transformation, not rejection: it
// always passes, and the redacted copy goes into Observed so redaction
// changes what is logged, not what is processed. The claim the model and
// tools receive keeps its original field values.
type PIIRedactionGuard struct{}

// NewPIIRedactionGuard returns the PII redaction guard.
func NewPIIRedactionGuard() *PIIRedactionGuard { return &PIIRedactionGuard{} }

// Name implements Guard.
func (g *PIIRedactionGuard) Name() string { return "pii_redaction" }

// Check implements Guard.
func (g *PIIRedactionGuard) Check(_ context.Context, _ string, payload map[string]interface{}) Result {
	observed, _ := redactValue(deepCopy(payload)).(map[string]interface{})
	return Result{
		Verdict:  Verdict{Guard: g.Name(), Passed: true},
		Observed: observed,
	}
}

// RedactText masks PII substrings in a single string. Exposed for callers
// that log free text outside a chain evaluation.
func RedactText(s string) string {
	for _, p := range piiPatterns {
		s = p.re.ReplaceAllString(s, p.replacement)
	}
	return s
}

func redactValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return RedactText(v)
	case map[string]interface{}:
		for k, item := range v {
			v[k] = redactValue(item)
		}
		return v
	case []interface{}:
		for i, item := range v {
			v[i] = redactValue(item)
		}
		return v
	default:
		return v
	}
}
