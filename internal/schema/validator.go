// Package schema enforces the JSON contracts between pipeline stages. Every
// value that crosses a trust boundary — the inbound claim, each agent's parsed
// output — is validated against a named, embedded JSON Schema before anything
// downstream touches it.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var embeddedSchemas embed.FS

// Named schema references. Agent definitions point at these by name; there is
// no dynamic schema loading at request time.
const (
	RefClaim         = "claim"
	RefTriageResult  = "triage_result"
	RefInvestigation = "investigation"
	RefExplanation   = "explanation"
)

var schemaFiles = map[string]string{
	RefClaim:         "schemas/claim.json",
	RefTriageResult:  "schemas/triage_result.json",
	RefInvestigation: "schemas/investigation.json",
	RefExplanation:   "schemas/explanation.json",
}

// Diagnostic carries the validator's findings for a failed validation. It is
// returned to callers verbatim (schema_error responses) so contract failures
// are debuggable without log archaeology.
type Diagnostic struct {
	SchemaRef string   `json:"schema_ref"`
	Problems  []string `json:"problems"`
}

// Error implements the error interface.
func (d *Diagnostic) Error() string {
	if len(d.Problems) == 0 {
		return fmt.Sprintf("value does not satisfy schema %q", d.SchemaRef)
	}
	return fmt.Sprintf("value does not satisfy schema %q: %s", d.SchemaRef, d.Problems[0])
}

// Validator validates JSON values against the embedded named schemas.
// Schemas are compiled once at construction; Validate is safe for concurrent
// use.
type Validator struct {
	compiled map[string]*gojsonschema.Schema
	raw      map[string]json.RawMessage
}

// NewValidator compiles all embedded schemas.
func NewValidator() (*Validator, error) {
	compiled := make(map[string]*gojsonschema.Schema, len(schemaFiles))
	raw := make(map[string]json.RawMessage, len(schemaFiles))
	for ref, file := range schemaFiles {
		content, err := embeddedSchemas.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading embedded schema %s: %w", file, err)
		}
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(content))
		if err != nil {
			return nil, fmt.Errorf("compiling schema %q: %w", ref, err)
		}
		compiled[ref] = s
		raw[ref] = json.RawMessage(content)
	}
	return &Validator{compiled: compiled, raw: raw}, nil
}

// MustNewValidator is for tests and process init paths where a broken embedded
// schema is a programming error.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// SchemaJSON returns the raw schema document for a ref, for callers that
// forward the schema out-of-process (e.g. provider response formats).
func (v *Validator) SchemaJSON(schemaRef string) (json.RawMessage, bool) {
	raw, ok := v.raw[schemaRef]
	return raw, ok
}

// Refs returns the known schema references, sorted.
func (v *Validator) Refs() []string {
	refs := make([]string, 0, len(v.compiled))
	for ref := range v.compiled {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Validate checks value (a decoded JSON structure or raw []byte) against the
// named schema. Returns nil on success or a *Diagnostic describing every
// violation.
func (v *Validator) Validate(schemaRef string, value interface{}) error {
	s, ok := v.compiled[schemaRef]
	if !ok {
		return &Diagnostic{SchemaRef: schemaRef, Problems: []string{"unknown schema reference"}}
	}

	var loader gojsonschema.JSONLoader
	switch val := value.(type) {
	case []byte:
		loader = gojsonschema.NewBytesLoader(val)
	case string:
		loader = gojsonschema.NewStringLoader(val)
	default:
		loader = gojsonschema.NewGoLoader(val)
	}

	result, err := s.Validate(loader)
	if err != nil {
		// Malformed input (e.g. invalid JSON bytes) is a contract violation,
		// not an internal fault.
		return &Diagnostic{SchemaRef: schemaRef, Problems: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	diag := &Diagnostic{SchemaRef: schemaRef}
	for _, issue := range result.Errors() {
		diag.Problems = append(diag.Problems, issue.String())
	}
	return diag
}
