// Package claim defines the domain types that flow through the triage
// pipeline: the inbound claim, the structured outputs of each specialist
// agent, and the recommendation vocabulary shared by the HITL gate.
package claim

import (
	"encoding/json"
	"fmt"
)

// Recommendation values a triage or explanation agent may return. The set is
// closed: anything else fails schema validation before it reaches the gate.
const (
	RecommendApprove     = "approve"
	RecommendQueueReview = "queue_review"
	RecommendAutoDeny    = "auto_deny"
)

// Claim is the inbound case payload. Immutable once accepted: guards operate
// on copies, never on the decoded original.
type Claim struct {
	ID            string     `json:"id"`
	Member        Member     `json:"member"`
	Provider      Provider   `json:"provider"`
	DateOfService string     `json:"date_of_service"`
	Amount        float64    `json:"amount"`
	Lines         []LineItem `json:"lines"`
	Notes         string     `json:"notes,omitempty"`
}

// Member identifies the covered individual on a claim.
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Provider identifies the billing provider.
type Provider struct {
	NPI       string `json:"npi"`
	Name      string `json:"name,omitempty"`
	Specialty string `json:"specialty,omitempty"`
}

// LineItem is a single billed service line.
type LineItem struct {
	CPT    string   `json:"cpt"`
	Units  float64  `json:"units"`
	Charge float64  `json:"charge"`
	Dx     []string `json:"dx,omitempty"`
}

// TriageResult is the triage agent's schema-validated output.
type TriageResult struct {
	ClaimID        string   `json:"claim_id"`
	RiskScore      float64  `json:"risk_score"`
	Signals        []string `json:"signals"`
	Recommendation string   `json:"recommendation"`
}

// Investigation is the investigator agent's schema-validated output.
type Investigation struct {
	ClaimID       string   `json:"claim_id"`
	Findings      []string `json:"findings"`
	RelatedClaims []string `json:"related_claims,omitempty"`
	Summary       string   `json:"summary"`
}

// Explanation is the explainer agent's schema-validated output. ReportURL is
// filled in by the render_report tool after the agent returns.
type Explanation struct {
	ClaimID        string `json:"claim_id"`
	Summary        string `json:"summary"`
	Recommendation string `json:"recommendation"`
	ReportURL      string `json:"report_url,omitempty"`
}

// FromPayload decodes a generic JSON payload (e.g. the sanitized output of the
// guard chain) into a typed Claim.
func FromPayload(payload map[string]interface{}) (*Claim, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding claim payload: %w", err)
	}
	var c Claim
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decoding claim payload: %w", err)
	}
	return &c, nil
}

// ToPayload renders the claim back to a generic JSON map, the shape guards
// and model prompts operate on.
func (c *Claim) ToPayload() (map[string]interface{}, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding claim: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding claim: %w", err)
	}
	return m, nil
}
