package manager

// Escalation reasons, in precedence order. A guard block always wins; a
// risk score at or above the configured threshold beats the agent's own
// recommendation.
const (
	ReasonGuardBlock          = "guard_block"
	ReasonRiskThreshold       = "risk_threshold"
	ReasonAgentRecommendation = "agent_recommendation"
)

// Decision is the human-in-the-loop gate outcome for one flow. It is
// embedded in the response envelope, so Escalate serializes as the
// top-level "handoff" field clients act on.
type Decision struct {
	Escalate bool   `json:"handoff"`
	Reason   string `json:"reason,omitempty"`
}

// Decide applies the escalation policy. riskScore is nil when the flow
// produced no score (the explain flow, or an aborted score flow). The gate
// is monotone: raising the score or adding a guard block never turns an
// escalation into a pass.
func Decide(riskScore *float64, recommendation string, guardBlocked bool, threshold float64) Decision {
	if guardBlocked {
		return Decision{Escalate: true, Reason: ReasonGuardBlock}
	}
	if riskScore != nil && *riskScore >= threshold {
		return Decision{Escalate: true, Reason: ReasonRiskThreshold}
	}
	if recommendation == "auto_deny" || recommendation == "queue_review" {
		return Decision{Escalate: true, Reason: ReasonAgentRecommendation}
	}
	return Decision{}
}
