package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func f(v float64) *float64 { return &v }

func TestDecide(t *testing.T) {
	tests := []struct {
		name           string
		riskScore      *float64
		recommendation string
		guardBlocked   bool
		threshold      float64
		wantEscalate   bool
		wantReason     string
	}{
		{
			name:           "clean approve below threshold",
			riskScore:      f(0.2),
			recommendation: "approve",
			threshold:      0.85,
			wantEscalate:   false,
		},
		{
			name:           "score at threshold escalates",
			riskScore:      f(0.85),
			recommendation: "approve",
			threshold:      0.85,
			wantEscalate:   true,
			wantReason:     ReasonRiskThreshold,
		},
		{
			name:           "guard block beats high score",
			riskScore:      f(0.99),
			recommendation: "auto_deny",
			guardBlocked:   true,
			threshold:      0.85,
			wantEscalate:   true,
			wantReason:     ReasonGuardBlock,
		},
		{
			name:           "threshold beats agent recommendation",
			riskScore:      f(0.9),
			recommendation: "auto_deny",
			threshold:      0.6,
			wantEscalate:   true,
			wantReason:     ReasonRiskThreshold,
		},
		{
			name:           "auto_deny below threshold escalates on recommendation",
			riskScore:      f(0.3),
			recommendation: "auto_deny",
			threshold:      0.85,
			wantEscalate:   true,
			wantReason:     ReasonAgentRecommendation,
		},
		{
			name:           "queue_review escalates on recommendation",
			riskScore:      f(0.1),
			recommendation: "queue_review",
			threshold:      0.85,
			wantEscalate:   true,
			wantReason:     ReasonAgentRecommendation,
		},
		{
			name:           "no score with approve passes",
			recommendation: "approve",
			threshold:      0.85,
			wantEscalate:   false,
		},
		{
			name:         "guard block with no score",
			guardBlocked: true,
			threshold:    0.85,
			wantEscalate: true,
			wantReason:   ReasonGuardBlock,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.riskScore, tt.recommendation, tt.guardBlocked, tt.threshold)
			assert.Equal(t, tt.wantEscalate, d.Escalate)
			assert.Equal(t, tt.wantReason, d.Reason)
		})
	}
}

// Raising the score or adding a guard block must never turn an escalation
// into a pass.
func TestDecideMonotone(t *testing.T) {
	threshold := 0.5
	for _, rec := range []string{"approve", "queue_review", "auto_deny"} {
		for _, score := range []float64{0.0, 0.25, 0.5, 0.75, 1.0} {
			base := Decide(f(score), rec, false, threshold)

			higher := Decide(f(score+0.1), rec, false, threshold)
			if base.Escalate {
				assert.True(t, higher.Escalate, "rec=%s score=%v", rec, score)
			}

			blocked := Decide(f(score), rec, true, threshold)
			assert.True(t, blocked.Escalate, "rec=%s score=%v blocked", rec, score)
			assert.Equal(t, ReasonGuardBlock, blocked.Reason)
		}
	}
}
