package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimpilot/claimpilot/internal/claim"
)

func testClaim(lines ...claim.LineItem) *claim.Claim {
	return &claim.Claim{
		ID:            "CLM-1001",
		Member:        claim.Member{ID: "M-779"},
		Provider:      claim.Provider{NPI: "1234567893"},
		DateOfService: "2026-07-14",
		Amount:        500,
		Lines:         lines,
	}
}

func TestEvaluate(t *testing.T) {
	engine, err := NewEngine(context.Background())
	require.NoError(t, err)

	tests := []struct {
		name        string
		claim       *claim.Claim
		wantScore   float64
		wantSignals []string
	}{
		{
			name: "clean claim",
			claim: testClaim(
				claim.LineItem{CPT: "99213", Units: 1, Charge: 240, Dx: []string{"M54.5"}},
			),
			wantScore:   0,
			wantSignals: []string{},
		},
		{
			name: "high units",
			claim: testClaim(
				claim.LineItem{CPT: "97110", Units: 14, Charge: 560, Dx: []string{"M54.5"}},
			),
			wantScore:   0.2,
			wantSignals: []string{"high units for CPT 97110"},
		},
		{
			name: "high charge",
			claim: testClaim(
				claim.LineItem{CPT: "29881", Units: 1, Charge: 4200, Dx: []string{"M23.2"}},
			),
			wantScore:   0.15,
			wantSignals: []string{"high charge for CPT 29881"},
		},
		{
			name: "preventive diagnosis",
			claim: testClaim(
				claim.LineItem{CPT: "99396", Units: 1, Charge: 180, Dx: []string{"Z00.00"}},
			),
			wantScore:   0.05,
			wantSignals: []string{"preventive diagnosis on CPT 99396"},
		},
		{
			name: "signals accumulate across lines",
			claim: testClaim(
				claim.LineItem{CPT: "97110", Units: 14, Charge: 560, Dx: []string{"M54.5"}},
				claim.LineItem{CPT: "29881", Units: 1, Charge: 4200, Dx: []string{"Z00.00"}},
			),
			wantScore: 0.4,
			wantSignals: []string{
				"high charge for CPT 29881",
				"high units for CPT 97110",
				"preventive diagnosis on CPT 29881",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval, err := engine.Evaluate(context.Background(), tt.claim)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantScore, eval.Score, 1e-9)
			assert.Equal(t, tt.wantSignals, eval.Signals)
		})
	}
}

func TestEvaluateScoreCapped(t *testing.T) {
	engine, err := NewEngine(context.Background())
	require.NoError(t, err)

	lines := make([]claim.LineItem, 8)
	for i := range lines {
		lines[i] = claim.LineItem{CPT: "97110", Units: 20, Charge: 5000}
	}
	eval, err := engine.Evaluate(context.Background(), testClaim(lines...))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, eval.Score, 1e-9)
}

func TestEvaluateDeterministic(t *testing.T) {
	engine, err := NewEngine(context.Background())
	require.NoError(t, err)

	c := testClaim(
		claim.LineItem{CPT: "97110", Units: 14, Charge: 1200, Dx: []string{"Z12.11"}},
	)
	first, err := engine.Evaluate(context.Background(), c)
	require.NoError(t, err)
	second, err := engine.Evaluate(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
