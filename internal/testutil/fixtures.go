package testutil

import "strconv"

// ValidClaim returns a claim payload that passes schema validation and all
// guards. Callers mutate the copy freely.
func ValidClaim() map[string]interface{} {
	return map[string]interface{}{
		"id": "CLM-1001",
		"member": map[string]interface{}{
			"id":   "M-779",
			"name": "Pat Doe",
		},
		"provider": map[string]interface{}{
			"npi":       "1234567893",
			"name":      "Lakeside Orthopedics",
			"specialty": "orthopedics",
		},
		"date_of_service": "2026-07-14",
		"amount":          1840.50,
		"lines": []interface{}{
			map[string]interface{}{
				"cpt":    "99213",
				"units":  1.0,
				"charge": 240.50,
				"dx":     []interface{}{"M54.5"},
			},
			map[string]interface{}{
				"cpt":    "97110",
				"units":  4.0,
				"charge": 1600.0,
				"dx":     []interface{}{"M54.5"},
			},
		},
		"notes": "follow-up visit after physical therapy",
	}
}

// TriageJSON is a schema-valid triage output with the given score and
// recommendation.
func TriageJSON(claimID string, score float64, recommendation string) string {
	return `{"claim_id":"` + claimID + `","risk_score":` + formatFloat(score) + `,"signals":["high units for CPT 97110"],"recommendation":"` + recommendation + `"}`
}

// InvestigationJSON is a schema-valid investigator output.
func InvestigationJSON(claimID string) string {
	return `{"claim_id":"` + claimID + `","findings":["similar claim CLM-ab12cd at 0.82"],"related_claims":["CLM-ab12cd"],"summary":"billing pattern matches a known upcoding cluster"}`
}

// ExplanationJSON is a schema-valid explainer output.
func ExplanationJSON(claimID, recommendation string) string {
	return `{"claim_id":"` + claimID + `","summary":"units billed exceed typical therapy sessions","recommendation":"` + recommendation + `"}`
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
