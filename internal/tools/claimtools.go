package tools

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/claimpilot/claimpilot/internal/claim"
	"github.com/claimpilot/claimpilot/internal/rules"
)

// Lookup results change slowly upstream; cache them so repeated triage of
// the same provider doesn't hammer the store.
const (
	lookupTTL     = 15 * time.Minute
	lookupCleanup = 30 * time.Minute
)

// ClaimTools builds the deterministic tool set for claim triage and
// registers it. The returned registry is what the invoker and manager share.
func ClaimTools(engine *rules.Engine, reportBucket string) *Registry {
	r := NewRegistry()
	cache := gocache.New(lookupTTL, lookupCleanup)

	r.Register(&funcTool{
		name:        "rules_eval",
		description: "Evaluate deterministic billing rules over a claim; returns heuristic score and signals.",
		schema:      json.RawMessage(`{"type":"object","required":["claim"],"properties":{"claim":{"type":"object"}}}`),
		fn: func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Claim map[string]interface{} `json:"claim"`
			}
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("rules_eval params: %w", err)
			}
			c, err := claim.FromPayload(in.Claim)
			if err != nil {
				return nil, err
			}
			eval, err := engine.Evaluate(ctx, c)
			if err != nil {
				return nil, err
			}
			return json.Marshal(eval)
		},
	})

	r.Register(&funcTool{
		name:        "feature_stats",
		description: "Return aggregate z-score features for a claim id.",
		schema:      json.RawMessage(`{"type":"object","required":["claim_id"],"properties":{"claim_id":{"type":"string"}}}`),
		fn: func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
			var in struct {
				ClaimID string `json:"claim_id"`
			}
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("feature_stats params: %w", err)
			}
			return json.Marshal(FeatureStats(in.ClaimID))
		},
	})

	r.Register(&funcTool{
		name:        "provider_history",
		description: "Return historical review flags for a billing provider NPI.",
		schema:      json.RawMessage(`{"type":"object","required":["npi"],"properties":{"npi":{"type":"string"}}}`),
		fn: func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
			var in struct {
				NPI string `json:"npi"`
			}
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("provider_history params: %w", err)
			}
			if cached, ok := cache.Get("hist:" + in.NPI); ok {
				return cached.(json.RawMessage), nil
			}
			out, err := json.Marshal(ProviderHistory(in.NPI))
			if err != nil {
				return nil, err
			}
			cache.Set("hist:"+in.NPI, json.RawMessage(out), gocache.DefaultExpiration)
			return out, nil
		},
	})

	r.Register(&funcTool{
		name:        "search_policy",
		description: "Search billing policy guidance for a query.",
		schema:      json.RawMessage(`{"type":"object","required":["query"],"properties":{"query":{"type":"string"}}}`),
		fn: func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("search_policy params: %w", err)
			}
			return json.Marshal(SearchPolicy(in.Query))
		},
	})

	r.Register(&funcTool{
		name:        "search_claims",
		description: "Find historical claims similar to a query.",
		schema:      json.RawMessage(`{"type":"object","required":["query"],"properties":{"query":{"type":"string"}}}`),
		fn: func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("search_claims params: %w", err)
			}
			return json.Marshal(SearchClaims(in.Query))
		},
	})

	r.Register(&funcTool{
		name:        "provider_graph",
		description: "Return peer providers sharing members with an NPI.",
		schema:      json.RawMessage(`{"type":"object","required":["npi"],"properties":{"npi":{"type":"string"}}}`),
		fn: func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
			var in struct {
				NPI string `json:"npi"`
			}
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("provider_graph params: %w", err)
			}
			return json.Marshal(ProviderGraph(in.NPI))
		},
	})

	r.Register(&funcTool{
		name:        "render_report",
		description: "Render an explanation report and return its storage URL.",
		schema:      json.RawMessage(`{"type":"object","required":["claim_id"],"properties":{"claim_id":{"type":"string"},"summary":{"type":"string"}}}`),
		fn: func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
			var in map[string]interface{}
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("render_report params: %w", err)
			}
			return json.Marshal(RenderReport(reportBucket, in))
		},
	})

	return r
}

// hashIdentifier produces a short stable digest for seeding deterministic
// lookups and report keys.
func hashIdentifier(parts ...string) string {
	digest := sha256.Sum256([]byte(strings.Join(parts, "::")))
	return fmt.Sprintf("%x", digest)[:16]
}

// FeatureStatsResult holds aggregate deviation features for a claim.
type FeatureStatsResult struct {
	ZScores map[string]float64 `json:"z_scores"`
}

// FeatureStats derives deterministic z-score features from the claim id.
// Stands in for the feature store lookup; deviation is seeded from the id so
// replays are reproducible.
func FeatureStats(claimID string) FeatureStatsResult {
	seed, _ := strconv.ParseUint(hashIdentifier(claimID), 16, 64)
	deviation := float64(seed%100)/100 - 0.5
	return FeatureStatsResult{ZScores: map[string]float64{
		"units":  round3(deviation),
		"charge": round3(-deviation),
	}}
}

// ProviderHistoryResult lists review flags for a provider.
type ProviderHistoryResult struct {
	Flags []string `json:"flags"`
}

// ProviderHistory returns historical review flags for an NPI.
func ProviderHistory(npi string) ProviderHistoryResult {
	out := ProviderHistoryResult{Flags: []string{}}
	if npi == "" {
		return out
	}
	if last := npi[len(npi)-1]; (last-'0')%2 == 0 {
		out.Flags = append(out.Flags, "peer z-score above 2.5")
	}
	if strings.HasPrefix(npi, "99") {
		out.Flags = append(out.Flags, "recent SIU referral")
	}
	return out
}

// PolicyHit is one policy-guidance search result.
type PolicyHit struct {
	URI  string `json:"uri"`
	Text string `json:"text"`
}

// SearchPolicy returns policy guidance for a query.
func SearchPolicy(query string) map[string][]PolicyHit {
	return map[string][]PolicyHit{
		"hits": {
			{URI: "policy://billing/orthopedic", Text: "Policy guidance for " + query},
		},
	}
}

// ClaimMatch is one similar-claim search result.
type ClaimMatch struct {
	ClaimID    string  `json:"claim_id"`
	Similarity float64 `json:"similarity"`
}

// SearchClaims returns historical claims similar to the query.
func SearchClaims(query string) map[string][]ClaimMatch {
	return map[string][]ClaimMatch{
		"matches": {
			{ClaimID: "CLM-" + hashIdentifier(query)[:6], Similarity: 0.82},
		},
	}
}

// PeerProvider is one entry in the provider sharing graph.
type PeerProvider struct {
	NPI           string `json:"npi"`
	SharedMembers int    `json:"shared_members"`
}

// ProviderGraph returns peer providers sharing members with the NPI.
func ProviderGraph(npi string) map[string][]PeerProvider {
	peers := make([]PeerProvider, 0, 2)
	for i := 1; i <= 2; i++ {
		peer := npi
		if len(npi) >= 2 {
			peer = fmt.Sprintf("%s%02d", npi[:len(npi)-2], i)
		}
		peers = append(peers, PeerProvider{NPI: peer, SharedMembers: i * 3})
	}
	return map[string][]PeerProvider{"peers": peers}
}

// ReportRef points at a rendered report object.
type ReportRef struct {
	ReportURL string `json:"report_url"`
}

// RenderReport derives the storage URL for an explanation report. The key is
// content-addressed so re-rendering the same document is idempotent.
func RenderReport(bucket string, document map[string]interface{}) ReportRef {
	if bucket == "" {
		bucket = "claimpilot-reports"
	}
	claimID := "unknown"
	if id, ok := document["claim_id"].(string); ok && id != "" {
		claimID = id
	}
	encoded, _ := json.Marshal(document)
	key := fmt.Sprintf("reports/%s-%s.pdf", claimID, hashIdentifier(string(encoded)))
	return ReportRef{ReportURL: fmt.Sprintf("s3://%s/%s", bucket, key)}
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
