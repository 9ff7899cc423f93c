package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimpilot/claimpilot/internal/agent"
	"github.com/claimpilot/claimpilot/internal/claim"
	"github.com/claimpilot/claimpilot/internal/feedback"
	"github.com/claimpilot/claimpilot/internal/guard"
	"github.com/claimpilot/claimpilot/internal/handoff"
	"github.com/claimpilot/claimpilot/internal/llm"
	"github.com/claimpilot/claimpilot/internal/manager"
	"github.com/claimpilot/claimpilot/internal/rules"
	"github.com/claimpilot/claimpilot/internal/schema"
	"github.com/claimpilot/claimpilot/internal/testutil"
	"github.com/claimpilot/claimpilot/internal/tools"
)

type countingPublisher struct {
	mu    sync.Mutex
	count int
}

func (p *countingPublisher) Publish(context.Context, handoff.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	return nil
}

func (p *countingPublisher) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func newTestServer(t *testing.T, provider llm.Provider, publisher handoff.Publisher) *Server {
	t.Helper()

	validator := schema.MustNewValidator()
	chain, err := guard.NewChain([]string{"pii_redaction", "prompt_injection", "relevance"})
	require.NoError(t, err)
	engine, err := rules.NewEngine(context.Background())
	require.NoError(t, err)
	registry := tools.ClaimTools(engine, "")
	agents, err := agent.LoadRegistry("")
	require.NoError(t, err)

	m := manager.New(manager.Config{
		Guards: chain,
		Invoker: agent.NewInvoker(agent.InvokerConfig{
			Provider:        provider,
			Validator:       validator,
			Tools:           registry,
			MaxOutputTokens: 1000,
		}),
		Agents:        agents,
		Validator:     validator,
		Tools:         registry,
		Publisher:     publisher,
		RiskThreshold: 0.85,
	})

	store, err := feedback.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return New(Config{
		Manager:   m,
		Feedback:  store,
		Publisher: publisher,
		Version:   "test",
	})
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, testutil.NewMockProvider(testutil.Reply("unused")), &countingPublisher{})
	router := srv.Router(nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestScoreEndpoint(t *testing.T) {
	provider := testutil.NewMockProvider(
		testutil.Reply(testutil.TriageJSON("CLM-1001", 0.3, claim.RecommendApprove)),
	)
	srv := newTestServer(t, provider, &countingPublisher{})
	router := srv.Router(nil)

	rec := postJSON(t, router, "/v1/score", testutil.ValidClaim())
	require.Equal(t, http.StatusOK, rec.Code)

	var result manager.ScoreResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotNil(t, result.Triage)
	assert.Equal(t, "CLM-1001", result.Triage.ClaimID)
	assert.False(t, result.Decision.Escalate)

	// The gate outcome is a top-level envelope field.
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, false, envelope["handoff"])
}

func TestScoreEndpointHighRiskHandoff(t *testing.T) {
	provider := testutil.NewMockProvider(
		testutil.Reply(testutil.TriageJSON("CLM-1001", 0.92, claim.RecommendQueueReview)),
	)
	srv := newTestServer(t, provider, &countingPublisher{})
	router := srv.Router(nil)

	rec := postJSON(t, router, "/v1/score", testutil.ValidClaim())
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, true, envelope["handoff"])
	assert.Equal(t, "risk_threshold", envelope["reason"])
}

func TestScoreEndpointValidationError(t *testing.T) {
	srv := newTestServer(t, testutil.NewMockProvider(testutil.Reply("unused")), &countingPublisher{})
	router := srv.Router(nil)

	payload := testutil.ValidClaim()
	delete(payload, "lines")

	rec := postJSON(t, router, "/v1/score", payload)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validation_error", body["error"])
	assert.NotEmpty(t, body["problems"])
}

func TestScoreEndpointSchemaError(t *testing.T) {
	provider := testutil.NewMockProvider(testutil.Reply("model went off script"))
	srv := newTestServer(t, provider, &countingPublisher{})
	router := srv.Router(nil)

	rec := postJSON(t, router, "/v1/score", testutil.ValidClaim())
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "schema_error", body["error"])
}

func TestExplainEndpoint(t *testing.T) {
	provider := testutil.NewMockProvider(
		testutil.Reply(testutil.InvestigationJSON("CLM-1001")),
		testutil.Reply(testutil.ExplanationJSON("CLM-1001", claim.RecommendApprove)),
	)
	srv := newTestServer(t, provider, &countingPublisher{})
	router := srv.Router(nil)

	rec := postJSON(t, router, "/v1/explain", map[string]string{"claim_id": "CLM-1001"})
	require.Equal(t, http.StatusOK, rec.Code)

	var result manager.ExplainResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotNil(t, result.Explanation)
	assert.Contains(t, result.Explanation.ReportURL, "s3://")
}

func TestFeedbackEndpointPublishesHandoffOnce(t *testing.T) {
	publisher := &countingPublisher{}
	srv := newTestServer(t, testutil.NewMockProvider(testutil.Reply("unused")), publisher)
	router := srv.Router(nil)

	rec := postJSON(t, router, "/v1/feedback", map[string]interface{}{
		"claim_id":    "CLM-1001",
		"reviewer":    "siu-4",
		"disposition": feedback.DispositionConfirmedFraud,
		"handoff":     true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, publisher.calls())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Contains(t, body["id"], "fb_")

	rec = postJSON(t, router, "/v1/feedback", map[string]interface{}{
		"claim_id":    "CLM-1001",
		"reviewer":    "siu-4",
		"disposition": feedback.DispositionFalsePositive,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, publisher.calls())
}

func TestFeedbackEndpointRejectsBadDisposition(t *testing.T) {
	srv := newTestServer(t, testutil.NewMockProvider(testutil.Reply("unused")), &countingPublisher{})
	router := srv.Router(nil)

	rec := postJSON(t, router, "/v1/feedback", map[string]interface{}{
		"claim_id":    "CLM-1001",
		"disposition": "whatever",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimiterThrottles(t *testing.T) {
	srv := newTestServer(t, testutil.NewMockProvider(testutil.Reply("unused")), &countingPublisher{})
	limiter := NewRateLimiter(1, 1)
	router := srv.Router(limiter)

	rec := postJSON(t, router, "/v1/feedback", map[string]interface{}{
		"claim_id":    "CLM-1001",
		"disposition": feedback.DispositionNeedsInfo,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = postJSON(t, router, "/v1/feedback", map[string]interface{}{
		"claim_id":    "CLM-1001",
		"disposition": feedback.DispositionNeedsInfo,
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body["error"])

	// Health stays reachable regardless of budget.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	hrec := httptest.NewRecorder()
	router.ServeHTTP(hrec, req)
	assert.Equal(t, http.StatusOK, hrec.Code)
}
