package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimpilot/claimpilot/internal/llm"
	"github.com/claimpilot/claimpilot/internal/schema"
	"github.com/claimpilot/claimpilot/internal/testutil"
	"github.com/claimpilot/claimpilot/internal/tools"
)

type countingTool struct {
	name       string
	executions int
}

func (t *countingTool) Name() string        { return t.name }
func (t *countingTool) Description() string { return "test tool" }
func (t *countingTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (t *countingTool) Execute(context.Context, json.RawMessage) (json.RawMessage, error) {
	t.executions++
	return json.RawMessage(`{"ok":true}`), nil
}

const validTriageJSON = `{"claim_id":"CLM-1001","risk_score":0.3,"signals":[],"recommendation":"approve"}`

func testDefinition() *Definition {
	return &Definition{
		Name:         "triage",
		Model:        "gpt-4o",
		SystemPrompt: "triage the claim",
		Tools:        []string{"lookup"},
		OutputSchema: schema.RefTriageResult,
		MaxToolCalls: 2,
		Temperature:  0.1,
	}
}

func newTestInvoker(t *testing.T, provider llm.Provider, tool *countingTool) *Invoker {
	t.Helper()
	registry := tools.NewRegistry()
	if tool != nil {
		registry.Register(tool)
	}
	inv := NewInvoker(InvokerConfig{
		Provider:        provider,
		Validator:       schema.MustNewValidator(),
		Tools:           registry,
		MaxOutputTokens: 1000,
	})
	inv.sleep = func(time.Duration) {}
	return inv
}

func TestInvokeReturnsValidatedOutput(t *testing.T) {
	provider := testutil.NewMockProvider(testutil.Reply(validTriageJSON))
	inv := newTestInvoker(t, provider, nil)

	result, err := inv.Invoke(context.Background(), testDefinition(), map[string]interface{}{"claim": "x"})
	require.NoError(t, err)
	assert.Equal(t, "triage", result.Agent)
	assert.Equal(t, validTriageJSON, result.RawOutput)
	assert.Equal(t, "CLM-1001", result.Parsed["claim_id"])
	assert.Equal(t, 100, result.InputTokens)
	assert.Equal(t, 50, result.OutputTokens)
	assert.Zero(t, result.ToolCallCount)
}

// Parsed output re-serialized must still satisfy the agent's declared
// schema: validation and serialization never disagree.
func TestInvokeParsedOutputRoundTripsThroughSchema(t *testing.T) {
	provider := testutil.NewMockProvider(testutil.Reply(validTriageJSON))
	inv := newTestInvoker(t, provider, nil)
	def := testDefinition()

	result, err := inv.Invoke(context.Background(), def, map[string]interface{}{"claim": "x"})
	require.NoError(t, err)
	require.NotNil(t, result.Parsed)

	raw, err := json.Marshal(result.Parsed)
	require.NoError(t, err)
	assert.NoError(t, schema.MustNewValidator().Validate(def.OutputSchema, raw))
}

func TestInvokeToolLoopTranscript(t *testing.T) {
	tool := &countingTool{name: "lookup"}
	provider := testutil.NewMockProvider(
		testutil.ToolRequest(llm.ToolCall{ID: "tc_1", Name: "lookup", Arguments: json.RawMessage(`{}`)}),
		testutil.Reply(validTriageJSON),
	)
	inv := newTestInvoker(t, provider, tool)

	result, err := inv.Invoke(context.Background(), testDefinition(), map[string]interface{}{"claim": "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ToolCallCount)
	assert.Equal(t, 1, tool.executions)
	// Tokens accumulate across both round trips.
	assert.Equal(t, 200, result.InputTokens)
	assert.Equal(t, 70, result.OutputTokens)

	// Second request carries the assistant's tool request and the tool result.
	require.Equal(t, 2, provider.Calls())
	second := provider.Requests[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, "assistant", second[2].Role)
	require.Len(t, second[2].ToolCalls, 1)
	assert.Equal(t, "tool", second[3].Role)
	assert.Equal(t, "tc_1", second[3].ToolCallID)
	assert.JSONEq(t, `{"ok":true}`, second[3].Content)
}

func TestInvokeToolBudgetStopsBeforeExcessCall(t *testing.T) {
	tool := &countingTool{name: "lookup"}
	call := llm.ToolCall{ID: "tc", Name: "lookup", Arguments: json.RawMessage(`{}`)}
	provider := testutil.NewMockProvider(
		testutil.ToolRequest(call),
		testutil.ToolRequest(call),
		testutil.ToolRequest(call),
	)
	inv := newTestInvoker(t, provider, tool)

	result, err := inv.Invoke(context.Background(), testDefinition(), map[string]interface{}{"claim": "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolBudgetExceeded))
	// Budget of 2 means exactly 2 executions; the third requested call never ran.
	assert.Equal(t, 2, tool.executions)
	assert.Equal(t, 2, result.ToolCallCount)
}

func TestInvokeDisallowedToolReportedToModel(t *testing.T) {
	tool := &countingTool{name: "forbidden"}
	registry := tools.NewRegistry()
	registry.Register(tool)

	provider := testutil.NewMockProvider(
		testutil.ToolRequest(llm.ToolCall{ID: "tc", Name: "forbidden", Arguments: json.RawMessage(`{}`)}),
		testutil.Reply(validTriageJSON),
	)
	inv := NewInvoker(InvokerConfig{
		Provider:        provider,
		Validator:       schema.MustNewValidator(),
		Tools:           registry,
		MaxOutputTokens: 1000,
	})
	inv.sleep = func(time.Duration) {}

	_, err := inv.Invoke(context.Background(), testDefinition(), map[string]interface{}{"claim": "x"})
	require.NoError(t, err)
	assert.Zero(t, tool.executions)
	toolMsg := provider.Requests[1].Messages[3]
	assert.Contains(t, toolMsg.Content, "not available")
}

func TestInvokeRetriesTransientFailure(t *testing.T) {
	provider := testutil.NewMockProvider(
		testutil.Fail(context.DeadlineExceeded),
		testutil.Reply(validTriageJSON),
	)
	inv := newTestInvoker(t, provider, nil)
	var slept []time.Duration
	inv.sleep = func(d time.Duration) { slept = append(slept, d) }

	_, err := inv.Invoke(context.Background(), testDefinition(), map[string]interface{}{"claim": "x"})
	require.NoError(t, err)
	assert.Equal(t, 2, provider.Calls())
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, slept)
}

func TestInvokeTransientExhaustsRetries(t *testing.T) {
	provider := testutil.NewMockProvider(testutil.Fail(context.DeadlineExceeded))
	inv := newTestInvoker(t, provider, nil)
	var slept []time.Duration
	inv.sleep = func(d time.Duration) { slept = append(slept, d) }

	_, err := inv.Invoke(context.Background(), testDefinition(), map[string]interface{}{"claim": "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransient))
	assert.Equal(t, 3, provider.Calls())
	// Backoff doubles per attempt.
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, slept)
}

func TestInvokeNonTransientFailsFast(t *testing.T) {
	boom := errors.New("invalid api key")
	provider := testutil.NewMockProvider(testutil.Fail(boom))
	inv := newTestInvoker(t, provider, nil)

	_, err := inv.Invoke(context.Background(), testDefinition(), map[string]interface{}{"claim": "x"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTransient))
	assert.Equal(t, 1, provider.Calls())
}

func TestInvokeSchemaErrorAborts(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{"not json", "the claim looks fine to me"},
		{"missing fields", `{"claim_id":"CLM-1001"}`},
		{"score out of range", `{"claim_id":"CLM-1001","risk_score":7,"signals":[],"recommendation":"approve"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := testutil.NewMockProvider(testutil.Reply(tt.output))
			inv := newTestInvoker(t, provider, nil)

			result, err := inv.Invoke(context.Background(), testDefinition(), map[string]interface{}{"claim": "x"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSchemaInvalid))
			var schemaErr *SchemaError
			require.ErrorAs(t, err, &schemaErr)
			assert.Equal(t, schema.RefTriageResult, schemaErr.Diagnostic.SchemaRef)
			assert.Nil(t, result.Parsed)
		})
	}
}

type recordingSink struct {
	route, agent string
	calls        int
}

func (s *recordingSink) RecordCall(_ context.Context, route, agent string, _ time.Duration, _, _ int) {
	s.route, s.agent = route, agent
	s.calls++
}

func TestInvokeRecordsMetrics(t *testing.T) {
	sink := &recordingSink{}
	provider := testutil.NewMockProvider(testutil.Reply(validTriageJSON))
	registry := tools.NewRegistry()
	inv := NewInvoker(InvokerConfig{
		Provider:        provider,
		Validator:       schema.MustNewValidator(),
		Tools:           registry,
		Metrics:         sink,
		MaxOutputTokens: 1000,
	})

	_, err := inv.Invoke(context.Background(), testDefinition(), map[string]interface{}{"claim": "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, sink.calls)
	assert.Equal(t, "invoke", sink.route)
	assert.Equal(t, "triage", sink.agent)
}
