// Package testutil provides scripted model providers and claim fixtures for
// pipeline tests. Nothing here is imported outside _test.go files.
package testutil

import (
	"context"
	"sync"

	"github.com/claimpilot/claimpilot/internal/llm"
)

// MockProvider replays a scripted sequence of responses. Each Generate call
// consumes the next script entry; calls past the end replay the last entry.
// Safe for concurrent use.
type MockProvider struct {
	mu       sync.Mutex
	script   []ScriptStep
	calls    int
	Requests []*llm.Request
}

// ScriptStep is one scripted Generate outcome.
type ScriptStep struct {
	Response *llm.Response
	Err      error
}

// NewMockProvider builds a provider replaying the given steps in order.
func NewMockProvider(steps ...ScriptStep) *MockProvider {
	return &MockProvider{script: steps}
}

// Reply is a convenience step returning plain content with token counts.
func Reply(content string) ScriptStep {
	return ScriptStep{Response: &llm.Response{
		Content:      content,
		FinishReason: "stop",
		InputTokens:  100,
		OutputTokens: 50,
		Model:        "mock-model",
	}}
}

// ToolRequest is a convenience step where the model asks for tool executions.
func ToolRequest(calls ...llm.ToolCall) ScriptStep {
	return ScriptStep{Response: &llm.Response{
		FinishReason: "tool_calls",
		InputTokens:  100,
		OutputTokens: 20,
		Model:        "mock-model",
		ToolCalls:    calls,
	}}
}

// Fail is a convenience step returning the given error.
func Fail(err error) ScriptStep {
	return ScriptStep{Err: err}
}

// Name implements llm.Provider.
func (m *MockProvider) Name() string { return "mock" }

// Generate implements llm.Provider by replaying the script.
func (m *MockProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, cloneRequest(req))
	idx := m.calls
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	m.calls++

	step := m.script[idx]
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	return &resp, nil
}

// EstimateCost implements llm.Provider.
func (m *MockProvider) EstimateCost(string, int, int) float64 { return 0 }

// Calls returns how many times Generate ran.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// cloneRequest snapshots the request so later mutation by the caller's tool
// loop doesn't corrupt recorded history.
func cloneRequest(req *llm.Request) *llm.Request {
	out := *req
	out.Messages = append([]llm.Message(nil), req.Messages...)
	out.Tools = append([]llm.Tool(nil), req.Tools...)
	return &out
}
