// Package llm abstracts the external model service behind a small Provider
// interface. The OpenAI implementation lives here; tests substitute mock
// providers from internal/testutil.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// TimeoutModelCall bounds every external model call. A hung provider fails
// the flow as a transient error; it never wedges a request.
const TimeoutModelCall = 60 * time.Second

// ErrNoChoices indicates the provider returned an empty completion.
var ErrNoChoices = errors.New("model returned no choices")

// Provider is the interface all model providers implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai").
	Name() string
	// Generate sends a completion request and returns the fully assembled
	// response. Streaming exchanges are drained to completion inside
	// Generate; callers never observe partial payloads.
	Generate(ctx context.Context, req *Request) (*Response, error)
	// EstimateCost estimates the cost in USD for the given model and token counts.
	EstimateCost(model string, inputTokens, outputTokens int) float64
}

// Request represents a model generation request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Tools       []Tool
	Stream      bool

	// ResponseSchema, when set, asks the provider to constrain output to the
	// named JSON schema. Output is still validated locally regardless.
	ResponseSchemaName string
	ResponseSchema     json.RawMessage
}

// Message represents a chat message. ToolCallID is set on "tool" role
// messages carrying a tool result; ToolCalls echoes the assistant's tool
// requests back into the transcript during the tool loop.
type Message struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// Tool describes a callable tool exposed to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolCall is a model-initiated request to execute a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Response is a fully assembled model response.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
	ToolCalls    []ToolCall
}

// IsTransient reports whether err is a timeout/network/service fault worth a
// bounded retry, as opposed to a contract failure that must surface.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return false
}
