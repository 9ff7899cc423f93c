package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/claimpilot/claimpilot/internal/llm"
	cpotel "github.com/claimpilot/claimpilot/internal/otel"
	"github.com/claimpilot/claimpilot/internal/schema"
	"github.com/claimpilot/claimpilot/internal/tools"
)

var tracer = cpotel.Tracer("github.com/claimpilot/claimpilot/internal/agent")

// Sentinel errors for invocation failures. Schema and budget failures are
// contract failures: they abort the flow and are never retried, because a
// silent retry could mask a systematic prompt defect.
var (
	ErrSchemaInvalid      = errors.New("schema_error")
	ErrToolBudgetExceeded = errors.New("tool_budget_exceeded")
	ErrTransient          = errors.New("transient_call_failure")
)

// SchemaError carries the validator diagnostic for a schema_error failure.
type SchemaError struct {
	Diagnostic *schema.Diagnostic
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSchemaInvalid, e.Diagnostic.Error())
}

// Is lets errors.Is(err, ErrSchemaInvalid) match a *SchemaError.
func (e *SchemaError) Is(target error) bool { return target == ErrSchemaInvalid }

// MetricsSink receives token/latency accounting for each model call. It is
// externally owned and internally synchronized; recording never influences
// control flow.
type MetricsSink interface {
	RecordCall(ctx context.Context, route, agent string, duration time.Duration, promptTokens, completionTokens int)
}

// Invocation records one model call: what went in, how many tools ran, and
// the schema-validated output.
type Invocation struct {
	Agent         string
	Input         map[string]interface{}
	ToolCallCount int
	RawOutput     string
	Parsed        map[string]interface{}
	Model         string
	InputTokens   int
	OutputTokens  int
	Duration      time.Duration
}

const defaultMaxRetries = 2

// Invoker wraps one external model call with the tool loop, streaming
// normalization, bounded retry, and schema enforcement.
type Invoker struct {
	provider        llm.Provider
	validator       *schema.Validator
	tools           *tools.Registry
	metrics         MetricsSink
	maxOutputTokens int
	maxRetries      int
	sleep           func(time.Duration) // injectable for tests
}

// InvokerConfig holds the dependencies for constructing an Invoker.
type InvokerConfig struct {
	Provider        llm.Provider
	Validator       *schema.Validator
	Tools           *tools.Registry
	Metrics         MetricsSink // optional; nil = accounting disabled
	MaxOutputTokens int
	MaxRetries      int // retries per model call on transient failure; default 2
}

// NewInvoker creates an invoker with the given dependencies.
func NewInvoker(cfg InvokerConfig) *Invoker {
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	return &Invoker{
		provider:        cfg.Provider,
		validator:       cfg.Validator,
		tools:           cfg.Tools,
		metrics:         cfg.Metrics,
		maxOutputTokens: cfg.MaxOutputTokens,
		maxRetries:      retries,
		sleep:           time.Sleep,
	}
}

// Invoke runs one agent against the provider. The model may request tool
// executions in a loop bounded by the definition's max_tool_calls; exceeding
// the budget fails the invocation before the over-budget call executes.
// After the loop the output is parsed and validated against the agent's
// declared schema. The returned Invocation is populated as far as execution
// got, even on error.
func (inv *Invoker) Invoke(ctx context.Context, def *Definition, input map[string]interface{}) (*Invocation, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "agent.invoke",
		trace.WithAttributes(
			attribute.String("agent.name", def.Name),
			cpotel.GenAIRequestModel.String(def.Model),
			attribute.Int("agent.max_tool_calls", def.MaxToolCalls),
		))
	defer span.End()

	result := &Invocation{Agent: def.Name, Input: input}
	defer func() {
		result.Duration = time.Since(start)
		if inv.metrics != nil {
			inv.metrics.RecordCall(ctx, "invoke", def.Name, result.Duration, result.InputTokens, result.OutputTokens)
		}
	}()

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return result, fmt.Errorf("encoding agent input: %w", err)
	}

	req := &llm.Request{
		Model:       def.Model,
		Temperature: def.Temperature,
		MaxTokens:   inv.maxOutputTokens,
		Stream:      def.Stream,
		Messages: []llm.Message{
			{Role: "system", Content: def.SystemPrompt},
			{Role: "user", Content: string(inputJSON)},
		},
		ResponseSchemaName: def.OutputSchema,
	}
	if raw, ok := inv.validator.SchemaJSON(def.OutputSchema); ok {
		req.ResponseSchema = raw
	}
	req.Tools = inv.toolDefinitions(def)

	for {
		resp, err := inv.generateWithRetry(ctx, req)
		if err != nil {
			span.RecordError(err)
			return result, err
		}
		result.Model = resp.Model
		result.InputTokens += resp.InputTokens
		result.OutputTokens += resp.OutputTokens

		if len(resp.ToolCalls) == 0 {
			result.RawOutput = resp.Content
			break
		}

		assistant := llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		req.Messages = append(req.Messages, assistant)

		for _, call := range resp.ToolCalls {
			result.ToolCallCount++
			if result.ToolCallCount > def.MaxToolCalls {
				span.SetAttributes(attribute.Int("agent.tool_calls", result.ToolCallCount-1))
				log.Warn().
					Str("agent", def.Name).
					Int("max_tool_calls", def.MaxToolCalls).
					Func(cpotel.LogTraceFields(ctx)).
					Msg("tool_budget_exceeded")
				result.ToolCallCount-- // over-budget call was not executed
				return result, fmt.Errorf("agent %s: %w after %d tool calls", def.Name, ErrToolBudgetExceeded, def.MaxToolCalls)
			}
			req.Messages = append(req.Messages, inv.executeTool(ctx, def, call))
		}
	}

	span.SetAttributes(
		attribute.Int("agent.tool_calls", result.ToolCallCount),
		cpotel.GenAIUsageInputTokens.Int(result.InputTokens),
		cpotel.GenAIUsageOutputTokens.Int(result.OutputTokens),
	)

	if err := inv.enforceSchema(def, result); err != nil {
		span.RecordError(err)
		return result, err
	}

	log.Info().
		Str("agent", def.Name).
		Str("model", result.Model).
		Int("tool_calls", result.ToolCallCount).
		Int("input_tokens", result.InputTokens).
		Int("output_tokens", result.OutputTokens).
		Func(cpotel.LogTraceFields(ctx)).
		Msg("agent_invocation_completed")
	return result, nil
}

// toolDefinitions resolves the definition's tool allowlist against the
// registry. Unregistered names are skipped rather than exposed half-broken.
func (inv *Invoker) toolDefinitions(def *Definition) []llm.Tool {
	var out []llm.Tool
	for _, name := range def.Tools {
		tool, ok := inv.tools.Get(name)
		if !ok {
			log.Warn().Str("agent", def.Name).Str("tool", name).Msg("tool_not_registered")
			continue
		}
		out = append(out, llm.Tool{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.InputSchema(),
		})
	}
	return out
}

// executeTool runs one requested tool and shapes the result (or failure)
// into a tool message. Tool faults are reported to the model, not raised:
// the model decides what to do with a degraded signal.
func (inv *Invoker) executeTool(ctx context.Context, def *Definition, call llm.ToolCall) llm.Message {
	msg := llm.Message{Role: "tool", ToolCallID: call.ID}

	tool, ok := inv.tools.Get(call.Name)
	if !ok || !allowed(def.Tools, call.Name) {
		msg.Content = fmt.Sprintf(`{"error":"tool %q is not available"}`, call.Name)
		return msg
	}

	out, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		log.Warn().
			Str("agent", def.Name).
			Str("tool", call.Name).
			Err(err).
			Msg("tool_execution_failed")
		encoded, _ := json.Marshal(map[string]string{"error": err.Error()})
		msg.Content = string(encoded)
		return msg
	}
	msg.Content = string(out)
	return msg
}

func allowed(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// generateWithRetry retries transient provider failures with exponential
// backoff. Contract failures pass through untouched on the first attempt.
func (inv *Invoker) generateWithRetry(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= inv.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			inv.sleep(backoff)
		}
		resp, err := inv.provider.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !llm.IsTransient(err) {
			return nil, err
		}
		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Msg("model_call_transient_failure")
	}
	return nil, fmt.Errorf("%w: %s", ErrTransient, lastErr)
}

// enforceSchema parses the raw output and validates it against the agent's
// declared schema.
func (inv *Invoker) enforceSchema(def *Definition, result *Invocation) error {
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(result.RawOutput), &parsed); err != nil {
		return &SchemaError{Diagnostic: &schema.Diagnostic{
			SchemaRef: def.OutputSchema,
			Problems:  []string{fmt.Sprintf("output is not a JSON object: %v", err)},
		}}
	}
	if err := inv.validator.Validate(def.OutputSchema, parsed); err != nil {
		var diag *schema.Diagnostic
		if errors.As(err, &diag) {
			return &SchemaError{Diagnostic: diag}
		}
		return err
	}
	result.Parsed = parsed
	return nil
}
