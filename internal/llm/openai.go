package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	cpotel "github.com/claimpilot/claimpilot/internal/otel"
)

var tracer = cpotel.Tracer("github.com/claimpilot/claimpilot/internal/llm")

// OpenAIProvider implements Provider for the OpenAI chat completions API.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates an OpenAI provider with the given API key.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{client: openai.NewClient(apiKey)}
}

// NewOpenAIProviderWithBaseURL creates an OpenAI provider pointed at a custom
// base URL (e.g. an httptest mock server). baseURL is scheme+host without
// path; the client appends /v1.
func NewOpenAIProviderWithBaseURL(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL + "/v1"
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string { return "openai" }

// Generate sends a chat completion request. When req.Stream is set the
// response is consumed chunk by chunk and assembled into one Response before
// returning — downstream code never sees partial JSON.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.generate",
		trace.WithAttributes(
			cpotel.GenAISystem.String("openai"),
			cpotel.GenAIRequestModel.String(req.Model),
			cpotel.GenAIRequestTemperature.Float64(req.Temperature),
			cpotel.GenAIRequestMaxTokens.Int(req.MaxTokens),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutModelCall)
	defer cancel()

	chatReq := p.buildRequest(req)

	var resp *Response
	var err error
	if req.Stream {
		resp, err = p.generateStream(ctx, chatReq)
	} else {
		resp, err = p.generateOnce(ctx, chatReq)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		cpotel.GenAIUsageInputTokens.Int(resp.InputTokens),
		cpotel.GenAIUsageOutputTokens.Int(resp.OutputTokens),
		cpotel.GenAIResponseFinishReason.String(resp.FinishReason),
	)
	return resp, nil
}

func (p *OpenAIProvider) buildRequest(req *Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		m := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		messages[i] = m
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}

	for _, t := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	if req.ResponseSchema != nil {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.ResponseSchemaName,
				Schema: req.ResponseSchema,
				Strict: true,
			},
		}
	}
	return chatReq
}

func (p *OpenAIProvider) generateOnce(ctx context.Context, chatReq openai.ChatCompletionRequest) (*Response, error) {
	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai api call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai api call: %w", ErrNoChoices)
	}

	choice := resp.Choices[0]
	out := &Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        resp.Model,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: []byte(tc.Function.Arguments),
		})
	}
	return out, nil
}

// generateStream drains the streaming exchange to completion, assembling
// content and tool-call fragments into a single Response.
func (p *OpenAIProvider) generateStream(ctx context.Context, chatReq openai.ChatCompletionRequest) (*Response, error) {
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai stream open: %w", err)
	}
	defer stream.Close()

	asm := newStreamAssembler()
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("openai stream recv: %w", err)
		}
		asm.add(chunk)
	}
	return asm.response(), nil
}

// streamAssembler folds stream chunks into one completed response. Tool-call
// fragments arrive keyed by index with the arguments split across chunks.
type streamAssembler struct {
	content      []byte
	finishReason string
	model        string
	inputTokens  int
	outputTokens int
	toolCalls    map[int]*ToolCall
	toolArgs     map[int][]byte
}

func newStreamAssembler() *streamAssembler {
	return &streamAssembler{
		toolCalls: make(map[int]*ToolCall),
		toolArgs:  make(map[int][]byte),
	}
}

func (a *streamAssembler) add(chunk openai.ChatCompletionStreamResponse) {
	if chunk.Model != "" {
		a.model = chunk.Model
	}
	if chunk.Usage != nil {
		a.inputTokens = chunk.Usage.PromptTokens
		a.outputTokens = chunk.Usage.CompletionTokens
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]
	a.content = append(a.content, choice.Delta.Content...)
	if choice.FinishReason != "" {
		a.finishReason = string(choice.FinishReason)
	}
	for _, tc := range choice.Delta.ToolCalls {
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		call, ok := a.toolCalls[idx]
		if !ok {
			call = &ToolCall{}
			a.toolCalls[idx] = call
		}
		if tc.ID != "" {
			call.ID = tc.ID
		}
		if tc.Function.Name != "" {
			call.Name = tc.Function.Name
		}
		a.toolArgs[idx] = append(a.toolArgs[idx], tc.Function.Arguments...)
	}
}

func (a *streamAssembler) response() *Response {
	resp := &Response{
		Content:      string(a.content),
		FinishReason: a.finishReason,
		Model:        a.model,
		InputTokens:  a.inputTokens,
		OutputTokens: a.outputTokens,
	}
	indexes := make([]int, 0, len(a.toolCalls))
	for idx := range a.toolCalls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		call := *a.toolCalls[idx]
		call.Arguments = a.toolArgs[idx]
		resp.ToolCalls = append(resp.ToolCalls, call)
	}
	return resp
}

// EstimateCost estimates the cost in USD for the given model and token counts.
func (p *OpenAIProvider) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	type pricing struct {
		input  float64
		output float64
	}

	// USD per 1K tokens (approximate, early 2026).
	prices := map[string]pricing{
		"gpt-4o":      {input: 0.0025, output: 0.01},
		"gpt-4o-mini": {input: 0.00015, output: 0.0006},
		"gpt-4-turbo": {input: 0.01, output: 0.03},
		"gpt-5":       {input: 0.01, output: 0.03},
	}

	pr, ok := prices[model]
	if !ok {
		pr = prices["gpt-4o"]
	}
	return (float64(inputTokens)/1000.0)*pr.input + (float64(outputTokens)/1000.0)*pr.output
}
