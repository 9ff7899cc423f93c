package cmd

import (
	"context"
	"fmt"

	"github.com/claimpilot/claimpilot/internal/agent"
	"github.com/claimpilot/claimpilot/internal/config"
	"github.com/claimpilot/claimpilot/internal/feedback"
	"github.com/claimpilot/claimpilot/internal/guard"
	"github.com/claimpilot/claimpilot/internal/handoff"
	"github.com/claimpilot/claimpilot/internal/llm"
	"github.com/claimpilot/claimpilot/internal/manager"
	"github.com/claimpilot/claimpilot/internal/otel"
	"github.com/claimpilot/claimpilot/internal/rules"
	"github.com/claimpilot/claimpilot/internal/schema"
	"github.com/claimpilot/claimpilot/internal/tools"
)

// pipeline bundles the wired components a command needs.
type pipeline struct {
	cfg       *config.Config
	manager   *manager.Manager
	publisher handoff.Publisher
	validator *schema.Validator
}

// buildPipeline assembles the full triage pipeline from configuration.
func buildPipeline(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	validator, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("loading schemas: %w", err)
	}

	chain, err := guard.NewChain(cfg.GuardOrder)
	if err != nil {
		return nil, fmt.Errorf("building guard chain: %w", err)
	}

	engine, err := rules.NewEngine(ctx)
	if err != nil {
		return nil, fmt.Errorf("compiling rules: %w", err)
	}
	registry := tools.ClaimTools(engine, "")

	agents, err := agent.LoadRegistry(cfg.AgentsDir)
	if err != nil {
		return nil, fmt.Errorf("loading agent definitions: %w", err)
	}

	provider := buildProvider(cfg)

	invoker := agent.NewInvoker(agent.InvokerConfig{
		Provider:        provider,
		Validator:       validator,
		Tools:           registry,
		Metrics:         otel.NewMetrics(),
		MaxOutputTokens: cfg.MaxOutputTokens,
	})

	var publisher handoff.Publisher = handoff.LogPublisher{}
	if cfg.HandoffTopic != "" {
		publisher = handoff.NewWebhookPublisher(cfg.HandoffTopic)
	}

	return &pipeline{
		cfg:       cfg,
		validator: validator,
		publisher: publisher,
		manager: manager.New(manager.Config{
			Guards:        chain,
			Invoker:       invoker,
			Agents:        agents,
			Validator:     validator,
			Tools:         registry,
			Publisher:     publisher,
			RiskThreshold: cfg.RiskThreshold,
		}),
	}, nil
}

func buildProvider(cfg *config.Config) llm.Provider {
	if cfg.OpenAIBaseURL != "" {
		return llm.NewOpenAIProviderWithBaseURL(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	}
	return llm.NewOpenAIProvider(cfg.OpenAIAPIKey)
}

// openFeedback opens the configured feedback store (in-memory when no path
// is configured).
func openFeedback(cfg *config.Config) (*feedback.Store, error) {
	path := cfg.FeedbackDBPath()
	if path == "" {
		path = ":memory:"
	}
	return feedback.Open(path)
}
