// Package config holds operator-level configuration for a ClaimPilot
// installation: the HITL risk threshold, guard ordering, handoff topic,
// feedback persistence, and model-call limits. Values come from env vars
// (CLAIMPILOT_* prefix) or claimpilot.config.yaml; the threshold and guard
// order are deliberately configuration, not code — tuning them is an
// operational lever distinct from deploys.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the CLAIMPILOT_ prefix
// (e.g. "risk_threshold" → CLAIMPILOT_RISK_THRESHOLD) and to a YAML field
// in claimpilot.config.yaml.
const (
	KeyDataDir            = "data_dir"
	KeyListenAddr         = "listen_addr"
	KeyRiskThreshold      = "risk_threshold"
	KeyGuards             = "guards"
	KeyHandoffTopic       = "handoff_topic"
	KeyFeedbackDB         = "feedback_db"
	KeyMaxOutputTokens    = "max_output_tokens"
	KeyAgentsDir          = "agents_dir"
	KeyOpenAIAPIKey       = "openai_api_key"
	KeyOpenAIBaseURL      = "openai_base_url"
	KeyOTelEnabled        = "otel_enabled"
	KeyGlobalRPM          = "global_rpm"
	KeyCallerRPM          = "caller_rpm"
	KeyFeedbackRetention  = "feedback_retention_days"
	KeyRetentionCron      = "retention_cron"
)

// Defaults. The risk threshold default matches the operational baseline the
// triage team signed off on; override it per environment, never in code.
const (
	DefaultListenAddr       = ":8080"
	DefaultRiskThreshold    = 0.85
	DefaultMaxOutputTokens  = 2000
	DefaultGlobalRPM        = 600
	DefaultCallerRPM        = 60
	DefaultRetentionDays    = 90
	DefaultRetentionCron    = "17 3 * * *"
)

// DefaultGuardOrder is the chain order used when the guards key is unset:
// redaction first so every later guard (and every log line) sees the observed
// copy, injection scan next, relevance last.
var DefaultGuardOrder = []string{"pii_redaction", "prompt_injection", "relevance"}

// Config holds resolved operator-level configuration for a ClaimPilot process.
type Config struct {
	DataDir               string   // base directory for state (~/.claimpilot)
	ListenAddr            string   // HTTP listen address
	RiskThreshold         float64  // HITL gate cutoff, 0-1
	GuardOrder            []string // ordered guard names for the chain
	HandoffTopic          string   // webhook URL for handoff events; empty disables publishing
	FeedbackDB            string   // SQLite path for feedback; empty = in-memory buffer
	MaxOutputTokens       int      // completion-token cap passed to each model call
	AgentsDir             string   // override directory for agent YAML definitions
	OpenAIAPIKey          string
	OpenAIBaseURL         string // override for mock servers in tests/e2e
	OTelEnabled           bool
	GlobalRPM             int // total requests/minute across callers
	CallerRPM             int // per-caller requests/minute
	FeedbackRetentionDays int
	RetentionCron         string
}

func init() {
	viper.SetEnvPrefix("CLAIMPILOT")
	viper.AutomaticEnv()
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
	viper.SetDefault(KeyRiskThreshold, DefaultRiskThreshold)
	viper.SetDefault(KeyMaxOutputTokens, DefaultMaxOutputTokens)
	viper.SetDefault(KeyGlobalRPM, DefaultGlobalRPM)
	viper.SetDefault(KeyCallerRPM, DefaultCallerRPM)
	viper.SetDefault(KeyFeedbackRetention, DefaultRetentionDays)
	viper.SetDefault(KeyRetentionCron, DefaultRetentionCron)
}

// Load reads configuration from Viper (env vars merged over config file and
// defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:               resolveDataDir(),
		ListenAddr:            viper.GetString(KeyListenAddr),
		RiskThreshold:         viper.GetFloat64(KeyRiskThreshold),
		GuardOrder:            viper.GetStringSlice(KeyGuards),
		HandoffTopic:          viper.GetString(KeyHandoffTopic),
		FeedbackDB:            viper.GetString(KeyFeedbackDB),
		MaxOutputTokens:       viper.GetInt(KeyMaxOutputTokens),
		AgentsDir:             viper.GetString(KeyAgentsDir),
		OpenAIAPIKey:          resolveAPIKey(),
		OpenAIBaseURL:         viper.GetString(KeyOpenAIBaseURL),
		OTelEnabled:           viper.GetBool(KeyOTelEnabled),
		GlobalRPM:             viper.GetInt(KeyGlobalRPM),
		CallerRPM:             viper.GetInt(KeyCallerRPM),
		FeedbackRetentionDays: viper.GetInt(KeyFeedbackRetention),
		RetentionCron:         viper.GetString(KeyRetentionCron),
	}

	if len(cfg.GuardOrder) == 0 {
		cfg.GuardOrder = append([]string(nil), DefaultGuardOrder...)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// FeedbackDBPath returns the resolved feedback SQLite path, or "" when the
// in-memory fallback is in effect.
func (c *Config) FeedbackDBPath() string {
	if c.FeedbackDB == "" {
		return ""
	}
	if filepath.IsAbs(c.FeedbackDB) {
		return c.FeedbackDB
	}
	return filepath.Join(c.DataDir, c.FeedbackDB)
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claimpilot"
	}
	return filepath.Join(home, ".claimpilot")
}

// resolveAPIKey prefers the prefixed key; OPENAI_API_KEY is a single-tenant
// quickstart fallback so `claimpilot serve` works out of the box.
func resolveAPIKey() string {
	if key := viper.GetString(KeyOpenAIAPIKey); key != "" {
		return key
	}
	return os.Getenv("OPENAI_API_KEY")
}

var knownGuards = map[string]bool{
	"pii_redaction":    true,
	"prompt_injection": true,
	"relevance":        true,
}

func (c *Config) validate() error {
	if c.RiskThreshold < 0 || c.RiskThreshold > 1 {
		return fmt.Errorf("risk_threshold must be in [0,1], got %v", c.RiskThreshold)
	}
	if c.MaxOutputTokens <= 0 {
		return fmt.Errorf("max_output_tokens must be positive")
	}
	seen := map[string]bool{}
	for _, g := range c.GuardOrder {
		if !knownGuards[g] {
			return fmt.Errorf("unknown guard %q in guards list", g)
		}
		if seen[g] {
			return fmt.Errorf("guard %q listed twice", g)
		}
		seen[g] = true
	}
	if c.GlobalRPM <= 0 || c.CallerRPM <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	return nil
}
