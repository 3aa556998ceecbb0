// Package engine – config.go defines all configuration structures for the
// zapflow engine and the YAML/.env loading logic.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jmarinho/zapflow/pkg/zapflow/channels/whatsapp"
)

// Config holds all service configuration.
type Config struct {
	// Name is the service name shown in logs and replies.
	Name string `yaml:"name"`

	// Timezone is the business timezone (e.g. "America/Sao_Paulo").
	Timezone string `yaml:"timezone"`

	// Language is the preferred reply language (e.g. "pt-BR").
	Language string `yaml:"language"`

	// LLM configures the model provider endpoint.
	LLM LLMConfig `yaml:"llm"`

	// Agent is the default agent configuration; tenants may override it.
	Agent AgentConfig `yaml:"agent"`

	// Tenants maps tenant IDs to agent config overrides.
	Tenants map[string]AgentConfig `yaml:"tenants"`

	// Collaboration configures the human/AI takeover state machine.
	Collaboration CollaborationConfig `yaml:"collaboration"`

	// Prompt configures system prompt rendering.
	Prompt PromptConfig `yaml:"prompt"`

	// Turn configures orchestration turn behavior.
	Turn TurnConfig `yaml:"turn"`

	// Database configures the central SQLite database (zapflow.db).
	Database DatabaseConfig `yaml:"database"`

	// Server configures the HTTP API gateway.
	Server ServerConfig `yaml:"server"`

	// WhatsApp configures the whatsmeow channel.
	WhatsApp whatsapp.Config `yaml:"whatsapp"`

	// Scheduler configures follow-up dispatching.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Analytics configures the metrics aggregator.
	Analytics AnalyticsConfig `yaml:"analytics"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the provider endpoint.
type LLMConfig struct {
	// Provider is the provider ID ("openai", "zai", "openrouter", ...).
	// Usually inferred from BaseURL.
	Provider string `yaml:"provider"`

	// BaseURL is the OpenAI-compatible API base URL.
	BaseURL string `yaml:"base_url"`

	// APIKey is the API key. Prefer the OS keyring or env vars over
	// putting it here in plaintext.
	APIKey string `yaml:"api_key"`

	// CallTimeoutSeconds bounds a single completion request (default: 60).
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
}

// CollaborationConfig configures the takeover state machine.
type CollaborationConfig struct {
	// RestackEscalation controls what a second start_takeover does while the
	// conversation is already human_only: false (default) rejects it as a
	// no-op, true bumps escalation_level and refreshes the reason.
	RestackEscalation bool `yaml:"restack_escalation"`

	// MaxSuggestions is how many candidate replies generate_ai_suggestion
	// may produce per call (default: 3).
	MaxSuggestions int `yaml:"max_suggestions"`
}

// PromptConfig configures system prompt rendering.
type PromptConfig struct {
	// MaxLength is the rendered system prompt cap in characters
	// (default: 6000). Truncation keeps section headers.
	MaxLength int `yaml:"max_length"`
}

// TurnConfig configures orchestration turn behavior.
type TurnConfig struct {
	// TimeoutSeconds bounds a whole inbound turn, both model calls and
	// tool execution included (default: 120).
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// HistoryWindow is how many history messages are rendered into the
	// prompt (default: 30). The durable log keeps everything.
	HistoryWindow int `yaml:"history_window"`

	// FallbackReply is sent when the model is unreachable.
	FallbackReply string `yaml:"fallback_reply"`
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// ServerConfig configures the HTTP API gateway.
type ServerConfig struct {
	// Addr is the listen address (default: ":8765").
	Addr string `yaml:"addr"`

	// AuthToken protects the API when non-empty (Bearer token).
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed origins for the dashboard collaborator.
	CORSOrigins []string `yaml:"cors_origins"`
}

// SchedulerConfig configures follow-up dispatching.
type SchedulerConfig struct {
	// Enabled turns the dispatcher on (default: true).
	Enabled bool `yaml:"enabled"`

	// PollInterval is the cron interval for the due-task sweep
	// (default: "1m", any @every-compatible duration).
	PollInterval string `yaml:"poll_interval"`

	// BatchSize is how many due tasks one sweep claims (default: 20).
	BatchSize int `yaml:"batch_size"`
}

// AnalyticsConfig configures the metrics aggregator.
type AnalyticsConfig struct {
	// Score weights for the tenant leaderboard. Normalized if they don't
	// sum to 1.
	EfficiencyWeight float64 `yaml:"efficiency_weight"`
	ResolutionWeight float64 `yaml:"resolution_weight"`
	EscalationWeight float64 `yaml:"escalation_weight"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:     "zapflow",
		Timezone: "America/Sao_Paulo",
		Language: "pt-BR",
		LLM: LLMConfig{
			BaseURL:            "https://api.openai.com/v1",
			CallTimeoutSeconds: 60,
		},
		Agent: AgentConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   1024,
			EnabledFunctions: []string{
				"send_multimedia",
				"save_conversation_data",
				"analyze_customer_intent",
				"schedule_follow_up",
			},
		},
		Collaboration: CollaborationConfig{
			RestackEscalation: false,
			MaxSuggestions:    3,
		},
		Prompt: PromptConfig{MaxLength: 6000},
		Turn: TurnConfig{
			TimeoutSeconds: 120,
			HistoryWindow:  30,
			FallbackReply:  "Desculpe, estou com dificuldades técnicas no momento. Um atendente entrará em contato em breve.",
		},
		Database: DatabaseConfig{
			Path:        "./data/zapflow.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
		Server: ServerConfig{Addr: ":8765"},
		WhatsApp: whatsapp.DefaultConfig(),
		Scheduler: SchedulerConfig{
			Enabled:      true,
			PollInterval: "1m",
			BatchSize:    20,
		},
		Analytics: AnalyticsConfig{
			EfficiencyWeight: 0.4,
			ResolutionWeight: 0.4,
			EscalationWeight: 0.2,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads the YAML config, layering .env and environment variable
// overrides on top. A missing file returns an error so the caller can fall
// back to setup mode.
func LoadConfig(path string) (*Config, error) {
	// .env next to the config file, then the working directory. Both optional.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers ZAPFLOW_* environment variables over the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ZAPFLOW_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("ZAPFLOW_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("ZAPFLOW_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("ZAPFLOW_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("ZAPFLOW_AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("ZAPFLOW_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	// Keyring-stored API key wins over everything except the explicit env var.
	if c.LLM.APIKey == "" {
		if key := GetKeyring(keyringAPIKey); key != "" {
			c.LLM.APIKey = key
		}
	}
}

// Validate checks cross-field constraints that yaml parsing can't express.
func (c *Config) Validate() error {
	if c.Turn.HistoryWindow < 0 {
		return fmt.Errorf("turn.history_window must be >= 0")
	}
	if c.Collaboration.MaxSuggestions <= 0 {
		return fmt.Errorf("collaboration.max_suggestions must be > 0")
	}
	if c.Prompt.MaxLength <= 0 {
		return fmt.Errorf("prompt.max_length must be > 0")
	}
	for id, t := range c.Tenants {
		for _, fn := range t.EnabledFunctions {
			if !knownToolName(fn) {
				return fmt.Errorf("tenant %q enables unknown tool %q", id, fn)
			}
		}
	}
	return nil
}

// AgentConfigForTenant resolves the effective agent config for a tenant:
// the tenant override when present, the service default otherwise. Zero
// fields in the override inherit from the default.
func (c *Config) AgentConfigForTenant(tenantID string) *AgentConfig {
	base := c.Agent
	override, ok := c.Tenants[tenantID]
	if !ok {
		out := base
		return &out
	}
	if override.Model != "" {
		base.Model = override.Model
	}
	if override.Temperature != 0 {
		base.Temperature = override.Temperature
	}
	if override.MaxTokens != 0 {
		base.MaxTokens = override.MaxTokens
	}
	if override.EnabledFunctions != nil {
		base.EnabledFunctions = override.EnabledFunctions
	}
	if override.Personality != "" {
		base.Personality = override.Personality
	}
	if override.Business != "" {
		base.Business = override.Business
	}
	if override.Objectives != "" {
		base.Objectives = override.Objectives
	}
	return &base
}

// ConfigAgentRepo serves AgentConfigRepo straight from the loaded config.
type ConfigAgentRepo struct {
	cfg *Config
}

// NewConfigAgentRepo wraps a Config as an AgentConfigRepo.
func NewConfigAgentRepo(cfg *Config) *ConfigAgentRepo {
	return &ConfigAgentRepo{cfg: cfg}
}

// ForTenant resolves the effective agent config for the tenant.
func (r *ConfigAgentRepo) ForTenant(_ context.Context, tenantID string) (*AgentConfig, error) {
	return r.cfg.AgentConfigForTenant(tenantID), nil
}
