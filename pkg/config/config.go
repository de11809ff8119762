// Package config loads, merges, and validates the dreamwalker.yaml
// configuration. Values resolve in three layers: built-in defaults,
// then the YAML file (with environment expansion), then env-only secrets.
package config

import (
	"os"
	"time"
)

// Config is the complete runtime configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Stream        StreamConfig        `yaml:"stream"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	Store         StoreConfig         `yaml:"store"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Log           LogConfig           `yaml:"log"`
}

// ServerConfig groups transport settings.
type ServerConfig struct {
	// ListenAddr is the HTTP/SSE/WS bind address.
	ListenAddr string `yaml:"listen_addr"`
	// MCPStdio enables the MCP tool surface on stdin/stdout. Nil defaults
	// to enabled; set false when running HTTP-only.
	MCPStdio *bool `yaml:"mcp_stdio,omitempty"`
	// ShutdownGraceSeconds bounds the HTTP server drain on shutdown.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

// OrchestrationConfig groups workflow execution limits.
type OrchestrationConfig struct {
	MaxActiveWorkflows       int     `yaml:"max_active_workflows"`
	DefaultConcurrency       int     `yaml:"default_concurrency"`
	PerSubtaskTimeoutSeconds float64 `yaml:"per_subtask_timeout_seconds"`
	// WorkflowTimeoutSeconds overrides the derived workflow deadline.
	// Zero derives it from the subtask count and per-subtask timeout.
	WorkflowTimeoutSeconds float64 `yaml:"workflow_timeout_seconds,omitempty"`
	// DocumentDir is where rendered reports are written. Empty keeps
	// rendered documents in memory only.
	DocumentDir string `yaml:"document_dir,omitempty"`
}

// StreamConfig groups stream-bus bounds.
type StreamConfig struct {
	EventQueueCapacity int `yaml:"event_queue_capacity"`
	TTLSeconds         int `yaml:"ttl_seconds"`
	MaxStreams         int `yaml:"max_streams"`
}

// WebhookConfig groups webhook delivery policy.
type WebhookConfig struct {
	MaxRetries         int     `yaml:"max_retries"`
	BackoffBaseSeconds float64 `yaml:"backoff_base_seconds"`
}

// StoreConfig groups state-store tiering.
type StoreConfig struct {
	CompletedRetentionCount int `yaml:"completed_retention_count"`
	// CleanupIntervalSeconds is the period of the background retention
	// sweep: store eviction, idle-stream reaping, webhook hygiene.
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
	// DurableBackend selects the replication target: "none" or "redis".
	DurableBackend string      `yaml:"durable_backend"`
	Redis          RedisConfig `yaml:"redis"`
}

// RedisConfig holds connection settings for the redis backend.
// The password is never stored in YAML; PasswordEnv names the variable
// holding it.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env,omitempty"`
	DB          int    `yaml:"db,omitempty"`
}

// ProvidersConfig selects LLM providers and models.
type ProvidersConfig struct {
	// Default is the provider used when a workflow names none:
	// "mock", "openai", or "anthropic".
	Default   string         `yaml:"default"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
}

// ProviderConfig holds per-provider settings. API keys resolve from the
// environment only.
type ProviderConfig struct {
	APIKeyEnv    string `yaml:"api_key_env,omitempty"`
	DefaultModel string `yaml:"default_model,omitempty"`
}

// NotificationsConfig groups outbound notification channels.
type NotificationsConfig struct {
	Slack SlackConfig `yaml:"slack"`
}

// SlackConfig holds Slack notification settings. Disabled unless both a
// token (via TokenEnv) and a channel are present.
type SlackConfig struct {
	Enabled      *bool  `yaml:"enabled,omitempty"`
	TokenEnv     string `yaml:"token_env,omitempty"`
	Channel      string `yaml:"channel,omitempty"`
	DashboardURL string `yaml:"dashboard_url,omitempty"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the built-in configuration. User YAML overrides these
// values field by field.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:           ":8465",
			ShutdownGraceSeconds: 5,
		},
		Orchestration: OrchestrationConfig{
			MaxActiveWorkflows:       50,
			DefaultConcurrency:       10,
			PerSubtaskTimeoutSeconds: 180,
		},
		Stream: StreamConfig{
			EventQueueCapacity: 1000,
			TTLSeconds:         3600,
			MaxStreams:         100,
		},
		Webhook: WebhookConfig{
			MaxRetries:         3,
			BackoffBaseSeconds: 1.0,
		},
		Store: StoreConfig{
			CompletedRetentionCount: 100,
			CleanupIntervalSeconds:  60,
			DurableBackend:          "none",
		},
		Providers: ProvidersConfig{
			Default:   "mock",
			OpenAI:    ProviderConfig{APIKeyEnv: "OPENAI_API_KEY", DefaultModel: "gpt-4o-mini"},
			Anthropic: ProviderConfig{APIKeyEnv: "ANTHROPIC_API_KEY", DefaultModel: "claude-sonnet-4-5"},
		},
		Notifications: NotificationsConfig{
			Slack: SlackConfig{TokenEnv: "SLACK_BOT_TOKEN"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// PerSubtaskTimeout returns the default subtask deadline as a duration.
func (o OrchestrationConfig) PerSubtaskTimeout() time.Duration {
	return time.Duration(o.PerSubtaskTimeoutSeconds * float64(time.Second))
}

// WorkflowTimeout returns the configured overall deadline, zero when the
// deadline should be derived per workflow.
func (o OrchestrationConfig) WorkflowTimeout() time.Duration {
	return time.Duration(o.WorkflowTimeoutSeconds * float64(time.Second))
}

// TTL returns the stream idle TTL as a duration.
func (s StreamConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// BackoffBase returns the first retry delay as a duration.
func (w WebhookConfig) BackoffBase() time.Duration {
	return time.Duration(w.BackoffBaseSeconds * float64(time.Second))
}

// CleanupInterval returns the retention sweep period as a duration.
func (s StoreConfig) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalSeconds) * time.Second
}

// ShutdownGrace returns the HTTP drain budget as a duration.
func (s ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceSeconds) * time.Second
}

// MCPEnabled reports whether the stdio MCP surface should run.
func (s ServerConfig) MCPEnabled() bool {
	return s.MCPStdio == nil || *s.MCPStdio
}

// Password resolves the redis password from the configured environment
// variable, empty when unset.
func (r RedisConfig) Password() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}

// APIKey resolves the provider API key from the configured environment
// variable, empty when unset.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// Token resolves the Slack bot token; empty disables notifications.
func (s SlackConfig) Token() string {
	if s.Enabled != nil && !*s.Enabled {
		return ""
	}
	if s.TokenEnv == "" {
		return ""
	}
	return os.Getenv(s.TokenEnv)
}
