package config

import (
	"fmt"
)

// Validator checks a configuration comprehensively with clear error messages.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation, stopping at the first error.
func (v *Validator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return err
	}
	if err := v.validateOrchestration(); err != nil {
		return err
	}
	if err := v.validateStream(); err != nil {
		return err
	}
	if err := v.validateWebhook(); err != nil {
		return err
	}
	if err := v.validateStore(); err != nil {
		return err
	}
	if err := v.validateProviders(); err != nil {
		return err
	}
	return v.validateLog()
}

func (v *Validator) validateServer() error {
	if v.cfg.Server.ListenAddr == "" {
		return NewValidationError("server", "listen_addr", ErrMissingRequiredField)
	}
	if v.cfg.Server.ShutdownGraceSeconds < 0 {
		return NewValidationError("server", "shutdown_grace_seconds", fmt.Errorf("%w: must be >= 0", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateOrchestration() error {
	o := v.cfg.Orchestration
	if o.MaxActiveWorkflows < 1 {
		return NewValidationError("orchestration", "max_active_workflows", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if o.DefaultConcurrency < 1 {
		return NewValidationError("orchestration", "default_concurrency", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if o.PerSubtaskTimeoutSeconds <= 0 {
		return NewValidationError("orchestration", "per_subtask_timeout_seconds", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if o.WorkflowTimeoutSeconds < 0 {
		return NewValidationError("orchestration", "workflow_timeout_seconds", fmt.Errorf("%w: must be >= 0", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateStream() error {
	s := v.cfg.Stream
	if s.EventQueueCapacity < 1 {
		return NewValidationError("stream", "event_queue_capacity", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if s.TTLSeconds < 1 {
		return NewValidationError("stream", "ttl_seconds", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if s.MaxStreams < 1 {
		return NewValidationError("stream", "max_streams", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateWebhook() error {
	w := v.cfg.Webhook
	if w.MaxRetries < 1 {
		return NewValidationError("webhook", "max_retries", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if w.BackoffBaseSeconds <= 0 {
		return NewValidationError("webhook", "backoff_base_seconds", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateStore() error {
	s := v.cfg.Store
	if s.CompletedRetentionCount < 0 {
		return NewValidationError("store", "completed_retention_count", fmt.Errorf("%w: must be >= 0", ErrInvalidValue))
	}
	if s.CleanupIntervalSeconds < 1 {
		return NewValidationError("store", "cleanup_interval_seconds", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	switch s.DurableBackend {
	case "none":
	case "redis":
		if s.Redis.Addr == "" {
			return NewValidationError("store", "redis.addr", ErrMissingRequiredField)
		}
	default:
		return NewValidationError("store", "durable_backend", fmt.Errorf("%w: must be 'none' or 'redis', got %q", ErrInvalidValue, s.DurableBackend))
	}
	return nil
}

func (v *Validator) validateProviders() error {
	switch v.cfg.Providers.Default {
	case "mock", "openai", "anthropic":
		return nil
	default:
		return NewValidationError("providers", "default", fmt.Errorf("%w: must be 'mock', 'openai', or 'anthropic', got %q", ErrInvalidValue, v.cfg.Providers.Default))
	}
}

func (v *Validator) validateLog() error {
	switch v.cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return NewValidationError("log", "level", fmt.Errorf("%w: must be debug, info, warn, or error, got %q", ErrInvalidValue, v.cfg.Log.Level))
	}
	switch v.cfg.Log.Format {
	case "text", "json":
	default:
		return NewValidationError("log", "format", fmt.Errorf("%w: must be text or json, got %q", ErrInvalidValue, v.cfg.Log.Format))
	}
	return nil
}
