// Package provider abstracts the language model backends used by agent and
// synthesis calls. It ships adapters for OpenAI Chat Completions and the
// Anthropic Messages API, a deterministic mock for tests and offline runs,
// and a process-wide cache that hands out one client per (provider, model)
// pair.
package provider

import (
	"context"

	"github.com/dreamwalker-ai/dreamwalker/pkg/config"
	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
)

const (
	// NameMock identifies the deterministic in-process provider.
	NameMock = "mock"
	// NameOpenAI identifies the OpenAI Chat Completions adapter.
	NameOpenAI = "openai"
	// NameAnthropic identifies the Anthropic Messages adapter.
	NameAnthropic = "anthropic"
)

// defaultMaxTokens caps completions when a request does not set MaxTokens.
// Anthropic requires an explicit cap, so adapters apply this before calling out.
const defaultMaxTokens = 4096

// Request describes a single completion call. Prompt is required; System and
// the tuning knobs are optional.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Response carries the completion text plus the usage accounting that flows
// into per-agent cost reporting.
type Response struct {
	Content      string
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// Provider is a single-shot completion backend. Implementations must be safe
// for concurrent use; the orchestrator fans many agent calls onto one client.
type Provider interface {
	// Name returns the provider identifier ("mock", "openai", "anthropic").
	Name() string
	// Complete issues one blocking completion call. Cancellation and
	// per-subtask deadlines arrive through ctx.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// New constructs a provider by name using the configured credentials. An
// empty name resolves to cfg.Default. Missing API keys surface as
// provider_unavailable so callers can distinguish configuration gaps from
// upstream failures.
func New(cfg config.ProvidersConfig, name, modelID string) (Provider, error) {
	if name == "" {
		name = cfg.Default
	}
	switch name {
	case NameMock, "":
		return NewMock(), nil
	case NameOpenAI:
		key := cfg.OpenAI.APIKey()
		if key == "" {
			return nil, model.NewError(model.KindProviderUnavailable,
				"openai api key is not configured").WithDetail("env", cfg.OpenAI.APIKeyEnv)
		}
		if modelID == "" {
			modelID = cfg.OpenAI.DefaultModel
		}
		return NewOpenAIFromAPIKey(key, modelID)
	case NameAnthropic:
		key := cfg.Anthropic.APIKey()
		if key == "" {
			return nil, model.NewError(model.KindProviderUnavailable,
				"anthropic api key is not configured").WithDetail("env", cfg.Anthropic.APIKeyEnv)
		}
		if modelID == "" {
			modelID = cfg.Anthropic.DefaultModel
		}
		return NewAnthropicFromAPIKey(key, modelID)
	default:
		return nil, model.NewError(model.KindProviderUnavailable, "unknown provider %q", name)
	}
}

func effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return defaultMaxTokens
}

// providerError wraps an upstream SDK failure in the shared error model so
// agent results carry a stable kind instead of provider-specific text.
func providerError(name string, err error) error {
	if err == nil {
		return nil
	}
	return model.NewError(model.KindProviderError, "%s completion failed: %v", name, err).
		WithDetail("provider", name)
}

// truncatePrompt shortens prompts for logs and mock echoes without splitting runes.
func truncatePrompt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
