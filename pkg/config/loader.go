package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates configuration from path.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read the YAML file (a missing file falls back to built-in defaults)
//  2. Expand environment variables
//  3. Parse YAML
//  4. Merge over built-in defaults (file values win)
//  5. Validate
func Initialize(ctx context.Context, path string) (*Config, error) {
	log := slog.With("config_file", path)
	log.InfoContext(ctx, "Initializing configuration")

	cfg, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.InfoContext(ctx, "Configuration initialized successfully",
		"listen_addr", cfg.Server.ListenAddr,
		"durable_backend", cfg.Store.DurableBackend,
		"default_provider", cfg.Providers.Default,
		"max_active_workflows", cfg.Orchestration.MaxActiveWorkflows)

	return cfg, nil
}

func load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("Configuration file not found, using defaults", "config_file", path)
			return &cfg, nil
		}
		return nil, NewLoadError(path, err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(ExpandEnv(data), &fileCfg); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	// File values override defaults; zero-valued file fields keep defaults.
	if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
		return nil, NewLoadError(path, err)
	}

	return &cfg, nil
}
