package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAllAcceptsDefaults(t *testing.T) {
	cfg := Default()
	assert.NoError(t, NewValidator(&cfg).ValidateAll())
}

func TestValidateAllRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		section string
		field   string
	}{
		{
			name:    "empty listen addr",
			mutate:  func(c *Config) { c.Server.ListenAddr = "" },
			section: "server",
			field:   "listen_addr",
		},
		{
			name:    "zero active workflows",
			mutate:  func(c *Config) { c.Orchestration.MaxActiveWorkflows = 0 },
			section: "orchestration",
			field:   "max_active_workflows",
		},
		{
			name:    "negative subtask timeout",
			mutate:  func(c *Config) { c.Orchestration.PerSubtaskTimeoutSeconds = -1 },
			section: "orchestration",
			field:   "per_subtask_timeout_seconds",
		},
		{
			name:    "zero queue capacity",
			mutate:  func(c *Config) { c.Stream.EventQueueCapacity = 0 },
			section: "stream",
			field:   "event_queue_capacity",
		},
		{
			name:    "zero webhook retries",
			mutate:  func(c *Config) { c.Webhook.MaxRetries = 0 },
			section: "webhook",
			field:   "max_retries",
		},
		{
			name:    "zero cleanup interval",
			mutate:  func(c *Config) { c.Store.CleanupIntervalSeconds = 0 },
			section: "store",
			field:   "cleanup_interval_seconds",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Store.DurableBackend = "sqlite" },
			section: "store",
			field:   "durable_backend",
		},
		{
			name: "redis backend without addr",
			mutate: func(c *Config) {
				c.Store.DurableBackend = "redis"
				c.Store.Redis.Addr = ""
			},
			section: "store",
			field:   "redis.addr",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Providers.Default = "bard" },
			section: "providers",
			field:   "default",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			section: "log",
			field:   "level",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Log.Format = "logfmt" },
			section: "log",
			field:   "format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := NewValidator(&cfg).ValidateAll()
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.section, verr.Section)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}
