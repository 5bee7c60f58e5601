// Package config implements the Provider/Loader configuration pattern:
// a Loader reads raw bytes from a Provider (file, Consul, or
// Zookeeper), parses YAML, expands `${VAR}` environment references,
// decodes into a typed Config via mapstructure, applies defaults, and
// validates.
package config

import (
	"fmt"
	"time"
)

// ServerConfig configures the chi-based HTTP surface in internal/httpapi.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig configures pkg/logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Format string `yaml:"format"`
}

// LLMProviderConfig names one opaque chat capability registered into
// llmclient.Registry.
type LLMProviderConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // e.g. "openai", "anthropic", "mock"
	Model string `yaml:"model"`
	BaseURL string `yaml:"base_url,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	PerRunQuota int64 `yaml:"per_run_quota"`
}

// QuotaConfig configures pkg/quota budgets. It holds one
// DefaultPerRunBudget, used where a provider sets no PerRunQuota; it
// carries no per-provider ceilings.
type QuotaConfig struct {
	DefaultPerRunBudget int64 `yaml:"default_per_run_budget"`
}

// StoreConfig selects the persistence backend for internal/store.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "memory", "postgres", "sqlite"
	DSN string `yaml:"dsn,omitempty"`
}

// SimTreeConfig configures pkg/simtree/pkg/simregistry knobs.
type SimTreeConfig struct {
	NodeLogCap int `yaml:"node_log_cap"`
	MaxStepsPerTurn int `yaml:"max_steps_per_turn"`
}

// ScenePluginConfig names an out-of-process Scene plugin binary
// (pkg/scene/plugin) registered under a scene type.
type ScenePluginConfig struct {
	SceneType string `yaml:"scene_type"`
	Path string `yaml:"path"`
}

// ObsConfig configures pkg/obs (prometheus + otel).
type ObsConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	ServiceName string `yaml:"service_name"`
	TraceSamplePct int `yaml:"trace_sample_pct"`
}

// Config is the top-level decoded configuration document.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	LLMProviders []LLMProviderConfig `yaml:"llm_providers"`
	Quota QuotaConfig `yaml:"quota"`
	Store StoreConfig `yaml:"store"`
	SimTree SimTreeConfig `yaml:"sim_tree"`
	ScenePlugins []ScenePluginConfig `yaml:"scene_plugins,omitempty"`
	Obs ObsConfig `yaml:"obs"`
}

// SetDefaults fills zero-valued fields with operator-friendly defaults.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	if c.Quota.DefaultPerRunBudget == 0 {
		c.Quota.DefaultPerRunBudget = 50_000
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.SimTree.MaxStepsPerTurn == 0 {
		c.SimTree.MaxStepsPerTurn = 8
	}
	if c.Obs.MetricsAddr == "" {
		c.Obs.MetricsAddr = ":9090"
	}
	if c.Obs.ServiceName == "" {
		c.Obs.ServiceName = "simsocius"
	}
	for i := range c.LLMProviders {
		if c.LLMProviders[i].PerRunQuota == 0 {
			c.LLMProviders[i].PerRunQuota = c.Quota.DefaultPerRunBudget
		}
	}
}

// Validate rejects configurations that would fail later in an
// unhelpful way.
func (c *Config) Validate() error {
	if c.Store.Backend != "memory" && c.Store.Backend != "postgres" && c.Store.Backend != "sqlite" {
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if (c.Store.Backend == "postgres" || c.Store.Backend == "sqlite") && c.Store.DSN == "" {
		return fmt.Errorf("config: store backend %q requires a dsn", c.Store.Backend)
	}
	seen := map[string]bool{}
	for _, p := range c.LLMProviders {
		if p.Name == "" {
			return fmt.Errorf("config: llm_providers entry missing name")
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate llm provider name %q", p.Name)
		}
		seen[p.Name] = true
	}
	if c.SimTree.NodeLogCap < 0 {
		return fmt.Errorf("config: sim_tree.node_log_cap must be >= 0")
	}
	return nil
}
