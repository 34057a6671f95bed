// Package config provides configuration loading and management for
// casereview.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/casereview/bus"
	"github.com/c360studio/casereview/model"
)

// Storage backend names.
const (
	BackendSQLite = "sqlite"
	BackendNATSKV = "natskv"
)

// Config represents the complete casereview configuration.
type Config struct {
	NATS          NATSConfig            `yaml:"nats"`
	Bus           bus.JetStreamConfig   `yaml:"bus"`
	Storage       StorageConfig         `yaml:"storage"`
	HTTP          HTTPConfig            `yaml:"http"`
	Agents        AgentsConfig          `yaml:"agents"`
	Rules         RulesConfig           `yaml:"rules"`
	Prompts       PromptsConfig         `yaml:"prompts"`
	Discovery     DiscoveryConfig       `yaml:"discovery"`
	ModelRegistry *model.RegistryConfig `yaml:"model_registry,omitempty"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL. Empty means the in-process bus and no
	// NATS connection at all.
	URL string `yaml:"url"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is "sqlite" or "natskv".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file (sqlite backend only).
	Path string `yaml:"path"`
}

// HTTPConfig configures the orchestrator's HTTP surface.
type HTTPConfig struct {
	// Addr is the listen address for the submission API and /metrics.
	Addr string `yaml:"addr"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AgentsConfig names the four pipeline workers.
type AgentsConfig struct {
	Orchestrator string `yaml:"orchestrator"`
	Extractor    string `yaml:"extractor"`
	Evaluator    string `yaml:"evaluator"`
	Screener     string `yaml:"screener"`
}

// RulesConfig locates the screening rules.
type RulesConfig struct {
	// Path is the YAML rules file. Missing file = empty defaults.
	Path string `yaml:"path"`

	// Watch enables hot reload of the rules file.
	Watch bool `yaml:"watch"`
}

// PromptsConfig locates prompt template overrides.
type PromptsConfig struct {
	// Path is the YAML prompts file. Missing file = embedded defaults.
	Path string `yaml:"path"`
}

// DiscoveryConfig locates the static discovery descriptors.
type DiscoveryConfig struct {
	// Path is the YAML discovery file. Missing file = empty descriptors.
	Path string `yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL: "", // In-process bus
		},
		Bus: bus.DefaultJetStreamConfig(),
		Storage: StorageConfig{
			Backend: BackendSQLite,
			Path:    "casereview.db",
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Agents: AgentsConfig{
			Orchestrator: "orchestrator-agent",
			Extractor:    "extractor-agent",
			Evaluator:    "evaluator-agent",
			Screener:     "screener-agent",
		},
		Rules: RulesConfig{
			Path:  "rules.yaml",
			Watch: true,
		},
		Prompts: PromptsConfig{
			Path: "",
		},
		Discovery: DiscoveryConfig{
			Path: "discovery.yaml",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case BackendNATSKV:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for the natskv backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q (want %s or %s)",
			c.Storage.Backend, BackendSQLite, BackendNATSKV)
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}

	for name, id := range map[string]string{
		"agents.orchestrator": c.Agents.Orchestrator,
		"agents.extractor":    c.Agents.Extractor,
		"agents.evaluator":    c.Agents.Evaluator,
		"agents.screener":     c.Agents.Screener,
	} {
		if id == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}

	if other.Bus.StreamName != "" {
		c.Bus.StreamName = other.Bus.StreamName
	}
	if other.Bus.Subject != "" {
		c.Bus.Subject = other.Bus.Subject
	}
	if other.Bus.DeadLetterSubject != "" {
		c.Bus.DeadLetterSubject = other.Bus.DeadLetterSubject
	}
	if other.Bus.ConsumerName != "" {
		c.Bus.ConsumerName = other.Bus.ConsumerName
	}
	if other.Bus.AckWait != 0 {
		c.Bus.AckWait = other.Bus.AckWait
	}

	if other.Storage.Backend != "" {
		c.Storage.Backend = other.Storage.Backend
	}
	if other.Storage.Path != "" {
		c.Storage.Path = other.Storage.Path
	}

	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}
	if other.HTTP.ShutdownTimeout != 0 {
		c.HTTP.ShutdownTimeout = other.HTTP.ShutdownTimeout
	}

	if other.Agents.Orchestrator != "" {
		c.Agents.Orchestrator = other.Agents.Orchestrator
	}
	if other.Agents.Extractor != "" {
		c.Agents.Extractor = other.Agents.Extractor
	}
	if other.Agents.Evaluator != "" {
		c.Agents.Evaluator = other.Agents.Evaluator
	}
	if other.Agents.Screener != "" {
		c.Agents.Screener = other.Agents.Screener
	}

	if other.Rules.Path != "" {
		c.Rules.Path = other.Rules.Path
	}
	if other.Rules.Watch {
		c.Rules.Watch = true
	}

	if other.Prompts.Path != "" {
		c.Prompts.Path = other.Prompts.Path
	}
	if other.Discovery.Path != "" {
		c.Discovery.Path = other.Discovery.Path
	}

	if other.ModelRegistry != nil {
		c.ModelRegistry = other.ModelRegistry
	}
}
