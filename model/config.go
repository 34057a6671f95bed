package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RegistryConfig is the YAML configuration structure for the model registry,
// found under the "model_registry" key of the main config file.
type RegistryConfig struct {
	Capabilities map[string]*CapabilityConfig `yaml:"capabilities"`
	Endpoints    map[string]*EndpointConfig   `yaml:"endpoints"`
	Defaults     *DefaultsConfig              `yaml:"defaults,omitempty"`
}

// LoadFromFile loads a registry configuration from a YAML file. The file may
// contain a top-level "model_registry" key or just the registry config.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromYAML(data)
}

// LoadFromYAML loads a registry from YAML data.
func LoadFromYAML(data []byte) (*Registry, error) {
	var fullConfig struct {
		ModelRegistry *RegistryConfig `yaml:"model_registry"`
	}
	if err := yaml.Unmarshal(data, &fullConfig); err == nil && fullConfig.ModelRegistry != nil {
		return registryFromConfig(fullConfig.ModelRegistry), nil
	}

	var regConfig RegistryConfig
	if err := yaml.Unmarshal(data, &regConfig); err != nil {
		return nil, fmt.Errorf("parse registry config: %w", err)
	}
	return registryFromConfig(&regConfig), nil
}

func registryFromConfig(cfg *RegistryConfig) *Registry {
	caps := make(map[Capability]*CapabilityConfig, len(cfg.Capabilities))
	for k, v := range cfg.Capabilities {
		c := ParseCapability(k)
		if c == "" {
			// Keep unknown capability names as-is so configs can extend the
			// built-in set.
			c = Capability(k)
		}
		caps[c] = v
	}

	defaults := cfg.Defaults
	if defaults == nil {
		defaults = &DefaultsConfig{Model: "default"}
	}

	return &Registry{
		capabilities: caps,
		endpoints:    cfg.Endpoints,
		defaults:     defaults,
	}
}

// MergeFromConfig merges configuration into an existing registry. Existing
// entries are overwritten by the new config.
func (r *Registry) MergeFromConfig(cfg *RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, v := range cfg.Capabilities {
		c := ParseCapability(k)
		if c == "" {
			c = Capability(k)
		}
		if r.capabilities == nil {
			r.capabilities = make(map[Capability]*CapabilityConfig)
		}
		r.capabilities[c] = v
	}

	for k, v := range cfg.Endpoints {
		if r.endpoints == nil {
			r.endpoints = make(map[string]*EndpointConfig)
		}
		r.endpoints[k] = v
	}

	if cfg.Defaults != nil {
		r.defaults = cfg.Defaults
	}
}
