// Package discovery provides static service discovery for the pipeline:
// descriptors of the agents and tools a worker can see, loaded from YAML.
package discovery

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Descriptor describes one discoverable agent or tool.
type Descriptor struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name" json:"name"`
	Type         string   `yaml:"type" json:"type"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
	Status       string   `yaml:"status" json:"status"`
}

// fileConfig is the YAML layout of a discovery file.
type fileConfig struct {
	Agents []Descriptor `yaml:"agents"`
	Tools  []Descriptor `yaml:"tools"`
}

// Service answers discovery queries from a static descriptor set.
type Service struct {
	agents []Descriptor
	tools  []Descriptor
}

// envPattern matches ${VAR} references in descriptor values.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads descriptors from a YAML file. An absent file yields an empty
// service, not an error, so workers run without a discovery config.
func Load(path string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("Discovery file not found, starting with empty descriptors", "path", path)
			return &Service{}, nil
		}
		return nil, fmt.Errorf("read discovery file: %w", err)
	}

	resolved := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})

	var cfg fileConfig
	if err := yaml.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse discovery file %s: %w", path, err)
	}

	logger.Info("Discovery loaded",
		"path", path,
		"agents", len(cfg.Agents),
		"tools", len(cfg.Tools))
	return &Service{
		agents: cfg.Agents,
		tools:  cfg.Tools,
	}, nil
}

// NewStatic builds a service directly from descriptor lists.
func NewStatic(agents, tools []Descriptor) *Service {
	return &Service{agents: agents, tools: tools}
}

// Agents returns all known agent descriptors.
func (s *Service) Agents() []Descriptor {
	out := make([]Descriptor, len(s.agents))
	copy(out, s.agents)
	return out
}

// Tools returns all known tool descriptors.
func (s *Service) Tools() []Descriptor {
	out := make([]Descriptor, len(s.tools))
	copy(out, s.tools)
	return out
}

// Agent looks up an agent descriptor by id.
func (s *Service) Agent(id string) (Descriptor, bool) {
	for _, d := range s.agents {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// KnownAgent reports whether id belongs to a discovered agent.
func (s *Service) KnownAgent(id string) bool {
	_, ok := s.Agent(id)
	return ok
}
