// Package prompts manages the model prompt templates used by the workers.
// Built-in defaults are embedded; a YAML file can override any of them.
package prompts

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Template names used by the workers.
const (
	Perception       = "perception"
	Planning         = "planning"
	Learning         = "learning"
	ScreeningSummary = "screening_summary"
)

//go:embed defaults.yaml
var defaultTemplates []byte

// Pair is one prompt template: a system part and a user part.
type Pair struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

type compiled struct {
	system *template.Template
	user   *template.Template
}

// Manager renders named prompt templates.
type Manager struct {
	templates map[string]compiled
	logger    *slog.Logger
}

// NewManager creates a manager holding the embedded default templates.
func NewManager(logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		templates: make(map[string]compiled),
		logger:    logger,
	}
	if err := m.loadYAML(defaultTemplates); err != nil {
		return nil, fmt.Errorf("parse embedded templates: %w", err)
	}
	return m, nil
}

// LoadFile overlays templates from a YAML file onto the defaults. An absent
// file leaves the defaults untouched.
func (m *Manager) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.logger.Warn("Prompts file not found, using embedded defaults", "path", path)
			return nil
		}
		return fmt.Errorf("read prompts file: %w", err)
	}
	if err := m.loadYAML(data); err != nil {
		return fmt.Errorf("parse prompts file %s: %w", path, err)
	}
	m.logger.Info("Prompt templates loaded", "path", path)
	return nil
}

func (m *Manager) loadYAML(data []byte) error {
	var pairs map[string]Pair
	if err := yaml.Unmarshal(data, &pairs); err != nil {
		return err
	}

	for name, pair := range pairs {
		sys, err := template.New(name + ".system").Parse(pair.System)
		if err != nil {
			return fmt.Errorf("template %s system: %w", name, err)
		}
		usr, err := template.New(name + ".user").Parse(pair.User)
		if err != nil {
			return fmt.Errorf("template %s user: %w", name, err)
		}
		m.templates[name] = compiled{system: sys, user: usr}
	}
	return nil
}

// Render produces the system and user prompts for a named template.
func (m *Manager) Render(name string, data map[string]any) (system, user string, err error) {
	tpl, ok := m.templates[name]
	if !ok {
		return "", "", fmt.Errorf("unknown prompt template: %s", name)
	}

	var sysBuf, usrBuf strings.Builder
	if err := tpl.system.Execute(&sysBuf, data); err != nil {
		return "", "", fmt.Errorf("render %s system: %w", name, err)
	}
	if err := tpl.user.Execute(&usrBuf, data); err != nil {
		return "", "", fmt.Errorf("render %s user: %w", name, err)
	}
	return strings.TrimSpace(sysBuf.String()), strings.TrimSpace(usrBuf.String()), nil
}

// Names lists the loaded template names.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.templates))
	for name := range m.templates {
		names = append(names, name)
	}
	return names
}
