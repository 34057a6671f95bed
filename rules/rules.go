// Package rules implements the screening decision function: a transaction is
// flagged when it touches a sensitive country or jurisdiction and its amount
// exceeds the configured threshold. Rules load from YAML and can be hot
// reloaded while workers run.
package rules

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/casereview/storage"
)

// defaultRiskThreshold applies when the rules file omits one.
const defaultRiskThreshold = 1000.0

// Config holds the screening rule set.
type Config struct {
	SensitiveCountries     []string `yaml:"sensitive_countries"`
	SensitiveJurisdictions []string `yaml:"sensitive_jurisdictions"`
	RiskThreshold          float64  `yaml:"risk_threshold"`
}

// DefaultConfig returns an empty rule set with the stock threshold. With no
// sensitive lists nothing gets flagged.
func DefaultConfig() Config {
	return Config{
		RiskThreshold: defaultRiskThreshold,
	}
}

// Evaluation is the screening verdict for one transaction.
type Evaluation struct {
	TransactionID         string  `json:"transaction_id"`
	Amount                float64 `json:"amount"`
	SensitiveCountry      bool    `json:"sensitive_country"`
	SensitiveJurisdiction bool    `json:"sensitive_jurisdiction"`
	AboveThreshold        bool    `json:"above_threshold"`
	RiskFlagged           bool    `json:"risk_flagged"`
	Reason                string  `json:"reason,omitempty"`
}

// Engine evaluates transactions against the current rule set. Safe for
// concurrent use; Reload swaps the rule set atomically.
type Engine struct {
	mu     sync.RWMutex
	config Config
	logger *slog.Logger
}

// NewEngine creates an engine with the given rule set.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RiskThreshold == 0 {
		cfg.RiskThreshold = defaultRiskThreshold
	}
	return &Engine{
		config: cfg,
		logger: logger,
	}
}

// LoadFile reads a YAML rules file and swaps it in. A missing file is not an
// error: the engine keeps empty defaults and logs a warning.
func (e *Engine) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			e.logger.Warn("Rules file not found, using defaults", "path", path)
			e.swap(DefaultConfig())
			return nil
		}
		return fmt.Errorf("read rules file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse rules file %s: %w", path, err)
	}
	if cfg.RiskThreshold == 0 {
		cfg.RiskThreshold = defaultRiskThreshold
	}

	e.swap(cfg)
	e.logger.Info("Rules loaded",
		"path", path,
		"countries", len(cfg.SensitiveCountries),
		"jurisdictions", len(cfg.SensitiveJurisdictions),
		"threshold", cfg.RiskThreshold)
	return nil
}

func (e *Engine) swap(cfg Config) {
	e.mu.Lock()
	e.config = cfg
	e.mu.Unlock()
}

// Current returns a copy of the active rule set.
func (e *Engine) Current() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// Evaluate applies the rule set to one transaction.
func (e *Engine) Evaluate(t storage.Transaction) Evaluation {
	e.mu.RLock()
	cfg := e.config
	e.mu.RUnlock()

	ev := Evaluation{
		TransactionID:         t.ID,
		Amount:                t.Amount,
		SensitiveCountry:      containsFold(cfg.SensitiveCountries, t.Country),
		SensitiveJurisdiction: containsFold(cfg.SensitiveJurisdictions, t.Jurisdiction),
		AboveThreshold:        t.Amount > cfg.RiskThreshold,
	}
	ev.RiskFlagged = (ev.SensitiveCountry || ev.SensitiveJurisdiction) && ev.AboveThreshold

	if ev.RiskFlagged {
		var factors []string
		if ev.SensitiveCountry {
			factors = append(factors, fmt.Sprintf("sensitive country %q", t.Country))
		}
		if ev.SensitiveJurisdiction {
			factors = append(factors, fmt.Sprintf("sensitive jurisdiction %q", t.Jurisdiction))
		}
		ev.Reason = fmt.Sprintf("%s and amount %.2f above threshold %.2f",
			strings.Join(factors, ", "), t.Amount, cfg.RiskThreshold)
	}
	return ev
}

// EvaluateAll applies the rule set to a batch, returning every evaluation and
// the flagged subset.
func (e *Engine) EvaluateAll(txns []storage.Transaction) (all []Evaluation, flagged []Evaluation) {
	for _, t := range txns {
		ev := e.Evaluate(t)
		all = append(all, ev)
		if ev.RiskFlagged {
			flagged = append(flagged, ev)
		}
	}
	return all, flagged
}

func containsFold(list []string, value string) bool {
	if value == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}
