// Package state manages the shared workflow-state record each case carries
// through the pipeline. The record is schemaless JSON persisted whole; updates
// are read-modify-write merges of a fixed field whitelist.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/casereview/storage"
)

// ErrStateNotFound is returned when no workflow state exists for an id.
var ErrStateNotFound = errors.New("workflow state not found")

// knownFields is the workflow-state schema. Update merges only these keys;
// anything else in a partial update is dropped.
var knownFields = []string{
	"case_id",
	"file_path",
	"transactions",
	"extracted_transactions",
	"screening_results",
	"summary",
	"status",
	"error",
	"conversation_id",
	"current_agent",
	"timestamp",
}

// Manager provides workflow-state operations over a storage backend. All
// records live in one namespace (the submitting worker's agent id) so every
// worker reads and writes the same record for a case.
type Manager struct {
	store     storage.Store
	namespace string
	logger    *slog.Logger
}

// NewManager creates a Manager writing under the given namespace.
func NewManager(store storage.Store, namespace string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		namespace: namespace,
		logger:    logger,
	}
}

// CreateInitial persists a fresh workflow state for a submitted case, keyed by
// its conversation id, and returns the record.
func (m *Manager) CreateInitial(ctx context.Context, caseID, filePath, conversationID string) (map[string]any, error) {
	record := map[string]any{
		"case_id":         caseID,
		"file_path":       filePath,
		"conversation_id": conversationID,
		"status":          "initialized",
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
	}

	if err := m.store.SaveState(ctx, m.namespace, conversationID, record); err != nil {
		return nil, fmt.Errorf("create workflow state for %s: %w", caseID, err)
	}

	m.logger.Info("Workflow state created",
		"case_id", caseID,
		"conversation_id", conversationID)
	return record, nil
}

// Load returns the workflow state for an id, or ErrStateNotFound.
func (m *Manager) Load(ctx context.Context, id string) (map[string]any, error) {
	record, err := m.store.GetState(ctx, m.namespace, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("load workflow state %s: %w", id, err)
	}
	return record, nil
}

// Update merges the known fields of partial into the stored record, stamps a
// fresh timestamp, and writes the whole record back. The write is blind: two
// concurrent updaters race and the last writer wins.
func (m *Manager) Update(ctx context.Context, id string, partial map[string]any) (map[string]any, error) {
	record, err := m.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	for _, field := range knownFields {
		if value, ok := partial[field]; ok {
			record[field] = value
		}
	}
	record["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)

	if err := m.store.SaveState(ctx, m.namespace, id, record); err != nil {
		return nil, fmt.Errorf("update workflow state %s: %w", id, err)
	}

	m.logger.Debug("Workflow state updated", "id", id, "status", record["status"])
	return record, nil
}
