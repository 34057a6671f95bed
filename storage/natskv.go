package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each record family.
const (
	BucketState         = "CASEREVIEW_STATE"
	BucketTasks         = "CASEREVIEW_TASKS"
	BucketConversations = "CASEREVIEW_CONVERSATIONS"
	BucketTransactions  = "CASEREVIEW_TRANSACTIONS"
)

// KVStore implements Store over NATS JetStream KV buckets, one bucket per
// record family with JSON values.
type KVStore struct {
	state         jetstream.KeyValue
	tasks         jetstream.KeyValue
	conversations jetstream.KeyValue
	transactions  jetstream.KeyValue
}

var _ Store = (*KVStore)(nil)

// NewKVStore creates a KVStore, creating the buckets if they don't exist.
func NewKVStore(ctx context.Context, js jetstream.JetStream) (*KVStore, error) {
	state, err := getOrCreateBucket(ctx, js, BucketState)
	if err != nil {
		return nil, fmt.Errorf("create state bucket: %w", err)
	}

	tasks, err := getOrCreateBucket(ctx, js, BucketTasks)
	if err != nil {
		return nil, fmt.Errorf("create tasks bucket: %w", err)
	}

	conversations, err := getOrCreateBucket(ctx, js, BucketConversations)
	if err != nil {
		return nil, fmt.Errorf("create conversations bucket: %w", err)
	}

	transactions, err := getOrCreateBucket(ctx, js, BucketTransactions)
	if err != nil {
		return nil, fmt.Errorf("create transactions bucket: %w", err)
	}

	return &KVStore{
		state:         state,
		tasks:         tasks,
		conversations: conversations,
		transactions:  transactions,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Casereview %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// namespacedKey scopes a record key to its owning agent.
func namespacedKey(agentID, id string) string {
	return agentID + "." + id
}

func (s *KVStore) SaveState(ctx context.Context, agentID, stateID string, state map[string]any) error {
	return putJSON(ctx, s.state, namespacedKey(agentID, stateID), state)
}

func (s *KVStore) GetState(ctx context.Context, agentID, stateID string) (map[string]any, error) {
	return getJSON(ctx, s.state, namespacedKey(agentID, stateID))
}

func (s *KVStore) SaveTask(ctx context.Context, agentID, taskID string, task map[string]any) error {
	return putJSON(ctx, s.tasks, namespacedKey(agentID, taskID), task)
}

func (s *KVStore) GetTask(ctx context.Context, agentID, taskID string) (map[string]any, error) {
	return getJSON(ctx, s.tasks, namespacedKey(agentID, taskID))
}

// AppendConversation reads the stored entry list, appends, and writes it back
// whole. Conversations are low-volume so the read-modify-write is acceptable.
func (s *KVStore) AppendConversation(ctx context.Context, conversationID string, entry map[string]any) error {
	var entries []map[string]any

	existing, err := s.conversations.Get(ctx, conversationID)
	if err == nil {
		if err := json.Unmarshal(existing.Value(), &entries); err != nil {
			return fmt.Errorf("unmarshal conversation %s: %w", conversationID, err)
		}
	} else if !isNotFound(err) {
		return fmt.Errorf("get conversation %s: %w", conversationID, err)
	}

	entries = append(entries, entry)

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal conversation %s: %w", conversationID, err)
	}
	if _, err := s.conversations.Put(ctx, conversationID, data); err != nil {
		return fmt.Errorf("store conversation %s: %w", conversationID, err)
	}
	return nil
}

func (s *KVStore) ConversationHistory(ctx context.Context, conversationID string) ([]map[string]any, error) {
	entry, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		if isNotFound(err) {
			return []map[string]any{}, nil
		}
		return nil, fmt.Errorf("get conversation %s: %w", conversationID, err)
	}

	var entries []map[string]any
	if err := json.Unmarshal(entry.Value(), &entries); err != nil {
		return nil, fmt.Errorf("unmarshal conversation %s: %w", conversationID, err)
	}
	return entries, nil
}

func (s *KVStore) SaveTransactions(ctx context.Context, caseID string, txns []Transaction) error {
	data, err := json.Marshal(txns)
	if err != nil {
		return fmt.Errorf("marshal transactions for %s: %w", caseID, err)
	}
	if _, err := s.transactions.Put(ctx, caseID, data); err != nil {
		return fmt.Errorf("store transactions for %s: %w", caseID, err)
	}
	return nil
}

func (s *KVStore) Transactions(ctx context.Context, caseID string) ([]Transaction, error) {
	entry, err := s.transactions.Get(ctx, caseID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transactions for %s: %w", caseID, err)
	}

	var txns []Transaction
	if err := json.Unmarshal(entry.Value(), &txns); err != nil {
		return nil, fmt.Errorf("unmarshal transactions for %s: %w", caseID, err)
	}
	sort.SliceStable(txns, func(i, j int) bool {
		return txns[i].Timestamp.Before(txns[j].Timestamp)
	})
	return txns, nil
}

func putJSON(ctx context.Context, kv jetstream.KeyValue, key string, value map[string]any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func getJSON(ctx context.Context, kv jetstream.KeyValue, key string) (map[string]any, error) {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	var value map[string]any
	if err := json.Unmarshal(entry.Value(), &value); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return value, nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}
