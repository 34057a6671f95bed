package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the driver:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS states (
			agent_id TEXT NOT NULL,
			state_id TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (agent_id, state_id)
		);
		CREATE TABLE IF NOT EXISTS tasks (
			agent_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (agent_id, task_id)
		);
		CREATE TABLE IF NOT EXISTS conversations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			data BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_id
			ON conversations (conversation_id);
		CREATE TABLE IF NOT EXISTS transactions (
			case_id TEXT NOT NULL,
			id TEXT NOT NULL,
			ts TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (case_id, id)
		);`,
	)
	return err
}

func (s *SQLiteStore) SaveState(ctx context.Context, agentID, stateID string, state map[string]any) error {
	return s.upsert(ctx, "states", "state_id", agentID, stateID, state)
}

func (s *SQLiteStore) GetState(ctx context.Context, agentID, stateID string) (map[string]any, error) {
	return s.get(ctx, "states", "state_id", agentID, stateID)
}

func (s *SQLiteStore) SaveTask(ctx context.Context, agentID, taskID string, task map[string]any) error {
	return s.upsert(ctx, "tasks", "task_id", agentID, taskID, task)
}

func (s *SQLiteStore) GetTask(ctx context.Context, agentID, taskID string) (map[string]any, error) {
	return s.get(ctx, "tasks", "task_id", agentID, taskID)
}

func (s *SQLiteStore) upsert(ctx context.Context, table, keyCol, agentID, id string, record map[string]any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", agentID, id, err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (agent_id, %s, data) VALUES (?, ?, ?)
		ON CONFLICT (agent_id, %s) DO UPDATE SET data = excluded.data`,
		table, keyCol, keyCol)
	if _, err := s.db.ExecContext(ctx, query, agentID, id, data); err != nil {
		return fmt.Errorf("store %s/%s: %w", agentID, id, err)
	}
	return nil
}

func (s *SQLiteStore) get(ctx context.Context, table, keyCol, agentID, id string) (map[string]any, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE agent_id = ? AND %s = ?`, table, keyCol)

	var data []byte
	err := s.db.QueryRowContext(ctx, query, agentID, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", agentID, id, err)
	}

	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshal %s/%s: %w", agentID, id, err)
	}
	return record, nil
}

func (s *SQLiteStore) AppendConversation(ctx context.Context, conversationID string, entry map[string]any) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal conversation entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, data) VALUES (?, ?)`,
		conversationID, data)
	if err != nil {
		return fmt.Errorf("append conversation %s: %w", conversationID, err)
	}
	return nil
}

func (s *SQLiteStore) ConversationHistory(ctx context.Context, conversationID string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM conversations WHERE conversation_id = ? ORDER BY seq`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("query conversation %s: %w", conversationID, err)
	}
	defer rows.Close()

	entries := []map[string]any{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan conversation %s: %w", conversationID, err)
		}
		var entry map[string]any
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("unmarshal conversation %s: %w", conversationID, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation %s: %w", conversationID, err)
	}
	return entries, nil
}

// SaveTransactions replaces the case's transaction set in one database
// transaction so readers never see a partial batch.
func (s *SQLiteStore) SaveTransactions(ctx context.Context, caseID string, txns []Transaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save transactions: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE case_id = ?`, caseID); err != nil {
		return fmt.Errorf("clear transactions for %s: %w", caseID, err)
	}

	for _, t := range txns {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal transaction %s: %w", t.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO transactions (case_id, id, ts, data) VALUES (?, ?, ?, ?)`,
			caseID, t.ID, t.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z"), data)
		if err != nil {
			return fmt.Errorf("store transaction %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transactions for %s: %w", caseID, err)
	}
	return nil
}

func (s *SQLiteStore) Transactions(ctx context.Context, caseID string) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM transactions WHERE case_id = ? ORDER BY ts, id`,
		caseID)
	if err != nil {
		return nil, fmt.Errorf("query transactions for %s: %w", caseID, err)
	}
	defer rows.Close()

	var txns []Transaction
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan transaction for %s: %w", caseID, err)
		}
		var t Transaction
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("unmarshal transaction for %s: %w", caseID, err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions for %s: %w", caseID, err)
	}
	if len(txns) == 0 {
		return nil, ErrNotFound
	}
	return txns, nil
}
