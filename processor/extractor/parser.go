package extractor

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/casereview/storage"
)

// ParseFile reads a case source file into transactions. CSV and JSON are
// supported; anything else is an error.
func ParseFile(path string) ([]storage.Transaction, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return parseCSV(path)
	case ".json":
		return parseJSON(path)
	default:
		return nil, fmt.Errorf("unsupported source file type %q", filepath.Ext(path))
	}
}

// csvColumns maps recognized header names to transaction fields.
var csvColumns = map[string]bool{
	"transaction_id": true,
	"account":        true,
	"country":        true,
	"jurisdiction":   true,
	"amount":         true,
	"timestamp":      true,
}

func parseCSV(path string) ([]storage.Transaction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	// Resolve column positions from the header row.
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		if csvColumns[name] {
			index[name] = i
		}
	}
	if _, ok := index["amount"]; !ok {
		return nil, fmt.Errorf("csv header missing amount column")
	}

	var txns []storage.Transaction
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}

		field := func(name string) string {
			i, ok := index[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		amount, err := strconv.ParseFloat(field("amount"), 64)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: invalid amount %q", line, field("amount"))
		}

		txn := storage.Transaction{
			TransactionID: field("transaction_id"),
			Account:       field("account"),
			Country:       field("country"),
			Jurisdiction:  field("jurisdiction"),
			Amount:        amount,
		}
		if ts := field("timestamp"); ts != "" {
			parsed, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				return nil, fmt.Errorf("csv line %d: invalid timestamp %q", line, ts)
			}
			txn.Timestamp = parsed
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

// jsonTransaction is the JSON source layout: either a bare array or an
// object with a "transactions" key.
type jsonTransaction struct {
	TransactionID string  `json:"transaction_id"`
	Account       string  `json:"account"`
	Country       string  `json:"country"`
	Jurisdiction  string  `json:"jurisdiction"`
	Amount        float64 `json:"amount"`
	Timestamp     string  `json:"timestamp"`
}

func parseJSON(path string) ([]storage.Transaction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}

	var raw []jsonTransaction
	if err := json.Unmarshal(data, &raw); err != nil {
		var wrapped struct {
			Transactions []jsonTransaction `json:"transactions"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("parse json source file: %w", err)
		}
		raw = wrapped.Transactions
	}

	txns := make([]storage.Transaction, 0, len(raw))
	for i, jt := range raw {
		txn := storage.Transaction{
			TransactionID: jt.TransactionID,
			Account:       jt.Account,
			Country:       jt.Country,
			Jurisdiction:  jt.Jurisdiction,
			Amount:        jt.Amount,
		}
		if jt.Timestamp != "" {
			parsed, err := time.Parse(time.RFC3339, jt.Timestamp)
			if err != nil {
				return nil, fmt.Errorf("json transaction %d: invalid timestamp %q", i, jt.Timestamp)
			}
			txn.Timestamp = parsed
		}
		txns = append(txns, txn)
	}
	return txns, nil
}
