package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Rajchodisetti/autotrader/internal/outbox"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	ts TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	qty REAL NOT NULL,
	price REAL NOT NULL,
	strategy_id TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	order_id TEXT NOT NULL,
	status TEXT NOT NULL,
	payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_records(ts);
CREATE INDEX IF NOT EXISTS idx_audit_symbol ON audit_records(symbol);
`

// SQLite is an audit sink backed by a single SQLite file.
type SQLite struct {
	db *sql.DB
}

// Open creates or opens the journal at path and applies the schema.
func Open(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("journal: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, stmt := range []string{`PRAGMA journal_mode=WAL;`, schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("journal: migrate: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

// Record inserts rec. Re-recording an id replaces the row.
func (j *SQLite) Record(ctx context.Context, rec outbox.Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.ID == "" {
		rec.ID = outbox.NewRecordID(rec.Timestamp)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: encode: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO audit_records
		(id, type, ts, symbol, side, qty, price, strategy_id, idempotency_key, order_id, status, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Type, rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Symbol, rec.Side,
		rec.Qty, rec.Price, rec.StrategyID, rec.IdempotencyKey, rec.OrderID, rec.Status, string(payload),
	)
	if err != nil {
		return fmt.Errorf("journal: insert: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (j *SQLite) Recent(ctx context.Context, limit int) ([]outbox.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `SELECT payload FROM audit_records ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// BySymbol returns every record for symbol, oldest first.
func (j *SQLite) BySymbol(ctx context.Context, symbol string) ([]outbox.Record, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT payload FROM audit_records WHERE symbol = ? ORDER BY id ASC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]outbox.Record, error) {
	var out []outbox.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec outbox.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("journal: decode: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *SQLite) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
