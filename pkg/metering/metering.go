// Package metering keeps a queryable per-call token usage record in sqlite.
// The meter is derived state: the ledgers stay authoritative and the table
// can be rebuilt from them at any time.
package metering

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rabruni/Brain-Garden-sub005/pkg/ledger"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS usage_records (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT NOT NULL,
	work_order_id TEXT NOT NULL DEFAULT '',
	agent_class   TEXT NOT NULL DEFAULT '',
	model_id      TEXT NOT NULL DEFAULT '',
	entry_id      TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	recorded_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records (session_id);
`

// Record is one metered LLM call.
type Record struct {
	SessionID    string
	WorkOrderID  string
	AgentClass   string
	ModelID      string
	EntryID      string
	InputTokens  int
	OutputTokens int
}

// Totals aggregates a session's spend.
type Totals struct {
	Calls        int
	InputTokens  int
	OutputTokens int
}

func (t Totals) Total() int { return t.InputTokens + t.OutputTokens }

// Meter owns the sqlite usage store.
type Meter struct {
	db    *sql.DB
	clock func() time.Time
}

// Open creates or opens the meter database. path may be ":memory:".
func Open(path string) (*Meter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("metering: opening %s: %w", path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("metering: schema: %w", err)
	}
	return &Meter{db: db, clock: time.Now}, nil
}

func (m *Meter) Close() error { return m.db.Close() }

// Record inserts one usage row.
func (m *Meter) Record(ctx context.Context, r Record) error {
	if r.SessionID == "" {
		return fmt.Errorf("metering: record without session_id")
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO usage_records
		 (session_id, work_order_id, agent_class, model_id, entry_id, input_tokens, output_tokens, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.WorkOrderID, r.AgentClass, r.ModelID, r.EntryID,
		r.InputTokens, r.OutputTokens, m.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("metering: insert: %w", err)
	}
	return nil
}

// SessionTotals sums a session's metered usage.
func (m *Meter) SessionTotals(ctx context.Context, sessionID string) (Totals, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records WHERE session_id = ?`, sessionID)
	var t Totals
	if err := row.Scan(&t.Calls, &t.InputTokens, &t.OutputTokens); err != nil {
		return Totals{}, fmt.Errorf("metering: totals for %s: %w", sessionID, err)
	}
	return t, nil
}

// Rebuild drops the table contents and replays PROMPT_RECEIVED entries from
// the given ledgers. Entries without token usage are skipped.
func (m *Meter) Rebuild(ctx context.Context, ledgers ...*ledger.Client) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metering: rebuild begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM usage_records`); err != nil {
		return fmt.Errorf("metering: rebuild clear: %w", err)
	}
	for _, lc := range ledgers {
		entries, err := lc.ReadAll()
		if err != nil {
			return fmt.Errorf("metering: rebuild read: %w", err)
		}
		for _, e := range entries {
			if e.EventType != ledger.EventPromptReceived {
				continue
			}
			fp := e.Metadata.ContextFingerprint
			if fp == nil || fp.TokensUsed == nil {
				continue
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO usage_records
				 (session_id, work_order_id, agent_class, model_id, entry_id, input_tokens, output_tokens, recorded_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				e.Metadata.Provenance.SessionID, e.Metadata.Provenance.WorkOrderID,
				e.Metadata.Provenance.AgentClass, fp.ModelID, e.EntryID,
				fp.TokensUsed.Input, fp.TokensUsed.Output, e.Timestamp)
			if err != nil {
				return fmt.Errorf("metering: rebuild insert: %w", err)
			}
		}
	}
	return tx.Commit()
}
