package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zen-systems/referralgate/pkg/referral"
)

// SQLiteStore keeps case snapshots in a cases table and the conversation
// history in an append-only turns table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("store: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cases (
		conversation_id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		task_state TEXT NOT NULL,
		sub_state TEXT NOT NULL,
		turn_count INTEGER NOT NULL,
		version INTEGER NOT NULL,
		snapshot TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		at DATETIME NOT NULL,
		PRIMARY KEY (conversation_id, seq),
		FOREIGN KEY (conversation_id) REFERENCES cases(conversation_id)
	);

	CREATE INDEX IF NOT EXISTS idx_cases_task_state ON cases(task_state);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Load reads the snapshot and rebuilds the history from the turns table.
func (s *SQLiteStore) Load(ctx context.Context, conversationID string) (*referral.Case, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM cases WHERE conversation_id = ?`, conversationID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load case: %w", err)
	}

	var c referral.Case
	if err := json.Unmarshal([]byte(snapshot), &c); err != nil {
		return nil, fmt.Errorf("decode case: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, text, at FROM turns WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	c.History = nil
	for rows.Next() {
		var t referral.Turn
		var role string
		if err := rows.Scan(&role, &t.Text, &t.At); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = referral.Role(role)
		c.History = append(c.History, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if c.Fields == nil {
		c.Fields = map[string]string{}
	}
	return &c, nil
}

// Save writes the snapshot and appends history entries not yet stored, in
// one transaction.
func (s *SQLiteStore) Save(ctx context.Context, c *referral.Case) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var stored int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM cases WHERE conversation_id = ?`, c.ConversationID).Scan(&stored)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
		stored = 0
	} else if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if c.Version != stored {
		return ErrVersionConflict
	}

	next := *c
	next.Version = c.Version + 1
	history := next.History
	next.History = nil
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode case: %w", err)
	}

	now := time.Now().UTC()
	if exists {
		_, err = tx.ExecContext(ctx, `
			UPDATE cases SET task_state = ?, sub_state = ?, turn_count = ?, version = ?, snapshot = ?, updated_at = ?
			WHERE conversation_id = ? AND version = ?`,
			string(next.TaskState), string(next.SubState), next.TurnCount, next.Version, string(data), now,
			c.ConversationID, stored)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cases (conversation_id, case_id, task_state, sub_state, turn_count, version, snapshot, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ConversationID, next.ID, string(next.TaskState), string(next.SubState), next.TurnCount, next.Version, string(data), now, now)
	}
	if err != nil {
		return fmt.Errorf("write case: %w", err)
	}

	var have int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM turns WHERE conversation_id = ?`, c.ConversationID).Scan(&have); err != nil {
		return fmt.Errorf("count turns: %w", err)
	}
	for i := have; i < len(history); i++ {
		t := history[i]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turns (conversation_id, seq, role, text, at) VALUES (?, ?, ?, ?, ?)`,
			c.ConversationID, i, string(t.Role), t.Text, t.At.UTC()); err != nil {
			return fmt.Errorf("append turn: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	c.Version = next.Version
	return nil
}

// CountByTaskState returns how many cases sit in each task state.
func (s *SQLiteStore) CountByTaskState(ctx context.Context) (map[referral.TaskState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_state, COUNT(*) FROM cases GROUP BY task_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[referral.TaskState]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[referral.TaskState(state)] = n
	}
	return out, rows.Err()
}
