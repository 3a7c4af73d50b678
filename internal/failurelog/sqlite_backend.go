package failurelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStateBackend stores the slot in a single-row table of a local
// database file, for deployments that want durability without Postgres.
type SQLiteStateBackend struct {
	path    string
	slotKey string
	db      *sql.DB
}

func NewSQLiteStateBackend(path string) (*SQLiteStateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite state db: %w", err)
	}
	// one connection serializes writers inside this process
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS failmon_state (
			slot_key   TEXT PRIMARY KEY,
			snapshot   TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating sqlite state table: %w", err)
	}
	return &SQLiteStateBackend{path: path, slotKey: defaultSlotKey, db: db}, nil
}

func (b *SQLiteStateBackend) Load(ctx context.Context) (*Snapshot, error) {
	if b == nil || b.db == nil {
		return nil, nil
	}
	var payload string
	err := b.db.QueryRowContext(ctx, `SELECT snapshot FROM failmon_state WHERE slot_key = ?`, b.slotKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sqlite state: %w", err)
	}
	return decodeSnapshot([]byte(payload))
}

func (b *SQLiteStateBackend) Save(ctx context.Context, snapshot *Snapshot) error {
	if b == nil || b.db == nil || snapshot == nil {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO failmon_state (slot_key, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(slot_key) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		b.slotKey, string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("writing sqlite state: %w", err)
	}
	return nil
}

func (b *SQLiteStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
