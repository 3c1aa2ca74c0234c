package mailbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/sweeney/call-bridge/internal/calls"

	_ "modernc.org/sqlite"
)

// SQLite is a Mailbox persisted in a single-row SQLite table.
type SQLite struct {
	db  *sql.DB
	ttl time.Duration
}

// OpenSQLite opens or creates the mailbox database at path. A record older
// than ttl is dropped by Take; zero keeps records until taken.
func OpenSQLite(path string, ttl time.Duration) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create mailbox dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open mailbox database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure mailbox database: %w", err)
	}

	// slot is pinned to 1 so the table can never hold more than one record.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_action (
			slot      INTEGER PRIMARY KEY CHECK (slot = 1),
			action    TEXT NOT NULL,
			call_id   TEXT NOT NULL,
			stored_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create pending_action table: %w", err)
	}

	return &SQLite{db: db, ttl: ttl}, nil
}

func (s *SQLite) Store(ctx context.Context, p calls.PendingAction) error {
	if p.Empty() {
		return fmt.Errorf("storing pending action: empty record")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_action (slot, action, call_id, stored_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			action = excluded.action,
			call_id = excluded.call_id,
			stored_at = excluded.stored_at
	`, string(p.Action), p.CallID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("storing pending action: %w", err)
	}
	return nil
}

func (s *SQLite) Take(ctx context.Context) (calls.PendingAction, bool, error) {
	var action, callID string
	var storedAt int64
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM pending_action WHERE slot = 1 RETURNING action, call_id, stored_at`,
	).Scan(&action, &callID, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return calls.PendingAction{}, false, nil
	}
	if err != nil {
		return calls.PendingAction{}, false, fmt.Errorf("taking pending action: %w", err)
	}
	if s.ttl > 0 && time.Since(time.UnixMilli(storedAt)) > s.ttl {
		log.Printf("MAILBOX: dropping expired %s for %s", action, callID)
		return calls.PendingAction{}, false, nil
	}
	return calls.PendingAction{Action: calls.Action(action), CallID: callID}, true, nil
}

func (s *SQLite) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_action`); err != nil {
		return fmt.Errorf("clearing pending action: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
