// ABOUTME: SQLite write-through persistence for session state using modernc.org/sqlite
// ABOUTME: Stores snapshots plus append-only transcript and log rows with auto-schema

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLitePersister implements Persister backed by a local SQLite database.
// The in-memory Store stays authoritative during a session; the database
// exists so a restarted coordinator can list and inspect past sessions.
type SQLitePersister struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLitePersister opens (or creates) the database at the given path.
// Parent directories and the schema are created if needed.
func NewSQLitePersister(path string) (*SQLitePersister, error) {
	logger := slog.Default().With("component", "session-db")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps status queries readable while updates commit
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	p := &SQLitePersister{db: db, logger: logger}
	if err := p.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("session database initialized", "path", path)
	return p, nil
}

func (p *SQLitePersister) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			state_json TEXT NOT NULL,
			version INTEGER NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversation_turns (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (session_id, seq)
		);

		CREATE TABLE IF NOT EXISTS session_logs (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			context_json TEXT,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (session_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_turns_session
			ON conversation_turns(session_id);

		CREATE INDEX IF NOT EXISTS idx_logs_session
			ON session_logs(session_id);
	`

	if _, err := p.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveState upserts the session snapshot and syncs the append-only tables.
// Transcript and log rows are written once per index; a reset (shorter
// history than what is stored) clears the old rows first.
func (p *SQLitePersister) SaveState(ctx context.Context, sessionID string, state State, version uint64) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, state_json, version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state_json = excluded.state_json,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		sessionID, string(stateJSON), version, now)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}

	if err := p.syncTurns(ctx, tx, sessionID, state.ConversationHistory); err != nil {
		return err
	}
	if err := p.syncLogs(ctx, tx, sessionID, state.Logs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing session save: %w", err)
	}
	return nil
}

func (p *SQLitePersister) syncTurns(ctx context.Context, tx *sql.Tx, sessionID string, turns []Turn) error {
	var stored int
	row := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_turns WHERE session_id = ?`, sessionID)
	if err := row.Scan(&stored); err != nil {
		return fmt.Errorf("counting turns: %w", err)
	}

	if stored > len(turns) {
		// Session was reset; the transcript starts over
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM conversation_turns WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("clearing turns: %w", err)
		}
		stored = 0
	}

	for i := stored; i < len(turns); i++ {
		t := turns[i]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_turns (session_id, seq, role, text, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			sessionID, i, t.Role, t.Text, t.Timestamp.UTC()); err != nil {
			return fmt.Errorf("inserting turn %d: %w", i, err)
		}
	}
	return nil
}

func (p *SQLitePersister) syncLogs(ctx context.Context, tx *sql.Tx, sessionID string, logs []LogEntry) error {
	var stored int
	row := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_logs WHERE session_id = ?`, sessionID)
	if err := row.Scan(&stored); err != nil {
		return fmt.Errorf("counting logs: %w", err)
	}

	if stored > len(logs) {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM session_logs WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("clearing logs: %w", err)
		}
		stored = 0
	}

	for i := stored; i < len(logs); i++ {
		e := logs[i]
		var ctxJSON *string
		if e.Context != nil {
			raw, err := json.Marshal(e.Context)
			if err != nil {
				return fmt.Errorf("marshaling log context: %w", err)
			}
			s := string(raw)
			ctxJSON = &s
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_logs (session_id, seq, level, message, context_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, i, e.Level, e.Message, ctxJSON, e.Timestamp.UTC()); err != nil {
			return fmt.Errorf("inserting log %d: %w", i, err)
		}
	}
	return nil
}

// LoadState returns the persisted snapshot and commit version for one session.
func (p *SQLitePersister) LoadState(ctx context.Context, sessionID string) (State, uint64, error) {
	var stateJSON string
	var version uint64
	row := p.db.QueryRowContext(ctx,
		`SELECT state_json, version FROM sessions WHERE id = ?`, sessionID)
	if err := row.Scan(&stateJSON, &version); err != nil {
		if err == sql.ErrNoRows {
			return State{}, 0, fmt.Errorf("session %s: not found", sessionID)
		}
		return State{}, 0, fmt.Errorf("loading session: %w", err)
	}

	var state State
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return State{}, 0, fmt.Errorf("unmarshaling state: %w", err)
	}
	return state, version, nil
}

// ListSessions returns the IDs of all persisted sessions, most recent first.
func (p *SQLitePersister) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the underlying database.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}
