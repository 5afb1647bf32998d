// Package store persists session histories in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"agentsync/internal/domain"
)

// SQLiteHistoryStore implements domain.HistoryStore using SQLite. Each
// session is stored as its ordered list of wire-encoded messages.
type SQLiteHistoryStore struct {
	db *sql.DB
}

var _ domain.HistoryStore = (*SQLiteHistoryStore)(nil)

// SessionInfo summarizes one stored session.
type SessionInfo struct {
	ID        string
	Messages  int
	UpdatedAt time.Time
}

// NewSQLiteHistoryStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteHistoryStore(dbPath string) (*SQLiteHistoryStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &SQLiteHistoryStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			updated_at INTEGER NOT NULL
		)
	`); err != nil {
		return err
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			position   INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			local_id   TEXT NOT NULL DEFAULT '',
			payload    TEXT NOT NULL,
			PRIMARY KEY (session_id, position)
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteHistoryStore) Close() error {
	return s.db.Close()
}

// Save replaces the stored history of sessionID with msgs.
func (s *SQLiteHistoryStore) Save(ctx context.Context, sessionID string, msgs []domain.Message) error {
	const op = "store.Save"
	if sessionID == "" {
		return domain.NewDomainError(op, domain.ErrNoActiveSession, "")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrStore, err.Error())
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UnixNano()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, updated_at) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		sessionID, now,
	); err != nil {
		return domain.NewDomainError(op, domain.ErrStore, err.Error())
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
		return domain.NewDomainError(op, domain.ErrStore, err.Error())
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO messages (session_id, position, kind, message_id, local_id, payload) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return domain.NewDomainError(op, domain.ErrStore, err.Error())
	}
	defer stmt.Close()

	for i, m := range msgs {
		data, err := domain.EncodeMessage(m)
		if err != nil {
			return domain.NewDomainError(op, domain.ErrStore, err.Error())
		}
		if _, err := stmt.ExecContext(ctx, sessionID, i, string(m.Kind()), m.Header().ID, domain.LocalIDOf(m), string(data)); err != nil {
			return domain.NewDomainError(op, domain.ErrStore, err.Error())
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.NewDomainError(op, domain.ErrStore, err.Error())
	}
	return nil
}

// Load returns the stored history of sessionID in saved order. An unknown
// session yields an empty history.
func (s *SQLiteHistoryStore) Load(ctx context.Context, sessionID string) ([]domain.Message, error) {
	const op = "store.Load"
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM messages WHERE session_id = ? ORDER BY position", sessionID)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrStore, err.Error())
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, domain.NewDomainError(op, domain.ErrStore, err.Error())
		}
		m, err := domain.DecodeMessage([]byte(payload))
		if err != nil {
			return nil, domain.WrapOp(op, fmt.Errorf("%w: %w", domain.ErrStore, err))
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrStore, err.Error())
	}
	return msgs, nil
}

// ListSessions returns stored sessions, most recently updated first.
func (s *SQLiteHistoryStore) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.updated_at, COUNT(m.position)
		FROM sessions s LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id
		ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, domain.NewDomainError("store.ListSessions", domain.ErrStore, err.Error())
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			info    SessionInfo
			updated int64
		)
		if err := rows.Scan(&info.ID, &updated, &info.Messages); err != nil {
			return nil, domain.NewDomainError("store.ListSessions", domain.ErrStore, err.Error())
		}
		info.UpdatedAt = time.Unix(0, updated)
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes a stored session and its messages.
func (s *SQLiteHistoryStore) Delete(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewDomainError("store.Delete", domain.ErrStore, err.Error())
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
		return domain.NewDomainError("store.Delete", domain.ErrStore, err.Error())
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID); err != nil {
		return domain.NewDomainError("store.Delete", domain.ErrStore, err.Error())
	}
	return tx.Commit()
}
