package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go driver, registers as "sqlite"

	"github.com/forgehq/forge/pkg/forge"
)

// SQLiteStore persists history to a single file under ~/.forge, one file per
// data directory. It is the store used outside of tests.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if absent) the history database at path
// and ensures its schema exists. Pass ":memory:" for an ephemeral store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers across connections
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_session ON entries(session_id, id)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			body TEXT NOT NULL,
			covers_up_to INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_session ON summaries(session_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("history: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msg forge.Message) (forge.MessageId, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("history: marshal message: %w", err)
	}
	now := clock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (session_id, message, created_at) VALUES (?, ?, ?)`,
		sessionID, string(body), now,
	)
	if err != nil {
		return 0, fmt.Errorf("history: append: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history: append: %w", err)
	}
	return forge.MessageId(id), nil
}

func (s *SQLiteStore) Get(ctx context.Context, id forge.MessageId) (forge.HistoryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, message, created_at FROM entries WHERE id = ?`, int64(id))
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return forge.HistoryEntry{}, ErrNotFound
	}
	return entry, err
}

func (s *SQLiteStore) IterSince(ctx context.Context, sessionID string, after forge.MessageId, fn func(forge.HistoryEntry) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, message, created_at FROM entries WHERE session_id = ? AND id > ? ORDER BY id ASC`,
		sessionID, int64(after))
	if err != nil {
		return fmt.Errorf("history: iter since: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) Tail(ctx context.Context, sessionID string, n int) ([]forge.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, message, created_at FROM entries WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("history: tail: %w", err)
	}
	defer rows.Close()
	var reversed []forge.HistoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		reversed = append(reversed, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]forge.HistoryEntry, len(reversed))
	for i, e := range reversed {
		out[len(reversed)-1-i] = e
	}
	return out, nil
}

func (s *SQLiteStore) SaveSummary(ctx context.Context, sum forge.Summary) (forge.MessageId, error) {
	now := clock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (session_id, body, covers_up_to, created_at) VALUES (?, ?, ?, ?)`,
		sum.SessionID, sum.Body.String(), int64(sum.CoversUpTo), now,
	)
	if err != nil {
		return 0, fmt.Errorf("history: save summary: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history: save summary: %w", err)
	}
	return forge.MessageId(id), nil
}

func (s *SQLiteStore) LatestSummary(ctx context.Context, sessionID string) (forge.Summary, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, body, covers_up_to, created_at FROM summaries WHERE session_id = ? ORDER BY id DESC LIMIT 1`,
		sessionID)
	var (
		id         int64
		sid        string
		body       string
		coversUpTo int64
		createdAt  any
	)
	if err := row.Scan(&id, &sid, &body, &coversUpTo, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return forge.Summary{}, false, nil
		}
		return forge.Summary{}, false, fmt.Errorf("history: latest summary: %w", err)
	}
	content, err := forge.NewPersistableContent(body)
	if err != nil {
		return forge.Summary{}, false, fmt.Errorf("history: latest summary: %w", err)
	}
	return forge.Summary{
		ID:         forge.MessageId(id),
		SessionID:  sid,
		Body:       content,
		CoversUpTo: forge.MessageId(coversUpTo),
	}, true, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (forge.HistoryEntry, error) {
	var (
		id        int64
		sessionID string
		body      string
		createdAt sql.NullTime
	)
	if err := r.Scan(&id, &sessionID, &body, &createdAt); err != nil {
		return forge.HistoryEntry{}, err
	}
	var msg forge.Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return forge.HistoryEntry{}, fmt.Errorf("history: decode message %d: %w", id, err)
	}
	entry := forge.HistoryEntry{
		ID:        forge.MessageId(id),
		SessionID: sessionID,
		Message:   msg,
	}
	if createdAt.Valid {
		entry.CreatedAt = createdAt.Time
	}
	return entry, nil
}
