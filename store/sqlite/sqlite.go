// Package sqlite implements the aegis session store and document index
// using pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/kelvaris/aegis"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and row counts.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements aegis.SessionStore backed by a local SQLite file.
// Conversations survive restarts; eviction and expiry happen inside
// transactions so a crash never leaves a session over its bounds.
type Store struct {
	db     *sql.DB
	limits aegis.Limits
	logger *slog.Logger
}

var _ aegis.SessionStore = (*Store)(nil)

// New creates a session Store at dbPath with the given limits.
// It opens a single shared connection pool with SetMaxOpenConns(1) so
// that all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors caused by concurrent writers.
func New(dbPath string, limits aegis.Limits, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, limits: limits, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: session store opened", "path", dbPath)
	return s
}

// Init creates the session tables and indexes. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			key TEXT PRIMARY KEY,
			last_touched INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		// Sweeps scan by age, appends and reads scan by key.
		`CREATE INDEX IF NOT EXISTS idx_sessions_touched ON sessions(last_touched)`,
		`CREATE INDEX IF NOT EXISTS idx_session_messages_key ON session_messages(session_key)`,
	}
	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Append adds one message to a session, evicting the oldest entries past
// MaxMessages and touching the session clock, all in one transaction.
func (s *Store) Append(ctx context.Context, key string, msg aegis.Message) error {
	start := time.Now()
	s.logger.Debug("sqlite: append", "key", key, "role", msg.Role)

	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_messages (session_key, role, content, created_at)
		 VALUES (?, ?, ?, ?)`,
		key, msg.Role, msg.Content, created.Unix(),
	); err != nil {
		return fmt.Errorf("append: insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (key, last_touched) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET last_touched = excluded.last_touched`,
		key, created.Unix(),
	); err != nil {
		return fmt.Errorf("append: touch session: %w", err)
	}

	if s.limits.MaxMessages > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM session_messages WHERE session_key = ? AND id NOT IN (
				SELECT id FROM session_messages WHERE session_key = ?
				ORDER BY id DESC LIMIT ?
			)`,
			key, key, s.limits.MaxMessages,
		); err != nil {
			return fmt.Errorf("append: evict: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append: commit: %w", err)
	}
	s.logger.Debug("sqlite: append ok", "key", key, "duration", time.Since(start))
	return nil
}

// Context returns the rendered conversation prefix for a session, bounded
// by MaxContextChars without splitting messages. Unknown sessions yield
// an empty context, not an error.
func (s *Store) Context(ctx context.Context, key string) (string, error) {
	start := time.Now()

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM session_messages
		 WHERE session_key = ? ORDER BY id ASC`,
		key,
	)
	if err != nil {
		return "", fmt.Errorf("context: query: %w", err)
	}
	defer rows.Close()

	var msgs []aegis.Message
	for rows.Next() {
		var m aegis.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return "", fmt.Errorf("context: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("context: iterate: %w", err)
	}

	out := aegis.AssembleContext(msgs, s.limits.MaxContextChars)
	s.logger.Debug("sqlite: context ok", "key", key, "messages", len(msgs), "chars", len(out), "duration", time.Since(start))
	return out, nil
}

// Delete removes a session and its messages, reporting whether the
// session existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("delete: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_messages WHERE session_key = ?`, key,
	); err != nil {
		return false, fmt.Errorf("delete: messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete: session: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("delete: commit: %w", err)
	}
	s.logger.Debug("sqlite: delete ok", "key", key, "existed", n > 0, "duration", time.Since(start))
	return n > 0, nil
}

// SweepExpired removes every session whose last activity predates the
// TTL, returning how many were removed. The last_touched index keeps the
// scan proportional to the expired set.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	cutoff := now.Add(-s.limits.TTL).Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sweep: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_messages WHERE session_key IN (
			SELECT key FROM sessions WHERE last_touched < ?
		)`,
		cutoff,
	); err != nil {
		return 0, fmt.Errorf("sweep: messages: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_touched < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("sweep: sessions: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sweep: commit: %w", err)
	}
	if n > 0 {
		s.logger.Info("sqlite: swept expired sessions", "count", n, "duration", time.Since(start))
	}
	return int(n), nil
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}
