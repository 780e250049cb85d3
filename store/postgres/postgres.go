// Package postgres implements the aegis session store on PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool. Appends take a row
// lock on the session so writes to one conversation serialize while
// independent conversations proceed concurrently.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kelvaris/aegis"
)

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Store implements aegis.SessionStore backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	limits aegis.Limits
	logger *slog.Logger
}

var _ aegis.SessionStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, limits aegis.Limits, opts ...Option) *Store {
	s := &Store{pool: pool, limits: limits, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the session tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			key TEXT PRIMARY KEY,
			last_touched BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_messages (
			id BIGSERIAL PRIMARY KEY,
			session_key TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_touched_idx ON sessions(last_touched)`,
		`CREATE INDEX IF NOT EXISTS session_messages_key_idx ON session_messages(session_key)`,
	}
	for _, ddl := range stmts {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Append adds one message to a session, evicting the oldest entries past
// MaxMessages and touching the session clock, all in one transaction.
// The session row is locked for the duration, serialising appends per key.
func (s *Store) Append(ctx context.Context, key string, msg aegis.Message) error {
	start := time.Now()
	s.logger.Debug("postgres: append", "key", key, "role", msg.Role)

	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Ensure the row exists, then lock it for per-key serialisation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO sessions (key, last_touched) VALUES ($1, $2)
		 ON CONFLICT (key) DO NOTHING`,
		key, created.Unix(),
	); err != nil {
		return fmt.Errorf("postgres: ensure session: %w", err)
	}
	var touched int64
	if err := tx.QueryRow(ctx,
		`SELECT last_touched FROM sessions WHERE key = $1 FOR UPDATE`, key,
	).Scan(&touched); err != nil {
		return fmt.Errorf("postgres: lock session: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO session_messages (session_key, role, content, created_at)
		 VALUES ($1, $2, $3, $4)`,
		key, msg.Role, msg.Content, created.Unix(),
	); err != nil {
		return fmt.Errorf("postgres: insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET last_touched = $2 WHERE key = $1`,
		key, created.Unix(),
	); err != nil {
		return fmt.Errorf("postgres: touch session: %w", err)
	}

	if s.limits.MaxMessages > 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM session_messages WHERE session_key = $1 AND id NOT IN (
				SELECT id FROM session_messages WHERE session_key = $1
				ORDER BY id DESC LIMIT $2
			)`,
			key, s.limits.MaxMessages,
		); err != nil {
			return fmt.Errorf("postgres: evict: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	s.logger.Debug("postgres: append ok", "key", key, "duration", time.Since(start))
	return nil
}

// Context returns the rendered conversation prefix for a session, bounded
// by MaxContextChars without splitting messages. Unknown sessions yield
// an empty context, not an error.
func (s *Store) Context(ctx context.Context, key string) (string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT role, content FROM session_messages
		 WHERE session_key = $1 ORDER BY id ASC`,
		key,
	)
	if err != nil {
		return "", fmt.Errorf("postgres: context query: %w", err)
	}
	defer rows.Close()

	var msgs []aegis.Message
	for rows.Next() {
		var m aegis.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return "", fmt.Errorf("postgres: context scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("postgres: context iterate: %w", err)
	}

	return aegis.AssembleContext(msgs, s.limits.MaxContextChars), nil
}

// Delete removes a session and its messages, reporting whether the
// session existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM session_messages WHERE session_key = $1`, key,
	); err != nil {
		return false, fmt.Errorf("postgres: delete messages: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("postgres: delete session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("postgres: commit tx: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SweepExpired removes every session whose last activity predates the
// TTL, returning how many were removed.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	cutoff := now.Add(-s.limits.TTL).Unix()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM session_messages WHERE session_key IN (
			SELECT key FROM sessions WHERE last_touched < $1
		)`,
		cutoff,
	); err != nil {
		return 0, fmt.Errorf("postgres: sweep messages: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM sessions WHERE last_touched < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: sweep sessions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit tx: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		s.logger.Info("postgres: swept expired sessions", "count", n, "duration", time.Since(start))
	}
	return n, nil
}
