// Package session implements the Session Store: durable
// per-(user, context, engine) session identifiers, message-event dedup
// claims, and rotation summaries, backed by a SQLite database opened once
// per process.
package session

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the sessions.db connection. Access is serialized per
// connection; transactions are kept short and single-statement where
// possible, matching backends.SQLiteBackend's WAL + busy-timeout posture.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
}

// Session
type Session struct {
	UserID                string
	ContextID             string
	Engine                string
	SessionID             string
	CreatedAt             time.Time
	LastUsedAt            time.Time
	MessageCount          int
	CumulativeContextTokens int64
	ContextWindow         int64
}

// RotationSummary
type RotationSummary struct {
	UserID                string
	ContextID             string
	Engine                string
	SummaryText           string
	SourceSessionID       string
	ContextTokensAtRotation int64
	CreatedAt             time.Time
}

// Open creates or migrates the sessions database at dbPath.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sessions db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sessions db: %w", err)
	}
	s := &Store{db: db, logger: logger.With("component", "session_store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		user_id TEXT NOT NULL,
		context_id TEXT NOT NULL,
		engine TEXT NOT NULL DEFAULT 'primary',
		session_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_used_at DATETIME NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		cumulative_context_tokens INTEGER NOT NULL DEFAULT 0,
		context_window INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, context_id, engine)
	);

	CREATE TABLE IF NOT EXISTS processed_message_events (
		message_id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rotation_summaries (
		user_id TEXT NOT NULL,
		context_id TEXT NOT NULL,
		engine TEXT NOT NULL,
		summary_text TEXT NOT NULL,
		source_session_id TEXT NOT NULL,
		context_tokens_at_rotation INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, context_id, engine)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create session schema: %w", err)
	}

	// Legacy-schema migration: a pre-engine sessions table had PK
	// (user_id, context_id) with no engine column. Detect it by probing
	// the column list and, if found, copy all rows into engine='primary'
	// inside a single transaction.
	hasEngine, err := s.hasColumn("sessions", "engine")
	if err != nil {
		return err
	}
	if hasEngine {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin legacy migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`ALTER TABLE sessions RENAME TO sessions_legacy`); err != nil {
		return fmt.Errorf("rename legacy sessions table: %w", err)
	}
	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("recreate sessions schema: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO sessions (user_id, context_id, engine, session_id, created_at, last_used_at, message_count, cumulative_context_tokens, context_window)
		SELECT user_id, context_id, 'primary', session_id, created_at, last_used_at, message_count,
			COALESCE(cumulative_context_tokens, 0), COALESCE(context_window, 0)
		FROM sessions_legacy
	`); err != nil {
		return fmt.Errorf("copy legacy sessions: %w", err)
	}
	if _, err := tx.Exec(`DROP TABLE sessions_legacy`); err != nil {
		return fmt.Errorf("drop legacy sessions table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit legacy migration: %w", err)
	}
	s.logger.Info("migrated legacy sessions schema, engine defaulted to primary")
	return nil
}

func (s *Store) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// GetSession returns the session id for (user, context, engine), or ("", false).
func (s *Store) GetSession(userID, contextID, engine string) (string, bool, error) {
	var sessionID string
	err := s.db.QueryRow(
		`SELECT session_id FROM sessions WHERE user_id=? AND context_id=? AND engine=?`,
		userID, contextID, engine,
	).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get session: %w", err)
	}
	return sessionID, true, nil
}

// SaveSession inserts or replaces the session id, preserving created_at if
// the row already existed, incrementing message_count, and stamping
// last_used_at = now.
func (s *Store) SaveSession(userID, contextID, engine, sessionID string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO sessions (user_id, context_id, engine, session_id, created_at, last_used_at, message_count)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(user_id, context_id, engine) DO UPDATE SET
			session_id = excluded.session_id,
			last_used_at = excluded.last_used_at,
			message_count = message_count + 1
	`, userID, contextID, engine, sessionID, now, now)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// TouchSession updates last_used_at and increments message_count without
// changing the session id.
func (s *Store) TouchSession(userID, contextID, engine string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE sessions SET last_used_at=?, message_count = message_count + 1
		WHERE user_id=? AND context_id=? AND engine=?
	`, now, userID, contextID, engine)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("touch session: no row for %s/%s/%s", userID, contextID, engine)
	}
	return nil
}

// UpdateSessionTokens records the cumulative token usage and the model's
// context window size for rotation threshold checks (11).
func (s *Store) UpdateSessionTokens(userID, contextID, engine string, cumulativeTokens, contextWindow int64) error {
	_, err := s.db.Exec(`
		UPDATE sessions SET cumulative_context_tokens=?, context_window=?
		WHERE user_id=? AND context_id=? AND engine=?
	`, cumulativeTokens, contextWindow, userID, contextID, engine)
	if err != nil {
		return fmt.Errorf("update session tokens: %w", err)
	}
	return nil
}

// DeleteSession removes the session row(s) for (user, context[, engine]).
// An empty engine deletes across all engines for that (user, context).
func (s *Store) DeleteSession(userID, contextID, engine string) error {
	var err error
	if engine == "" {
		_, err = s.db.Exec(`DELETE FROM sessions WHERE user_id=? AND context_id=?`, userID, contextID)
	} else {
		_, err = s.db.Exec(`DELETE FROM sessions WHERE user_id=? AND context_id=? AND engine=?`, userID, contextID, engine)
	}
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SaveSummary inserts or replaces a RotationSummary keyed by (user, context, engine).
func (s *Store) SaveSummary(summary RotationSummary) error {
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO rotation_summaries (user_id, context_id, engine, summary_text, source_session_id, context_tokens_at_rotation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, context_id, engine) DO UPDATE SET
			summary_text=excluded.summary_text,
			source_session_id=excluded.source_session_id,
			context_tokens_at_rotation=excluded.context_tokens_at_rotation,
			created_at=excluded.created_at
	`, summary.UserID, summary.ContextID, summary.Engine, summary.SummaryText,
		summary.SourceSessionID, summary.ContextTokensAtRotation, summary.CreatedAt)
	if err != nil {
		return fmt.Errorf("save rotation summary: %w", err)
	}
	return nil
}

// ConsumeSummary reads and deletes the pending rotation summary for
// (user, context, engine), if any. Read-once semantics
func (s *Store) ConsumeSummary(userID, contextID, engine string) (*RotationSummary, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin consume summary: %w", err)
	}
	defer tx.Rollback()

	var sum RotationSummary
	sum.UserID, sum.ContextID, sum.Engine = userID, contextID, engine
	err = tx.QueryRow(`
		SELECT summary_text, source_session_id, context_tokens_at_rotation, created_at
		FROM rotation_summaries WHERE user_id=? AND context_id=? AND engine=?
	`, userID, contextID, engine).Scan(&sum.SummaryText, &sum.SourceSessionID, &sum.ContextTokensAtRotation, &sum.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rotation summary: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM rotation_summaries WHERE user_id=? AND context_id=? AND engine=?`, userID, contextID, engine); err != nil {
		return nil, fmt.Errorf("delete rotation summary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume summary: %w", err)
	}
	return &sum, nil
}

// ClaimMessageEvent atomically prunes rows older than now-window, then
// inserts-if-absent. Returns true iff the insertion happened. On storage
// error it fails open (returns true) to avoid silently dropping a user
// prompt, logging the failure.
func (s *Store) ClaimMessageEvent(messageID string, window time.Duration, now time.Time) bool {
	tx, err := s.db.Begin()
	if err != nil {
		s.logger.Warn("claim_message_event: begin failed, failing open", "error", err)
		return true
	}
	defer tx.Rollback()

	cutoff := now.Add(-window)
	if _, err := tx.Exec(`DELETE FROM processed_message_events WHERE created_at < ?`, cutoff); err != nil {
		s.logger.Warn("claim_message_event: prune failed, failing open", "error", err)
		return true
	}

	res, err := tx.Exec(`INSERT OR IGNORE INTO processed_message_events (message_id, created_at) VALUES (?, ?)`, messageID, now)
	if err != nil {
		s.logger.Warn("claim_message_event: insert failed, failing open", "error", err)
		return true
	}
	n, err := res.RowsAffected()
	if err != nil {
		s.logger.Warn("claim_message_event: rows affected failed, failing open", "error", err)
		return true
	}
	if err := tx.Commit(); err != nil {
		s.logger.Warn("claim_message_event: commit failed, failing open", "error", err)
		return true
	}
	return n == 1
}

// ListSessions returns all sessions, optionally filtered to a single engine.
func (s *Store) ListSessions(engine string) ([]Session, error) {
	var rows *sql.Rows
	var err error
	if engine == "" {
		rows, err = s.db.Query(`SELECT user_id, context_id, engine, session_id, created_at, last_used_at, message_count, cumulative_context_tokens, context_window FROM sessions`)
	} else {
		rows, err = s.db.Query(`SELECT user_id, context_id, engine, session_id, created_at, last_used_at, message_count, cumulative_context_tokens, context_window FROM sessions WHERE engine=?`, engine)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.UserID, &sess.ContextID, &sess.Engine, &sess.SessionID, &sess.CreatedAt,
			&sess.LastUsedAt, &sess.MessageCount, &sess.CumulativeContextTokens, &sess.ContextWindow); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CleanupOldSessions deletes sessions whose last_used_at is older than maxAge.
// Returns the number of rows removed.
func (s *Store) CleanupOldSessions(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.Exec(`DELETE FROM sessions WHERE last_used_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old sessions: %w", err)
	}
	return res.RowsAffected()
}
