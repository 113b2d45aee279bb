// Package memorystore implements the per-mode Memory Store.
// core + curated records, monotonic revision, append-only event log,
// session-sync table, and prepare-turn log. One Store wraps one mode's
// mecho.db; the HTTP API layer is responsible for caching Store instances
// by mode_id ("per-mode memory stores are cached in-memory").
package memorystore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	MaxCoreDescription    = 1000
	MaxCoreDetail         = 3000
	MaxCuratedDescription = 500
	MaxCuratedDetail      = 3000
)

// EventType enumerates MemoryEvent.event_type values.
type EventType string

const (
	EventCoreUpsert    EventType = "core_upsert"
	EventCuratedUpsert EventType = "curated_upsert"
	EventCuratedDelete EventType = "curated_delete"
)

// Core mirrors CoreMemory.
type Core struct {
	ModeID      string
	Name        string
	Description string
	Detail      string
}

// Curated mirrors CuratedMemory.
type Curated struct {
	ModeID      string
	MemoryID    string
	Name        string
	Description string
	Detail      string
	IsDeleted   bool
	UpdatedAt   time.Time
}

// Event mirrors MemoryEvent.
type Event struct {
	ID          int64
	ModeID      string
	Rev         int64
	EventType   EventType
	MemoryID    string
	PayloadJSON string
	CreatedAt   time.Time
}

// PrepareTurn mirrors the PrepareTurn entity.
type PrepareTurn struct {
	PrepareID    string
	SessionKey   string
	ModeID       string
	FromRevision int64
	ToRevision   int64
	Mode         string
	CreatedAt    time.Time
	AckedAt      *time.Time
	AckStatus    string
}

// Store wraps one mode's mecho.db connection.
type Store struct {
	db     *sql.DB
	modeID string
	logger *slog.Logger
}

// Open creates or migrates the mecho.db at dbPath for the given (already
// sanitized) modeID.
func Open(dbPath, modeID string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open mecho db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mecho db: %w", err)
	}
	s := &Store{db: db, modeID: modeID, logger: logger.With("mode_id", modeID)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Checkpoint runs a best-effort WAL checkpoint after an ack.
func (s *Store) Checkpoint() {
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(PASSIVE)`); err != nil {
		s.logger.Warn("wal checkpoint busy", "error", err)
	}
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS core_memory (
		mode_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS curated_memory (
		mode_id TEXT NOT NULL,
		memory_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		is_deleted INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (mode_id, memory_id)
	);

	CREATE TABLE IF NOT EXISTS revisions (
		mode_id TEXT PRIMARY KEY,
		current_rev INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS memory_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mode_id TEXT NOT NULL,
		rev INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		memory_id TEXT,
		payload_json TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_events_mode_rev ON memory_events(mode_id, rev, id);

	CREATE TABLE IF NOT EXISTS session_sync (
		session_key TEXT PRIMARY KEY,
		mode_id TEXT NOT NULL,
		last_acked_rev INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS prepare_turns (
		prepare_id TEXT PRIMARY KEY,
		session_key TEXT NOT NULL,
		mode_id TEXT NOT NULL,
		from_revision INTEGER NOT NULL,
		to_revision INTEGER NOT NULL,
		mode TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		acked_at DATETIME,
		ack_status TEXT NOT NULL DEFAULT ''
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create mecho schema: %w", err)
	}

	// Legacy column rename: agent_id -> mode_id, idempotent PRAGMA-driven.
	renamed, err := s.renameLegacyColumn("core_memory", "agent_id", "mode_id")
	if err != nil {
		return err
	}
	if renamed {
		s.logger.Info("migrated legacy agent_id column to mode_id")
	}
	return nil
}

// renameLegacyColumn renames a column if the legacy name is present and the
// new name is not, returning whether a rename happened.
func (s *Store) renameLegacyColumn(table, oldName, newName string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	var hasOld, hasNew bool
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == oldName {
			hasOld = true
		}
		if name == newName {
			hasNew = true
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	if !hasOld || hasNew {
		return false, nil
	}
	if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", table, oldName, newName)); err != nil {
		return false, fmt.Errorf("rename legacy column %s.%s: %w", table, oldName, err)
	}
	return true, nil
}

func marshalPayload(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
