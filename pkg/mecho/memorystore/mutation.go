package memorystore

import (
	"database/sql"
	"fmt"
	"time"
)

// Tx bundles a *sql.Tx with the mutation helpers that must all run inside the
// same transaction to preserve the rev<->event 1:1 invariant: every mutating
// call must bump the revision and insert a matching memory event in the same
// transaction.
type Tx struct {
	tx     *sql.Tx
	modeID string
}

// WithTx runs fn inside a single database transaction scoped to this store's
// mode, committing on success and rolling back on error or panic.
func (s *Store) WithTx(fn func(*Tx) error) error {
	sqlTx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin mutation: %w", err)
	}
	tx := &Tx{tx: sqlTx, modeID: s.modeID}
	defer sqlTx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit mutation: %w", err)
	}
	return nil
}

// BumpRevision ensures a revisions row exists for this mode, increments
// current_rev by one, and returns the new value.
func (tx *Tx) BumpRevision() (int64, error) {
	if _, err := tx.tx.Exec(`INSERT OR IGNORE INTO revisions (mode_id, current_rev) VALUES (?, 0)`, tx.modeID); err != nil {
		return 0, fmt.Errorf("ensure revision row: %w", err)
	}
	if _, err := tx.tx.Exec(`UPDATE revisions SET current_rev = current_rev + 1 WHERE mode_id = ?`, tx.modeID); err != nil {
		return 0, fmt.Errorf("bump revision: %w", err)
	}
	var rev int64
	if err := tx.tx.QueryRow(`SELECT current_rev FROM revisions WHERE mode_id = ?`, tx.modeID).Scan(&rev); err != nil {
		return 0, fmt.Errorf("read bumped revision: %w", err)
	}
	return rev, nil
}

// InsertEvent appends one MemoryEvent row for the given revision.
func (tx *Tx) InsertEvent(rev int64, eventType EventType, memoryID string, payload any) error {
	_, err := tx.tx.Exec(
		`INSERT INTO memory_events (mode_id, rev, event_type, memory_id, payload_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		tx.modeID, rev, string(eventType), nullableString(memoryID), marshalPayload(payload), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert memory event: %w", err)
	}
	return nil
}

// UpsertCore writes the core record inside the transaction.
func (tx *Tx) UpsertCore(name, description, detail string) error {
	_, err := tx.tx.Exec(`
		INSERT INTO core_memory (mode_id, name, description, detail) VALUES (?, ?, ?, ?)
		ON CONFLICT(mode_id) DO UPDATE SET name=excluded.name, description=excluded.description, detail=excluded.detail
	`, tx.modeID, name, description, detail)
	if err != nil {
		return fmt.Errorf("upsert core: %w", err)
	}
	return nil
}

// UpsertCurated writes a curated record inside the transaction, clearing
// any prior soft-delete flag.
func (tx *Tx) UpsertCurated(memoryID, name, description, detail string) error {
	now := time.Now().UTC()
	_, err := tx.tx.Exec(`
		INSERT INTO curated_memory (mode_id, memory_id, name, description, detail, is_deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(mode_id, memory_id) DO UPDATE SET
			name=excluded.name, description=excluded.description, detail=excluded.detail,
			is_deleted=0, updated_at=excluded.updated_at
	`, tx.modeID, memoryID, name, description, detail, now)
	if err != nil {
		return fmt.Errorf("upsert curated: %w", err)
	}
	return nil
}

// SoftDeleteCurated marks a curated record deleted inside the transaction.
func (tx *Tx) SoftDeleteCurated(memoryID string) error {
	now := time.Now().UTC()
	res, err := tx.tx.Exec(`UPDATE curated_memory SET is_deleted=1, updated_at=? WHERE mode_id=? AND memory_id=?`, now, tx.modeID, memoryID)
	if err != nil {
		return fmt.Errorf("soft delete curated: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("soft delete curated: no row %s/%s", tx.modeID, memoryID)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
