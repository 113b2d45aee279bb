package memorystore

import (
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// GetCore returns the mode's single core record, or ok=false if unset.
func (s *Store) GetCore() (Core, bool, error) {
	var c Core
	c.ModeID = s.modeID
	err := s.db.QueryRow(`SELECT name, description, detail FROM core_memory WHERE mode_id=?`, s.modeID).
		Scan(&c.Name, &c.Description, &c.Detail)
	if err == sql.ErrNoRows {
		return Core{}, false, nil
	}
	if err != nil {
		return Core{}, false, fmt.Errorf("get core: %w", err)
	}
	return c, true, nil
}

// GetCurated returns one curated record regardless of its is_deleted flag,
// since event-log consumers (the Delta Compiler) must see deleted rows
// (3).
func (s *Store) GetCurated(memoryID string) (Curated, bool, error) {
	var c Curated
	c.ModeID, c.MemoryID = s.modeID, memoryID
	var deleted int
	err := s.db.QueryRow(
		`SELECT name, description, detail, is_deleted, updated_at FROM curated_memory WHERE mode_id=? AND memory_id=?`,
		s.modeID, memoryID,
	).Scan(&c.Name, &c.Description, &c.Detail, &deleted, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return Curated{}, false, nil
	}
	if err != nil {
		return Curated{}, false, fmt.Errorf("get curated: %w", err)
	}
	c.IsDeleted = deleted != 0
	return c, true, nil
}

// ListCurated returns all non-deleted curated records, sorted by memory_id
// for deterministic rendering.
func (s *Store) ListCurated() ([]Curated, error) {
	rows, err := s.db.Query(
		`SELECT memory_id, name, description, detail, updated_at FROM curated_memory WHERE mode_id=? AND is_deleted=0 ORDER BY memory_id`,
		s.modeID,
	)
	if err != nil {
		return nil, fmt.Errorf("list curated: %w", err)
	}
	defer rows.Close()

	var out []Curated
	for rows.Next() {
		c := Curated{ModeID: s.modeID}
		if err := rows.Scan(&c.MemoryID, &c.Name, &c.Description, &c.Detail, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan curated: %w", err)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemoryID < out[j].MemoryID })
	return out, rows.Err()
}

// GetCurrentRevision returns current_rev for this mode (0 if never bumped).
func (s *Store) GetCurrentRevision() (int64, error) {
	var rev int64
	err := s.db.QueryRow(`SELECT current_rev FROM revisions WHERE mode_id=?`, s.modeID).Scan(&rev)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get current revision: %w", err)
	}
	return rev, nil
}

// ListMemoryEventsInRange returns events with from < rev <= to, ordered by
// (rev, id) — the total order the Delta Compiler folds over.
func (s *Store) ListMemoryEventsInRange(fromExclusive, toInclusive int64) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT id, rev, event_type, COALESCE(memory_id, ''), payload_json, created_at
		FROM memory_events WHERE mode_id=? AND rev > ? AND rev <= ?
		ORDER BY rev ASC, id ASC
	`, s.modeID, fromExclusive, toInclusive)
	if err != nil {
		return nil, fmt.Errorf("list memory events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e := Event{ModeID: s.modeID}
		var eventType string
		if err := rows.Scan(&e.ID, &e.Rev, &eventType, &e.MemoryID, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory event: %w", err)
		}
		e.EventType = EventType(eventType)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetLastAckedRevision returns the last successfully-acked revision for a
// session_key, or 0 if none.
func (s *Store) GetLastAckedRevision(sessionKey string) (int64, error) {
	var rev int64
	err := s.db.QueryRow(`SELECT last_acked_rev FROM session_sync WHERE session_key=?`, sessionKey).Scan(&rev)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get last acked revision: %w", err)
	}
	return rev, nil
}

// UpsertLastAckedRevision sets last_acked_rev for a session_key.
func (s *Store) UpsertLastAckedRevision(sessionKey string, rev int64) error {
	_, err := s.db.Exec(`
		INSERT INTO session_sync (session_key, mode_id, last_acked_rev, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET last_acked_rev=excluded.last_acked_rev, updated_at=excluded.updated_at
	`, sessionKey, s.modeID, rev, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert last acked revision: %w", err)
	}
	return nil
}

// CreatePrepareTurn inserts a new PrepareTurn row and returns it.
func (s *Store) CreatePrepareTurn(prepareID, sessionKey string, fromRev, toRev int64, mode string) (PrepareTurn, error) {
	pt := PrepareTurn{
		PrepareID: prepareID, SessionKey: sessionKey, ModeID: s.modeID,
		FromRevision: fromRev, ToRevision: toRev, Mode: mode, CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO prepare_turns (prepare_id, session_key, mode_id, from_revision, to_revision, mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, pt.PrepareID, pt.SessionKey, pt.ModeID, pt.FromRevision, pt.ToRevision, pt.Mode, pt.CreatedAt)
	if err != nil {
		return PrepareTurn{}, fmt.Errorf("create prepare turn: %w", err)
	}
	return pt, nil
}

// GetPrepareTurn fetches a PrepareTurn by id.
func (s *Store) GetPrepareTurn(prepareID string) (PrepareTurn, bool, error) {
	var pt PrepareTurn
	var acked sql.NullTime
	var ackStatus sql.NullString
	err := s.db.QueryRow(`
		SELECT prepare_id, session_key, mode_id, from_revision, to_revision, mode, created_at, acked_at, ack_status
		FROM prepare_turns WHERE prepare_id=?
	`, prepareID).Scan(&pt.PrepareID, &pt.SessionKey, &pt.ModeID, &pt.FromRevision, &pt.ToRevision, &pt.Mode,
		&pt.CreatedAt, &acked, &ackStatus)
	if err == sql.ErrNoRows {
		return PrepareTurn{}, false, nil
	}
	if err != nil {
		return PrepareTurn{}, false, fmt.Errorf("get prepare turn: %w", err)
	}
	if acked.Valid {
		t := acked.Time
		pt.AckedAt = &t
	}
	pt.AckStatus = ackStatus.String
	return pt, true, nil
}

// AckPrepareTurn transitions a prepare row to acked, returning true iff this
// call was the one that performed the transition (idempotent under repeat
// acks). On a success status it also advances last_acked_rev.
func (s *Store) AckPrepareTurn(prepareID string, status string, now time.Time) (bool, error) {
	var transitioned bool
	err := s.WithTx(func(tx *Tx) error {
		var sessionKey string
		var toRev int64
		var alreadyAcked sql.NullTime
		err := tx.tx.QueryRow(
			`SELECT session_key, to_revision, acked_at FROM prepare_turns WHERE prepare_id=?`,
			prepareID,
		).Scan(&sessionKey, &toRev, &alreadyAcked)
		if err == sql.ErrNoRows {
			return fmt.Errorf("ack prepare turn: not found %s", prepareID)
		}
		if err != nil {
			return fmt.Errorf("read prepare turn: %w", err)
		}
		if alreadyAcked.Valid {
			transitioned = false
			return nil
		}

		if _, err := tx.tx.Exec(
			`UPDATE prepare_turns SET acked_at=?, ack_status=? WHERE prepare_id=?`,
			now, status, prepareID,
		); err != nil {
			return fmt.Errorf("update prepare turn: %w", err)
		}
		transitioned = true

		if status == "success" {
			if _, err := tx.tx.Exec(`
				INSERT INTO session_sync (session_key, mode_id, last_acked_rev, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(session_key) DO UPDATE SET last_acked_rev=excluded.last_acked_rev, updated_at=excluded.updated_at
			`, sessionKey, tx.modeID, toRev, now); err != nil {
				return fmt.Errorf("advance last acked rev: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return transitioned, nil
}
