package memorystore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ArchivalMemory mirrors the ArchivalMemory entity. Vectors are
// stored verbatim as JSON float arrays, the way copilot/memory/sqlite_store.go
// stores chunk embeddings — avoiding a dependency on the sqlite-vec extension
// while still supporting in-process cosine search.
type ArchivalMemory struct {
	MemoryID      string
	ModeID        string
	Name          string
	Description   string
	Detail        string
	Embedding     []float32
	EmbeddingDim  int
	EmbeddingNorm float64
	MetadataJSON  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ArchivalStore wraps a mode's archival.db.
type ArchivalStore struct {
	db     *sql.DB
	modeID string
}

// OpenArchival creates or migrates the archival.db at dbPath for modeID.
func OpenArchival(dbPath, modeID string) (*ArchivalStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archival db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping archival db: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS archival_memory (
		memory_id TEXT NOT NULL,
		mode_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		embedding TEXT NOT NULL,
		embedding_dim INTEGER NOT NULL,
		embedding_norm REAL NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (mode_id, memory_id)
	);
	CREATE INDEX IF NOT EXISTS idx_archival_dim_updated ON archival_memory(mode_id, embedding_dim, updated_at DESC);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create archival schema: %w", err)
	}
	return &ArchivalStore{db: db, modeID: modeID}, nil
}

func (a *ArchivalStore) Close() error { return a.db.Close() }

// L2Norm computes the Euclidean norm of a vector.
func L2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Upsert inserts or replaces an archival row keyed by memory_id. When
// memoryID is empty a new id must have already been allocated by the
// caller. Returns created=false when the row already existed (
// round-trip: "upsert(memoryId=X) then upsert(memoryId=X) returns
// created=false on the second call").
func (a *ArchivalStore) Upsert(m ArchivalMemory) (created bool, err error) {
	if m.MetadataJSON == "" {
		m.MetadataJSON = "{}"
	}
	embeddingJSON, err := json.Marshal(m.Embedding)
	if err != nil {
		return false, fmt.Errorf("marshal embedding: %w", err)
	}
	now := time.Now().UTC()

	var existed int
	_ = a.db.QueryRow(`SELECT 1 FROM archival_memory WHERE mode_id=? AND memory_id=?`, a.modeID, m.MemoryID).Scan(&existed)
	created = existed == 0

	createdAt := now
	if !created {
		_ = a.db.QueryRow(`SELECT created_at FROM archival_memory WHERE mode_id=? AND memory_id=?`, a.modeID, m.MemoryID).Scan(&createdAt)
	}

	_, err = a.db.Exec(`
		INSERT INTO archival_memory (memory_id, mode_id, name, description, detail, embedding, embedding_dim, embedding_norm, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mode_id, memory_id) DO UPDATE SET
			name=excluded.name, description=excluded.description, detail=excluded.detail,
			embedding=excluded.embedding, embedding_dim=excluded.embedding_dim, embedding_norm=excluded.embedding_norm,
			metadata_json=excluded.metadata_json, updated_at=excluded.updated_at
	`, m.MemoryID, a.modeID, m.Name, m.Description, m.Detail, string(embeddingJSON), len(m.Embedding),
		L2Norm(m.Embedding), m.MetadataJSON, createdAt, now)
	if err != nil {
		return false, fmt.Errorf("upsert archival: %w", err)
	}
	return created, nil
}

// Delete removes an archival row by memory_id.
func (a *ArchivalStore) Delete(memoryID string) error {
	_, err := a.db.Exec(`DELETE FROM archival_memory WHERE mode_id=? AND memory_id=?`, a.modeID, memoryID)
	if err != nil {
		return fmt.Errorf("delete archival: %w", err)
	}
	return nil
}

// ListByDimension returns up to limit rows matching dim, ordered by
// updated_at desc.
func (a *ArchivalStore) ListByDimension(dim, limit int) ([]ArchivalMemory, error) {
	rows, err := a.db.Query(`
		SELECT memory_id, name, description, detail, embedding, embedding_dim, embedding_norm, metadata_json, created_at, updated_at
		FROM archival_memory WHERE mode_id=? AND embedding_dim=? ORDER BY updated_at DESC LIMIT ?
	`, a.modeID, dim, limit)
	if err != nil {
		return nil, fmt.Errorf("list archival by dimension: %w", err)
	}
	defer rows.Close()

	var out []ArchivalMemory
	for rows.Next() {
		m := ArchivalMemory{ModeID: a.modeID}
		var embeddingJSON string
		if err := rows.Scan(&m.MemoryID, &m.Name, &m.Description, &m.Detail, &embeddingJSON, &m.EmbeddingDim,
			&m.EmbeddingNorm, &m.MetadataJSON, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan archival: %w", err)
		}
		if err := json.Unmarshal([]byte(embeddingJSON), &m.Embedding); err != nil {
			return nil, fmt.Errorf("unmarshal embedding: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CosineScore computes the cosine similarity between a (already L2-normalized)
// query vector and a candidate, using the candidate's cached norm. Returns
// false when the candidate's norm is zero or non-finite, or the score itself
// is non-finite. No minimum-score threshold is applied here.
func CosineScore(queryUnit, candidate []float32, candidateNorm float64) (float64, bool) {
	if candidateNorm <= 0 || math.IsInf(candidateNorm, 0) || math.IsNaN(candidateNorm) {
		return 0, false
	}
	var dot float64
	n := len(queryUnit)
	if len(candidate) < n {
		n = len(candidate)
	}
	for i := 0; i < n; i++ {
		dot += float64(queryUnit[i]) * float64(candidate[i])
	}
	score := dot / candidateNorm
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, false
	}
	return score, true
}
