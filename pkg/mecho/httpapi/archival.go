package httpapi

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/mecho-run/mecho/pkg/mecho/mechoerr"
	"github.com/mecho-run/mecho/pkg/mecho/memorystore"
)

// archivalEmbeddingText builds the canonical embedding input for an
// archival memory: name, description, and detail folded into one string.
func archivalEmbeddingText(name, description, detail string) string {
	return fmt.Sprintf("name: %s\ndescription: %s\ndetail: %s",
		strings.TrimSpace(name), strings.TrimSpace(description), strings.TrimSpace(detail))
}

type archivalSearchRequest struct {
	ModeID         string  `json:"modeId"`
	Query          string  `json:"query"`
	TopK           int     `json:"topK"`
	CandidateLimit int     `json:"candidateLimit"`
	MinScore       float64 `json:"minScore"`
	IncludeDetail  bool    `json:"includeDetail"`
}

type archivalSearchResult struct {
	MemoryID    string  `json:"memoryId"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Detail      string  `json:"detail,omitempty"`
	Score       float64 `json:"score"`
}

func (s *Server) handleArchivalSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req archivalSearchRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	modeID, err := sanitizeModeID(req.ModeID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := requireField("query", req.Query); err != nil {
		writeError(w, err)
		return
	}

	topK := req.TopK
	if topK <= 0 {
		topK = s.archival.DefaultTopK
	}
	if topK > s.archival.MaxTopK {
		topK = s.archival.MaxTopK
	}
	candidateLimit := req.CandidateLimit
	if candidateLimit <= 0 {
		candidateLimit = s.archival.DefaultCandidateLimit
	}
	minScore := req.MinScore
	if minScore <= 0 {
		minScore = s.archival.MinScore
	}

	ms, err := s.getMode(modeID)
	if err != nil {
		writeError(w, err)
		return
	}

	vectors, err := s.embed.Embed(r.Context(), []string{req.Query})
	if err != nil || len(vectors) == 0 {
		writeError(w, mechoerr.Wrap(mechoerr.KindTransient, "embed query", err))
		return
	}
	queryVec := vectors[0]
	norm := memorystore.L2Norm(queryVec)
	if norm <= 0 {
		writeJSON(w, http.StatusOK, []archivalSearchResult{})
		return
	}
	unit := make([]float32, len(queryVec))
	for i, v := range queryVec {
		unit[i] = float32(float64(v) / norm)
	}

	candidates, err := ms.archival.ListByDimension(len(queryVec), candidateLimit)
	if err != nil {
		writeError(w, mechoerr.Wrap(mechoerr.KindInternal, "list archival candidates", err))
		return
	}

	scored := make([]archivalSearchResult, 0, len(candidates))
	byID := map[string]memorystore.ArchivalMemory{}
	for _, c := range candidates {
		score, ok := memorystore.CosineScore(unit, c.Embedding, c.EmbeddingNorm)
		if !ok || score < minScore {
			continue
		}
		byID[c.MemoryID] = c
		scored = append(scored, archivalSearchResult{MemoryID: c.MemoryID, Name: c.Name, Description: c.Description, Score: score})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	if req.IncludeDetail {
		for i := range scored {
			scored[i].Detail = byID[scored[i].MemoryID].Detail
		}
	}

	writeJSON(w, http.StatusOK, scored)
}

type archivalUpsertRequest struct {
	ModeID      string `json:"modeId"`
	MemoryID    string `json:"memoryId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Detail      string `json:"detail"`
}

func (s *Server) handleArchivalUpsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req archivalUpsertRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	modeID, err := sanitizeModeID(req.ModeID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := requireField("name", req.Name); err != nil {
		writeError(w, err)
		return
	}
	memoryID := req.MemoryID
	if memoryID == "" {
		memoryID = uuid.NewString()
	}

	ms, err := s.getMode(modeID)
	if err != nil {
		writeError(w, err)
		return
	}

	text := archivalEmbeddingText(req.Name, req.Description, req.Detail)
	vectors, err := s.embed.Embed(r.Context(), []string{text})
	if err != nil || len(vectors) == 0 {
		writeError(w, mechoerr.Wrap(mechoerr.KindTransient, "embed archival memory", err))
		return
	}

	created, err := ms.archival.Upsert(memorystore.ArchivalMemory{
		MemoryID:    memoryID,
		ModeID:      modeID,
		Name:        req.Name,
		Description: req.Description,
		Detail:      req.Detail,
		Embedding:   vectors[0],
	})
	if err != nil {
		writeError(w, mechoerr.Wrap(mechoerr.KindInternal, "upsert archival", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"memoryId": memoryID, "created": created})
}

type archivalDeleteRequest struct {
	ModeID   string `json:"modeId"`
	MemoryID string `json:"memoryId"`
}

func (s *Server) handleArchivalDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}

	var req archivalDeleteRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	modeID, err := sanitizeModeID(req.ModeID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := requireField("memoryId", req.MemoryID); err != nil {
		writeError(w, err)
		return
	}

	ms, err := s.getMode(modeID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := ms.archival.Delete(req.MemoryID); err != nil {
		writeError(w, mechoerr.Wrap(mechoerr.KindInternal, "delete archival", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
