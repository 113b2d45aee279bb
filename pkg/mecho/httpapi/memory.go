package httpapi

import (
	"net/http"

	"github.com/mecho-run/mecho/pkg/mecho/mechoerr"
	"github.com/mecho-run/mecho/pkg/mecho/memorystore"
)

type coreResponse struct {
	ModeID      string `json:"modeId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Detail      string `json:"detail"`
}

func (s *Server) handleMemoryCore(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getCore(w, r)
	case http.MethodPut:
		s.putCore(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) getCore(w http.ResponseWriter, r *http.Request) {
	modeID, err := sanitizeModeID(r.URL.Query().Get("modeId"))
	if err != nil {
		writeError(w, err)
		return
	}
	ms, err := s.getMode(modeID)
	if err != nil {
		writeError(w, err)
		return
	}
	core, ok, err := ms.store.GetCore()
	if err != nil {
		writeError(w, mechoerr.Wrap(mechoerr.KindInternal, "get core", err))
		return
	}
	if !ok {
		writeError(w, mechoerr.NotFoundf("core memory not set for mode %s", modeID))
		return
	}
	writeJSON(w, http.StatusOK, coreResponse{ModeID: modeID, Name: core.Name, Description: core.Description, Detail: core.Detail})
}

type coreUpsertRequest struct {
	ModeID      string `json:"modeId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Detail      string `json:"detail"`
}

func (s *Server) putCore(w http.ResponseWriter, r *http.Request) {
	var req coreUpsertRequest
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
	if len(req.Description) > memorystore.MaxCoreDescription {
		writeError(w, mechoerr.Validationf("description exceeds %d characters", memorystore.MaxCoreDescription))
		return
	}
	if len(req.Detail) > memorystore.MaxCoreDetail {
		writeError(w, mechoerr.Validationf("detail exceeds %d characters", memorystore.MaxCoreDetail))
		return
	}

	ms, err := s.getMode(modeID)
	if err != nil {
		writeError(w, err)
		return
	}

	var rev int64
	err = ms.store.WithTx(func(tx *memorystore.Tx) error {
		var txErr error
		rev, txErr = tx.BumpRevision()
		if txErr != nil {
			return txErr
		}
		if txErr := tx.InsertEvent(rev, memorystore.EventCoreUpsert, "", req); txErr != nil {
			return txErr
		}
		return tx.UpsertCore(req.Name, req.Description, req.Detail)
	})
	if err != nil {
		writeError(w, mechoerr.Wrap(mechoerr.KindInternal, "upsert core", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "revision": rev})
}

type curatedResponse struct {
	ModeID      string `json:"modeId"`
	MemoryID    string `json:"memoryId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Detail      string `json:"detail,omitempty"`
}

func (s *Server) handleMemoryCurated(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listCurated(w, r)
	case http.MethodPut:
		s.putCurated(w, r)
	case http.MethodDelete:
		s.deleteCurated(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) listCurated(w http.ResponseWriter, r *http.Request) {
	modeID, err := sanitizeModeID(r.URL.Query().Get("modeId"))
	if err != nil {
		writeError(w, err)
		return
	}
	ms, err := s.getMode(modeID)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := ms.store.ListCurated()
	if err != nil {
		writeError(w, mechoerr.Wrap(mechoerr.KindInternal, "list curated", err))
		return
	}
	out := make([]curatedResponse, 0, len(items))
	for _, c := range items {
		out = append(out, curatedResponse{ModeID: modeID, MemoryID: c.MemoryID, Name: c.Name, Description: c.Description})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMemoryCuratedDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	modeID, err := sanitizeModeID(r.URL.Query().Get("modeId"))
	if err != nil {
		writeError(w, err)
		return
	}
	memoryID := r.URL.Query().Get("memoryId")
	if err := requireField("memoryId", memoryID); err != nil {
		writeError(w, err)
		return
	}
	ms, err := s.getMode(modeID)
	if err != nil {
		writeError(w, err)
		return
	}
	c, ok, err := ms.store.GetCurated(memoryID)
	if err != nil {
		writeError(w, mechoerr.Wrap(mechoerr.KindInternal, "get curated", err))
		return
	}
	if !ok || c.IsDeleted {
		writeError(w, mechoerr.NotFoundf("curated memory %s not found", memoryID))
		return
	}
	writeJSON(w, http.StatusOK, curatedResponse{ModeID: modeID, MemoryID: c.MemoryID, Name: c.Name, Description: c.Description, Detail: c.Detail})
}

type curatedUpsertRequest struct {
	ModeID      string `json:"modeId"`
	MemoryID    string `json:"memoryId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Detail      string `json:"detail"`
}

func (s *Server) putCurated(w http.ResponseWriter, r *http.Request) {
	var req curatedUpsertRequest
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
	if err := requireField("name", req.Name); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Description) > memorystore.MaxCuratedDescription {
		writeError(w, mechoerr.Validationf("description exceeds %d characters", memorystore.MaxCuratedDescription))
		return
	}
	if len(req.Detail) > memorystore.MaxCuratedDetail {
		writeError(w, mechoerr.Validationf("detail exceeds %d characters", memorystore.MaxCuratedDetail))
		return
	}

	ms, err := s.getMode(modeID)
	if err != nil {
		writeError(w, err)
		return
	}

	var rev int64
	err = ms.store.WithTx(func(tx *memorystore.Tx) error {
		var txErr error
		rev, txErr = tx.BumpRevision()
		if txErr != nil {
			return txErr
		}
		if txErr := tx.InsertEvent(rev, memorystore.EventCuratedUpsert, req.MemoryID, req); txErr != nil {
			return txErr
		}
		return tx.UpsertCurated(req.MemoryID, req.Name, req.Description, req.Detail)
	})
	if err != nil {
		writeError(w, mechoerr.Wrap(mechoerr.KindInternal, "upsert curated", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "revision": rev})
}

type curatedDeleteRequest struct {
	ModeID   string `json:"modeId"`
	MemoryID string `json:"memoryId"`
}

func (s *Server) deleteCurated(w http.ResponseWriter, r *http.Request) {
	var req curatedDeleteRequest
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
	_, ok, err := ms.store.GetCurated(req.MemoryID)
	if err != nil {
		writeError(w, mechoerr.Wrap(mechoerr.KindInternal, "get curated", err))
		return
	}
	if !ok {
		writeError(w, mechoerr.NotFoundf("curated memory %s not found", req.MemoryID))
		return
	}

	var rev int64
	err = ms.store.WithTx(func(tx *memorystore.Tx) error {
		var txErr error
		rev, txErr = tx.BumpRevision()
		if txErr != nil {
			return txErr
		}
		if txErr := tx.InsertEvent(rev, memorystore.EventCuratedDelete, req.MemoryID, req); txErr != nil {
			return txErr
		}
		return tx.SoftDeleteCurated(req.MemoryID)
	})
	if err != nil {
		writeError(w, mechoerr.Wrap(mechoerr.KindInternal, "delete curated", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "revision": rev})
}
