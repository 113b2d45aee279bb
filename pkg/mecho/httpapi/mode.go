package httpapi

import (
	"net/http"
	"os"

	"github.com/mecho-run/mecho/pkg/mecho/mechoerr"
	"github.com/mecho-run/mecho/pkg/mecho/paths"
)

func (s *Server) handleModeList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	entries, err := os.ReadDir(s.modesRoot)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, map[string]any{"modes": []string{}})
			return
		}
		writeError(w, mechoerr.Wrap(mechoerr.KindInternal, "list modes", err))
		return
	}
	modes := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			modes = append(modes, e.Name())
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"modes": modes})
}

type modeRequest struct {
	ModeID string `json:"modeId"`
}

func (s *Server) handleModeCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req modeRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	modeID, err := sanitizeModeID(req.ModeID)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.getMode(modeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"modeId": modeID, "ok": true})
}

func (s *Server) handleModeDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req modeRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	modeID, err := sanitizeModeID(req.ModeID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.dropMode(modeID)
	dir := paths.ModeDir(s.modesRoot, modeID)
	if err := os.RemoveAll(dir); err != nil {
		writeError(w, mechoerr.Wrap(mechoerr.KindInternal, "delete mode directory", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"modeId": modeID, "ok": true})
}
