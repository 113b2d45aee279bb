package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mecho-run/mecho/pkg/mecho/delta"
	"github.com/mecho-run/mecho/pkg/mecho/mechoerr"
)

// capXML keeps the first MaxXMLBytes bytes of an oversized delta payload and
// appends a truncation marker, rather than ever send an engine a
// multi-megabyte memory context.
func (s *Server) capXML(xml string) string {
	limit := s.delta.MaxXMLBytes
	if limit <= 0 || len(xml) <= limit {
		return xml
	}
	return xml[:limit] + "\n<!-- truncated -->"
}

type prepareRequest struct {
	ModeID     string `json:"modeId"`
	SessionKey string `json:"sessionKey"`
	ForceFull  bool   `json:"forceFull"`
}

type prepareResponse struct {
	PrepareID    string `json:"prepareId"`
	Mode         string `json:"mode"`
	FromRevision int64  `json:"fromRevision"`
	ToRevision   int64  `json:"toRevision"`
	XML          string `json:"xml"`
}

func (s *Server) handleTurnPrepare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req prepareRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	modeID, err := sanitizeModeID(req.ModeID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := requireField("sessionKey", req.SessionKey); err != nil {
		writeError(w, err)
		return
	}

	ms, err := s.getMode(modeID)
	if err != nil {
		writeError(w, err)
		return
	}

	fromRev, err := ms.store.GetLastAckedRevision(req.SessionKey)
	if err != nil {
		writeError(w, mechoerr.Wrap(mechoerr.KindInternal, "read session sync", err))
		return
	}
	if req.ForceFull {
		fromRev = 0
	}
	toRev, err := ms.store.GetCurrentRevision()
	if err != nil {
		writeError(w, mechoerr.Wrap(mechoerr.KindInternal, "read current revision", err))
		return
	}

	prepareID := uuid.NewString()
	result, err := delta.Compile(ms.store, modeID, fromRev, toRev, prepareID)
	if err != nil {
		writeError(w, mechoerr.Wrap(mechoerr.KindInternal, "compile delta", err))
		return
	}
	if _, err := ms.store.CreatePrepareTurn(prepareID, req.SessionKey, fromRev, toRev, string(result.Mode)); err != nil {
		writeError(w, mechoerr.Wrap(mechoerr.KindInternal, "create prepare turn", err))
		return
	}

	writeJSON(w, http.StatusOK, prepareResponse{
		PrepareID:    prepareID,
		Mode:         string(result.Mode),
		FromRevision: fromRev,
		ToRevision:   toRev,
		XML:          s.capXML(result.XML),
	})
}

type ackRequest struct {
	ModeID     string `json:"modeId"`
	PrepareID  string `json:"prepareId"`
	SessionKey string `json:"sessionKey"`
	Status     string `json:"status"`
}

type ackResponse struct {
	OK         bool `json:"ok"`
	Idempotent bool `json:"idempotent"`
}

// handleTurnAck: a prepare/ack pair is only valid
// for the mode and session it was created under, so a mismatch is a 409
// rather than a silent no-op.
func (s *Server) handleTurnAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req ackRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	modeID, err := sanitizeModeID(req.ModeID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := requireField("prepareId", req.PrepareID); err != nil {
		writeError(w, err)
		return
	}
	if req.Status != "success" && req.Status != "failed" {
		writeError(w, mechoerr.Validationf("status must be success or failed"))
		return
	}

	ms, err := s.getMode(modeID)
	if err != nil {
		writeError(w, err)
		return
	}

	pt, ok, err := ms.store.GetPrepareTurn(req.PrepareID)
	if err != nil {
		writeError(w, mechoerr.Wrap(mechoerr.KindInternal, "read prepare turn", err))
		return
	}
	if !ok {
		writeError(w, mechoerr.NotFoundf("prepare turn %s not found", req.PrepareID))
		return
	}
	if pt.ModeID != modeID || (req.SessionKey != "" && pt.SessionKey != req.SessionKey) {
		writeError(w, mechoerr.Conflictf("prepare turn %s does not belong to this mode/session", req.PrepareID))
		return
	}

	transitioned, err := ms.store.AckPrepareTurn(req.PrepareID, req.Status, time.Now().UTC())
	if err != nil {
		writeError(w, mechoerr.Wrap(mechoerr.KindInternal, "ack prepare turn", err))
		return
	}
	if req.Status == "success" {
		ms.store.Checkpoint()
	}

	writeJSON(w, http.StatusOK, ackResponse{OK: true, Idempotent: !transitioned})
}
