// Package httpapi implements the memory service's HTTP surface: turn
// prepare/ack, core/curated memory CRUD, archival search, and mode
// lifecycle. Handlers follow a plain net/http.ServeMux plus writeJSON
// convention rather than reaching for an external router.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/mecho-run/mecho/pkg/mecho/config"
	"github.com/mecho-run/mecho/pkg/mecho/embedding"
	"github.com/mecho-run/mecho/pkg/mecho/mechoerr"
	"github.com/mecho-run/mecho/pkg/mecho/memorystore"
	"github.com/mecho-run/mecho/pkg/mecho/modeid"
	"github.com/mecho-run/mecho/pkg/mecho/paths"
)

// modeStores bundles the two per-mode databases cached together, since a
// request that touches one almost always wants the other opened too.
type modeStores struct {
	store    *memorystore.Store
	archival *memorystore.ArchivalStore
}

// Server holds the memory service's dependencies and the per-mode store
// cache ("per-mode memory stores are cached in-memory").
type Server struct {
	mu        sync.Mutex
	modes     map[string]*modeStores
	modesRoot string
	embed     *embedding.Client
	archival  config.ArchivalConfig
	delta     config.DeltaConfig
	logger    *slog.Logger
}

// New builds a Server from service configuration.
func New(cfg *config.ServiceConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		modes:     map[string]*modeStores{},
		modesRoot: cfg.ModesRoot,
		embed:     embedding.New(cfg.Embedding),
		archival:  cfg.Archival,
		delta:     cfg.Delta,
		logger:    logger,
	}
}

// Handler builds the routed mux for the memory service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/turn/prepare", s.handleTurnPrepare)
	mux.HandleFunc("/v1/turn/ack", s.handleTurnAck)
	mux.HandleFunc("/v1/memory/core", s.handleMemoryCore)
	mux.HandleFunc("/v1/memory/curated", s.handleMemoryCurated)
	mux.HandleFunc("/v1/memory/curated/detail", s.handleMemoryCuratedDetail)
	mux.HandleFunc("/v1/archival/search", s.handleArchivalSearch)
	mux.HandleFunc("/v1/archival/upsert", s.handleArchivalUpsert)
	mux.HandleFunc("/v1/archival", s.handleArchivalDelete)
	mux.HandleFunc("/v1/mode/list", s.handleModeList)
	mux.HandleFunc("/v1/mode/create", s.handleModeCreate)
	mux.HandleFunc("/v1/mode/delete", s.handleModeDelete)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Close closes every cached per-mode store, for clean shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ms := range s.modes {
		if err := ms.store.Close(); err != nil {
			s.logger.Warn("close mecho db", "mode_id", id, "error", err)
		}
		if err := ms.archival.Close(); err != nil {
			s.logger.Warn("close archival db", "mode_id", id, "error", err)
		}
	}
}

// getMode returns the cached stores for modeID, opening and caching them on
// first use. modeID must already be sanitized.
func (s *Server) getMode(modeID string) (*modeStores, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ms, ok := s.modes[modeID]; ok {
		return ms, nil
	}

	dir := paths.ModeDir(s.modesRoot, modeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, mechoerr.Wrap(mechoerr.KindInternal, "create mode directory", err)
	}
	store, err := memorystore.Open(paths.ModeMechoDB(s.modesRoot, modeID), modeID, s.logger)
	if err != nil {
		return nil, mechoerr.Wrap(mechoerr.KindInternal, "open mode store", err)
	}
	archival, err := memorystore.OpenArchival(paths.ModeArchivalDB(s.modesRoot, modeID), modeID)
	if err != nil {
		store.Close()
		return nil, mechoerr.Wrap(mechoerr.KindInternal, "open archival store", err)
	}
	ms := &modeStores{store: store, archival: archival}
	s.modes[modeID] = ms
	return ms, nil
}

// dropMode closes and evicts a mode's cached stores, if present.
func (s *Server) dropMode(modeID string) {
	s.mu.Lock()
	ms, ok := s.modes[modeID]
	delete(s.modes, modeID)
	s.mu.Unlock()
	if !ok {
		return
	}
	ms.store.Close()
	ms.archival.Close()
}

// sanitizeModeID validates the modeId query/body field, returning a
// mechoerr.KindValidation error for an empty or all-stripped value.
func sanitizeModeID(raw string) (string, error) {
	id, ok := modeid.Sanitize(raw)
	if !ok {
		return "", mechoerr.Validationf("modeId is required")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError renders err as a JSON body with the status mechoerr maps its
// Kind to, classifying plain (non-mechoerr) errors as internal.
func writeError(w http.ResponseWriter, err error) {
	if me, ok := err.(*mechoerr.Error); ok {
		writeJSON(w, mechoerr.HTTPStatus(me.Kind), map[string]string{"error": me.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}

func decodeJSONBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return mechoerr.Wrap(mechoerr.KindValidation, "invalid JSON body", err)
	}
	return nil
}

func requireField(name, value string) error {
	if value == "" {
		return mechoerr.Validationf("%s is required", name)
	}
	return nil
}
