package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/go-pkgz/lgr"

	"github.com/umputun/boardstore/app/domain"
	"github.com/umputun/boardstore/app/migrate"
	"github.com/umputun/boardstore/app/storage"
	"github.com/umputun/boardstore/app/store"
)

// APIStatsResponse is the JSON response for /api/v1/stats
type APIStatsResponse struct {
	storage.Stats
	SizeHuman string    `json:"size_human"`
	Timestamp time.Time `json:"timestamp"`
}

// APIResult is the JSON response of mutating endpoints
type APIResult struct {
	Status string `json:"status"`
}

// handleGetSnapshot returns persisted snapshot, default snapshot for empty store
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.Load(r.Context(), s.defaults(time.Now()))
	if err != nil {
		log.Printf("[ERROR] failed to load snapshot: %v", err)
		s.writeJSONError(w, statusFor(err), "failed to load snapshot: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// handlePutSnapshot saves full snapshot from request body
func (s *Server) handlePutSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap domain.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid snapshot: "+err.Error())
		return
	}
	if err := s.store.Save(r.Context(), snap); err != nil {
		log.Printf("[WARN] failed to save snapshot: %v", err)
		s.writeJSONError(w, statusFor(err), "failed to save snapshot: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, APIResult{Status: "saved"})
}

// handleGetSettings returns all settings as json object
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.LoadSettings(r.Context())
	if err != nil {
		log.Printf("[ERROR] failed to load settings: %v", err)
		s.writeJSONError(w, statusFor(err), "failed to load settings: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

// handlePutSettings replaces settings with json object from request body
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var values map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid settings: "+err.Error())
		return
	}
	if values == nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid settings: json object expected")
		return
	}
	if err := s.store.SaveSettings(r.Context(), values); err != nil {
		log.Printf("[WARN] failed to save settings: %v", err)
		s.writeJSONError(w, statusFor(err), "failed to save settings: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, APIResult{Status: "saved"})
}

// handleGetStats returns storage stats
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		log.Printf("[ERROR] failed to get stats: %v", err)
		s.writeJSONError(w, statusFor(err), "failed to get stats: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, APIStatsResponse{
		Stats:     st,
		SizeHuman: humanize.Bytes(uint64(max(st.Size, 0))), //nolint:gosec // non-negative
		Timestamp: time.Now(),
	})
}

// handleClear removes all boards, tasks and settings
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Clear(r.Context()); err != nil {
		log.Printf("[WARN] failed to clear storage: %v", err)
		s.writeJSONError(w, statusFor(err), "failed to clear: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, APIResult{Status: "cleared"})
}

// handleClearAll destroys and recreates the database
func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearAll(r.Context()); err != nil {
		log.Printf("[WARN] failed to clear all: %v", err)
		s.writeJSONError(w, statusFor(err), "failed to clear all: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, APIResult{Status: "cleared"})
}

// statusFor maps storage errors to http status codes
func statusFor(err error) int {
	var serErr *store.SerializationError
	var migErr *migrate.MigrationError
	switch {
	case errors.As(err, &serErr):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotPersistent), errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrBlocked):
		return http.StatusConflict
	case errors.As(err, &migErr), errors.Is(err, store.ErrVersionConflict):
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}
