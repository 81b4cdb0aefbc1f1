package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/casedesk/internal/database"
	"github.com/saltyorg/casedesk/internal/dbsession"
)

const maxBodyBytes = 64 << 10

// Healthz reports liveness and the number of live sessions
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(h.coord.Snapshot()),
		"version":  h.version.Version,
	})
}

// Version returns build information
func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.version)
}

// Sessions returns the coordinator's bookkeeping snapshot
func (h *Handlers) Sessions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"sessions": h.coord.Snapshot()})
}

// Connections lists registered connection keys. Connection strings are never returned.
func (h *Handlers) Connections(w http.ResponseWriter, r *http.Request) {
	keys, err := h.coord.ConnectionKeys()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list connection keys")
		h.jsonError(w, "Failed to list connections", http.StatusInternalServerError)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

type registerRequest struct {
	ConnectionString string `json:"connection_string"`
}

// PutConnection registers the connection string for {key}
func (h *Handlers) PutConnection(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req registerRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ConnectionString == "" {
		h.jsonError(w, "connection_string is required", http.StatusBadRequest)
		return
	}

	if err := h.coord.RegisterConnectionString(key, req.ConnectionString); err != nil {
		if errors.Is(err, dbsession.ErrUnsupportedBackend) {
			h.jsonError(w, "Unsupported connection string", http.StatusBadRequest)
			return
		}
		log.Error().Err(err).Str("key", key).Msg("Failed to register connection string")
		h.jsonError(w, "Failed to register connection", http.StatusInternalServerError)
		return
	}

	log.Info().Str("key", key).Str("remote", r.RemoteAddr).Msg("Connection registered through API")
	h.jsonSuccess(w, "Connection registered")
}

// Probes returns the latest probe result per key
func (h *Handlers) Probes(w http.ResponseWriter, r *http.Request) {
	if h.probes == nil {
		h.jsonError(w, "Probing is disabled", http.StatusNotFound)
		return
	}

	results, err := h.probes.LatestProbeResults()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load probe results")
		h.jsonError(w, "Failed to load probe results", http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []*database.ProbeResult{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
