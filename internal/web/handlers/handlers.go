// Package handlers serves the JSON inspection API over a coordinator.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/casedesk/internal/database"
	"github.com/saltyorg/casedesk/internal/dbsession"
)

// ProbeResults is the registry view the probe endpoint reads
type ProbeResults interface {
	LatestProbeResults() ([]*database.ProbeResult, error)
}

// VersionInfo holds application version information
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Handlers contains all HTTP handlers
type Handlers struct {
	coord   *dbsession.Coordinator
	probes  ProbeResults
	version VersionInfo
}

// New creates a new Handlers instance. probes may be nil when probing is disabled.
func New(coord *dbsession.Coordinator, probes ProbeResults, version VersionInfo) *Handlers {
	return &Handlers{
		coord:   coord,
		probes:  probes,
		version: version,
	}
}

// writeJSON sends v with the given status
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// jsonError sends a JSON error response
func (h *Handlers) jsonError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// jsonSuccess sends a JSON success response
func (h *Handlers) jsonSuccess(w http.ResponseWriter, message string) {
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": message})
}
