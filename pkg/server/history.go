package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prabucki/energa-sync/pkg/energa"
	"github.com/prabucki/energa-sync/pkg/storage"
	"github.com/prabucki/energa-sync/pkg/types"
)

type historyRunsResponse struct {
	Runs []types.RunStatus `json:"runs"`
}

// handleHistoryImport starts a history import and returns the launched runs.
// The work happens in the background; poll /api/history/runs for progress.
func (s *Server) handleHistoryImport(w http.ResponseWriter, r *http.Request) {
	var req types.BackfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	statuses, err := s.engine.Start(r.Context(), req)
	if err != nil {
		// Discovery rides on the provider; its failures are an upstream
		// outage, not a malformed request.
		if energa.IsTransient(err) || errors.Is(err, energa.ErrSessionExpired) {
			writeJSONError(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, historyRunsResponse{Runs: statuses}, http.StatusAccepted)
}

func (s *Server) handleHistoryRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, historyRunsResponse{Runs: s.engine.Runs()}, http.StatusOK)
}

// handleSnapshot serves the latest live sync result, falling back to the last
// persisted snapshot when the process has not completed a round yet.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.coordinator.Snapshot()
	if !ok {
		if s.storage == nil {
			writeJSONError(w, "no snapshot yet", http.StatusNotFound)
			return
		}
		stored, err := s.storage.GetLatestSnapshot(r.Context())
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, "no snapshot yet", http.StatusNotFound)
			return
		}
		if err != nil {
			writeJSONError(w, "failed to load snapshot", http.StatusInternalServerError)
			return
		}
		snap = stored
	}
	writeJSON(w, snap, http.StatusOK)
}
