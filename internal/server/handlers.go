package server

import (
	"errors"
	"net/http"

	"github.com/centryhq/centry/internal/interfaces"
	"github.com/centryhq/centry/internal/models"
)

// triggerRequest is the POST /api/aggregation/runs body.
type triggerRequest struct {
	UserID       string `json:"user_id"`
	BaseCurrency string `json:"base_currency,omitempty"`
	Force        bool   `json:"force,omitempty"`
}

// handleRuns dispatches /api/aggregation/runs: POST triggers a run, GET
// returns the run history.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleTriggerRun(w, r)
	case http.MethodGet:
		s.handleRunHistory(w, r)
	default:
		RequireMethod(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = QueryUserID(r)
	}
	if req.UserID == "" {
		WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	run, err := s.app.AggregationService.Trigger(r.Context(), req.UserID, interfaces.TriggerOptions{
		BaseCurrency: req.BaseCurrency,
		Force:        req.Force,
	})
	if err != nil {
		var inProgress *models.RunInProgressError
		if errors.As(err, &inProgress) {
			WriteErrorWithCode(w, http.StatusConflict, err.Error(), "run_in_progress")
			return
		}
		s.logger.Error().Err(err).Str("user", req.UserID).Msg("Aggregation trigger failed")
		WriteError(w, http.StatusInternalServerError, "Failed to run aggregation: "+err.Error())
		return
	}

	// Failed runs are persisted and returned as results, not transport errors.
	WriteJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	userID := QueryUserID(r)
	if userID == "" {
		WriteError(w, http.StatusBadRequest, "user is required")
		return
	}
	limit := QueryInt(r, "limit", 20)

	runs, err := s.app.AggregationService.RunHistory(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Run history lookup failed")
		WriteError(w, http.StatusInternalServerError, "Failed to list runs: "+err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"runs":    runs,
		"count":   len(runs),
	})
}

// handleActiveResult handles GET /api/aggregation/result — the latest
// completed run with its consolidated holdings.
func (s *Server) handleActiveResult(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	userID := QueryUserID(r)
	if userID == "" {
		WriteError(w, http.StatusBadRequest, "user is required")
		return
	}

	run, err := s.app.AggregationService.ActiveResult(r.Context(), userID)
	if err != nil {
		if errors.Is(err, models.ErrNoActiveRun) {
			WriteErrorWithCode(w, http.StatusNotFound, "No completed aggregation run for user", "no_active_run")
			return
		}
		s.logger.Error().Err(err).Str("user", userID).Msg("Active result lookup failed")
		WriteError(w, http.StatusInternalServerError, "Failed to load result: "+err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, run)
}

// handleConflicts handles GET /api/aggregation/conflicts — the audit log of
// past conflict resolutions, optionally filtered by symbol.
func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	userID := QueryUserID(r)
	if userID == "" {
		WriteError(w, http.StatusBadRequest, "user is required")
		return
	}
	symbol := r.URL.Query().Get("symbol")

	records, err := s.app.AggregationService.ConflictLog(r.Context(), userID, symbol)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Conflict log lookup failed")
		WriteError(w, http.StatusInternalServerError, "Failed to load conflict log: "+err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   userID,
		"conflicts": records,
		"count":     len(records),
	})
}

// handlePreferences dispatches /api/aggregation/preferences: GET returns the
// stored policy (defaults when never saved), PUT replaces it.
func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetPreferences(w, r)
	case http.MethodPut:
		s.handleSavePreferences(w, r)
	default:
		RequireMethod(w, r, http.MethodGet, http.MethodPut)
	}
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := QueryUserID(r)
	if userID == "" {
		WriteError(w, http.StatusBadRequest, "user is required")
		return
	}

	prefs, err := s.app.Storage.PreferenceStore().GetPreferences(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Preference lookup failed")
		WriteError(w, http.StatusInternalServerError, "Failed to load preferences: "+err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, prefs)
}

func (s *Server) handleSavePreferences(w http.ResponseWriter, r *http.Request) {
	var prefs models.AggregationPreferences
	if !DecodeJSON(w, r, &prefs) {
		return
	}
	if prefs.UserID == "" {
		prefs.UserID = QueryUserID(r)
	}
	if prefs.UserID == "" {
		WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := s.app.Storage.PreferenceStore().SavePreferences(r.Context(), &prefs); err != nil {
		// SavePreferences validates policy invariants before writing.
		WriteError(w, http.StatusBadRequest, "Invalid preferences: "+err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, &prefs)
}

// handleRunEventsWS upgrades to a WebSocket streaming run state transitions.
func (s *Server) handleRunEventsWS(w http.ResponseWriter, r *http.Request) {
	s.app.AggregationHub().ServeWS(w, r)
}
