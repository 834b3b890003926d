package server

import (
	"net/http"
	"time"

	"github.com/centryhq/centry/internal/common"
)

// registerRoutes sets up all REST API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/shutdown", s.handleShutdown)

	// Sources
	mux.HandleFunc("/api/sources", s.handleSources)

	// Aggregation
	mux.HandleFunc("/api/aggregation/runs", s.handleRuns)
	mux.HandleFunc("/api/aggregation/result", s.handleActiveResult)
	mux.HandleFunc("/api/aggregation/conflicts", s.handleConflicts)
	mux.HandleFunc("/api/aggregation/preferences", s.handlePreferences)
	mux.HandleFunc("/api/aggregation/ws", s.handleRunEventsWS)
}

// --- System handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	sources := make([]string, 0, len(s.app.Config.Sources))
	for _, sc := range s.app.Config.Sources {
		sources = append(sources, sc.ID)
	}

	uptime := time.Since(s.app.StartupTime).Round(time.Second)

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"environment":      s.app.Config.Environment,
		"base_currency":    s.app.Config.BaseCurrency,
		"sources":          sources,
		"storage_path":     s.app.Config.Storage.Path,
		"logging_level":    s.app.Config.Logging.Level,
		"refresh_schedule": s.app.Config.Aggregation.RefreshSchedule,
		"rates_configured": s.app.Config.Rates.BaseURL != "",
		"uptime":           uptime.String(),
		"started_at":       s.app.StartupTime,
	})
}

// handleShutdown handles POST /api/shutdown (dev mode only).
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if s.app.Config.IsProduction() {
		WriteError(w, http.StatusForbidden, "Shutdown endpoint disabled in production")
		return
	}

	s.logger.Info().Msg("Shutdown requested via HTTP endpoint")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Shutting down gracefully...\n"))

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	if s.shutdownChan != nil {
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.shutdownChan <- struct{}{}
		}()
	}
}

// handleSources lists the configured holdings sources.
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	type sourceInfo struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Connected bool   `json:"connected"`
	}

	infos := make([]sourceInfo, 0, len(s.app.Config.Sources))
	for _, sc := range s.app.Config.Sources {
		infos = append(infos, sourceInfo{
			ID:        sc.ID,
			Name:      sc.Name,
			Connected: sc.BaseURL != "",
		})
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{"sources": infos})
}
