package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/harun/avatarcore/internal/observability"
	"github.com/harun/avatarcore/pkg/session"
	"github.com/harun/avatarcore/pkg/workqueue"
)

// AdminSecretHeader carries the shared secret on admin requests.
const AdminSecretHeader = "X-Avatar-Secret"

// StatsResponse is the body of GET /admin/stats.
type StatsResponse struct {
	Sessions    session.Stats   `json:"sessions"`
	Workers     workqueue.Stats `json:"workers"`
	Connections int             `json:"connections"`
}

func (s *Server) registerAdmin(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/sessions", s.requireSecret(s.handleListSessions))
	mux.HandleFunc("DELETE /admin/sessions/{id}", s.requireSecret(s.handleRemoveSession))
	mux.HandleFunc("GET /admin/connections", s.requireSecret(s.handleListConnections))
	mux.HandleFunc("GET /admin/stats", s.requireSecret(s.handleStats))
}

func (s *Server) requireSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authHandler.VerifySecret(r.Header.Get(AdminSecretHeader)) {
			observability.RecordSecurityAudit(r.Context(), "admin.auth", "", "rejected", map[string]interface{}{
				"path": r.URL.Path,
				"ip":   r.RemoteAddr,
			})
			writeJSONResponse(w, http.StatusUnauthorized, map[string]string{"error": "invalid secret"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleRemoveSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.manager.RemoveByID(id, session.ReasonAdmin)
	if errors.Is(err, session.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info().Str("session_id", id).Msg("Session removed by admin")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, s.registry.Infos())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, StatsResponse{
		Sessions:    s.manager.Stats(),
		Workers:     s.queue.Stats(),
		Connections: s.registry.Count(),
	})
}

func writeJSONResponse(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
