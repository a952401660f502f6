package httpserver

import (
	"net/http"

	"github.com/wilsonzlin/aero/proxy/call-relay/internal/turnrest"
)

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	if s.turn == nil {
		WriteJSON(w, http.StatusOK, map[string]any{"iceServers": s.cfg.ICEServers})
		return
	}

	creds, err := s.turn.Issue("")
	if err != nil {
		s.log.Error("issue turn credentials", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, map[string]any{
		"iceServers": turnrest.Apply(s.cfg.ICEServers, creds),
		"expiresAt":  creds.ExpiresAt.Unix(),
	})
}
