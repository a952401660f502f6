package httpserver

import (
	"net/http"
	"time"

	"github.com/wilsonzlin/aero/proxy/call-relay/internal/presence"
)

type debugCall struct {
	CallID     string     `json:"callId"`
	AgentID    string     `json:"agentId"`
	CustomerID string     `json:"customerId"`
	State      string     `json:"state"`
	CreatedAt  time.Time  `json:"createdAt"`
	AcceptedAt *time.Time `json:"acceptedAt,omitempty"`
}

type debugAgent struct {
	AgentID   string    `json:"agentId"`
	Status    string    `json:"status"`
	Connected bool      `json:"connected"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// handleDebugCalls reports the live sessions and agent presence. Customer
// profile data is left out.
func (s *Server) handleDebugCalls(w http.ResponseWriter, r *http.Request) {
	sessions := s.deps.Sessions.Snapshot()
	calls := make([]debugCall, 0, len(sessions))
	for _, sess := range sessions {
		c := debugCall{
			CallID:     sess.ID,
			AgentID:    sess.AgentID,
			CustomerID: sess.CustomerID,
			State:      string(sess.State),
			CreatedAt:  sess.CreatedAt,
		}
		if !sess.AcceptedAt.IsZero() {
			at := sess.AcceptedAt
			c.AcceptedAt = &at
		}
		calls = append(calls, c)
	}

	agents := []debugAgent{}
	if s.deps.Presence != nil {
		for _, rec := range s.deps.Presence.Snapshot() {
			if rec.Identity.Role != presence.RoleAgent {
				continue
			}
			agents = append(agents, debugAgent{
				AgentID:   rec.Identity.ID,
				Status:    string(rec.Status),
				Connected: rec.Endpoint != nil,
				UpdatedAt: rec.UpdatedAt,
			})
		}
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"calls":  calls,
		"agents": agents,
	})
}
