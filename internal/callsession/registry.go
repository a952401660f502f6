package callsession

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callerr"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/presence"
)

// Registry is the table of sessions that have not yet been removed. Each agent
// and each customer is bound to at most one non-terminal session.
type Registry struct {
	newID func() string

	mu         sync.Mutex
	sessions   map[string]*Session
	byAgent    map[string]string
	byCustomer map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		newID:      uuid.NewString,
		sessions:   make(map[string]*Session),
		byAgent:    make(map[string]string),
		byCustomer: make(map[string]string),
	}
}

// Create allocates a new Initiated session.
func (r *Registry) Create(agentID, customerID string, now time.Time) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.liveLocked(r.byAgent, agentID); s != nil {
		return Session{}, fmt.Errorf("agent %s already in call %s: %w", agentID, s.ID, callerr.ErrConflict)
	}
	if s := r.liveLocked(r.byCustomer, customerID); s != nil {
		return Session{}, fmt.Errorf("customer %s already in call %s: %w", customerID, s.ID, callerr.ErrConflict)
	}

	id := r.newID()
	for r.sessions[id] != nil {
		id = r.newID()
	}
	s := &Session{
		ID:         id,
		AgentID:    agentID,
		CustomerID: customerID,
		State:      StateInitiated,
		CreatedAt:  now,
	}
	r.sessions[id] = s
	r.byAgent[agentID] = id
	r.byCustomer[customerID] = id
	return *s, nil
}

func (r *Registry) Get(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	if s == nil {
		return Session{}, fmt.Errorf("call %s: %w", id, callerr.ErrNotFound)
	}
	return *s, nil
}

// Transition applies fn to the stored session. The session is left unchanged
// when fn returns an error.
func (r *Registry) Transition(id string, fn func(*Session) error) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	if s == nil {
		return Session{}, fmt.Errorf("call %s: %w", id, callerr.ErrNotFound)
	}
	next := *s
	if err := fn(&next); err != nil {
		return *s, err
	}
	if next.ID != s.ID || next.AgentID != s.AgentID || next.CustomerID != s.CustomerID {
		return *s, fmt.Errorf("%w: call %s parties are immutable", ErrInvalidTransition, id)
	}
	*s = next
	return next, nil
}

// Remove evicts a session. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	if s == nil {
		return
	}
	delete(r.sessions, id)
	if r.byAgent[s.AgentID] == id {
		delete(r.byAgent, s.AgentID)
	}
	if r.byCustomer[s.CustomerID] == id {
		delete(r.byCustomer, s.CustomerID)
	}
}

// FindBy returns the session that identity is a party to.
func (r *Registry) FindBy(identity presence.Identity) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	index := r.byCustomer
	if identity.Role == presence.RoleAgent {
		index = r.byAgent
	}
	id, ok := index[identity.ID]
	if !ok {
		return Session{}, false
	}
	s := r.sessions[id]
	if s == nil {
		return Session{}, false
	}
	return *s, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns all sessions ordered by creation time.
func (r *Registry) Snapshot() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) liveLocked(index map[string]string, key string) *Session {
	id, ok := index[key]
	if !ok {
		return nil
	}
	s := r.sessions[id]
	if s == nil || s.Terminal() {
		return nil
	}
	return s
}
