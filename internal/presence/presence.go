// Package presence tracks which agents and customers are connected, the
// endpoint each one is reachable on, and agent availability.
package presence

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callerr"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/protocol"
)

type Role string

const (
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
)

// Status is an identity's availability. Customers only use StatusOnline and
// StatusOffline.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

type Identity struct {
	Role Role
	ID   string
}

func Agent(id string) Identity    { return Identity{Role: RoleAgent, ID: id} }
func Customer(id string) Identity { return Identity{Role: RoleCustomer, ID: id} }

func (i Identity) String() string { return string(i.Role) + ":" + i.ID }

// Endpoint is a live transport handle. Send must not block.
type Endpoint interface {
	ID() string
	Send(ev protocol.ServerEvent) error
}

// Profile is display metadata shown to the other party of a call.
type Profile struct {
	Name  string
	Email string
}

type Record struct {
	Identity  Identity
	Endpoint  Endpoint
	Status    Status
	Profile   Profile
	UpdatedAt time.Time
}

// StatusListener observes agent status changes. It is called with the
// registry lock released and must not block.
type StatusListener func(agentID string, status Status)

type Config struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
	OnStatus StatusListener
}

type Registry struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	onStatus StatusListener

	mu         sync.Mutex
	records    map[Identity]*Record
	byEndpoint map[string]Identity
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		onStatus:   cfg.OnStatus,
		records:    make(map[Identity]*Record),
		byEndpoint: make(map[string]Identity),
	}
}

// RegisterAgent binds ep to agentID and marks the agent online. A previous
// endpoint for the same agent is superseded. An agent that is still busy with
// a live session stays busy.
func (r *Registry) RegisterAgent(agentID string, ep Endpoint) error {
	status, changed, err := r.register(Agent(agentID), ep, nil)
	if err != nil {
		return err
	}
	if changed {
		r.notify(agentID, status)
	}
	return nil
}

// RegisterCustomer binds ep to customerID and stores the customer's profile.
func (r *Registry) RegisterCustomer(customerID string, ep Endpoint, profile Profile) error {
	_, _, err := r.register(Customer(customerID), ep, &profile)
	return err
}

func (r *Registry) register(id Identity, ep Endpoint, profile *Profile) (Status, bool, error) {
	if ep == nil {
		return "", false, fmt.Errorf("register %s: nil endpoint", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if bound, ok := r.byEndpoint[ep.ID()]; ok && bound != id {
		return "", false, fmt.Errorf("register %s: endpoint already bound to %s: %w", id, bound, callerr.ErrConflict)
	}

	rec := r.records[id]
	if rec == nil {
		rec = &Record{Identity: id, Status: StatusOffline}
		r.records[id] = rec
	}
	if rec.Endpoint != nil && rec.Endpoint.ID() != ep.ID() {
		delete(r.byEndpoint, rec.Endpoint.ID())
		r.logger.Info("presence endpoint superseded",
			"identity", id.String(),
			"old_endpoint_id", rec.Endpoint.ID(),
			"endpoint_id", ep.ID(),
		)
	}
	rec.Endpoint = ep
	r.byEndpoint[ep.ID()] = id
	if profile != nil {
		rec.Profile = *profile
	}

	prev := rec.Status
	if prev != StatusBusy {
		rec.Status = StatusOnline
	}
	rec.UpdatedAt = r.now()
	r.checkBindingLocked(id)
	return rec.Status, rec.Status != prev, nil
}

// EndpointOwner returns the identity currently bound to endpointID.
func (r *Registry) EndpointOwner(endpointID string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byEndpoint[endpointID]
	return id, ok
}

// Lookup returns the live endpoint bound to id.
func (r *Registry) Lookup(id Identity) (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[id]
	if rec == nil || rec.Endpoint == nil {
		return nil, fmt.Errorf("%s: %w", id, callerr.ErrNotFound)
	}
	return rec.Endpoint, nil
}

// Get returns a copy of id's record.
func (r *Registry) Get(id Identity) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[id]
	if rec == nil {
		return Record{}, false
	}
	return *rec, true
}

// Status returns an agent's status; unknown agents are offline.
func (r *Registry) Status(agentID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec := r.records[Agent(agentID)]; rec != nil {
		return rec.Status
	}
	return StatusOffline
}

// SetStatus updates an agent's availability. Setting StatusOnline on an agent
// without a live endpoint records StatusOffline instead, and an offline agent
// without an endpoint is forgotten.
func (r *Registry) SetStatus(agentID string, status Status) error {
	r.mu.Lock()
	rec := r.records[Agent(agentID)]
	if rec == nil {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", Agent(agentID), callerr.ErrNotFound)
	}
	if status == StatusOnline && rec.Endpoint == nil {
		status = StatusOffline
	}
	changed := rec.Status != status
	rec.Status = status
	rec.UpdatedAt = r.now()
	if status == StatusOffline && rec.Endpoint == nil {
		delete(r.records, rec.Identity)
	}
	r.mu.Unlock()

	if changed {
		r.notify(agentID, status)
	}
	return nil
}

// OnDisconnect unbinds endpointID and drops the identity's record. It reports
// false when the endpoint was never bound or has already been superseded. A
// busy agent keeps its record and status until its session is torn down.
func (r *Registry) OnDisconnect(endpointID string) (Identity, bool) {
	r.mu.Lock()
	id, ok := r.byEndpoint[endpointID]
	if !ok {
		r.mu.Unlock()
		return Identity{}, false
	}
	delete(r.byEndpoint, endpointID)

	rec := r.records[id]
	if rec == nil || rec.Endpoint == nil || rec.Endpoint.ID() != endpointID {
		r.violationLocked("endpoint index points at an identity bound elsewhere", id, endpointID)
		r.mu.Unlock()
		return Identity{}, false
	}
	rec.Endpoint = nil
	rec.UpdatedAt = r.now()
	changed := false
	if rec.Status != StatusBusy {
		changed = rec.Status != StatusOffline
		rec.Status = StatusOffline
		delete(r.records, id)
	}
	r.mu.Unlock()

	if changed && id.Role == RoleAgent {
		r.notify(id.ID, StatusOffline)
	}
	return id, true
}

// Snapshot returns every record sorted by identity.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.String() < out[j].Identity.String()
	})
	return out
}

func (r *Registry) checkBindingLocked(id Identity) {
	n := 0
	for _, bound := range r.byEndpoint {
		if bound == id {
			n++
		}
	}
	if n > 1 {
		r.violationLocked("identity bound to multiple endpoints", id, "")
	}
}

func (r *Registry) violationLocked(msg string, id Identity, endpointID string) {
	r.metrics.Inc(metrics.PresenceViolations)
	r.logger.Error("presence invariant violated: "+msg,
		"identity", id.String(),
		"endpoint_id", endpointID,
	)
}

func (r *Registry) notify(agentID string, status Status) {
	if r.onStatus != nil {
		r.onStatus(agentID, status)
	}
}
