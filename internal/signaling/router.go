package signaling

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callerr"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callsession"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/presence"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/protocol"
)

type RouterConfig struct {
	Presence *presence.Registry
	Sessions *callsession.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Router forwards WebRTC handshake messages between the two parties of a
// call. Delivery is at-most-once: anything that cannot be delivered right now
// is dropped.
type Router struct {
	presence *presence.Registry
	sessions *callsession.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		presence: cfg.Presence,
		sessions: cfg.Sessions,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Relay sends payload, unmodified, to the party of callID opposite the
// identity bound to fromEndpointID. A non-nil error means the message was
// dropped; callers log it and carry on.
func (r *Router) Relay(callID string, kind protocol.SignalKind, payload json.RawMessage, fromEndpointID string) error {
	err := r.relay(callID, kind, payload, fromEndpointID)
	if err != nil {
		r.metrics.Inc(metrics.SignalsDropped)
		r.logger.Debug("signal dropped",
			"call_id", callID,
			"kind", string(kind),
			"endpoint_id", fromEndpointID,
			"err", err,
		)
		return err
	}
	r.metrics.Inc(metrics.SignalsRelayed)
	return nil
}

func (r *Router) relay(callID string, kind protocol.SignalKind, payload json.RawMessage, fromEndpointID string) error {
	s, err := r.sessions.Get(callID)
	if err != nil {
		return err
	}
	if s.Terminal() {
		return fmt.Errorf("call %s already ended: %w", callID, callerr.ErrNotFound)
	}

	from, ok := r.presence.EndpointOwner(fromEndpointID)
	if !ok {
		return fmt.Errorf("endpoint %s has not joined: %w", fromEndpointID, callerr.ErrTransport)
	}
	to, ok := counterpart(s, from)
	if !ok {
		return fmt.Errorf("%s is not a party to call %s: %w", from, callID, callerr.ErrTransport)
	}

	ep, err := r.presence.Lookup(to)
	if err != nil {
		return fmt.Errorf("relay to %s: %w", to, callerr.ErrTransport)
	}
	if err := ep.Send(protocol.RelayedSignal{Kind: kind, Data: payload}); err != nil {
		return fmt.Errorf("relay to %s: %w: %v", to, callerr.ErrTransport, err)
	}
	return nil
}

// counterpart returns the other party of s, or false if id is not a party.
func counterpart(s callsession.Session, id presence.Identity) (presence.Identity, bool) {
	switch id {
	case presence.Agent(s.AgentID):
		return presence.Customer(s.CustomerID), true
	case presence.Customer(s.CustomerID):
		return presence.Agent(s.AgentID), true
	default:
		return presence.Identity{}, false
	}
}

// isParty reports whether id is either side of s.
func isParty(s callsession.Session, id presence.Identity) bool {
	_, ok := counterpart(s, id)
	return ok
}
