package callcontrol

import (
	"context"

	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callsession"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/presence"
)

// Reconciler tears down calls whose party lost its transport.
type Reconciler struct {
	c *Controller
}

func NewReconciler(c *Controller) *Reconciler {
	return &Reconciler{c: c}
}

// HandleDisconnect unbinds endpointID and ends any call its identity was in.
// It reports the identity that was unbound, if any. Disconnects of superseded
// endpoints are ignored.
func (r *Reconciler) HandleDisconnect(ctx context.Context, endpointID string) (presence.Identity, bool) {
	c := r.c

	id, ok := c.presence.EndpointOwner(endpointID)
	if !ok {
		return presence.Identity{}, false
	}

	unlock := c.locks.lock(id.String())
	id, ok = c.presence.OnDisconnect(endpointID)
	var (
		s     callsession.Session
		found bool
	)
	if ok {
		s, found = c.sessions.FindBy(id)
	}
	unlock()

	if !ok {
		return presence.Identity{}, false
	}
	c.logger.InfoContext(ctx, "endpoint disconnected", "identity", id.String(), "endpoint_id", endpointID)
	if !found {
		return id, true
	}

	ended, err := c.end(ctx, s.ID, callsession.CauseDisconnect, false)
	if err != nil {
		c.logger.ErrorContext(ctx, "disconnect teardown failed", "call_id", s.ID, "identity", id.String(), "err", err)
		return id, true
	}
	if ended {
		c.metrics.Inc(metrics.Disconnects)
	}
	return id, true
}
