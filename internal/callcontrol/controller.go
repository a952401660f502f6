// Package callcontrol owns the call state machine. The Controller handles
// joins and initiate/accept/reject/end; the Reconciler turns transport loss
// into the same teardown path as a hangup.
//
// Every mutation of a session runs under its agent's identity lock, so
// operations on one call are totally ordered while unrelated calls proceed in
// parallel.
package callcontrol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callerr"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callsession"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/presence"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/store"
)

const (
	DefaultRingTimeout    = 45 * time.Second
	DefaultProfileTimeout = 2 * time.Second
)

// Recorder receives call lifecycle facts for persistence. Implementations
// must not block.
type Recorder interface {
	CallCreated(s callsession.Session)
	CallAccepted(s callsession.Session)
	CallEnded(s callsession.Session)
}

// ProfileSource resolves customer display metadata at join time.
type ProfileSource interface {
	GetCustomer(ctx context.Context, customerID string) (store.CustomerProfile, error)
}

type Config struct {
	Presence *presence.Registry
	Sessions *callsession.Registry
	Recorder Recorder
	Profiles ProfileSource
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// RingTimeout bounds how long a call may stay unanswered. Zero selects
	// DefaultRingTimeout; a negative value disables the timer.
	RingTimeout    time.Duration
	ProfileTimeout time.Duration
	Now            func() time.Time
}

type Controller struct {
	presence *presence.Registry
	sessions *callsession.Registry
	recorder Recorder
	profiles ProfileSource
	logger   *slog.Logger
	metrics  *metrics.Metrics

	ringTimeout    time.Duration
	profileTimeout time.Duration
	now            func() time.Time

	locks *keyLocks

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

func New(cfg Config) (*Controller, error) {
	if cfg.Presence == nil || cfg.Sessions == nil {
		return nil, errors.New("callcontrol: presence and session registries are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RingTimeout == 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.ProfileTimeout <= 0 {
		cfg.ProfileTimeout = DefaultProfileTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		presence:       cfg.Presence,
		sessions:       cfg.Sessions,
		recorder:       cfg.Recorder,
		profiles:       cfg.Profiles,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		ringTimeout:    cfg.RingTimeout,
		profileTimeout: cfg.ProfileTimeout,
		now:            cfg.Now,
		locks:          newKeyLocks(),
		timers:         make(map[string]*time.Timer),
	}, nil
}

// JoinAgent binds ep to agentID and acknowledges with agent:joined.
func (c *Controller) JoinAgent(ctx context.Context, agentID string, ep presence.Endpoint) error {
	unlock := c.locks.lock(presence.Agent(agentID).String())
	defer unlock()

	if err := c.presence.RegisterAgent(agentID, ep); err != nil {
		return err
	}
	c.send(ep, protocol.AgentJoined{Success: true})
	c.logger.InfoContext(ctx, "agent joined", "agent_id", agentID, "endpoint_id", ep.ID(), "status", c.presence.Status(agentID))
	return nil
}

// JoinCustomer binds ep to customerID, attaches the customer's directory
// profile when one exists, and acknowledges with customer:joined.
func (c *Controller) JoinCustomer(ctx context.Context, customerID string, ep presence.Endpoint) error {
	profile := c.lookupProfile(ctx, customerID)

	unlock := c.locks.lock(presence.Customer(customerID).String())
	defer unlock()

	if err := c.presence.RegisterCustomer(customerID, ep, profile); err != nil {
		return err
	}
	c.send(ep, protocol.CustomerJoined{Success: true})
	c.logger.InfoContext(ctx, "customer joined", "customer_id", customerID, "endpoint_id", ep.ID())
	return nil
}

// Initiate starts a call from customerID to agentID. On error nothing has
// changed.
func (c *Controller) Initiate(ctx context.Context, customerID, agentID string) (callsession.Session, error) {
	agent, customer := presence.Agent(agentID), presence.Customer(customerID)
	unlock := c.locks.lock(agent.String(), customer.String())
	defer unlock()

	customerEP, err := c.presence.Lookup(customer)
	if err != nil {
		return callsession.Session{}, err
	}
	if status := c.presence.Status(agentID); status != presence.StatusOnline {
		return callsession.Session{}, fmt.Errorf("agent %s is %s: %w", agentID, status, callerr.ErrUnavailable)
	}
	agentEP, err := c.presence.Lookup(agent)
	if err != nil {
		return callsession.Session{}, err
	}

	s, err := c.sessions.Create(agentID, customerID, c.now())
	if err != nil {
		return callsession.Session{}, err
	}
	if err := c.presence.SetStatus(agentID, presence.StatusBusy); err != nil {
		c.sessions.Remove(s.ID)
		return callsession.Session{}, err
	}

	rec, _ := c.presence.Get(customer)
	c.send(agentEP, protocol.CallIncoming{
		CallID: s.ID,
		Customer: protocol.CustomerInfo{
			ID:    customerID,
			Name:  rec.Profile.Name,
			Email: rec.Profile.Email,
		},
	})
	c.send(customerEP, protocol.CallInitiated{CallID: s.ID})

	c.startRingTimer(s.ID)
	if c.recorder != nil {
		c.recorder.CallCreated(s)
	}
	c.metrics.Inc(metrics.CallsInitiated)
	c.logger.InfoContext(ctx, "call initiated", "call_id", s.ID, "agent_id", agentID, "customer_id", customerID)
	return s, nil
}

// Accept answers an Initiated call. On any other existing state it changes
// nothing and reports that state.
func (c *Controller) Accept(ctx context.Context, callID string) (callsession.State, error) {
	s, err := c.sessions.Get(callID)
	if err != nil {
		return "", err
	}
	unlock := c.locks.lock(presence.Agent(s.AgentID).String())
	defer unlock()

	s, err = c.sessions.Transition(callID, func(s *callsession.Session) error {
		return s.Accept(c.now())
	})
	if errors.Is(err, callsession.ErrInvalidTransition) {
		c.logger.DebugContext(ctx, "accept ignored", "call_id", callID, "state", s.State)
		return s.State, nil
	}
	if err != nil {
		return "", err
	}

	c.stopRingTimer(callID)
	c.sendTo(presence.Customer(s.CustomerID), protocol.CallAccepted{CallID: callID})
	if c.recorder != nil {
		c.recorder.CallAccepted(s)
	}
	c.metrics.Inc(metrics.CallsAccepted)
	c.logger.InfoContext(ctx, "call accepted", "call_id", callID, "agent_id", s.AgentID)
	return s.State, nil
}

// Reject declines an Initiated call.
func (c *Controller) Reject(ctx context.Context, callID string) error {
	s, err := c.sessions.Get(callID)
	if err != nil {
		return err
	}
	unlock := c.locks.lock(presence.Agent(s.AgentID).String())
	defer unlock()

	s, err = c.sessions.Transition(callID, func(s *callsession.Session) error {
		return s.Reject(c.now())
	})
	if errors.Is(err, callsession.ErrInvalidTransition) {
		return fmt.Errorf("call %s is %s: %w", callID, s.State, callerr.ErrConflict)
	}
	if err != nil {
		return err
	}

	c.teardownLocked(s)
	c.sendTo(presence.Customer(s.CustomerID), protocol.CallRejected{CallID: callID})
	c.metrics.Inc(metrics.CallsRejected)
	c.logger.InfoContext(ctx, "call rejected", "call_id", callID, "agent_id", s.AgentID)
	return nil
}

// End hangs up a call. Ending an unknown or already terminated call is a
// no-op.
func (c *Controller) End(ctx context.Context, callID string) error {
	_, err := c.end(ctx, callID, callsession.CauseHangup, false)
	return err
}

// end terminates callID and notifies both parties. It reports whether this
// call performed the termination. With onlyRinging set, calls that are no
// longer Initiated are left alone.
func (c *Controller) end(ctx context.Context, callID, cause string, onlyRinging bool) (bool, error) {
	s, err := c.sessions.Get(callID)
	if errors.Is(err, callerr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	unlock := c.locks.lock(presence.Agent(s.AgentID).String())
	defer unlock()

	skipped := false
	s, err = c.sessions.Transition(callID, func(s *callsession.Session) error {
		if onlyRinging && s.State != callsession.StateInitiated {
			skipped = true
			return callsession.ErrInvalidTransition
		}
		return s.End(c.now(), cause)
	})
	switch {
	case skipped, errors.Is(err, callerr.ErrNotFound), errors.Is(err, callsession.ErrInvalidTransition):
		return false, nil
	case err != nil:
		return false, err
	}

	c.teardownLocked(s)
	ended := protocol.CallEnded{CallID: callID}
	c.sendTo(presence.Agent(s.AgentID), ended)
	c.sendTo(presence.Customer(s.CustomerID), ended)

	if s.Reason == callsession.ReasonCompleted {
		c.metrics.Inc(metrics.CallsCompleted)
	} else {
		c.metrics.Inc(metrics.CallsFailed)
	}
	c.logger.InfoContext(ctx, "call ended",
		"call_id", callID,
		"agent_id", s.AgentID,
		"customer_id", s.CustomerID,
		"reason", s.Reason,
		"cause", cause,
		"duration", s.Duration(),
	)
	return true, nil
}

// teardownLocked releases everything a terminated session holds. The caller
// must hold the agent's lock.
func (c *Controller) teardownLocked(s callsession.Session) {
	c.stopRingTimer(s.ID)
	c.sessions.Remove(s.ID)
	if err := c.presence.SetStatus(s.AgentID, presence.StatusOnline); err != nil {
		c.logger.Error("agent status revert failed", "call_id", s.ID, "agent_id", s.AgentID, "err", err)
	}
	if c.recorder != nil {
		c.recorder.CallEnded(s)
	}
}

func (c *Controller) startRingTimer(callID string) {
	if c.ringTimeout < 0 {
		return
	}
	t := time.AfterFunc(c.ringTimeout, func() {
		c.timersMu.Lock()
		delete(c.timers, callID)
		c.timersMu.Unlock()

		ended, err := c.end(context.Background(), callID, callsession.CauseRingTimeout, true)
		if err != nil {
			c.logger.Error("ring timeout teardown failed", "call_id", callID, "err", err)
			return
		}
		if ended {
			c.metrics.Inc(metrics.RingTimeouts)
		}
	})
	c.timersMu.Lock()
	c.timers[callID] = t
	c.timersMu.Unlock()
}

func (c *Controller) stopRingTimer(callID string) {
	c.timersMu.Lock()
	t := c.timers[callID]
	delete(c.timers, callID)
	c.timersMu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// Close stops all pending ring timers.
func (c *Controller) Close() {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Controller) lookupProfile(ctx context.Context, customerID string) presence.Profile {
	if c.profiles == nil {
		return presence.Profile{}
	}
	ctx, cancel := context.WithTimeout(ctx, c.profileTimeout)
	defer cancel()
	p, err := c.profiles.GetCustomer(ctx, customerID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.WarnContext(ctx, "customer profile lookup failed", "customer_id", customerID, "err", err)
		}
		return presence.Profile{}
	}
	return presence.Profile{Name: p.Name, Email: p.Email}
}

func (c *Controller) sendTo(id presence.Identity, ev protocol.ServerEvent) {
	ep, err := c.presence.Lookup(id)
	if err != nil {
		c.logger.Debug("notification skipped: not connected", "identity", id.String(), "event", ev.EventName())
		return
	}
	c.send(ep, ev)
}

func (c *Controller) send(ep presence.Endpoint, ev protocol.ServerEvent) {
	if err := ep.Send(ev); err != nil {
		c.metrics.Inc(metrics.SendQueueFull)
		c.logger.Warn("notification dropped", "endpoint_id", ep.ID(), "event", ev.EventName(), "err", err)
	}
}
