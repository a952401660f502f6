package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/call-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callcontrol"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callerr"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callsession"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/presence"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/ratelimit"
)

const (
	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultSendQueueSize        = 64
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
)

var errServerClosed = errors.New("signaling server closed")

type Config struct {
	Controller *callcontrol.Controller
	Reconciler *callcontrol.Reconciler
	Router     *Router
	Presence   *presence.Registry
	Sessions   *callsession.Registry
	Authorizer auth.Authorizer
	Logger     *slog.Logger
	Metrics    *metrics.Metrics

	IdleTimeout               time.Duration
	PingInterval              time.Duration
	SendQueueSize             int
	MaxMessageBytes           int64
	MaxMessagesPerSecond      int
	MaxConnectsPerSecondPerIP int
}

// Server accepts signaling connections on /ws and feeds their events into the
// call controller.
type Server struct {
	cfg        Config
	ctrl       *callcontrol.Controller
	reconciler *callcontrol.Reconciler
	router     *Router
	presence   *presence.Registry
	sessions   *callsession.Registry
	logger     *slog.Logger
	metrics    *metrics.Metrics

	upgrader websocket.Upgrader
	connects *ratelimit.KeyedLimiter

	mu     sync.Mutex
	closed bool
	conns  map[*wsEndpoint]struct{}
	wg     sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Controller == nil || cfg.Reconciler == nil || cfg.Presence == nil || cfg.Sessions == nil {
		return nil, errors.New("signaling: controller, reconciler, presence and sessions are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Router == nil {
		cfg.Router = NewRouter(RouterConfig{
			Presence: cfg.Presence,
			Sessions: cfg.Sessions,
			Logger:   cfg.Logger,
			Metrics:  cfg.Metrics,
		})
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultSendQueueSize
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}

	return &Server{
		cfg:        cfg,
		ctrl:       cfg.Controller,
		reconciler: cfg.Reconciler,
		router:     cfg.Router,
		presence:   cfg.Presence,
		sessions:   cfg.Sessions,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		upgrader: websocket.Upgrader{
			// Origin is enforced by the HTTP server's origin middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connects: ratelimit.NewKeyedLimiter(ratelimit.KeyedConfig{
			Burst:     cfg.MaxConnectsPerSecondPerIP,
			PerSecond: cfg.MaxConnectsPerSecondPerIP,
		}),
		conns: make(map[*wsEndpoint]struct{}),
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.connects.Allow(remoteIP(r)) {
		s.metrics.Inc(metrics.RateLimited)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	if err := s.cfg.Authorizer.Authorize(r); err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		status := http.StatusUnauthorized
		if !auth.IsUnauthorized(err) {
			status = http.StatusInternalServerError
			s.logger.Error("signaling auth misconfigured", "err", err)
		}
		http.Error(w, auth.UnauthorizedMessage(err), status)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		return
	}

	ep := newEndpoint(conn, s.cfg.SendQueueSize, s.cfg.PingInterval, s.logger)
	if err := s.track(ep); err != nil {
		ep.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(ep)

	go ep.writeLoop()
	s.serve(r.Context(), ep)
}

// serve runs ep's read loop until the connection fails, then reconciles the
// disconnect.
func (s *Server) serve(ctx context.Context, ep *wsEndpoint) {
	conn := ep.conn
	logger := ep.logger

	defer func() {
		ep.close()
		s.reconciler.HandleDisconnect(context.WithoutCancel(ctx), ep.ID())
	}()

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	limiter := ratelimit.NewTokenBucket(nil, s.cfg.MaxMessagesPerSecond, s.cfg.MaxMessagesPerSecond)

	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				ep.closeWith(websocket.CloseMessageTooBig, "message too large")
			case isTimeout(err):
				ep.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				logger.Debug("websocket closed unexpectedly", "err", err)
			}
			return
		}
		extend()

		if !limiter.Allow() {
			s.metrics.Inc(metrics.RateLimited)
			ep.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.ProtocolErrors)
			ep.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		ev, err := protocol.ParseClientEvent(frame)
		if err != nil {
			s.metrics.Inc(metrics.ProtocolErrors)
			s.reply(ep, "ProtocolError: "+err.Error())
			continue
		}
		if err := s.dispatch(ctx, ep, ev); err != nil {
			logger.Debug("signaling event rejected", "event", ev.EventName(), "err", err)
			s.reply(ep, callerr.Message(err))
		}
	}
}

// dispatch applies ev on behalf of ep. Returned errors are reported to the
// sender as an error event.
func (s *Server) dispatch(ctx context.Context, ep *wsEndpoint, ev protocol.ClientEvent) error {
	switch ev := ev.(type) {
	case protocol.AgentJoin:
		return s.ctrl.JoinAgent(ctx, ev.AgentID, ep)

	case protocol.CustomerJoin:
		return s.ctrl.JoinCustomer(ctx, ev.CustomerID, ep)

	case protocol.CallInitiate:
		if err := s.requireIdentity(ep, presence.Customer(ev.CustomerID)); err != nil {
			return err
		}
		_, err := s.ctrl.Initiate(ctx, ev.CustomerID, ev.AgentID)
		return err

	case protocol.CallAccept:
		before, err := s.requireAgentOf(ep, ev.CallID)
		if err != nil {
			return err
		}
		state, err := s.ctrl.Accept(ctx, ev.CallID)
		if err != nil {
			return err
		}
		// A repeated accept changes nothing; echo the state so the agent
		// does not wait on a reply that went to the customer.
		if before.State == callsession.StateActive && state == callsession.StateActive {
			if err := ep.Send(protocol.CallAccepted{CallID: ev.CallID}); err != nil {
				s.metrics.Inc(metrics.SendQueueFull)
			}
		}
		return nil

	case protocol.CallReject:
		if _, err := s.requireAgentOf(ep, ev.CallID); err != nil {
			return err
		}
		return s.ctrl.Reject(ctx, ev.CallID)

	case protocol.CallEnd:
		sess, err := s.sessions.Get(ev.CallID)
		if err != nil {
			// Already gone; ending is idempotent.
			return nil
		}
		id, ok := s.presence.EndpointOwner(ep.ID())
		if !ok || !isParty(sess, id) {
			return fmt.Errorf("end call %s: %w", ev.CallID, callerr.ErrForbidden)
		}
		return s.ctrl.End(ctx, ev.CallID)

	case protocol.Signal:
		// Relay failures are dropped silently; the peers renegotiate.
		_ = s.router.Relay(ev.CallID, ev.Kind, ev.Data, ep.ID())
		return nil

	default:
		return fmt.Errorf("unhandled event %q", ev.EventName())
	}
}

func (s *Server) requireIdentity(ep *wsEndpoint, want presence.Identity) error {
	id, ok := s.presence.EndpointOwner(ep.ID())
	if !ok || id != want {
		return fmt.Errorf("connection has not joined as %s: %w", want, callerr.ErrForbidden)
	}
	return nil
}

func (s *Server) requireAgentOf(ep *wsEndpoint, callID string) (callsession.Session, error) {
	sess, err := s.sessions.Get(callID)
	if err != nil {
		return callsession.Session{}, err
	}
	return sess, s.requireIdentity(ep, presence.Agent(sess.AgentID))
}

func (s *Server) reply(ep *wsEndpoint, message string) {
	if err := ep.Send(protocol.Error{Message: message}); err != nil {
		s.metrics.Inc(metrics.SendQueueFull)
		ep.logger.Debug("error event dropped", "err", err)
	}
}

func (s *Server) track(ep *wsEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errServerClosed
	}
	s.conns[ep] = struct{}{}
	s.wg.Add(1)
	return nil
}

func (s *Server) untrack(ep *wsEndpoint) {
	s.mu.Lock()
	delete(s.conns, ep)
	s.mu.Unlock()
	s.wg.Done()
}

// Connections reports the number of live signaling connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close refuses new connections and closes the live ones. Each closed
// connection is reconciled like any other disconnect; Close returns once all
// of them have been.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsEndpoint, 0, len(s.conns))
	for ep := range s.conns {
		conns = append(conns, ep)
	}
	s.mu.Unlock()

	for _, ep := range conns {
		ep.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	s.wg.Wait()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
