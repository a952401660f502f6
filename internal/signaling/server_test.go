package signaling_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/call-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callcontrol"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callsession"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/presence"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/recorder"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/store"
)

type relayHarness struct {
	t        *testing.T
	url      string
	srv      *signaling.Server
	presence *presence.Registry
	sessions *callsession.Registry
	store    *store.MemoryStore
	metrics  *metrics.Metrics
}

func newRelay(t *testing.T, mutate func(*signaling.Config)) *relayHarness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	st := store.NewMemoryStore()
	if err := st.UpsertCustomer(context.Background(), store.CustomerProfile{ID: "c1", Name: "Ada", Email: "ada@example.com"}); err != nil {
		t.Fatal(err)
	}

	rec := recorder.New(recorder.Config{Records: st, Directory: st, Logger: logger, Metrics: m})
	rec.Start()

	pres := presence.NewRegistry(presence.Config{Logger: logger, Metrics: m})
	sessions := callsession.NewRegistry()
	ctrl, err := callcontrol.New(callcontrol.Config{
		Presence:    pres,
		Sessions:    sessions,
		Recorder:    rec,
		Profiles:    st,
		Logger:      logger,
		Metrics:     m,
		RingTimeout: -1,
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := signaling.Config{
		Controller: ctrl,
		Reconciler: callcontrol.NewReconciler(ctrl),
		Presence:   pres,
		Sessions:   sessions,
		Logger:     logger,
		Metrics:    m,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := signaling.NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws", srv)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		ctrl.Close()
		_ = rec.Close(context.Background())
	})

	return &relayHarness{
		t:        t,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		srv:      srv,
		presence: pres,
		sessions: sessions,
		store:    st,
		metrics:  m,
	}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *relayHarness) dial() *wsClient {
	h.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err != nil {
		h.t.Fatalf("dial: %v", err)
	}
	h.t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: h.t, conn: conn}
}

func (c *wsClient) send(event string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		c.t.Fatal(err)
	}
	c.sendRaw(`{"event":"` + event + `","data":` + string(raw) + `}`)
}

func (c *wsClient) sendRaw(frame string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) next() (string, json.RawMessage) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var env struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		c.t.Fatalf("decode %s: %v", frame, err)
	}
	return env.Event, env.Data
}

func (c *wsClient) expect(event string) json.RawMessage {
	c.t.Helper()
	got, data := c.next()
	if got != event {
		c.t.Fatalf("event=%q data=%s, want %q", got, data, event)
	}
	return data
}

func (c *wsClient) expectError(kind string) string {
	c.t.Helper()
	data := c.expect("error")
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		c.t.Fatal(err)
	}
	if !strings.HasPrefix(payload.Message, kind+": ") {
		c.t.Fatalf("error message %q, want %s", payload.Message, kind)
	}
	return payload.Message
}

// expectClose reads until the server closes the connection and returns the
// close code.
func (c *wsClient) expectClose() int {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			c.t.Fatalf("read err=%v, want close frame", err)
		}
		return ce.Code
	}
}

func callIDOf(t *testing.T, data json.RawMessage) string {
	t.Helper()
	var v struct {
		CallID string `json:"callId"`
	}
	if err := json.Unmarshal(data, &v); err != nil || v.CallID == "" {
		t.Fatalf("no callId in %s (err=%v)", data, err)
	}
	return v.CallID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// joinAndRing joins a1 and c1 and starts a call between them.
func joinAndRing(h *relayHarness) (agent, customer *wsClient, callID string) {
	h.t.Helper()
	agent, customer = h.dial(), h.dial()

	agent.send("agent:join", map[string]string{"agentId": "a1"})
	agent.expect("agent:joined")
	customer.send("customer:join", map[string]string{"customerId": "c1"})
	customer.expect("customer:joined")

	customer.send("call:initiate", map[string]string{"customerId": "c1", "agentId": "a1"})
	callID = callIDOf(h.t, customer.expect("call:initiated"))
	incoming := agent.expect("call:incoming")
	if got := callIDOf(h.t, incoming); got != callID {
		h.t.Fatalf("incoming callId=%q, initiated callId=%q", got, callID)
	}
	return agent, customer, callID
}

func TestWebSocket_CallLifecycle(t *testing.T) {
	h := newRelay(t, nil)
	agent, customer, callID := joinAndRing(h)

	if got := h.presence.Status("a1"); got != presence.StatusBusy {
		t.Fatalf("agent status=%q while ringing, want busy", got)
	}

	agent.send("call:accept", map[string]string{"callId": callID})
	if got := callIDOf(t, customer.expect("call:accepted")); got != callID {
		t.Fatalf("accepted callId=%q", got)
	}

	offer := `{"callId":"` + callID + `",  "offer": {"type":"offer","sdp":"v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"}, "note": "<a&b>"}`
	customer.sendRaw(`{"event":"webrtc:offer","data":` + offer + `}`)
	if got := agent.expect("webrtc:offer"); string(got) != offer {
		t.Fatalf("offer changed in transit:\n got %s\nwant %s", got, offer)
	}

	answer := `{"callId":"` + callID + `","answer":{"type":"answer","sdp":"v=0\r\n"}}`
	agent.sendRaw(`{"event":"webrtc:answer","data":` + answer + `}`)
	if got := customer.expect("webrtc:answer"); string(got) != answer {
		t.Fatalf("answer changed in transit: %s", got)
	}

	candidate := `{"callId":"` + callID + `","candidate":{"candidate":"candidate:1 1 udp 2130706431 10.0.0.2 50000 typ host","sdpMid":"0","sdpMLineIndex":0}}`
	agent.sendRaw(`{"event":"webrtc:ice-candidate","data":` + candidate + `}`)
	if got := customer.expect("webrtc:ice-candidate"); string(got) != candidate {
		t.Fatalf("candidate changed in transit: %s", got)
	}

	customer.send("call:end", map[string]string{"callId": callID})
	if got := callIDOf(t, agent.expect("call:ended")); got != callID {
		t.Fatalf("agent ended callId=%q", got)
	}
	customer.expect("call:ended")

	if got := h.presence.Status("a1"); got != presence.StatusOnline {
		t.Fatalf("agent status=%q after hangup, want online", got)
	}
	if h.sessions.Len() != 0 {
		t.Fatalf("sessions=%d after hangup", h.sessions.Len())
	}

	waitFor(t, "completed call record", func() bool {
		rec, err := h.store.GetCall(context.Background(), callID)
		return err == nil && rec.Status == store.CallStatusCompleted
	})
	if h.metrics.Get(metrics.SignalsRelayed) != 3 {
		t.Fatalf("signals_relayed=%d, want 3", h.metrics.Get(metrics.SignalsRelayed))
	}
}

func TestWebSocket_RepeatedAcceptIsEchoedToAgent(t *testing.T) {
	h := newRelay(t, nil)
	agent, customer, callID := joinAndRing(h)

	agent.send("call:accept", map[string]string{"callId": callID})
	customer.expect("call:accepted")

	agent.send("call:accept", map[string]string{"callId": callID})
	if got := callIDOf(t, agent.expect("call:accepted")); got != callID {
		t.Fatalf("echoed callId=%q", got)
	}

	// The customer is not told twice.
	customer.send("call:end", map[string]string{"callId": callID})
	customer.expect("call:ended")
	if got := h.metrics.Get(metrics.CallsAccepted); got != 1 {
		t.Fatalf("calls_accepted=%d, want 1", got)
	}
}

func TestWebSocket_Reject(t *testing.T) {
	h := newRelay(t, nil)
	agent, customer, callID := joinAndRing(h)

	agent.send("call:reject", map[string]string{"callId": callID})
	if got := callIDOf(t, customer.expect("call:rejected")); got != callID {
		t.Fatalf("rejected callId=%q", got)
	}

	waitFor(t, "agent back online", func() bool { return h.presence.Status("a1") == presence.StatusOnline })
	waitFor(t, "rejected call record", func() bool {
		rec, err := h.store.GetCall(context.Background(), callID)
		return err == nil && rec.Status == store.CallStatusRejected
	})

	// A relayed message for the finished call goes nowhere.
	customer.send("webrtc:offer", map[string]any{
		"callId": callID,
		"offer":  map[string]string{"type": "offer", "sdp": "v=0"},
	})
	agent.send("agent:join", map[string]string{"agentId": "a1"})
	agent.expect("agent:joined")
}

func TestWebSocket_ErrorEvents(t *testing.T) {
	h := newRelay(t, nil)
	agent, customer := h.dial(), h.dial()

	// Initiating before joining.
	customer.send("call:initiate", map[string]string{"customerId": "c1", "agentId": "a1"})
	customer.expectError("ForbiddenError")

	customer.send("customer:join", map[string]string{"customerId": "c1"})
	customer.expect("customer:joined")

	// Agent never joined.
	customer.send("call:initiate", map[string]string{"customerId": "c1", "agentId": "a1"})
	customer.expectError("UnavailableError")

	// Posing as somebody else.
	customer.send("call:initiate", map[string]string{"customerId": "c2", "agentId": "a1"})
	customer.expectError("ForbiddenError")

	customer.sendRaw(`{"event":"call:teleport","data":{}}`)
	customer.expectError("ProtocolError")
	customer.sendRaw(`not json`)
	customer.expectError("ProtocolError")
	customer.send("call:accept", map[string]string{})
	customer.expectError("ProtocolError")

	customer.send("call:accept", map[string]string{"callId": "nope"})
	customer.expectError("NotFoundError")

	agent.send("agent:join", map[string]string{"agentId": "a1"})
	agent.expect("agent:joined")
	customer.send("call:initiate", map[string]string{"customerId": "c1", "agentId": "a1"})
	callID := callIDOf(t, customer.expect("call:initiated"))
	agent.expect("call:incoming")

	// Only the agent may answer.
	customer.send("call:accept", map[string]string{"callId": callID})
	customer.expectError("ForbiddenError")

	// The agent is busy now.
	other := h.dial()
	other.send("customer:join", map[string]string{"customerId": "c2"})
	other.expect("customer:joined")
	other.send("call:initiate", map[string]string{"customerId": "c2", "agentId": "a1"})
	other.expectError("UnavailableError")

	// Outsiders cannot hang up someone else's call.
	other.send("call:end", map[string]string{"callId": callID})
	other.expectError("ForbiddenError")

	// Ending an unknown call is silent.
	customer.send("call:end", map[string]string{"callId": "gone"})
	customer.send("customer:join", map[string]string{"customerId": "c1"})
	customer.expect("customer:joined")

	if h.metrics.Get(metrics.ProtocolErrors) != 3 {
		t.Fatalf("protocol_errors=%d, want 3", h.metrics.Get(metrics.ProtocolErrors))
	}
}

func TestWebSocket_DisconnectEndsCall(t *testing.T) {
	h := newRelay(t, nil)
	agent, customer, callID := joinAndRing(h)

	agent.send("call:accept", map[string]string{"callId": callID})
	customer.expect("call:accepted")

	_ = customer.conn.Close()

	if got := callIDOf(t, agent.expect("call:ended")); got != callID {
		t.Fatalf("ended callId=%q", got)
	}
	waitFor(t, "agent back online", func() bool { return h.presence.Status("a1") == presence.StatusOnline })
	waitFor(t, "connection untracked", func() bool { return h.srv.Connections() == 1 })
	if _, err := h.presence.Lookup(presence.Customer("c1")); err == nil {
		t.Fatalf("customer still reachable after disconnect")
	}
	waitFor(t, "completed call record", func() bool {
		rec, err := h.store.GetCall(context.Background(), callID)
		return err == nil && rec.Status == store.CallStatusCompleted
	})
}

func TestWebSocket_DisconnectWhileRingingFailsCall(t *testing.T) {
	h := newRelay(t, nil)
	agent, customer, callID := joinAndRing(h)

	_ = customer.conn.Close()

	if got := callIDOf(t, agent.expect("call:ended")); got != callID {
		t.Fatalf("ended callId=%q", got)
	}
	waitFor(t, "agent back online", func() bool { return h.presence.Status("a1") == presence.StatusOnline })
	waitFor(t, "failed call record", func() bool {
		rec, err := h.store.GetCall(context.Background(), callID)
		return err == nil && rec.Status == store.CallStatusFailed
	})
	waitFor(t, "session removed", func() bool { return h.sessions.Len() == 0 })
}

func TestWebSocket_AgentDisconnectGoesOffline(t *testing.T) {
	h := newRelay(t, nil)
	agent, customer, callID := joinAndRing(h)

	_ = agent.conn.Close()

	if got := callIDOf(t, customer.expect("call:ended")); got != callID {
		t.Fatalf("ended callId=%q", got)
	}
	waitFor(t, "agent offline", func() bool { return h.presence.Status("a1") == presence.StatusOffline })
}

func TestWebSocket_RejoinSupersedesOldConnection(t *testing.T) {
	h := newRelay(t, nil)
	first := h.dial()
	first.send("agent:join", map[string]string{"agentId": "a1"})
	first.expect("agent:joined")

	second := h.dial()
	second.send("agent:join", map[string]string{"agentId": "a1"})
	second.expect("agent:joined")

	// Dropping the stale socket must not take the agent offline.
	_ = first.conn.Close()
	waitFor(t, "stale connection untracked", func() bool { return h.srv.Connections() == 1 })
	if got := h.presence.Status("a1"); got != presence.StatusOnline {
		t.Fatalf("agent status=%q, want online", got)
	}
}

func TestWebSocket_Auth(t *testing.T) {
	authz, err := auth.NewAuthorizer(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "sekrit"})
	if err != nil {
		t.Fatal(err)
	}
	h := newRelay(t, func(cfg *signaling.Config) { cfg.Authorizer = authz })

	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err == nil {
		t.Fatalf("dial without credentials succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp=%v, want 401", resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial(h.url+"?apiKey=wrong", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key: err=%v resp=%v, want 401", err, resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(h.url, http.Header{auth.HeaderAPIKey: {"sekrit"}})
	if err != nil {
		t.Fatalf("dial with header: %v", err)
	}
	_ = conn.Close()

	conn, _, err = websocket.DefaultDialer.Dial(h.url+"?apiKey=sekrit", nil)
	if err != nil {
		t.Fatalf("dial with query: %v", err)
	}
	_ = conn.Close()

	if h.metrics.Get(metrics.AuthFailure) != 2 {
		t.Fatalf("auth_failure=%d, want 2", h.metrics.Get(metrics.AuthFailure))
	}
}

func TestWebSocket_ConnectRateLimit(t *testing.T) {
	h := newRelay(t, func(cfg *signaling.Config) { cfg.MaxConnectsPerSecondPerIP = 1 })

	h.dial()
	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second dial: err=%v resp=%v, want 429", err, resp)
	}
}

func TestWebSocket_MessageRateLimitCloses(t *testing.T) {
	h := newRelay(t, func(cfg *signaling.Config) { cfg.MaxMessagesPerSecond = 2 })
	c := h.dial()

	for i := 0; i < 5; i++ {
		c.send("agent:join", map[string]string{"agentId": "a1"})
	}
	if code := c.expectClose(); code != websocket.ClosePolicyViolation {
		t.Fatalf("close code=%d, want %d", code, websocket.ClosePolicyViolation)
	}
	if h.metrics.Get(metrics.RateLimited) == 0 {
		t.Fatalf("rate_limited not incremented")
	}
	waitFor(t, "agent offline after close", func() bool { return h.presence.Status("a1") == presence.StatusOffline })
}

func TestWebSocket_OversizedMessageCloses(t *testing.T) {
	h := newRelay(t, func(cfg *signaling.Config) { cfg.MaxMessageBytes = 64 })
	c := h.dial()

	c.send("agent:join", map[string]string{"agentId": strings.Repeat("a", 200)})
	if code := c.expectClose(); code != websocket.CloseMessageTooBig {
		t.Fatalf("close code=%d, want %d", code, websocket.CloseMessageTooBig)
	}
}

func TestWebSocket_BinaryFrameCloses(t *testing.T) {
	h := newRelay(t, nil)
	c := h.dial()

	if err := c.conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if code := c.expectClose(); code != websocket.CloseUnsupportedData {
		t.Fatalf("close code=%d, want %d", code, websocket.CloseUnsupportedData)
	}
}

func TestServer_CloseDisconnectsClients(t *testing.T) {
	h := newRelay(t, nil)
	agent, customer, callID := joinAndRing(h)

	h.srv.Close()

	for _, c := range []*wsClient{agent, customer} {
		if code := c.expectClose(); code != websocket.CloseGoingAway {
			t.Fatalf("close code=%d, want %d", code, websocket.CloseGoingAway)
		}
	}
	waitFor(t, "connections drained", func() bool { return h.srv.Connections() == 0 })
	waitFor(t, "call torn down", func() bool {
		_, err := h.sessions.Get(callID)
		return err != nil
	})

	late := h.dial()
	if code := late.expectClose(); code != websocket.CloseGoingAway {
		t.Fatalf("late connection close code=%d, want %d", code, websocket.CloseGoingAway)
	}
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	if _, err := signaling.NewServer(signaling.Config{}); err == nil {
		t.Fatalf("expected error")
	}
}
