package callcontrol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callerr"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callsession"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/presence"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/store"
)

type fakeEndpoint struct {
	id string

	mu     sync.Mutex
	events []protocol.ServerEvent
	fail   bool
}

func newEndpoint(id string) *fakeEndpoint { return &fakeEndpoint{id: id} }

func (e *fakeEndpoint) ID() string { return e.id }

func (e *fakeEndpoint) Send(ev protocol.ServerEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return fmt.Errorf("queue full: %w", callerr.ErrTransport)
	}
	e.events = append(e.events, ev)
	return nil
}

func (e *fakeEndpoint) Events() []protocol.ServerEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.ServerEvent(nil), e.events...)
}

func (e *fakeEndpoint) count(name string) int {
	n := 0
	for _, ev := range e.Events() {
		if ev.EventName() == name {
			n++
		}
	}
	return n
}

func (e *fakeEndpoint) last() protocol.ServerEvent {
	evs := e.Events()
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}

type recordedCall struct {
	kind string
	s    callsession.Session
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *fakeRecorder) add(kind string, s callsession.Session) {
	r.mu.Lock()
	r.calls = append(r.calls, recordedCall{kind, s})
	r.mu.Unlock()
}

func (r *fakeRecorder) CallCreated(s callsession.Session)  { r.add("created", s) }
func (r *fakeRecorder) CallAccepted(s callsession.Session) { r.add("accepted", s) }
func (r *fakeRecorder) CallEnded(s callsession.Session)    { r.add("ended", s) }

func (r *fakeRecorder) last() recordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return recordedCall{}
	}
	return r.calls[len(r.calls)-1]
}

func (r *fakeRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.kind)
	}
	return out
}

type harness struct {
	ctrl     *Controller
	recon    *Reconciler
	presence *presence.Registry
	sessions *callsession.Registry
	recorder *fakeRecorder
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		presence: presence.NewRegistry(presence.Config{Logger: logger, Metrics: m}),
		sessions: callsession.NewRegistry(),
		recorder: &fakeRecorder{},
		metrics:  m,
	}
	cfg := Config{
		Presence: h.presence,
		Sessions: h.sessions,
		Recorder: h.recorder,
		Logger:   logger,
		Metrics:  m,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctrl, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(ctrl.Close)
	h.ctrl = ctrl
	h.recon = NewReconciler(ctrl)
	return h
}

func (h *harness) joinAgent(t *testing.T, id string) *fakeEndpoint {
	t.Helper()
	ep := newEndpoint("ep-agent-" + id)
	if err := h.ctrl.JoinAgent(context.Background(), id, ep); err != nil {
		t.Fatalf("JoinAgent(%s): %v", id, err)
	}
	return ep
}

func (h *harness) joinCustomer(t *testing.T, id string) *fakeEndpoint {
	t.Helper()
	ep := newEndpoint("ep-customer-" + id)
	if err := h.ctrl.JoinCustomer(context.Background(), id, ep); err != nil {
		t.Fatalf("JoinCustomer(%s): %v", id, err)
	}
	return ep
}

func TestJoin_AcksAndMarksOnline(t *testing.T) {
	h := newHarness(t, nil)
	agentEP := h.joinAgent(t, "A")
	custEP := h.joinCustomer(t, "C")

	if ev, ok := agentEP.last().(protocol.AgentJoined); !ok || !ev.Success {
		t.Fatalf("agent got %#v, want agent:joined{success:true}", agentEP.last())
	}
	if ev, ok := custEP.last().(protocol.CustomerJoined); !ok || !ev.Success {
		t.Fatalf("customer got %#v, want customer:joined{success:true}", custEP.last())
	}
	if got := h.presence.Status("A"); got != presence.StatusOnline {
		t.Fatalf("agent status=%q, want online", got)
	}
}

// Scenario A then B: initiate rings the agent, accept connects the customer.
func TestInitiateAndAccept(t *testing.T) {
	h := newHarness(t, nil)
	agentEP := h.joinAgent(t, "A")
	custEP := h.joinCustomer(t, "C")

	s, err := h.ctrl.Initiate(context.Background(), "C", "A")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	incoming, ok := agentEP.last().(protocol.CallIncoming)
	if !ok {
		t.Fatalf("agent got %#v, want call:incoming", agentEP.last())
	}
	if incoming.CallID != s.ID || incoming.Customer.ID != "C" {
		t.Fatalf("call:incoming=%+v", incoming)
	}
	if ev, ok := custEP.last().(protocol.CallInitiated); !ok || ev.CallID != s.ID {
		t.Fatalf("customer got %#v, want call:initiated{%s}", custEP.last(), s.ID)
	}
	if got := h.presence.Status("A"); got != presence.StatusBusy {
		t.Fatalf("agent status=%q, want busy", got)
	}

	state, err := h.ctrl.Accept(context.Background(), s.ID)
	if err != nil || state != callsession.StateActive {
		t.Fatalf("Accept=(%q, %v), want active", state, err)
	}
	if ev, ok := custEP.last().(protocol.CallAccepted); !ok || ev.CallID != s.ID {
		t.Fatalf("customer got %#v, want call:accepted", custEP.last())
	}
	got, err := h.sessions.Get(s.ID)
	if err != nil || got.State != callsession.StateActive || got.AcceptedAt.IsZero() {
		t.Fatalf("session=(%+v, %v)", got, err)
	}
	if got := h.presence.Status("A"); got != presence.StatusBusy {
		t.Fatalf("agent status=%q, want busy", got)
	}

	// Accepting again reports the state without side effects.
	before := len(custEP.Events())
	state, err = h.ctrl.Accept(context.Background(), s.ID)
	if err != nil || state != callsession.StateActive {
		t.Fatalf("second Accept=(%q, %v)", state, err)
	}
	if len(custEP.Events()) != before {
		t.Fatalf("second accept produced notifications")
	}

	if kinds := h.recorder.kinds(); len(kinds) != 2 || kinds[0] != "created" || kinds[1] != "accepted" {
		t.Fatalf("recorder=%v", kinds)
	}
}

func TestInitiate_IncludesCustomerProfile(t *testing.T) {
	dir := store.NewMemoryStore()
	_ = dir.UpsertCustomer(context.Background(), store.CustomerProfile{ID: "C", Name: "Ada", Email: "ada@example.com"})
	h := newHarness(t, func(cfg *Config) { cfg.Profiles = dir })
	agentEP := h.joinAgent(t, "A")
	h.joinCustomer(t, "C")

	if _, err := h.ctrl.Initiate(context.Background(), "C", "A"); err != nil {
		t.Fatal(err)
	}
	incoming := agentEP.last().(protocol.CallIncoming)
	want := protocol.CustomerInfo{ID: "C", Name: "Ada", Email: "ada@example.com"}
	if incoming.Customer != want {
		t.Fatalf("customer=%+v, want %+v", incoming.Customer, want)
	}
}

func TestInitiate_Failures(t *testing.T) {
	h := newHarness(t, nil)
	h.joinCustomer(t, "C")

	// Never-connected agent.
	if _, err := h.ctrl.Initiate(context.Background(), "C", "A2"); !errors.Is(err, callerr.ErrUnavailable) {
		t.Fatalf("offline agent err=%v, want ErrUnavailable", err)
	}
	// Customer that never joined.
	h.joinAgent(t, "A")
	if _, err := h.ctrl.Initiate(context.Background(), "ghost", "A"); !errors.Is(err, callerr.ErrNotFound) {
		t.Fatalf("unknown customer err=%v, want ErrNotFound", err)
	}
	if h.sessions.Len() != 0 {
		t.Fatalf("failed initiates created %d sessions", h.sessions.Len())
	}
	if got := h.presence.Status("A"); got != presence.StatusOnline {
		t.Fatalf("agent status=%q, want online", got)
	}
}

// Scenario D.
func TestInitiate_BusyAgentUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAgent(t, "A")
	h.joinCustomer(t, "C")
	h.joinCustomer(t, "D")

	s, err := h.ctrl.Initiate(context.Background(), "C", "A")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.ctrl.Accept(context.Background(), s.ID); err != nil {
		t.Fatal(err)
	}

	_, err = h.ctrl.Initiate(context.Background(), "D", "A")
	if !errors.Is(err, callerr.ErrUnavailable) {
		t.Fatalf("err=%v, want ErrUnavailable", err)
	}
	if callerr.Kind(err) != callerr.KindUnavailable {
		t.Fatalf("kind=%q", callerr.Kind(err))
	}
	if h.sessions.Len() != 1 {
		t.Fatalf("sessions=%d, want 1", h.sessions.Len())
	}
}

func TestInitiate_CustomerAlreadyInCall(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAgent(t, "A")
	h.joinAgent(t, "B")
	h.joinCustomer(t, "C")

	if _, err := h.ctrl.Initiate(context.Background(), "C", "A"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ctrl.Initiate(context.Background(), "C", "B"); !errors.Is(err, callerr.ErrConflict) {
		t.Fatalf("err=%v, want ErrConflict", err)
	}
	if got := h.presence.Status("B"); got != presence.StatusOnline {
		t.Fatalf("agent B status=%q, want online", got)
	}
}

func TestReject(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAgent(t, "A")
	custEP := h.joinCustomer(t, "C")
	s, _ := h.ctrl.Initiate(context.Background(), "C", "A")

	if err := h.ctrl.Reject(context.Background(), s.ID); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if ev, ok := custEP.last().(protocol.CallRejected); !ok || ev.CallID != s.ID {
		t.Fatalf("customer got %#v, want call:rejected", custEP.last())
	}
	if got := h.presence.Status("A"); got != presence.StatusOnline {
		t.Fatalf("agent status=%q, want online", got)
	}
	if _, err := h.sessions.Get(s.ID); !errors.Is(err, callerr.ErrNotFound) {
		t.Fatalf("session still present: %v", err)
	}
	if err := h.ctrl.Reject(context.Background(), s.ID); !errors.Is(err, callerr.ErrNotFound) {
		t.Fatalf("second Reject err=%v, want ErrNotFound", err)
	}
	last := h.recorder.last()
	if last.kind != "ended" || last.s.Reason != callsession.ReasonRejected {
		t.Fatalf("recorder last=%+v", last)
	}
}

func TestReject_ActiveCallConflict(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAgent(t, "A")
	h.joinCustomer(t, "C")
	s, _ := h.ctrl.Initiate(context.Background(), "C", "A")
	_, _ = h.ctrl.Accept(context.Background(), s.ID)

	if err := h.ctrl.Reject(context.Background(), s.ID); !errors.Is(err, callerr.ErrConflict) {
		t.Fatalf("err=%v, want ErrConflict", err)
	}
	if got, _ := h.sessions.Get(s.ID); got.State != callsession.StateActive {
		t.Fatalf("state=%q, want active", got.State)
	}
}

func TestEnd_CompletesAndIsIdempotent(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	h := newHarness(t, func(cfg *Config) { cfg.Now = clock })
	agentEP := h.joinAgent(t, "A")
	custEP := h.joinCustomer(t, "C")
	s, _ := h.ctrl.Initiate(context.Background(), "C", "A")
	advance(3 * time.Second)
	_, _ = h.ctrl.Accept(context.Background(), s.ID)
	advance(42 * time.Second)

	if err := h.ctrl.End(context.Background(), s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := h.ctrl.End(context.Background(), s.ID); err != nil {
		t.Fatalf("second End: %v", err)
	}
	if err := h.ctrl.End(context.Background(), "no-such-call"); err != nil {
		t.Fatalf("End(unknown): %v", err)
	}

	if n := agentEP.count(protocol.EventCallEnded); n != 1 {
		t.Fatalf("agent call:ended count=%d, want 1", n)
	}
	if n := custEP.count(protocol.EventCallEnded); n != 1 {
		t.Fatalf("customer call:ended count=%d, want 1", n)
	}
	if got := h.presence.Status("A"); got != presence.StatusOnline {
		t.Fatalf("agent status=%q, want online", got)
	}

	last := h.recorder.last()
	if last.kind != "ended" || last.s.Reason != callsession.ReasonCompleted || last.s.Duration() != 42*time.Second {
		t.Fatalf("recorder last=%+v duration=%v", last, last.s.Duration())
	}
	if got := h.metrics.Get(metrics.CallsCompleted); got != 1 {
		t.Fatalf("completed=%d, want 1", got)
	}
}

func TestEnd_BeforeAcceptFails(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAgent(t, "A")
	h.joinCustomer(t, "C")
	s, _ := h.ctrl.Initiate(context.Background(), "C", "A")

	if err := h.ctrl.End(context.Background(), s.ID); err != nil {
		t.Fatal(err)
	}
	last := h.recorder.last()
	if last.s.Reason != callsession.ReasonFailed || last.s.Cause != callsession.CauseHangup {
		t.Fatalf("ended session=%+v", last.s)
	}
}

func TestEnd_SkipsDisconnectedParty(t *testing.T) {
	h := newHarness(t, nil)
	agentEP := h.joinAgent(t, "A")
	custEP := h.joinCustomer(t, "C")
	s, _ := h.ctrl.Initiate(context.Background(), "C", "A")
	_, _ = h.ctrl.Accept(context.Background(), s.ID)

	custEP.mu.Lock()
	custEP.fail = true
	custEP.mu.Unlock()

	if err := h.ctrl.End(context.Background(), s.ID); err != nil {
		t.Fatalf("End with failing endpoint: %v", err)
	}
	if n := agentEP.count(protocol.EventCallEnded); n != 1 {
		t.Fatalf("agent call:ended count=%d, want 1", n)
	}
	if got := h.metrics.Get(metrics.SendQueueFull); got != 1 {
		t.Fatalf("send drops=%d, want 1", got)
	}
}

func TestRingTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.RingTimeout = 20 * time.Millisecond })
	agentEP := h.joinAgent(t, "A")
	custEP := h.joinCustomer(t, "C")
	s, _ := h.ctrl.Initiate(context.Background(), "C", "A")

	waitFor(t, func() bool { return h.metrics.Get(metrics.RingTimeouts) == 1 })
	if h.sessions.Len() != 0 {
		t.Fatalf("sessions=%d, want 0", h.sessions.Len())
	}
	if n := agentEP.count(protocol.EventCallEnded); n != 1 {
		t.Fatalf("agent call:ended count=%d, want 1", n)
	}
	if n := custEP.count(protocol.EventCallEnded); n != 1 {
		t.Fatalf("customer call:ended count=%d, want 1", n)
	}
	if got := h.presence.Status("A"); got != presence.StatusOnline {
		t.Fatalf("agent status=%q, want online", got)
	}
	last := h.recorder.last()
	if last.s.ID != s.ID || last.s.Cause != callsession.CauseRingTimeout || last.s.Reason != callsession.ReasonFailed {
		t.Fatalf("ended session=%+v", last.s)
	}
}

func TestRingTimeout_CancelledByAccept(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.RingTimeout = 30 * time.Millisecond })
	h.joinAgent(t, "A")
	h.joinCustomer(t, "C")
	s, _ := h.ctrl.Initiate(context.Background(), "C", "A")
	if _, err := h.ctrl.Accept(context.Background(), s.ID); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	got, err := h.sessions.Get(s.ID)
	if err != nil || got.State != callsession.StateActive {
		t.Fatalf("session=(%+v, %v), want active", got, err)
	}
	if n := h.metrics.Get(metrics.RingTimeouts); n != 0 {
		t.Fatalf("ring timeouts=%d, want 0", n)
	}
}

func TestConcurrentInitiateSameAgent(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAgent(t, "A")
	const n = 16
	for i := 0; i < n; i++ {
		h.joinCustomer(t, fmt.Sprintf("C%d", i))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.ctrl.Initiate(context.Background(), fmt.Sprintf("C%d", i), "A")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, callerr.ErrUnavailable) {
				t.Errorf("unexpected err: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins=%d, want 1", wins)
	}
	if h.sessions.Len() != 1 {
		t.Fatalf("sessions=%d, want 1", h.sessions.Len())
	}
}

func TestConcurrentAcceptAndEnd(t *testing.T) {
	for iter := 0; iter < 50; iter++ {
		h := newHarness(t, nil)
		h.joinAgent(t, "A")
		custEP := h.joinCustomer(t, "C")
		s, _ := h.ctrl.Initiate(context.Background(), "C", "A")

		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); _, _ = h.ctrl.Accept(context.Background(), s.ID) }()
		go func() { defer wg.Done(); _ = h.ctrl.End(context.Background(), s.ID) }()
		go func() { defer wg.Done(); _ = h.ctrl.End(context.Background(), s.ID) }()
		wg.Wait()

		if h.sessions.Len() != 0 {
			t.Fatalf("iter %d: session survived end", iter)
		}
		if got := h.presence.Status("A"); got != presence.StatusOnline {
			t.Fatalf("iter %d: agent status=%q", iter, got)
		}
		if n := custEP.count(protocol.EventCallEnded); n != 1 {
			t.Fatalf("iter %d: call:ended count=%d", iter, n)
		}
		if n := custEP.count(protocol.EventCallAccepted); n > 1 {
			t.Fatalf("iter %d: call:accepted count=%d", iter, n)
		}
	}
}

func TestKeyLocksReleased(t *testing.T) {
	k := newKeyLocks()
	unlock := k.lock("b", "a", "b")
	if k.size() != 2 {
		t.Fatalf("size=%d, want 2", k.size())
	}
	unlock()
	if k.size() != 0 {
		t.Fatalf("size=%d after unlock, want 0", k.size())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
