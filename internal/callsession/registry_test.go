package callsession

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callerr"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/presence"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestCreate_AllocatesUniqueIDs(t *testing.T) {
	r := NewRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := r.Create(fmt.Sprintf("a%d", i), fmt.Sprintf("c%d", i), t0)
		if err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
		if s.ID == "" || seen[s.ID] {
			t.Fatalf("duplicate or empty id %q", s.ID)
		}
		seen[s.ID] = true
		if s.State != StateInitiated || !s.CreatedAt.Equal(t0) {
			t.Fatalf("session=%+v", s)
		}
	}
	if r.Len() != 100 {
		t.Fatalf("Len=%d, want 100", r.Len())
	}
}

func TestCreate_ConflictPerIdentity(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create("a1", "c1", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("a1", "c2", t0); !errors.Is(err, callerr.ErrConflict) {
		t.Fatalf("same agent err=%v, want ErrConflict", err)
	}
	if _, err := r.Create("a2", "c1", t0); !errors.Is(err, callerr.ErrConflict) {
		t.Fatalf("same customer err=%v, want ErrConflict", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len=%d, want 1 (failed creates leave nothing behind)", r.Len())
	}
}

func TestCreate_ConcurrentSameAgentOnlyOneWins(t *testing.T) {
	r := NewRegistry()
	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := r.Create("a1", fmt.Sprintf("c%d", i), t0); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins=%d, want 1", wins)
	}
}

func TestTransitionAndRemove(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Create("a1", "c1", t0)

	got, err := r.Transition(s.ID, func(s *Session) error { return s.Accept(t0.Add(time.Second)) })
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.State != StateActive || !got.AcceptedAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("session=%+v", got)
	}

	got, err = r.Transition(s.ID, func(s *Session) error { return s.Accept(t0) })
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second accept err=%v, want ErrInvalidTransition", err)
	}
	if got.State != StateActive {
		t.Fatalf("state=%q after rejected transition", got.State)
	}

	got, err = r.Transition(s.ID, func(s *Session) error { return s.End(t0.Add(61*time.Second), CauseHangup) })
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if got.Reason != ReasonCompleted || got.Duration() != time.Minute {
		t.Fatalf("session=%+v duration=%v", got, got.Duration())
	}

	r.Remove(s.ID)
	r.Remove(s.ID)
	if _, err := r.Get(s.ID); !errors.Is(err, callerr.ErrNotFound) {
		t.Fatalf("Get err=%v, want ErrNotFound", err)
	}
	if _, ok := r.FindBy(presence.Agent("a1")); ok {
		t.Fatalf("FindBy(agent) found a removed session")
	}
	if _, err := r.Transition(s.ID, func(*Session) error { return nil }); !errors.Is(err, callerr.ErrNotFound) {
		t.Fatalf("Transition err=%v, want ErrNotFound", err)
	}
}

func TestTransition_PartiesImmutable(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Create("a1", "c1", t0)
	_, err := r.Transition(s.ID, func(s *Session) error {
		s.AgentID = "a2"
		return nil
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err=%v, want ErrInvalidTransition", err)
	}
	if got, _ := r.Get(s.ID); got.AgentID != "a1" {
		t.Fatalf("agent=%q, want a1", got.AgentID)
	}
}

func TestFindBy(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Create("a1", "c1", t0)
	if got, ok := r.FindBy(presence.Agent("a1")); !ok || got.ID != s.ID {
		t.Fatalf("FindBy(agent)=(%v, %v)", got, ok)
	}
	if got, ok := r.FindBy(presence.Customer("c1")); !ok || got.ID != s.ID {
		t.Fatalf("FindBy(customer)=(%v, %v)", got, ok)
	}
	// Agent and customer ids live in separate namespaces.
	if _, ok := r.FindBy(presence.Customer("a1")); ok {
		t.Fatalf("FindBy(customer:a1) matched an agent session")
	}
}

func TestSessionStateMachine(t *testing.T) {
	s := Session{State: StateInitiated}
	if err := s.End(t0, CauseRingTimeout); err != nil {
		t.Fatal(err)
	}
	if s.Reason != ReasonFailed || s.Cause != CauseRingTimeout || s.Duration() != 0 {
		t.Fatalf("session=%+v", s)
	}
	if err := s.End(t0, CauseHangup); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("end twice err=%v", err)
	}

	s = Session{State: StateInitiated}
	if err := s.Reject(t0); err != nil {
		t.Fatal(err)
	}
	if s.Reason != ReasonRejected || !s.Terminal() {
		t.Fatalf("session=%+v", s)
	}
	if err := s.Accept(t0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("accept after reject err=%v", err)
	}

	s = Session{State: StateActive}
	if err := s.Reject(t0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reject active err=%v", err)
	}
}

func TestSnapshotOrdered(t *testing.T) {
	r := NewRegistry()
	second, _ := r.Create("a2", "c2", t0.Add(time.Second))
	first, _ := r.Create("a1", "c1", t0)
	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].ID != first.ID || snap[1].ID != second.ID {
		t.Fatalf("snapshot=%+v", snap)
	}
}
