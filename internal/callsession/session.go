// Package callsession holds the table of in-flight calls and the per-call state
// machine:
//
//	Initiated -> Active -> Terminated(Completed)
//	Initiated -> Terminated(Rejected | Failed)
package callsession

import (
	"errors"
	"fmt"
	"time"
)

type State string

const (
	StateInitiated  State = "initiated"
	StateActive     State = "active"
	StateTerminated State = "terminated"
)

// Reason is the terminal outcome of a call.
type Reason string

const (
	ReasonCompleted Reason = "completed"
	ReasonRejected  Reason = "rejected"
	ReasonFailed    Reason = "failed"
)

// What caused a call to terminate.
const (
	CauseHangup      = "hangup"
	CauseRejected    = "rejected"
	CauseDisconnect  = "disconnect"
	CauseRingTimeout = "ring_timeout"
)

var ErrInvalidTransition = errors.New("callsession: invalid transition")

type Session struct {
	ID         string
	AgentID    string
	CustomerID string
	State      State
	CreatedAt  time.Time
	AcceptedAt time.Time
	EndedAt    time.Time
	Reason     Reason
	Cause      string
}

func (s Session) Terminal() bool { return s.State == StateTerminated }

// Duration is the talk time: zero for calls that were never answered.
func (s Session) Duration() time.Duration {
	if s.AcceptedAt.IsZero() || s.EndedAt.IsZero() || s.EndedAt.Before(s.AcceptedAt) {
		return 0
	}
	return s.EndedAt.Sub(s.AcceptedAt)
}

func (s *Session) Accept(now time.Time) error {
	if s.State != StateInitiated {
		return fmt.Errorf("%w: accept from %s", ErrInvalidTransition, s.State)
	}
	s.State = StateActive
	s.AcceptedAt = now
	return nil
}

func (s *Session) Reject(now time.Time) error {
	if s.State != StateInitiated {
		return fmt.Errorf("%w: reject from %s", ErrInvalidTransition, s.State)
	}
	s.terminate(ReasonRejected, CauseRejected, now)
	return nil
}

// End terminates an unanswered call as Failed and an answered one as
// Completed.
func (s *Session) End(now time.Time, cause string) error {
	switch s.State {
	case StateInitiated:
		s.terminate(ReasonFailed, cause, now)
	case StateActive:
		s.terminate(ReasonCompleted, cause, now)
	default:
		return fmt.Errorf("%w: end from %s", ErrInvalidTransition, s.State)
	}
	return nil
}

func (s *Session) terminate(reason Reason, cause string, now time.Time) {
	s.State = StateTerminated
	s.Reason = reason
	s.Cause = cause
	s.EndedAt = now
}
