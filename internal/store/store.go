// Package store persists call summaries and the agent/customer directory the
// relay reads profile metadata from. Nothing in the signaling path waits on
// it: writes go through the recorder package's background worker.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callerr"
)

var ErrNotFound = fmt.Errorf("store: record %w", callerr.ErrNotFound)

// CallStatus is the persisted status of a call.
type CallStatus string

const (
	CallStatusRinging   CallStatus = "ringing"
	CallStatusOngoing   CallStatus = "ongoing"
	CallStatusCompleted CallStatus = "completed"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusFailed    CallStatus = "failed"
)

type CallRecord struct {
	CallID      string
	AgentID     string
	CustomerID  string
	Status      CallStatus
	StartedAt   time.Time
	AcceptedAt  *time.Time
	EndedAt     *time.Time
	DurationSec int64
	EndCause    string
}

// Finalization is the terminal summary written when a call ends.
type Finalization struct {
	Status   CallStatus
	EndedAt  time.Time
	Duration time.Duration
	Cause    string
}

type CustomerProfile struct {
	ID    string
	Name  string
	Email string
}

type AgentRecord struct {
	ID           string
	Name         string
	Status       string
	LastStatusAt time.Time
}

// CallRecords is the durable call-record repository.
type CallRecords interface {
	CreateCall(ctx context.Context, rec CallRecord) error
	MarkOngoing(ctx context.Context, callID string, at time.Time) error
	Finalize(ctx context.Context, callID string, f Finalization) error
	GetCall(ctx context.Context, callID string) (CallRecord, error)
}

// Directory is the source of truth for agent and customer metadata.
type Directory interface {
	GetCustomer(ctx context.Context, customerID string) (CustomerProfile, error)
	UpsertCustomer(ctx context.Context, profile CustomerProfile) error
	GetAgent(ctx context.Context, agentID string) (AgentRecord, error)
	SetAgentStatus(ctx context.Context, agentID, status string, at time.Time) error
}

// Store is implemented by GormStore and MemoryStore.
type Store interface {
	CallRecords
	Directory
	Close() error
}

// Open returns a MemoryStore for DriverMemory and a GormStore otherwise.
func Open(driver, dsn string) (Store, error) {
	if strings.EqualFold(strings.TrimSpace(driver), DriverMemory) {
		return NewMemoryStore(), nil
	}
	return NewGormStore(driver, dsn)
}

func validateID(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}
