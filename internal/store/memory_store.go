package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu        sync.Mutex
	calls     map[string]CallRecord
	customers map[string]CustomerProfile
	agents    map[string]AgentRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:     make(map[string]CallRecord),
		customers: make(map[string]CustomerProfile),
		agents:    make(map[string]AgentRecord),
	}
}

func (s *MemoryStore) CreateCall(_ context.Context, rec CallRecord) error {
	if err := validateID("call id", rec.CallID); err != nil {
		return err
	}
	if rec.Status == "" {
		rec.Status = CallStatusRinging
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[rec.CallID]; ok {
		return fmt.Errorf("create call: %s already exists", rec.CallID)
	}
	s.calls[rec.CallID] = rec
	return nil
}

func (s *MemoryStore) MarkOngoing(_ context.Context, callID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callID]
	if !ok {
		return fmt.Errorf("call %s: %w", callID, ErrNotFound)
	}
	rec.Status = CallStatusOngoing
	rec.AcceptedAt = &at
	s.calls[callID] = rec
	return nil
}

func (s *MemoryStore) Finalize(_ context.Context, callID string, f Finalization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callID]
	if !ok {
		return fmt.Errorf("call %s: %w", callID, ErrNotFound)
	}
	endedAt := f.EndedAt
	rec.Status = f.Status
	rec.EndedAt = &endedAt
	rec.DurationSec = int64(f.Duration / time.Second)
	rec.EndCause = f.Cause
	s.calls[callID] = rec
	return nil
}

func (s *MemoryStore) GetCall(_ context.Context, callID string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callID]
	if !ok {
		return CallRecord{}, fmt.Errorf("call %s: %w", callID, ErrNotFound)
	}
	return rec, nil
}

func (s *MemoryStore) GetCustomer(_ context.Context, customerID string) (CustomerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.customers[customerID]
	if !ok {
		return CustomerProfile{}, fmt.Errorf("customer %s: %w", customerID, ErrNotFound)
	}
	return p, nil
}

func (s *MemoryStore) UpsertCustomer(_ context.Context, profile CustomerProfile) error {
	if err := validateID("customer id", profile.ID); err != nil {
		return err
	}
	s.mu.Lock()
	s.customers[profile.ID] = profile
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, agentID string) (AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[agentID]
	if !ok {
		return AgentRecord{}, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return rec, nil
}

func (s *MemoryStore) SetAgentStatus(_ context.Context, agentID, status string, at time.Time) error {
	if err := validateID("agent id", agentID); err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.agents[agentID]
	rec.ID = agentID
	rec.Status = status
	rec.LastStatusAt = at
	s.agents[agentID] = rec
	return nil
}

func (s *MemoryStore) Close() error { return nil }
