package metrics

import "sync"

// Call lifecycle counters.
const (
	CallsInitiated = "calls_initiated"
	CallsAccepted  = "calls_accepted"
	CallsRejected  = "calls_rejected"
	CallsCompleted = "calls_completed"
	CallsFailed    = "calls_failed"
	RingTimeouts   = "ring_timeouts"
	Disconnects    = "disconnects_reconciled"
)

// Signaling counters.
const (
	SignalsRelayed     = "signals_relayed"
	SignalsDropped     = "signals_dropped"
	SendQueueFull      = "send_queue_full"
	ProtocolErrors     = "protocol_errors"
	RateLimited        = "rate_limited"
	AuthFailure        = "auth_failure"
	PresenceViolations = "presence_invariant_violations"
)

// Collaborator counters.
const (
	RecordJobsDropped  = "record_jobs_dropped"
	RecordJobsFailed   = "record_jobs_failed"
	RecordJobsRetried  = "record_jobs_retried"
	RecordJobsFinished = "record_jobs_finished"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is safe to call on a nil *Metrics.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
