// Package recorder moves call bookkeeping off the signaling path. Call-record
// writes, agent status mirroring and recording notifications are queued and
// executed in order by a single background worker; callers never block.
package recorder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callsession"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/store"
)

const (
	DefaultQueueSize    = 1024
	DefaultRetryCount   = 3
	DefaultRetryBackoff = 150 * time.Millisecond
	DefaultJobTimeout   = 5 * time.Second
)

var ErrClosed = errors.New("recorder: closed")

type Config struct {
	Records   store.CallRecords
	Directory store.Directory
	Notifier  RecordingNotifier
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	QueueSize    int
	RetryCount   int
	RetryBackoff time.Duration
	JobTimeout   time.Duration
}

type job struct {
	name   string
	callID string
	run    func(ctx context.Context) error
}

type Recorder struct {
	cfg    Config
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
	queue  chan job
}

func New(cfg Config) *Recorder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = DefaultRetryCount
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		queue:  make(chan job, cfg.QueueSize),
	}
}

// Start launches the worker. Extra calls are no-ops.
func (r *Recorder) Start() {
	if r.started.CompareAndSwap(false, true) {
		go r.run()
	}
}

// Close stops accepting jobs and waits for queued ones to finish. When ctx
// expires first, in-flight work is cancelled.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	// Drain whatever was queued even if the worker never ran.
	r.Start()

	select {
	case <-r.done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-r.done
		return ctx.Err()
	}
}

// CallCreated persists a newly initiated call.
func (r *Recorder) CallCreated(s callsession.Session) {
	if r.cfg.Records == nil {
		return
	}
	rec := store.CallRecord{
		CallID:     s.ID,
		AgentID:    s.AgentID,
		CustomerID: s.CustomerID,
		Status:     store.CallStatusRinging,
		StartedAt:  s.CreatedAt,
	}
	r.enqueue(job{name: "create_call", callID: s.ID, run: func(ctx context.Context) error {
		return r.cfg.Records.CreateCall(ctx, rec)
	}})
}

// CallAccepted marks a call as ongoing.
func (r *Recorder) CallAccepted(s callsession.Session) {
	if r.cfg.Records == nil {
		return
	}
	id, at := s.ID, s.AcceptedAt
	r.enqueue(job{name: "mark_ongoing", callID: id, run: func(ctx context.Context) error {
		return r.cfg.Records.MarkOngoing(ctx, id, at)
	}})
}

// CallEnded writes the terminal summary and notifies the recording
// subsystem.
func (r *Recorder) CallEnded(s callsession.Session) {
	if r.cfg.Records != nil {
		id := s.ID
		fin := store.Finalization{
			Status:   statusFor(s.Reason),
			EndedAt:  s.EndedAt,
			Duration: s.Duration(),
			Cause:    s.Cause,
		}
		r.enqueue(job{name: "finalize", callID: id, run: func(ctx context.Context) error {
			return r.cfg.Records.Finalize(ctx, id, fin)
		}})
	}
	if r.cfg.Notifier != nil {
		summary := SummaryFromSession(s)
		r.enqueue(job{name: "notify_" + r.cfg.Notifier.Name(), callID: s.ID, run: func(ctx context.Context) error {
			return r.cfg.Notifier.CallEnded(ctx, summary)
		}})
	}
}

// AgentStatus mirrors an agent's availability into the directory.
func (r *Recorder) AgentStatus(agentID, status string, at time.Time) {
	if r.cfg.Directory == nil {
		return
	}
	r.enqueue(job{name: "agent_status", run: func(ctx context.Context) error {
		return r.cfg.Directory.SetAgentStatus(ctx, agentID, status, at)
	}})
}

func (r *Recorder) enqueue(j job) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.cfg.Metrics.Inc(metrics.RecordJobsDropped)
		r.logger.Warn("record job dropped", "job", j.name, "call_id", j.callID, "err", ErrClosed)
		return
	}
	select {
	case r.queue <- j:
	default:
		r.cfg.Metrics.Inc(metrics.RecordJobsDropped)
		r.logger.Warn("record job dropped: queue full", "job", j.name, "call_id", j.callID)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for j := range r.queue {
		r.runJob(j)
	}
}

func (r *Recorder) runJob(j job) {
	for attempt := 1; attempt <= r.cfg.RetryCount; attempt++ {
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.JobTimeout)
		err := j.run(ctx)
		cancel()
		if err == nil {
			r.cfg.Metrics.Inc(metrics.RecordJobsFinished)
			return
		}

		r.logger.Warn("record job failed",
			"job", j.name,
			"call_id", j.callID,
			"attempt", attempt,
			"err", err,
		)
		if attempt == r.cfg.RetryCount || errors.Is(err, store.ErrNotFound) {
			break
		}
		r.cfg.Metrics.Inc(metrics.RecordJobsRetried)

		select {
		case <-r.ctx.Done():
			r.cfg.Metrics.Inc(metrics.RecordJobsFailed)
			return
		case <-time.After(r.cfg.RetryBackoff):
		}
	}
	r.cfg.Metrics.Inc(metrics.RecordJobsFailed)
	r.logger.Error("record job abandoned", "job", j.name, "call_id", j.callID)
}

func statusFor(reason callsession.Reason) store.CallStatus {
	switch reason {
	case callsession.ReasonCompleted:
		return store.CallStatusCompleted
	case callsession.ReasonRejected:
		return store.CallStatusRejected
	default:
		return store.CallStatusFailed
	}
}
