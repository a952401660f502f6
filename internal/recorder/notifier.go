package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callsession"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBodyBytes  = 4 << 10
)

// Summary is what the recording subsystem learns about a finished call.
type Summary struct {
	CallID      string    `json:"callId"`
	AgentID     string    `json:"agentId"`
	CustomerID  string    `json:"customerId"`
	Status      string    `json:"status"`
	Cause       string    `json:"cause"`
	StartedAt   time.Time `json:"startedAt"`
	EndedAt     time.Time `json:"endedAt"`
	DurationSec int64     `json:"durationSec"`
}

func SummaryFromSession(s callsession.Session) Summary {
	return Summary{
		CallID:      s.ID,
		AgentID:     s.AgentID,
		CustomerID:  s.CustomerID,
		Status:      string(statusFor(s.Reason)),
		Cause:       s.Cause,
		StartedAt:   s.CreatedAt,
		EndedAt:     s.EndedAt,
		DurationSec: int64(s.Duration() / time.Second),
	}
}

// RecordingNotifier is told when a call has ended.
type RecordingNotifier interface {
	Name() string
	CallEnded(ctx context.Context, summary Summary) error
}

type WebhookOption func(*WebhookNotifier)

// WebhookNotifier POSTs each Summary as JSON.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

func NewWebhookNotifier(url string, opts ...WebhookOption) *WebhookNotifier {
	n := &WebhookNotifier{
		url:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

func WithHTTPClient(client *http.Client) WebhookOption {
	return func(n *WebhookNotifier) {
		if client != nil {
			n.httpClient = client
		}
	}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) CallEnded(ctx context.Context, summary Summary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil
	}
	errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return fmt.Errorf("webhook status=%d body=%q", resp.StatusCode, string(errorBody))
}

// LogNotifier logs each Summary. It is used when no webhook is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Name() string { return "log" }

func (n LogNotifier) CallEnded(_ context.Context, summary Summary) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("call ended",
		"call_id", summary.CallID,
		"agent_id", summary.AgentID,
		"customer_id", summary.CustomerID,
		"status", summary.Status,
		"cause", summary.Cause,
		"duration_sec", summary.DurationSec,
	)
	return nil
}
