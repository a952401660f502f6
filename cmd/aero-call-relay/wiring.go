package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/call-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callcontrol"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/callsession"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/presence"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/recorder"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/call-relay/internal/store"
)

// relayApp is the fully wired relay.
type relayApp struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	store     store.Store
	recorder  *recorder.Recorder
	presence  *presence.Registry
	sessions  *callsession.Registry
	ctrl      *callcontrol.Controller
	signaling *signaling.Server
	http      *httpserver.Server
}

func newRelayApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) (*relayApp, error) {
	st, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open call store: %w", err)
	}

	m := metrics.New()
	rec := recorder.New(recorder.Config{
		Records:      st,
		Directory:    st,
		Notifier:     recordingNotifier(cfg, logger),
		Logger:       logger.With("component", "recorder"),
		Metrics:      m,
		QueueSize:    cfg.RecorderQueueSize,
		RetryCount:   cfg.RecorderRetries,
		RetryBackoff: cfg.RecorderRetryBackoff,
	})

	pres := presence.NewRegistry(presence.Config{
		Logger:  logger.With("component", "presence"),
		Metrics: m,
		OnStatus: func(agentID string, status presence.Status) {
			rec.AgentStatus(agentID, string(status), time.Now())
		},
	})
	sessions := callsession.NewRegistry()

	ringTimeout := cfg.RingTimeout
	if ringTimeout == 0 {
		ringTimeout = -1
	}
	ctrl, err := callcontrol.New(callcontrol.Config{
		Presence:       pres,
		Sessions:       sessions,
		Recorder:       rec,
		Profiles:       store.NewCachedDirectory(st, cfg.DirectoryCacheSize, cfg.DirectoryCacheTTL),
		Logger:         logger.With("component", "callcontrol"),
		Metrics:        m,
		RingTimeout:    ringTimeout,
		ProfileTimeout: cfg.ProfileTimeout,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	authz, err := auth.NewAuthorizer(cfg)
	if err != nil {
		ctrl.Close()
		_ = st.Close()
		return nil, fmt.Errorf("configure signaling auth: %w", err)
	}

	sig, err := signaling.NewServer(signaling.Config{
		Controller:                ctrl,
		Reconciler:                callcontrol.NewReconciler(ctrl),
		Presence:                  pres,
		Sessions:                  sessions,
		Authorizer:                authz,
		Logger:                    logger.With("component", "signaling"),
		Metrics:                   m,
		IdleTimeout:               cfg.SignalingWSIdleTimeout,
		PingInterval:              cfg.SignalingWSPingInterval,
		SendQueueSize:             cfg.SignalingSendQueue,
		MaxMessageBytes:           cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond:      cfg.MaxSignalingMessagesPerSecond,
		MaxConnectsPerSecondPerIP: cfg.MaxConnectsPerSecondPerIP,
	})
	if err != nil {
		ctrl.Close()
		_ = st.Close()
		return nil, err
	}

	srv := httpserver.New(cfg, logger, build, httpserver.Deps{
		Signaling: sig,
		Metrics:   m,
		Sessions:  sessions,
		Presence:  pres,
	})

	rec.Start()
	return &relayApp{
		logger:    logger,
		metrics:   m,
		store:     st,
		recorder:  rec,
		presence:  pres,
		sessions:  sessions,
		ctrl:      ctrl,
		signaling: sig,
		http:      srv,
	}, nil
}

func recordingNotifier(cfg config.Config, logger *slog.Logger) recorder.RecordingNotifier {
	if cfg.RecordingWebhookURL != "" {
		return recorder.NewWebhookNotifier(cfg.RecordingWebhookURL)
	}
	return recorder.LogNotifier{Logger: logger.With("component", "recording")}
}

// shutdown stops accepting connections, tears down live calls, then drains
// pending call-record writes before closing the store.
func (a *relayApp) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.signaling.Close()
	a.ctrl.Close()
	if err := a.recorder.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("recorder drain: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}
