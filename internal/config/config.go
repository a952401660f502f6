package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "AERO_CALL_RELAY_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_CALL_RELAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_CALL_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_CALL_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_CALL_RELAY_MODE"

	// Call control.
	envVarRingTimeout    = "AERO_CALL_RELAY_RING_TIMEOUT"
	envVarProfileTimeout = "AERO_CALL_RELAY_PROFILE_TIMEOUT"

	// Signaling / WebSocket auth + hardening.
	envVarAuthMode                      = "AUTH_MODE"
	envVarAPIKey                        = "API_KEY"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarSignalingSendQueue            = "SIGNALING_SEND_QUEUE"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarMaxConnectsPerSecondPerIP     = "MAX_CONNECTS_PER_SECOND_PER_IP"

	// Persistence.
	envVarDBDriver            = "AERO_CALL_RELAY_DB_DRIVER"
	envVarDBDSN               = "AERO_CALL_RELAY_DB_DSN"
	envVarDirectoryCacheTTL   = "AERO_CALL_RELAY_DIRECTORY_CACHE_TTL"
	envVarDirectoryCacheSize  = "AERO_CALL_RELAY_DIRECTORY_CACHE_SIZE"
	envVarRecorderQueueSize   = "AERO_CALL_RELAY_RECORDER_QUEUE_SIZE"
	envVarRecorderRetries     = "AERO_CALL_RELAY_RECORDER_RETRIES"
	envVarRecorderBackoff     = "AERO_CALL_RELAY_RECORDER_RETRY_BACKOFF"
	envVarRecordingWebhookURL = "AERO_CALL_RELAY_RECORDING_WEBHOOK_URL"

	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTL            = "TURN_REST_TTL"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr          = "127.0.0.1:8080"
	DefaultShutdown            = 15 * time.Second
	DefaultMode           Mode = ModeDev
	DefaultRingTimeout         = 45 * time.Second
	DefaultProfileTimeout      = 2 * time.Second

	DefaultAuthMode AuthMode = AuthModeAPIKey

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultSignalingSendQueue            = 64
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultMaxConnectsPerSecondPerIP     = 10

	DefaultDBDriver             = "sqlite"
	DefaultDirectoryCacheTTL    = 5 * time.Minute
	DefaultDirectoryCacheSize   = 10000
	DefaultRecorderQueueSize    = 1024
	DefaultRecorderRetries      = 3
	DefaultRecorderRetryBackoff = 150 * time.Millisecond

	DefaultTURNRESTTTL            = time.Hour
	DefaultTURNRESTUsernamePrefix = "aero-call"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
)

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// RingTimeout bounds how long an unanswered call may ring. Zero disables
	// the timer.
	RingTimeout    time.Duration
	ProfileTimeout time.Duration

	AuthMode AuthMode
	APIKey   string

	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration
	// SignalingSendQueue is the number of outbound events buffered per
	// connection before further sends are dropped.
	SignalingSendQueue int

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	// MaxConnectsPerSecondPerIP limits WebSocket upgrades per remote IP.
	// A value <= 0 disables the limit.
	MaxConnectsPerSecondPerIP int

	DBDriver string
	DBDSN    string

	DirectoryCacheTTL    time.Duration
	DirectoryCacheSize   int
	RecorderQueueSize    int
	RecorderRetries      int
	RecorderRetryBackoff time.Duration
	RecordingWebhookURL  string

	ICEServers   []webrtc.ICEServer
	TURNREST     TURNRESTConfig
	iceConfigErr error
}

// TURNRESTConfig enables per-request TURN credentials (coturn
// use-auth-secret). When enabled, TURN URLs need no static credentials.
type TURNRESTConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
}

func (c TURNRESTConfig) Enabled() bool {
	return c.SharedSecret != ""
}

// ICEConfigError reports a malformed ICE server configuration. The relay
// still starts; /readyz and /webrtc/ice surface the error.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	authModeStr := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	dbDriver := envOrDefault(lookup, envVarDBDriver, DefaultDBDriver)
	dbDSN := envOrDefault(lookup, envVarDBDSN, "")
	webhookURL := envOrDefault(lookup, envVarRecordingWebhookURL, "")
	turnRESTSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTPrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	ringTimeout, err := envDurationOrDefault(lookup, envVarRingTimeout, DefaultRingTimeout)
	if err != nil {
		return Config{}, err
	}
	profileTimeout, err := envDurationOrDefault(lookup, envVarProfileTimeout, DefaultProfileTimeout)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	cacheTTL, err := envDurationOrDefault(lookup, envVarDirectoryCacheTTL, DefaultDirectoryCacheTTL)
	if err != nil {
		return Config{}, err
	}
	turnRESTTTL, err := envDurationOrDefault(lookup, envVarTURNRESTTTL, DefaultTURNRESTTTL)
	if err != nil {
		return Config{}, err
	}
	retryBackoff, err := envDurationOrDefault(lookup, envVarRecorderBackoff, DefaultRecorderRetryBackoff)
	if err != nil {
		return Config{}, err
	}
	sendQueue, err := envIntOrDefault(lookup, envVarSignalingSendQueue, DefaultSignalingSendQueue)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxConnectsPerIP, err := envIntOrDefault(lookup, envVarMaxConnectsPerSecondPerIP, DefaultMaxConnectsPerSecondPerIP)
	if err != nil {
		return Config{}, err
	}
	cacheSize, err := envIntOrDefault(lookup, envVarDirectoryCacheSize, DefaultDirectoryCacheSize)
	if err != nil {
		return Config{}, err
	}
	queueSize, err := envIntOrDefault(lookup, envVarRecorderQueueSize, DefaultRecorderQueueSize)
	if err != nil {
		return Config{}, err
	}
	retries, err := envIntOrDefault(lookup, envVarRecorderRetries, DefaultRecorderRetries)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}

	var modeStr, logFormatStr, logLevelStr string

	fs := flag.NewFlagSet("aero-call-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&ringTimeout, "ring-timeout", ringTimeout, "End unanswered calls after this duration (0 = never; env "+envVarRingTimeout+")")
	fs.DurationVar(&profileTimeout, "profile-timeout", profileTimeout, "Max time to wait for a customer profile lookup at join (env "+envVarProfileTimeout+")")
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Signaling auth mode: none or api_key (env "+envVarAuthMode+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "API key for AUTH_MODE=api_key (env "+envVarAPIKey+")")
	fs.DurationVar(&idleTimeout, "signaling-ws-idle-timeout", idleTimeout, "Close signaling connections idle for this long (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&pingInterval, "signaling-ws-ping-interval", pingInterval, "Interval between WebSocket pings (env "+envVarSignalingWSPingInterval+")")
	fs.IntVar(&sendQueue, "signaling-send-queue", sendQueue, "Outbound events buffered per connection (env "+envVarSignalingSendQueue+")")
	fs.Int64Var(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-signaling-messages-per-second", maxMessagesPerSecond, "Inbound signaling messages/sec per connection (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&maxConnectsPerIP, "max-connects-per-second-per-ip", maxConnectsPerIP, "WebSocket upgrades/sec per remote IP (0 = unlimited; env "+envVarMaxConnectsPerSecondPerIP+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSecret, "turn-rest-shared-secret", turnRESTSecret, "TURN REST shared secret; enables per-request TURN credentials (env "+envVarTURNRESTSharedSecret+")")
	fs.DurationVar(&turnRESTTTL, "turn-rest-ttl", turnRESTTTL, "TURN REST credential lifetime (env "+envVarTURNRESTTTL+")")
	fs.StringVar(&turnRESTPrefix, "turn-rest-username-prefix", turnRESTPrefix, "TURN REST username prefix (env "+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&dbDriver, "db-driver", dbDriver, "Call record database driver: sqlite, postgres or memory (env "+envVarDBDriver+")")
	fs.StringVar(&dbDSN, "db-dsn", dbDSN, "Call record database DSN (env "+envVarDBDSN+")")
	fs.DurationVar(&cacheTTL, "directory-cache-ttl", cacheTTL, "Customer profile cache TTL (env "+envVarDirectoryCacheTTL+")")
	fs.IntVar(&cacheSize, "directory-cache-size", cacheSize, "Customer profiles (including misses) kept in the cache (env "+envVarDirectoryCacheSize+")")
	fs.IntVar(&queueSize, "recorder-queue-size", queueSize, "Pending call record writes before new ones are dropped (env "+envVarRecorderQueueSize+")")
	fs.IntVar(&retries, "recorder-retries", retries, "Retries per failed call record write (env "+envVarRecorderRetries+")")
	fs.DurationVar(&retryBackoff, "recorder-retry-backoff", retryBackoff, "Base backoff between call record retries (env "+envVarRecorderBackoff+")")
	fs.StringVar(&webhookURL, "recording-webhook-url", webhookURL, "URL notified when a call ends (env "+envVarRecordingWebhookURL+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	apiKey = strings.TrimSpace(apiKey)
	if authMode == AuthModeAPIKey && apiKey == "" {
		return Config{}, fmt.Errorf("%s is required when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, err
	}

	if ringTimeout < 0 {
		return Config{}, fmt.Errorf("invalid ring timeout %s (must be >= 0)", ringTimeout)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("invalid shutdown timeout %s (must be > 0)", shutdownTimeout)
	}
	if idleTimeout <= 0 {
		return Config{}, fmt.Errorf("invalid %s %s (must be > 0)", envVarSignalingWSIdleTimeout, idleTimeout)
	}
	if pingInterval <= 0 || pingInterval >= idleTimeout {
		return Config{}, fmt.Errorf("invalid %s %s (must be > 0 and < %s)", envVarSignalingWSPingInterval, pingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("invalid %s %d (must be > 0)", envVarMaxSignalingMessageBytes, maxMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("invalid %s %d (must be > 0)", envVarMaxSignalingMessagesPerSecond, maxMessagesPerSecond)
	}
	if sendQueue <= 0 {
		return Config{}, fmt.Errorf("invalid %s %d (must be > 0)", envVarSignalingSendQueue, sendQueue)
	}
	if cacheSize <= 0 {
		return Config{}, fmt.Errorf("invalid %s %d (must be > 0)", envVarDirectoryCacheSize, cacheSize)
	}
	if queueSize <= 0 {
		return Config{}, fmt.Errorf("invalid %s %d (must be > 0)", envVarRecorderQueueSize, queueSize)
	}
	if retries < 0 {
		return Config{}, fmt.Errorf("invalid %s %d (must be >= 0)", envVarRecorderRetries, retries)
	}

	dbDriver = strings.ToLower(strings.TrimSpace(dbDriver))
	switch dbDriver {
	case "sqlite", "memory":
	case "postgres":
		if strings.TrimSpace(dbDSN) == "" {
			return Config{}, fmt.Errorf("%s is required when %s=postgres", envVarDBDSN, envVarDBDriver)
		}
	default:
		return Config{}, fmt.Errorf("invalid %s %q (expected sqlite, postgres, or memory)", envVarDBDriver, dbDriver)
	}

	turnREST := TURNRESTConfig{
		SharedSecret:   strings.TrimSpace(turnRESTSecret),
		TTL:            turnRESTTTL,
		UsernamePrefix: strings.TrimSpace(turnRESTPrefix),
	}
	if turnREST.Enabled() {
		if turnREST.TTL < time.Second {
			return Config{}, fmt.Errorf("invalid %s %s (must be >= 1s)", envVarTURNRESTTTL, turnREST.TTL)
		}
		if turnREST.UsernamePrefix == "" || strings.Contains(turnREST.UsernamePrefix, ":") {
			return Config{}, fmt.Errorf("invalid %s %q (must be non-empty and must not contain ':')", envVarTURNRESTUsernamePrefix, turnREST.UsernamePrefix)
		}
	}

	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL != "" {
		u, err := url.Parse(webhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Config{}, fmt.Errorf("invalid %s %q (expected http:// or https:// URL)", envVarRecordingWebhookURL, webhookURL)
		}
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		RingTimeout:    ringTimeout,
		ProfileTimeout: profileTimeout,

		AuthMode:                      authMode,
		APIKey:                        apiKey,
		SignalingWSIdleTimeout:        idleTimeout,
		SignalingWSPingInterval:       pingInterval,
		SignalingSendQueue:            sendQueue,
		MaxSignalingMessageBytes:      maxMessageBytes,
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,
		MaxConnectsPerSecondPerIP:     maxConnectsPerIP,

		DBDriver:             dbDriver,
		DBDSN:                strings.TrimSpace(dbDSN),
		DirectoryCacheTTL:    cacheTTL,
		DirectoryCacheSize:   cacheSize,
		RecorderQueueSize:    queueSize,
		RecorderRetries:      retries,
		RecorderRetryBackoff: retryBackoff,
		RecordingWebhookURL:  webhookURL,

		TURNREST: turnREST,
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, turnREST.Enabled())
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}
	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey), "apikey":
		return AuthModeAPIKey, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey)
	}
}

// parseAllowedOrigins normalizes a comma-separated origin list. "*" allows
// any origin.
func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitCommaSeparated(raw) {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		u, err := url.Parse(entry)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("invalid %s entry %q (expected scheme://host[:port])", envVarAllowedOrigins, entry)
		}
		if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
			return nil, fmt.Errorf("invalid %s entry %q (must be an origin, not a URL)", envVarAllowedOrigins, entry)
		}
		out = append(out, strings.ToLower(u.Scheme)+"://"+strings.ToLower(u.Host))
	}
	return out, nil
}
