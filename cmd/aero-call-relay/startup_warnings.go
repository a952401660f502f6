package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/call-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets any client join as any agent or customer",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.DBDriver == "memory" {
		logger.Warn("startup security warning: call records are kept in memory while --mode=prod (lost on restart)",
			"warning_code", "memory_store_in_prod",
			"db_driver", cfg.DBDriver,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxConnectsPerSecondPerIP <= 0 {
		logger.Warn("startup security warning: MAX_CONNECTS_PER_SECOND_PER_IP is unset/0 (unlimited) while --mode=prod",
			"warning_code", "connect_rate_unlimited_in_prod",
			"max_connects_per_second_per_ip", cfg.MaxConnectsPerSecondPerIP,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (raises per-connection memory exposure)",
			"warning_code", "signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}
