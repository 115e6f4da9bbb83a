package main

import (
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	host, _, err := net.SplitHostPort(cfg.ListenAddr)
	if err == nil && !isLoopbackHost(host) {
		logger.Warn("startup security warning: the relay accepts any peer id without authentication and is listening beyond loopback",
			"warning_code", "unauthenticated_relay_exposed",
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}

	if cfg.RoomName != "" {
		if ip := net.ParseIP(strings.TrimSpace(cfg.RoomAddress)); ip != nil && config.IsUnspecifiedIP(ip) {
			logger.Warn("startup security warning: the stored room address is unspecified; clients reading /rooms cannot dial it",
				"warning_code", "room_address_unspecified",
				"room", cfg.RoomName,
				"room_address", cfg.RoomAddress,
				"mode", cfg.Mode,
			)
		}
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-frame allocation risk on the relay)",
			"warning_code", "signaling_message_limit_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
	if cfg.SignalingWSIdleTimeout > 10*time.Minute {
		logger.Warn("startup security warning: SIGNALING_WS_IDLE_TIMEOUT is very large (dead peers stay in the directory longer)",
			"warning_code", "signaling_idle_timeout_large",
			"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
			"mode", cfg.Mode,
		)
	}
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
