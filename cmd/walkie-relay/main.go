package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/config"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/discovery"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/pionlog"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/store"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)
	lf := pionlog.NewFactory(logger)

	logger.Info("starting walkie-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"db_path", cfg.DBPath,
		"room", cfg.RoomName,
		"advertise", cfg.RoomAdvertise,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"signaling_message_burst", cfg.SignalingMessageBurst,
	)
	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A store that fails to open falls back to memory and reports why.
	st, storeErr := store.Open(ctx, cfg.DBPath, lf)
	defer st.Close()

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime})
	if cfg.Mode == config.ModeProd {
		srv.AddReadyCheck("store", func() error { return storeErr })
	}

	m := metrics.New()
	srv.SetMetrics(m)
	hub := signaling.NewServer(signaling.Config{
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		MessageBurst:      cfg.SignalingMessageBurst,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
		PingInterval:      cfg.SignalingWSPingInterval,
		Metrics:           m,
		LoggerFactory:     lf,
	})
	hub.RegisterRoutes(srv.Mux())
	store.RegisterRoutes(srv.Mux(), st)
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	var adv *discovery.Advertiser
	if cfg.RoomName != "" {
		room := roomFromConfig(cfg, ln.Addr())
		if _, err := st.StoreRoom(ctx, room); err != nil {
			logger.Error("failed to store room", "room", room.Name, "err", err)
		}
		if cfg.RoomAdvertise {
			adv = discovery.NewAdvertiser(discovery.AdvertiserConfig{LoggerFactory: lf})
			if err := adv.Publish(advertisedRoom(room)); err != nil {
				logger.Error("failed to advertise room", "room", room.Name, "err", err)
			}
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		hub.Close()
		if adv != nil {
			adv.Close()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	if adv != nil {
		adv.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Relay WebSockets are hijacked; Shutdown does not wait for them.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// roomFromConfig fills the room's port from the bound listener when the
// configured one came from an ephemeral listen address.
func roomFromConfig(cfg config.Config, addr net.Addr) store.Room {
	port := cfg.RoomPort
	if tcp, ok := addr.(*net.TCPAddr); ok && port == 0 {
		port = tcp.Port
	}
	return store.Room{
		Name:      cfg.RoomName,
		Address:   cfg.RoomAddress,
		Port:      port,
		CreatorID: cfg.PeerID,
		Metadata:  cfg.RoomMetadata,
	}
}

func advertisedRoom(r store.Room) discovery.Room {
	return discovery.Room{
		Name:     r.Name,
		Creator:  r.CreatorID,
		Path:     discovery.DefaultPath,
		Port:     r.Port,
		Metadata: r.Metadata,
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
