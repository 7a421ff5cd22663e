package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/kvmgrid/broker/internal/auth"
	"github.com/kvmgrid/broker/internal/config"
	"github.com/kvmgrid/broker/internal/device"
	"github.com/kvmgrid/broker/internal/directory"
	"github.com/kvmgrid/broker/internal/httpserver"
	"github.com/kvmgrid/broker/internal/metrics"
	"github.com/kvmgrid/broker/internal/registry"
	"github.com/kvmgrid/broker/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
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

	logger.Info("starting kvmgrid-broker",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"device_ping_interval", cfg.DevicePingInterval,
		"session_exchange_timeout", cfg.SessionExchangeTimeout,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"device_tokens", len(cfg.DeviceTokens),
		"ice_servers", len(cfg.ICEServers),
	)

	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt})

	m := metrics.New()
	identity := auth.StaticIdentity{
		DeviceTokens:    cfg.DeviceTokens,
		ClientAPIKey:    cfg.APIKey,
		AllowAllClients: cfg.AuthMode == config.AuthModeNone,
	}

	// One registry and one in-flight lock table per broker process; the hub
	// and the signaling surface share both.
	reg := registry.New[*device.Conn]()
	inflight := registry.NewInFlight()

	hub := device.NewHub(device.HubConfig{
		Logger:       logger,
		Identity:     identity,
		Directory:    directory.LogDirectory{Log: logger},
		Registry:     reg,
		InFlight:     inflight,
		Metrics:      m,
		PingInterval: cfg.DevicePingInterval,
		AuthTimeout:  cfg.SignalingAuthTimeout,
	})
	hub.RegisterRoutes(srv.Mux())

	sig := signaling.NewServer(signaling.Config{
		Logger:            logger,
		Hub:               hub,
		InFlight:          inflight,
		Identity:          identity,
		Metrics:           m,
		ICEServers:        cfg.ClientICEServers(),
		ExchangeTimeout:   cfg.SessionExchangeTimeout,
		AuthTimeout:       cfg.SignalingAuthTimeout,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	})
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		hub.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	hub.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
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
