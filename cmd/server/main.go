package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cmcscbl/chef-td-relay/internal/adapter/httpserver"
	"github.com/cmcscbl/chef-td-relay/internal/adapter/metrics"
	wsadapter "github.com/cmcscbl/chef-td-relay/internal/adapter/websocket"
	"github.com/cmcscbl/chef-td-relay/internal/platform/config"
	"github.com/cmcscbl/chef-td-relay/internal/platform/logging"
	"github.com/cmcscbl/chef-td-relay/internal/platform/version"
	"github.com/cmcscbl/chef-td-relay/internal/relay"
	"github.com/jonboulle/clockwork"
)

func runGracefulShutdown(cfg *config.Config, srv *httpserver.Server, wsHandler *wsadapter.Handler) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Hijacked WebSocket connections are invisible to the HTTP server's
		// shutdown, so they are closed first.
		if err := wsHandler.Shutdown(shutdownCtx); err != nil {
			slog.Error("WebSocket shutdown error", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().String())
	if cfg.SharedToken == config.PlaceholderToken {
		slog.Warn("WS_SHARED_TOKEN is the placeholder value; set a real secret before exposing the relay")
	}

	registry := metrics.NewRegistry(version.Get())
	wsMetrics := metrics.NewWebSocketMetrics(registry)

	r := relay.New(relay.Config{
		Token:             cfg.SharedToken,
		RestrictBroadcast: cfg.RestrictBroadcast,
		RoleAliases:       cfg.RoleAliases,
	}, metrics.NewRelayMetrics(registry))

	checkOrigin := wsadapter.NewCheckOrigin(cfg.AppURL, !cfg.IsProduction(), cfg.ExtraOrigins()...)
	wsHandler := wsadapter.NewHandler(r, checkOrigin, clock, wsMetrics)

	limits := wsadapter.NewLimits(wsadapter.LimitsConfig{
		MaxConnections: cfg.MaxWebSocketConnections,
		MaxPerIP:       cfg.MaxConnectionsPerIP,
		RatePerSecond:  cfg.ConnectionRatePerSecond,
		Burst:          cfg.ConnectionRateBurst,
	}, clock)

	srv := httpserver.NewServer(cfg, httpserver.Dependencies{
		WebSocket:        wsHandler,
		Membership:       r,
		Limits:           limits,
		Registry:         registry,
		WebSocketMetrics: wsMetrics,
		HealthChecks:     []httpserver.HealthCheck{{Name: "websocket", Check: wsHandler.Accepting}},
	}, clock)

	done := runGracefulShutdown(cfg, srv, wsHandler)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
