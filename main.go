package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"rc-proxy-server/internal/config"
	"rc-proxy-server/internal/gateway"
	"rc-proxy-server/internal/metrics"
	"rc-proxy-server/internal/pilot"
	"rc-proxy-server/internal/server"
	"rc-proxy-server/internal/telemetry"
	"rc-proxy-server/internal/vehicle"
	"rc-proxy-server/internal/video"
	"rc-proxy-server/internal/watch"
)

// =============================================================================
// BANNER
// =============================================================================

func printBanner(cfg *config.Config, secret string) {
	fmt.Printf(`
  ═══════════════════════════════════════════════════════════════
  🚗 RC PROXY SERVER v%s
  ═══════════════════════════════════════════════════════════════

  📡 VEHICLE
  ───────────────────────────────────────────────────────────────

  Telemetry:       tcp://%s:%d
  Video ingest:    tcp://%s:%d
  RTSP:            %s (port %d)

  ───────────────────────────────────────────────────────────────
  🌐 ENDPOINTS
  ───────────────────────────────────────────────────────────────

  Dashboard:       http://%s:%d/
  WebSocket:       ws://%s:%d/ws
  MJPEG stream:    http://%s:%d/stream/{id}
  Snapshot:        http://%s:%d/sshot/{id}
  Health:          http://%s:%d/health
  Metrics:         http://%s:%d/metrics

  ───────────────────────────────────────────────────────────────
  🔒 SECURITY
  ───────────────────────────────────────────────────────────────

  Pilot secret:    %s
  Rate Limiting:   %s (%.0f req/s, burst: %d)
  Max Connections: %d

  ═══════════════════════════════════════════════════════════════

  [Ctrl+C to stop]

`,
		server.Version,
		cfg.Host, cfg.TelemetryPort,
		cfg.Host, cfg.VideoPort,
		enabledStr(cfg.RTSPEnabled), cfg.RTSPPort,
		cfg.Host, cfg.HTTPPort,
		cfg.Host, cfg.HTTPPort,
		cfg.Host, cfg.HTTPPort,
		cfg.Host, cfg.HTTPPort,
		cfg.Host, cfg.HTTPPort,
		cfg.Host, cfg.HTTPPort,
		secret,
		enabledStr(cfg.RateLimitEnabled), cfg.RateLimitRPS, cfg.RateLimitBurst,
		cfg.MaxConnections,
	)
}

func enabledStr(enabled bool) string {
	if enabled {
		return "✅ Enabled"
	}
	return "❌ Disabled"
}

// =============================================================================
// MAIN
// =============================================================================

func main() {
	cfg, err := config.Load(pflag.CommandLine, os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	cfg.ConfigureLogging()

	secret, err := pilot.GenerateSecret(cfg.SecretLength)
	if err != nil {
		log.WithError(err).Fatal("unable to generate pilot secret")
	}

	m := metrics.New()
	sensors := watch.New(vehicle.EmptySensors())
	actuators := watch.New(vehicle.NeutralActuator())
	authority := pilot.NewAuthority(actuators)
	registry := video.NewRegistry()

	telemetryMod := telemetry.NewModule(cfg, sensors, actuators, m)
	videoMod := video.NewModule(cfg, registry, m)
	gatewayMod := gateway.NewModule(cfg, secret, sensors, authority, m)
	httpServer := server.New(cfg, registry, gatewayMod, authority, m)

	var rtspMod *video.RTSPModule
	if cfg.RTSPEnabled {
		rtspMod = video.NewRTSPModule(cfg, registry, m)
	}

	printBanner(cfg, secret)

	// RTSP first so it sees every producer registration
	if rtspMod != nil {
		if err := rtspMod.Start(); err != nil {
			log.WithError(err).Fatal("RTSP republisher start failed")
		}
	}
	if err := telemetryMod.Start(); err != nil {
		log.WithError(err).Fatal("telemetry bridge start failed")
	}
	if err := videoMod.Start(); err != nil {
		log.WithError(err).Fatal("video relay start failed")
	}
	if err := httpServer.Start(); err != nil {
		log.WithError(err).Fatal("HTTP server start failed")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("shutting down")

	// Graceful shutdown
	httpServer.Stop()
	gatewayMod.Stop()
	videoMod.Stop()
	if rtspMod != nil {
		rtspMod.Stop()
	}
	telemetryMod.Stop()

	log.Info("server stopped gracefully")
}
