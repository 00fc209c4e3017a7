package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mqtt-pulse/config"
	"mqtt-pulse/internal/api"
	"mqtt-pulse/internal/broker"
	"mqtt-pulse/internal/broker/mqtt"
	"mqtt-pulse/internal/broker/mqtt5"
	"mqtt-pulse/internal/broker/nats"
	"mqtt-pulse/internal/fleet"
	"mqtt-pulse/internal/logger"
	"mqtt-pulse/internal/metrics"
	"mqtt-pulse/internal/outbox"
	"mqtt-pulse/internal/profile"
	"mqtt-pulse/internal/stats"
	"mqtt-pulse/internal/supervisor"
)

func main() {
	// Command line flags; everything else comes from the config file and environment
	configPath := flag.String("config", "", "path to YAML config file (empty = environment only)")

	// Optional override flags
	profileOverride := flag.String("profile", "", "override profile: client or server (empty = use config)")
	transportOverride := flag.String("transport", "", "override transport: mqtt, mqtt5 or nats (empty = use config)")
	apiAddrOverride := flag.String("api-addr", "", "enable the status API on this address (empty = use config)")
	retryDelayOverride := flag.Duration("retry-delay", 0, "override delay between session attempts (0 = use config)")

	flag.Parse()

	// Load configuration; flags win over file and environment
	cfg, err := config.LoadWithOverrides(*configPath, config.Overrides{
		Profile:    *profileOverride,
		Transport:  *transportOverride,
		APIAddress: *apiAddrOverride,
		RetryDelay: *retryDelayOverride,
	})
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	factory, err := transportFactory(cfg.MQTT.Transport)
	if err != nil {
		logger.Fatal("failed to select transport", "error", err)
	}

	statsCollector := stats.NewStatsCollector()

	var roster *fleet.Roster
	if cfg.Profile == config.ProfileServer {
		roster = fleet.NewRoster()
	}

	// Setup metrics if enabled
	var metricsService *metrics.Metrics
	var registry *prometheus.Registry

	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())

		metricsService, err = metrics.NewMetrics(registry)
		if err != nil {
			logger.Fatal("failed to create metrics service", "error", err)
		}

		// Parse metrics update interval
		updateInterval, err := time.ParseDuration(cfg.Metrics.UpdateInterval)
		if err != nil {
			logger.Fatal("invalid metrics update interval", "error", err)
		}

		var fleetSize func() int
		if roster != nil {
			fleetSize = roster.Count
		}
		metricsCollector := metrics.NewMetricsCollector(metricsService, updateInterval, fleetSize)
		metricsCollector.Start()
		defer metricsCollector.Stop()
	}

	// Setup the status API if enabled
	var queue *outbox.Queue
	var apiServer *api.Server

	if cfg.API.Enabled {
		// Only the server profile drains the publish queue
		if cfg.Profile == config.ProfileServer {
			queue = outbox.NewQueue(cfg.API.QueueSize, logger, metricsService)
		}

		apiCfg := api.Config{
			Address:     cfg.API.Address,
			Username:    cfg.API.Username,
			Password:    cfg.API.Password,
			MetricsPath: cfg.Metrics.Path,
		}
		if registry != nil {
			apiCfg.Gatherer = registry
		}
		apiServer = api.NewServer(apiCfg, roster, statsCollector, queue, logger)

		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server error", "error", err)
			}
		}()
	}

	opts, err := profile.Options(cfg, profile.Deps{
		Factory: factory,
		Logger:  logger,
		Metrics: metricsService,
		Stats:   statsCollector,
		Roster:  roster,
		Outbox:  queue,
	})
	if err != nil {
		logger.Fatal("failed to build session options", "error", err)
	}

	sup, err := supervisor.New(opts, cfg.RetryDelay())
	if err != nil {
		logger.Fatal("failed to create supervisor", "error", err)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sup.Run(ctx); err != nil {
			logger.Error("supervisor stopped with error", "error", err)
		}
	}()

	logger.Info("mqtt-pulse started",
		"profile", string(cfg.Profile),
		"transport", string(cfg.MQTT.Transport),
		"broker", cfg.Address(),
		"client", cfg.Client.Name,
		"retryDelay", cfg.RetryDelay().String(),
		"apiEnabled", cfg.API.Enabled,
		"metricsEnabled", cfg.Metrics.Enabled)

	// Setup signal handlers
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	// Handle signals
	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("received SIGHUP, syncing logs")
			logger.Sync()
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("shutting down...")

			// Graceful shutdown
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			if apiServer != nil {
				if err := apiServer.Shutdown(shutdownCtx); err != nil {
					logger.Error("failed to shutdown api server", "error", err)
				}
			}

			cancel()
			select {
			case <-done:
			case <-shutdownCtx.Done():
				logger.Warn("timed out waiting for session teardown")
			}
			return
		}
	}
}

func transportFactory(t config.Transport) (broker.Factory, error) {
	switch t {
	case config.TransportMQTT:
		return mqtt.NewConn, nil
	case config.TransportMQTT5:
		return mqtt5.NewConn, nil
	case config.TransportNATS:
		return nats.NewConn, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", t)
	}
}
