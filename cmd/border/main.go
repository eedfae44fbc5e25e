// cmd/border/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"border/pkg/api"
	"border/pkg/calls"
	"border/pkg/common"
	"border/pkg/config"
	"border/pkg/health"
	"border/pkg/i18n"
	blog "border/pkg/log"
	"border/pkg/metrics"
	"border/pkg/notify"
	"border/pkg/service"
	"border/pkg/sip"
	"border/pkg/state"
	"border/pkg/storage"
	"border/pkg/websocket"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	events, err := blog.NewLogger(cfg.ToLogConfig(version))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger := events.Logger
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Border gateway failed", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	if cfg.Database.Driver == config.DriverMemory {
		return storage.NewMemoryStorage(cfg.ToMemoryConfig(), logger)
	}
	return storage.OpenSQL(ctx, cfg.ToSQLConfig(), logger)
}

func buildServices(cfg *config.Config, messages *i18n.Catalog, logger *zap.Logger) (*service.Services, error) {
	services := service.NewServices(cfg.DefaultService)
	for _, sc := range cfg.ToServiceConfigs() {
		svc, err := service.New(sc, messages, logger)
		if err != nil {
			return nil, err
		}
		services.Add(svc)
		logger.Info("Service configured",
			zap.String("service", sc.ID),
			zap.String("type", svc.Type()),
			zap.Int("triggers", len(sc.Triggers)))
	}
	return services, nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting DEC112 border gateway",
		zap.String("version", version),
		zap.String("node_id", cfg.NodeID),
		zap.String("sip_uri", cfg.SIP.URI))

	metrics.InitMetrics(version, cfg.NodeID)
	goroutines := common.NewGoroutineRegistry(logger)
	ctx := goroutines.Context()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage", zap.Error(err))
		}
	}()

	monitor := health.NewHealthMonitor(cfg.ToHealthConfig(), logger)
	monitor.Register("storage", store, true)

	var opts []state.Option
	var mirror *notify.Mirror
	if cfg.Redis.Enabled {
		mirror, err = notify.NewRedisMirror(ctx, cfg.ToRedisConfig(), logger)
		if err != nil {
			// the mirror is optional; calls are served without it
			logger.Warn("Event mirror unavailable", zap.Error(err))
		} else {
			opts = append(opts, state.WithSink(mirror))
			monitor.Register("redis", mirror, false)
			defer mirror.Close()
		}
	}
	registry := state.NewRegistry(cfg.ToRegistryConfig(), logger, opts...)

	messages, err := i18n.New(cfg.SIP.DefaultLang, logger)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	services, err := buildServices(cfg, messages, logger)
	if err != nil {
		return fmt.Errorf("failed to configure services: %w", err)
	}

	transport, err := sip.NewTransport(cfg.ToSIPConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to create SIP transport: %w", err)
	}
	defer transport.Close()

	manager := calls.NewManager(cfg.ToManagerConfig(), registry, services, store, transport, messages, logger)
	transport.SetHandler(manager)

	wsServer := websocket.NewServer(cfg.ToWebSocketConfig(), manager, logger)
	status := api.NewStatusHandler(monitor, manager, wsServer, logger, cfg.NodeID, version)
	apiServer := api.NewServer(cfg.ToAPIConfig(), manager, wsServer, status, logger)

	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}
	defer monitor.Stop()

	goroutines.Go("registry_sweep", registry.Run)
	if mirror != nil {
		goroutines.Go("event_mirror", mirror.Run)
	}
	goroutines.Go("sip_transport", func(ctx context.Context) {
		if err := transport.Serve(ctx); err != nil {
			logger.Error("SIP transport stopped", zap.Error(err))
		}
	})
	goroutines.Go("sip_registration", transport.RunRegistration)
	goroutines.Go("http_api", func(ctx context.Context) {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP API stopped", zap.Error(err))
		}
	})
	if cfg.Metrics.Enabled {
		metricsServer := metrics.StartMetricsServer(cfg.Metrics.BindAddr, logger)
		defer metrics.Shutdown(context.Background(), metricsServer, logger)
	}

	logger.Info("Border gateway started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	// Shutdown in reverse order; callers are told before SIP goes away
	if err := apiServer.Stop(); err != nil {
		logger.Error("Failed to stop HTTP API", zap.Error(err))
	}
	wsServer.Shutdown()

	closeCtx, cancel := common.EnsureTimeout(context.Background(), cfg.GetShutdownWait())
	closed := manager.CloseAll(closeCtx, "", state.ClosedBySystem)
	cancel()
	logger.Info("Closed active calls", zap.Int("count", closed))

	if err := goroutines.Shutdown(cfg.GetShutdownWait()); err != nil {
		logger.Error("Background tasks did not stop in time", zap.Error(err))
	}
	logger.Info("Shutdown complete")
	return nil
}
