// devgate runs one messaging worker process per registered device and
// exposes them behind a single authenticated HTTP and WebSocket API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/devgate/migrations"

	"github.com/nerrad567/devgate/internal/api"
	"github.com/nerrad567/devgate/internal/device"
	"github.com/nerrad567/devgate/internal/infrastructure/config"
	"github.com/nerrad567/devgate/internal/infrastructure/database"
	"github.com/nerrad567/devgate/internal/infrastructure/influxdb"
	"github.com/nerrad567/devgate/internal/infrastructure/logging"
	"github.com/nerrad567/devgate/internal/infrastructure/mqtt"
	"github.com/nerrad567/devgate/internal/mirror"
	"github.com/nerrad567/devgate/internal/ports"
	"github.com/nerrad567/devgate/internal/process"
	"github.com/nerrad567/devgate/internal/proxy"
	"github.com/nerrad567/devgate/internal/webhook"
	"github.com/nerrad567/devgate/internal/worker"
)

// Version information, set at build time via ldflags:
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	// gatewayStatsInterval is how often a load snapshot goes to InfluxDB.
	gatewayStatsInterval = time.Minute

	// shutdownTimeout bounds stopping workers and draining webhooks.
	shutdownTimeout = 30 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component, blocks until ctx is cancelled and then shuts
// down in reverse dependency order.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting devgate",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	registry.SetLogger(log.Component("registry"))
	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}

	influxClient, err := connectInflux(cfg.InfluxDB, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	var portOpts []ports.Option
	if cfg.Workers.ProbeBind {
		portOpts = append(portOpts, ports.WithProbeBind())
	}
	allocator, err := ports.New(cfg.Workers.PortRange.Min, cfg.Workers.PortRange.Max, portOpts...)
	if err != nil {
		return fmt.Errorf("creating port allocator: %w", err)
	}

	launcher := process.NewLauncher()
	launcher.SetLogger(log.Component("process"))

	hub := api.NewHub(cfg.WebSocket, log.Component("realtime"))

	ctrl := worker.NewController(cfg.Workers, cfg.Health, registry, allocator, worker.ExecLauncher{Launcher: launcher})
	ctrl.SetLogger(log.Component("controller"))
	ctrl.SetPublisher(hub)

	mirrors := mirror.New(cfg.Mirror, cfg.Workers.EventsPath, cfg.Workers.Auth)
	mirrors.SetLogger(log.Component("mirror"))
	mirrors.SetPublisher(hub)
	mirrors.SetStatusSink(ctrl)
	ctrl.SetMirror(mirrors)

	dispatcher := webhook.NewDispatcher(cfg.Webhooks)
	dispatcher.SetLogger(log.Component("webhook"))

	ctrl.AddStatusListener(hub.OnStatus)
	ctrl.AddStatusListener(dispatcher.OnStatus)
	if mqttClient != nil {
		mirrors.SetEventSink(mqttClient)
		ctrl.AddStatusListener(mqttClient.OnStatus)
	}
	if influxClient != nil {
		ctrl.SetMetrics(influxClient)
		dispatcher.SetMetrics(influxClient)
	}

	router := proxy.New(cfg.Proxy, cfg.Workers.Auth, ctrl)
	router.SetLogger(log.Component("proxy"))

	deps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log.Component("api"),
		Registry: registry,
		Workers:  ctrl,
		Proxy:    router,
		Hub:      hub,
		Mirror:   mirrors,
		Ports:    allocator,
		DB:       db,
		Version:  version,
	}
	// Typed nils would defeat the optional-backend checks.
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	if influxClient != nil {
		deps.InfluxDB = influxClient
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	if cfg.Security.JWT.Secret == "" {
		log.Warn("security.jwt.secret is empty, API authentication is disabled")
	}

	go reconcile(ctx, ctrl, log)
	if influxClient != nil {
		go recordGatewayStats(ctx, cfg.Gateway.ID, influxClient, registry, ctrl, allocator, mirrors, hub)
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"devices", registry.GetStats().TotalDevices,
	)
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Workers go first so their final status changes still reach the
	// listeners, then the listeners drain.
	if shutdownErr := ctrl.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error("error stopping workers", "error", shutdownErr)
	}
	if closeErr := dispatcher.Close(shutdownCtx); closeErr != nil {
		log.Error("error draining webhooks", "error", closeErr)
	}
	if closeErr := mirrors.Close(shutdownCtx); closeErr != nil {
		log.Error("error closing event mirrors", "error", closeErr)
	}
	if closeErr := server.Close(); closeErr != nil {
		log.Error("error closing API server", "error", closeErr)
	}

	log.Info("devgate stopped")
	return nil
}

// getConfigPath returns DEVGATE_CONFIG if set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv("DEVGATE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// connectInflux returns a nil client when InfluxDB is disabled.
func connectInflux(cfg config.InfluxDBConfig, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(cfg)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	return client, nil
}

// reconcile resumes workers for devices that were running before the
// last shutdown.
func reconcile(ctx context.Context, ctrl *worker.Controller, log *logging.Logger) {
	report, err := ctrl.Reconcile(ctx)
	if err != nil {
		log.Error("startup reconciliation failed", "error", err)
		return
	}
	log.Info("startup reconciliation complete",
		"normalized", len(report.Normalized),
		"started", len(report.Started),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
	)
	for hash, reason := range report.Failed {
		log.Warn("device not resumed", "device_hash", hash, "error", reason)
	}
}

func recordGatewayStats(
	ctx context.Context,
	gatewayID string,
	client *influxdb.Client,
	registry *device.Registry,
	ctrl *worker.Controller,
	allocator *ports.Allocator,
	mirrors *mirror.Hub,
	hub *api.Hub,
) {
	ticker := time.NewTicker(gatewayStatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := registry.GetStats()
			byStatus := make(map[string]int, len(stats.ByStatus))
			for st, n := range stats.ByStatus {
				byStatus[string(st)] = n
			}
			client.RecordGateway(gatewayID, influxdb.GatewayStats{
				LiveWorkers:      ctrl.LiveCount(),
				PortsInUse:       allocator.InUse(),
				MirrorsConnected: mirrors.Connected(),
				WSClients:        hub.ClientCount(),
				DevicesByStatus:  byStatus,
			})
		}
	}
}
