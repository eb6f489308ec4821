// Hortiva Hub - IoT device hub for horticultural facilities.
//
// hortivad is the facility-local daemon: it owns the device registry,
// keeps one connection per device through the protocol adapters, queues
// actuation commands, and ingests sensor readings into the local store
// with an optional InfluxDB mirror.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/hortiva/hortiva-core/migrations"

	"github.com/hortiva/hortiva-core/internal/adapter"
	"github.com/hortiva/hortiva-core/internal/adapter/modbustcp"
	"github.com/hortiva/hortiva-core/internal/adapter/mqttbridge"
	"github.com/hortiva/hortiva-core/internal/command"
	"github.com/hortiva/hortiva-core/internal/conn"
	"github.com/hortiva/hortiva-core/internal/device"
	"github.com/hortiva/hortiva-core/internal/hub"
	"github.com/hortiva/hortiva-core/internal/infrastructure/config"
	"github.com/hortiva/hortiva-core/internal/infrastructure/database"
	"github.com/hortiva/hortiva-core/internal/infrastructure/influxdb"
	"github.com/hortiva/hortiva-core/internal/infrastructure/logging"
	"github.com/hortiva/hortiva-core/internal/infrastructure/metrics"
	"github.com/hortiva/hortiva-core/internal/infrastructure/mqtt"
	"github.com/hortiva/hortiva-core/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability. Returning an error allows main to handle exit codes
// consistently.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Hortiva Hub",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath, "facility", cfg.Facility.ID)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database and bring the schema up to date
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
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Connect to the MQTT broker serving vendor gateways (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled, gateway devices unavailable")
	}

	// Connect to InfluxDB, the best-effort telemetry mirror (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Metrics exposition
	collector, err := metrics.NewCollector(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Port:    cfg.Metrics.Port,
		Path:    cfg.Metrics.Path,
	})
	if err != nil {
		return fmt.Errorf("creating metrics collector: %w", err)
	}
	if err := collector.Start(); err != nil {
		return fmt.Errorf("starting metrics server: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if stopErr := collector.Stop(stopCtx); stopErr != nil {
			log.Error("error stopping metrics server", "error", stopErr)
		}
	}()
	if cfg.Metrics.Enabled {
		log.Info("metrics exposition started", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
	}

	// Protocol adapters
	adapters := adapter.NewRegistry()
	if err := adapters.Register(modbustcp.New(cfg.Hub.IOTimeout())); err != nil {
		return fmt.Errorf("registering modbus adapter: %w", err)
	}
	if mqttClient != nil {
		if err := adapters.Register(mqttbridge.New(mqttClient, cfg.Hub.IOTimeout())); err != nil {
			return fmt.Errorf("registering mqtt gateway adapter: %w", err)
		}
	}
	log.Info("protocol adapters registered", "protocols", len(adapters.Protocols()))

	// Device registry
	deviceRepo := device.NewSQLiteRepository(db.DB)
	registry := device.NewRegistry(deviceRepo, adapters.Supports)
	registry.SetLogger(log)

	// Connection manager
	manager := conn.NewManager(adapters, registry, conn.Settings{
		HeartbeatInterval:      cfg.Hub.HeartbeatInterval(),
		FreshnessWindow:        cfg.Hub.FreshnessWindow(),
		DegradedErrorThreshold: cfg.Hub.DegradedErrorThreshold,
		RetryWindow:            cfg.Hub.RetryWindow(),
		RetryBudget:            cfg.Hub.RetryBudget,
		BackoffBase:            cfg.Hub.BackoffBase(),
		BackoffCap:             cfg.Hub.BackoffCap(),
		IOTimeout:              cfg.Hub.IOTimeout(),
	})
	manager.SetLogger(log)
	manager.SetRecorder(collector)
	if influxClient != nil {
		manager.SetStatusSink(func(deviceID string, status device.Status, at time.Time) {
			influxClient.WriteDeviceStatus(deviceID, string(status), at)
		})
	}

	// Command dispatcher, delivering through the connection manager
	commandRepo := command.NewSQLiteRepository(db.DB)
	dispatcher := command.NewDispatcher(commandRepo, manager,
		cfg.Hub.CommandTimeout(), cfg.Hub.QueueCapacity)
	dispatcher.SetLogger(log)
	dispatcher.SetRecorder(collector)

	// Telemetry pipeline
	readingRepo := telemetry.NewSQLiteRepository(db.DB)
	ingestor := telemetry.NewIngestor(readingRepo, func(ctx context.Context, id string) bool {
		_, err := registry.Get(ctx, id)
		return err == nil
	})
	ingestor.SetLogger(log)
	if influxClient != nil {
		ingestor.SetMirror(influxClient)
	}
	aggregator := telemetry.NewAggregator(readingRepo)

	// Polled samples flow into the same ingest path as pushed readings
	manager.SetSampleSink(func(deviceID string, samples []adapter.Sample) {
		inputs := make([]telemetry.Input, 0, len(samples))
		for _, s := range samples {
			inputs = append(inputs, telemetry.Input{
				SensorType: s.Point,
				Value:      s.Value,
				Unit:       s.Unit,
				TS:         s.At,
			})
		}
		sinkCtx, sinkCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer sinkCancel()
		if _, ingestErr := ingestor.Ingest(sinkCtx, deviceID, inputs); ingestErr != nil {
			log.Warn("failed to ingest polled samples", "device_id", deviceID, "error", ingestErr)
		}
	})

	// Assemble and start the hub
	deviceHub, err := hub.New(hub.Options{
		Registry:    registry,
		Connections: manager,
		Dispatcher:  dispatcher,
		Ingestor:    ingestor,
		Aggregator:  aggregator,
		Metrics:     collector,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("assembling hub: %w", err)
	}
	defer func() {
		log.Info("stopping hub")
		deviceHub.Close()
	}()

	if err := deviceHub.Start(ctx); err != nil {
		return fmt.Errorf("starting hub: %w", err)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	stats := deviceHub.Stats()
	log.Info("initialisation complete, waiting for shutdown signal",
		"devices", stats.TotalDevices)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. Hub (dispatcher, then connections)
	// 2. Metrics server
	// 3. InfluxDB (if enabled)
	// 4. MQTT (if enabled)
	// 5. Database

	log.Info("Hortiva Hub stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses HORTIVA_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HORTIVA_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
