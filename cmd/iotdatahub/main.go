// IoT Data Hub - ingestion gateway for field devices.
//
// This is the main entry point for the hub. It terminates device TCP
// connections, maintains the in-memory device cache with write-behind
// persistence, and exposes the HTTP control API and WebSocket observer
// channel. Optional integrations relay events to MQTT and archive
// telemetry to InfluxDB.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/iotdatahub/core/migrations"

	"github.com/iotdatahub/core/internal/api"
	"github.com/iotdatahub/core/internal/audit"
	"github.com/iotdatahub/core/internal/device"
	"github.com/iotdatahub/core/internal/gateway"
	"github.com/iotdatahub/core/internal/infrastructure/config"
	"github.com/iotdatahub/core/internal/infrastructure/database"
	"github.com/iotdatahub/core/internal/infrastructure/influxdb"
	"github.com/iotdatahub/core/internal/infrastructure/logging"
	"github.com/iotdatahub/core/internal/infrastructure/mqtt"
	"github.com/iotdatahub/core/internal/session"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds how long the gateway waits for serve loops to drain.
const shutdownTimeout = 10 * time.Second

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting IoT Data Hub",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
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

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Device cache with write-behind persistence
	store := device.NewSQLiteStore(db.DB)
	cache := device.NewCache(store, device.CacheConfig{
		FlushInterval:    cfg.FlushInterval(),
		SweepInterval:    cfg.SweepInterval(),
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
	})
	cache.SetLogger(log)

	// Live session registry
	sessions := session.NewRegistry()

	// Connect to MQTT broker (optional)
	var relay *mqtt.Relay
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
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

		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		relay = mqtt.NewRelay(mqttClient)
		relay.SetLogger(log)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// WebSocket observer hub, shared between the API server and the
	// gateway dispatcher
	hub := api.NewHub(cfg.WebSocket, cache, log)
	go hub.Run(ctx)

	// Fan events out to the observer hub plus the optional integrations
	events := &eventFanout{hub: hub, relay: relay, influx: influxClient}

	// Offline transitions are detected inside the cache (monitor and
	// sweep); everything else publishes through the dispatcher.
	cache.SetOnStatusChange(func(deviceID string, status device.Status) {
		events.PublishDeviceStatus(deviceID, status)
	})
	cache.Start()
	defer func() {
		log.Info("flushing device cache")
		cache.Cleanup()
	}()

	// Device gateway
	dispatcher := gateway.NewDispatcher(cache, sessions, events, cfg.HeartbeatTimeout(), log)
	defer dispatcher.Stop()

	gwTLS, err := gatewayTLSConfig(cfg.Gateway.TLS)
	if err != nil {
		return fmt.Errorf("loading gateway TLS config: %w", err)
	}
	gwServer := gateway.NewServer(gateway.Config{
		Addr: cfg.Gateway.Addr(),
		TLS:  gwTLS,
	}, dispatcher, log)

	// Control API
	apiServer, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Logger:      log,
		Cache:       cache,
		Sessions:    sessions,
		Commander:   dispatcher,
		Gateway:     gwServer,
		Audit:       audit.NewSQLiteRepository(db.DB),
		ExternalHub: hub,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := gwServer.Start(); err != nil {
		return fmt.Errorf("starting device gateway: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Stop accepting device traffic first so the cache flush below sees a
	// quiet system. The remaining teardown runs via the defer chain:
	// dispatcher, cache flush, API server, integrations, database.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := gwServer.Stop(stopCtx); err != nil {
		log.Error("error stopping device gateway", "error", err)
	}

	log.Info("IoT Data Hub stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses IOTDATAHUB_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("IOTDATAHUB_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// gatewayTLSConfig builds a tls.Config for the device listener, or nil if
// TLS is disabled.
func gatewayTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading key pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// eventFanout forwards device events to the WebSocket hub and, when
// configured, to the MQTT relay and InfluxDB archiver. It satisfies the
// gateway dispatcher's broadcaster interface.
type eventFanout struct {
	hub    *api.Hub
	relay  *mqtt.Relay
	influx *influxdb.Client
}

// PublishHardwareData implements gateway.Broadcaster.
func (f *eventFanout) PublishHardwareData(deviceID string, pin int, value, command string) {
	f.hub.PublishHardwareData(deviceID, pin, value, command)
	if f.relay != nil {
		f.relay.PublishHardwareData(deviceID, pin, value, command)
	}
	if f.influx != nil {
		f.influx.WritePinEvent(deviceID, pin, value, command)
	}
}

// PublishDeviceStatus implements gateway.Broadcaster.
func (f *eventFanout) PublishDeviceStatus(deviceID string, status device.Status) {
	f.hub.PublishDeviceStatus(deviceID, status)
	if f.relay != nil {
		f.relay.PublishDeviceStatus(deviceID, string(status))
	}
	if f.influx != nil {
		f.influx.WriteDeviceStatus(deviceID, status == device.StatusOnline)
	}
}
