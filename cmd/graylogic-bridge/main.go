// Gray Logic Bridge - transport bridge for the Gray Logic platform
//
// This is the main entry point for a Gray Logic bridge process. One process
// runs one transport (bluetooth, zigbee, lora or http) and speaks the
// bridge protocol to the server over MQTT:
//   - Discovers devices on its transport
//   - Converts wire values to and from named device properties
//   - Keeps its connected devices in step with the server's registry
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-bridges/internal/bridge"
	"github.com/nerrad567/gray-logic-bridges/internal/converter"
	"github.com/nerrad567/gray-logic-bridges/internal/devicecache"
	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-bridges/internal/transport/bluetooth"
	"github.com/nerrad567/gray-logic-bridges/internal/transport/lora"
	"github.com/nerrad567/gray-logic-bridges/internal/transport/webhook"
	"github.com/nerrad567/gray-logic-bridges/internal/transport/zigbee"
	"github.com/nerrad567/gray-logic-bridges/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/bridge.yaml"

// transportStartTimeout bounds opening and configuring the transport hardware.
const transportStartTimeout = 30 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic Bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version).ForBridge(cfg.Bridge.Transport)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(cfg.Database)
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

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT, cfg.Bridge.Transport)
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
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

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

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Open the transport
	t, err := openTransport(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("opening %s transport: %w", cfg.Bridge.Transport, err)
	}
	defer func() {
		log.Info("closing transport")
		if closeErr := t.adapter.Close(); closeErr != nil {
			log.Error("error closing transport", "error", closeErr)
		}
	}()

	opts := bridge.Options{
		Bridge:            cfg.Bridge.Transport,
		MQTT:              &busAdapter{client: mqttClient},
		Adapter:           t.adapter,
		Registry:          converter.NewRegistry(cfg.Bridge.Transport),
		Policy:            t.policy,
		ProbeMains:        t.probeMains,
		Cache:             devicecache.New(db),
		Logger:            log,
		QoS:               byte(cfg.MQTT.QoS),
		QueueSize:         cfg.Bridge.QueueSize,
		ConnectAttempts:   cfg.Bridge.ConnectAttempts,
		ConnectRetryDelay: cfg.Bridge.ConnectRetryDelayDuration(),
		ConnectTimeout:    cfg.Bridge.ConnectTimeoutDuration(),
		IOTimeout:         cfg.Bridge.IOTimeoutDuration(),
		ConfigureTimeout:  cfg.Bridge.ConfigureTimeoutDuration(),
		ScanTimeUnit:      cfg.Bridge.ScanTimeUnit,
		StatusInterval:    cfg.Bridge.StatusIntervalDuration(),
	}
	if influxClient != nil {
		opts.Recorder = influxClient
	}

	router, err := bridge.NewRouter(opts)
	if err != nil {
		return fmt.Errorf("creating bridge router: %w", err)
	}
	if err := router.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge router: %w", err)
	}
	defer router.Stop()

	// A broker restart loses the retained status; republish what the router
	// sees rather than assuming the transport is up.
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		if err := router.PublishStatus(); err != nil {
			log.Warn("failed to republish bridge status", "error", err)
		}
	})

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: router, transport, InfluxDB,
	// MQTT, database.

	log.Info("Gray Logic Bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// transport is an opened adapter with the router settings it needs.
type transport struct {
	adapter    bridge.Adapter
	policy     bridge.ReconcilePolicy
	probeMains bool
}

// openTransport opens the hardware for the configured transport.
//
// Bluetooth needs a handshake before a device counts as connected; the
// other transports treat registered devices as connected. Zigbee mains
// devices are probed because the coordinator cannot tell when they vanish.
func openTransport(ctx context.Context, cfg *config.Config, log *logging.Logger) (*transport, error) {
	ctx, cancel := context.WithTimeout(ctx, transportStartTimeout)
	defer cancel()

	switch cfg.Bridge.Transport {
	case config.TransportBluetooth:
		radio, err := bluetooth.OpenBlueZ(cfg.Transports.Bluetooth, log)
		if err != nil {
			return nil, err
		}
		return &transport{adapter: bluetooth.New(radio, log), policy: bridge.PolicyHandshake}, nil

	case config.TransportZigbee:
		coord, err := zigbee.OpenEZSP(ctx, cfg.Transports.Zigbee, log)
		if err != nil {
			return nil, err
		}
		log.Info("zigbee coordinator started", "port", cfg.Transports.Zigbee.SerialPort)
		return &transport{
			adapter:    zigbee.New(coord, log),
			policy:     bridge.PolicyRegisteredIsConnected,
			probeMains: true,
		}, nil

	case config.TransportLoRa:
		modem, err := lora.OpenModem(cfg.Transports.LoRa, log)
		if err != nil {
			return nil, err
		}
		if err := modem.Configure(ctx, cfg.Transports.LoRa); err != nil {
			_ = modem.Close()
			return nil, fmt.Errorf("configuring modem: %w", err)
		}
		log.Info("lora modem configured",
			"port", cfg.Transports.LoRa.SerialPort,
			"frequency", cfg.Transports.LoRa.Frequency,
			"spreading_factor", cfg.Transports.LoRa.SpreadingFactor,
		)
		return &transport{adapter: lora.New(modem, log), policy: bridge.PolicyRegisteredIsConnected}, nil

	case config.TransportHTTP:
		a := webhook.New(cfg.Transports.HTTP, log)
		if err := a.Start(ctx); err != nil {
			return nil, err
		}
		return &transport{adapter: a, policy: bridge.PolicyRegisteredIsConnected}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Bridge.Transport)
}

// busAdapter adapts the infrastructure MQTT client to the router's
// MQTTClient interface. The primary difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - Router expects: func(topic, payload []byte)
type busAdapter struct {
	client *mqtt.Client
}

// Publish implements bridge.MQTTClient.
func (a *busAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements bridge.MQTTClient.
func (a *busAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// Unsubscribe implements bridge.MQTTClient.
func (a *busAdapter) Unsubscribe(topic string) error {
	return a.client.Unsubscribe(topic)
}

// IsConnected implements bridge.MQTTClient.
func (a *busAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
