package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport tags. Each bridge process runs exactly one of them, and the tag
// is the first level of every inbound bus topic.
const (
	TransportBluetooth = "bluetooth"
	TransportZigbee    = "zigbee"
	TransportLoRa      = "lora"
	TransportHTTP      = "http"
)

// Transports lists every supported transport tag.
var Transports = []string{TransportBluetooth, TransportZigbee, TransportLoRa, TransportHTTP}

// Config is the root configuration structure for a Gray Logic bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge     BridgeConfig     `yaml:"bridge"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Transports TransportsConfig `yaml:"transports"`
}

// BridgeConfig contains settings shared by every transport.
type BridgeConfig struct {
	// Transport selects which adapter this process runs.
	Transport string `yaml:"transport"`

	// ConnectAttempts is how many times a failed connect negotiation is tried
	// before giving up. Ghost connections are never retried.
	ConnectAttempts int `yaml:"connect_attempts"`

	// ConnectRetryDelay is the pause between connect attempts (milliseconds).
	ConnectRetryDelay int `yaml:"connect_retry_delay"`

	// ConnectTimeout bounds one connect negotiation (seconds).
	ConnectTimeout int `yaml:"connect_timeout"`

	// IOTimeout bounds one single-attribute read or write (seconds).
	IOTimeout int `yaml:"io_timeout"`

	// ConfigureTimeout bounds calls that configure notifications or
	// reporting on a device (seconds). Expiry is a soft failure.
	ConfigureTimeout int `yaml:"configure_timeout"`

	// QueueSize is the capacity of the router's inbound command queue.
	QueueSize int `yaml:"queue_size"`

	// ScanTimeUnit is the unit of the scan command's duration field.
	ScanTimeUnit time.Duration `yaml:"scan_time_unit"`

	// StatusInterval is how often bridge status is republished (seconds).
	StatusInterval int `yaml:"status_interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
type FileLoggingConfig struct {
	Path string `yaml:"path"`
}

// TransportsConfig contains per-transport adapter settings.
// Only the section matching bridge.transport is used.
type TransportsConfig struct {
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	Zigbee    ZigbeeConfig    `yaml:"zigbee"`
	LoRa      LoRaConfig      `yaml:"lora"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// BluetoothConfig contains short-range radio settings.
type BluetoothConfig struct {
	// Adapter is the host controller name (e.g. "hci0").
	Adapter string `yaml:"adapter"`
}

// ZigbeeConfig contains mesh radio coordinator settings.
type ZigbeeConfig struct {
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`
}

// LoRaConfig contains long-range radio modem settings.
type LoRaConfig struct {
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`

	// Frequency is the P2P carrier frequency in Hz.
	Frequency       int `yaml:"frequency"`
	SpreadingFactor int `yaml:"spreading_factor"`
	// Bandwidth index as understood by the modem (0=125kHz, 1=250kHz, 2=500kHz).
	Bandwidth  int `yaml:"bandwidth"`
	CodingRate int `yaml:"coding_rate"`
	Preamble   int `yaml:"preamble"`
	TXPower    int `yaml:"tx_power"`
}

// HTTPConfig contains webhook transport settings.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// OutboundTimeout bounds callbacks to devices (seconds).
	OutboundTimeout int `yaml:"outbound_timeout"`

	// MaxBodyBytes limits ingress payloads.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_BRIDGE_TRANSPORT, GRAYLOGIC_SERIAL_PATH
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Transport:         TransportZigbee,
			ConnectAttempts:   2,
			ConnectRetryDelay: 500,
			ConnectTimeout:    20,
			IOTimeout:         10,
			ConfigureTimeout:  5,
			QueueSize:         256,
			ScanTimeUnit:      time.Second,
			StatusInterval:    60,
		},
		Database: DatabaseConfig{
			Path:        "./data/bridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "bridges",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Transports: TransportsConfig{
			Bluetooth: BluetoothConfig{Adapter: "hci0"},
			Zigbee: ZigbeeConfig{
				SerialPort: "/dev/ttyUSB0",
				BaudRate:   115200,
			},
			LoRa: LoRaConfig{
				SerialPort:      "/dev/ttyUSB1",
				BaudRate:        115200,
				Frequency:       868000000,
				SpreadingFactor: 7,
				Bandwidth:       0,
				CodingRate:      1,
				Preamble:        8,
				TXPower:         14,
			},
			HTTP: HTTPConfig{
				Host:            "0.0.0.0",
				Port:            8088,
				OutboundTimeout: 5,
				MaxBodyBytes:    64 << 10,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Bridge
	if v := os.Getenv("GRAYLOGIC_BRIDGE_TRANSPORT"); v != "" {
		cfg.Bridge.Transport = v
	}

	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Transports. The serial path applies to whichever serial transport is selected.
	if v := os.Getenv("GRAYLOGIC_SERIAL_PATH"); v != "" {
		switch cfg.Bridge.Transport {
		case TransportLoRa:
			cfg.Transports.LoRa.SerialPort = v
		default:
			cfg.Transports.Zigbee.SerialPort = v
		}
	}
	if v := os.Getenv("GRAYLOGIC_BLUETOOTH_ADAPTER"); v != "" {
		cfg.Transports.Bluetooth.Adapter = v
	}
	if v := os.Getenv("GRAYLOGIC_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Transports.HTTP.Port = port
		}
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Bridge validation
	if !slices.Contains(Transports, c.Bridge.Transport) {
		errs = append(errs, fmt.Sprintf("bridge.transport must be one of %s", strings.Join(Transports, ", ")))
	}
	if c.Bridge.ConnectAttempts < 1 {
		errs = append(errs, "bridge.connect_attempts must be at least 1")
	}
	if c.Bridge.QueueSize < 1 {
		errs = append(errs, "bridge.queue_size must be at least 1")
	}
	if c.Bridge.ScanTimeUnit <= 0 {
		errs = append(errs, "bridge.scan_time_unit must be positive")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// Transport validation, only for the selected transport
	switch c.Bridge.Transport {
	case TransportZigbee:
		if c.Transports.Zigbee.SerialPort == "" {
			errs = append(errs, "transports.zigbee.serial_port is required")
		}
	case TransportLoRa:
		if c.Transports.LoRa.SerialPort == "" {
			errs = append(errs, "transports.lora.serial_port is required")
		}
	case TransportHTTP:
		if c.Transports.HTTP.Port < 1 || c.Transports.HTTP.Port > 65535 {
			errs = append(errs, "transports.http.port must be between 1 and 65535")
		}
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ConnectTimeoutDuration returns the connect negotiation timeout as a Duration.
func (b BridgeConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(b.ConnectTimeout) * time.Second
}

// IOTimeoutDuration returns the single-attribute I/O timeout as a Duration.
func (b BridgeConfig) IOTimeoutDuration() time.Duration {
	return time.Duration(b.IOTimeout) * time.Second
}

// ConfigureTimeoutDuration returns the configuration-call timeout as a Duration.
func (b BridgeConfig) ConfigureTimeoutDuration() time.Duration {
	return time.Duration(b.ConfigureTimeout) * time.Second
}

// ConnectRetryDelayDuration returns the pause between connect attempts.
func (b BridgeConfig) ConnectRetryDelayDuration() time.Duration {
	return time.Duration(b.ConnectRetryDelay) * time.Millisecond
}

// StatusIntervalDuration returns the status republish interval.
func (b BridgeConfig) StatusIntervalDuration() time.Duration {
	return time.Duration(b.StatusInterval) * time.Second
}
