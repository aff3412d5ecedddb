package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-bridges/internal/bridge"
	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/logging"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "/nonexistent/path/bridge.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails when database path is empty.
func TestRun_MissingDatabasePath(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", writeConfig(t, `
bridge:
  transport: http

database:
  path: ""

mqtt:
  broker:
    host: "127.0.0.1"
    port: 1883

logging:
  level: info
  format: text
`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "database.path") {
		t.Fatalf("run() error = %v, want database.path validation failure", err)
	}
}

// TestRun_UnknownTransport verifies the transport tag is validated.
func TestRun_UnknownTransport(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", writeConfig(t, `
bridge:
  transport: can
`))

	err := run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "bridge.transport") {
		t.Fatalf("run() error = %v, want bridge.transport validation failure", err)
	}
}

// TestRun_BrokerUnavailable verifies startup stops when the broker cannot
// be reached.
func TestRun_BrokerUnavailable(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GRAYLOGIC_CONFIG", writeConfig(t, `
bridge:
  transport: http

database:
  path: "`+filepath.Join(dir, "bridge.db")+`"

mqtt:
  broker:
    host: "127.0.0.1"
    port: 19999
    client_id: "test-client"

logging:
  level: error
  format: text
`))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() succeeded without a broker")
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/bridge.yaml"
	t.Setenv("GRAYLOGIC_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestOpenTransport_HTTP verifies the webhook transport opens on a free port.
func TestOpenTransport_HTTP(t *testing.T) {
	cfg := &config.Config{
		Bridge: config.BridgeConfig{Transport: config.TransportHTTP},
		Transports: config.TransportsConfig{
			HTTP: config.HTTPConfig{Host: "127.0.0.1", Port: 0, OutboundTimeout: 1, MaxBodyBytes: 1024},
		},
	}
	tr, err := openTransport(context.Background(), cfg, logging.Default())
	if err != nil {
		t.Fatalf("openTransport() error = %v", err)
	}
	defer tr.adapter.Close()

	if tr.policy != bridge.PolicyRegisteredIsConnected || tr.probeMains {
		t.Errorf("http transport = policy %v, probeMains %v", tr.policy, tr.probeMains)
	}
}

// TestOpenTransport_Unknown verifies an unknown tag is rejected.
func TestOpenTransport_Unknown(t *testing.T) {
	cfg := &config.Config{Bridge: config.BridgeConfig{Transport: "can"}}
	if _, err := openTransport(context.Background(), cfg, logging.Default()); err == nil {
		t.Fatal("openTransport() accepted an unknown transport")
	}
}

// TestOpenTransport_MissingSerialPort verifies serial transports fail
// cleanly when the port does not exist.
func TestOpenTransport_MissingSerialPort(t *testing.T) {
	for _, tag := range []string{config.TransportZigbee, config.TransportLoRa} {
		cfg := &config.Config{
			Bridge: config.BridgeConfig{Transport: tag},
			Transports: config.TransportsConfig{
				Zigbee: config.ZigbeeConfig{SerialPort: "/dev/nonexistent-graylogic", BaudRate: 115200},
				LoRa:   config.LoRaConfig{SerialPort: "/dev/nonexistent-graylogic", BaudRate: 115200},
			},
		}
		if _, err := openTransport(context.Background(), cfg, logging.Default()); err == nil {
			t.Errorf("openTransport(%s) succeeded without a serial port", tag)
		}
	}
}
