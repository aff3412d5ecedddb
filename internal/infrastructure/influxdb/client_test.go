package influxdb

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/config"
)

// testConfig returns a configuration for a local dev InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "graylogic-dev-token",
		Org:           "graylogic",
		Bucket:        "bridges",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := Connect(cfg)
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:1"

	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClose_Nil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on empty client error = %v", err)
	}
}

func TestRecord_NotConnected(t *testing.T) {
	c := &Client{}
	// Must not panic on a client with no write API.
	c.RecordValue("zigbee", "dev-1", "temperature", 21.5)
	c.RecordConnection("zigbee", "dev-1", true)
}

func TestPropertyPoint(t *testing.T) {
	at := time.Unix(1760000000, 0)
	line := write.PointToLineProtocol(propertyPoint("lora", "a1b2c3d4", "humidity", 48.5, at), time.Second)

	for _, want := range []string{
		"property_values,",
		"bridge=lora",
		"device_id=a1b2c3d4",
		"property=humidity",
		"value=48.5",
		"1760000000",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line protocol %q missing %q", line, want)
		}
	}
}

func TestConnectionPoint(t *testing.T) {
	at := time.Unix(1760000000, 0)
	line := write.PointToLineProtocol(connectionPoint("bluetooth", "a4:c1:38:00:11:22", false, at), time.Second)

	for _, want := range []string{
		"device_connections,",
		"bridge=bluetooth",
		"connected=false",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line protocol %q missing %q", line, want)
		}
	}
}

func TestWriteOptions(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 20
	cfg.FlushInterval = 2

	opts := writeOptions(cfg)
	if opts.BatchSize() != 20 || opts.FlushInterval() != 2000 {
		t.Errorf("batch = %d, flush = %dms; want 20, 2000ms", opts.BatchSize(), opts.FlushInterval())
	}

	cfg.BatchSize = 0
	cfg.FlushInterval = -1
	opts = writeOptions(cfg)
	if opts.BatchSize() != defaultBatchSize || opts.FlushInterval() != 10000 {
		t.Errorf("defaults: batch = %d, flush = %dms", opts.BatchSize(), opts.FlushInterval())
	}
}
