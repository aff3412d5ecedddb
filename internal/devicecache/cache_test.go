package devicecache

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-bridges/internal/bridge"
	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-bridges/migrations"
)

func newTestCache(t *testing.T) (*SQLiteCache, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "bridge.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return New(db), ctx
}

func TestReplaceAndLoad(t *testing.T) {
	c, ctx := newTestCache(t)

	records := []bridge.DeviceRecord{
		{DeviceID: "b", ProductName: "SNZB-02", Name: "Bathroom"},
		{DeviceID: "a", ProductName: "TRADFRI bulb E27 WS opal 980lm", VendorName: "IKEA of Sweden", Meta: map[string]string{"room": "hall"}},
	}
	if err := c.Replace(ctx, "zigbee", records); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if err := c.Replace(ctx, "lora", []bridge.DeviceRecord{{DeviceID: "x", ProductName: "LHT65"}}); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	got, err := c.Load(ctx, "zigbee")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []bridge.DeviceRecord{records[1], records[0]}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}

	// A second replace drops what is no longer listed.
	if err := c.Replace(ctx, "zigbee", records[:1]); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	got, _ = c.Load(ctx, "zigbee")
	if len(got) != 1 || got[0].DeviceID != "b" {
		t.Errorf("after replace = %+v", got)
	}
	if lora, _ := c.Load(ctx, "lora"); len(lora) != 1 {
		t.Errorf("other bridge affected: %+v", lora)
	}
}

func TestPutAndDelete(t *testing.T) {
	c, ctx := newTestCache(t)

	if err := c.Put(ctx, "http", bridge.DeviceRecord{DeviceID: "relay", Name: "Porch"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := c.Put(ctx, "http", bridge.DeviceRecord{DeviceID: "relay", Name: "Garage"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, _ := c.Load(ctx, "http")
	if len(got) != 1 || got[0].Name != "Garage" {
		t.Errorf("Load() = %+v, want the updated record", got)
	}

	if err := c.Delete(ctx, "http", "relay"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := c.Delete(ctx, "http", "relay"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
	if got, _ := c.Load(ctx, "http"); len(got) != 0 {
		t.Errorf("Load() after delete = %+v", got)
	}
}
