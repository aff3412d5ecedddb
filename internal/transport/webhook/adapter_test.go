package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/gray-logic-bridges/internal/bridge"
	"github.com/nerrad567/gray-logic-bridges/internal/converter"
	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/config"
)

func newTestAdapter() *Adapter {
	return New(config.HTTPConfig{OutboundTimeout: 2, MaxBodyBytes: 1024}, nil)
}

func newDevice(id, product string, meta map[string]string) *bridge.Device {
	return bridge.NewDevice("http", bridge.DeviceRecord{DeviceID: id, ProductName: product, Meta: meta}, converter.NewRegistry("http"))
}

func connect(t *testing.T, a *Adapter, dev *bridge.Device) {
	t.Helper()
	link, err := a.Connect(context.Background(), dev)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if link.Handle == nil || len(link.Endpoints) != len(dev.Converter.Addresses()) {
		t.Fatalf("link = %+v", link)
	}
	dev.Handle = link.Handle
}

func push(a *Adapter, deviceID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/devices/"+deviceID, strings.NewReader(body))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPushStoresAndNotifies(t *testing.T) {
	a := newTestAdapter()
	dev := newDevice("ht-1", "Shelly H&T", nil)
	connect(t, a, dev)

	tempAddr, _ := dev.Converter.AddressOf("temperature")
	var (
		mu  sync.Mutex
		got []byte
	)
	if err := a.SubscribeNotify(context.Background(), dev, tempAddr, func(raw []byte) {
		mu.Lock()
		got = raw
		mu.Unlock()
	}); err != nil {
		t.Fatalf("SubscribeNotify() error = %v", err)
	}

	rec := push(a, "ht-1", `{"temperature":21.5,"humidity":40,"battery":88}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}

	mu.Lock()
	if string(got) != "21.5" {
		t.Errorf("notified %q, want 21.5", got)
	}
	mu.Unlock()

	humAddr, _ := dev.Converter.AddressOf("humidity")
	raw, err := a.Read(context.Background(), dev, humAddr)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	p, _ := dev.Converter.PropertyByName("humidity")
	reading, err := dev.Converter.Get(p, raw)
	if err != nil || reading.Value != 40.0 {
		t.Errorf("humidity = %v, %v", reading.Value, err)
	}
}

func TestPushFromUnboundDevice(t *testing.T) {
	a := newTestAdapter()
	rec := push(a, "stranger", `{"temperature":1}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	select {
	case ev := <-a.Events():
		if ev.Kind != bridge.EventAnnounce || ev.DeviceID != "stranger" {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("no announce event")
	}
}

func TestPushRejectsMalformedBody(t *testing.T) {
	a := newTestAdapter()
	connect(t, a, newDevice("ht-1", "Shelly H&T", nil))

	if rec := push(a, "ht-1", `[1,2]`); rec.Code != http.StatusBadRequest {
		t.Errorf("array body status = %d, want 400", rec.Code)
	}
	if rec := push(a, "ht-1", `{"temperature":"`+strings.Repeat("x", 2048)+`"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("oversized body status = %d, want 400", rec.Code)
	}
}

func TestReadBeforePush(t *testing.T) {
	a := newTestAdapter()
	dev := newDevice("ht-1", "Shelly H&T", nil)
	connect(t, a, dev)

	addr, _ := dev.Converter.AddressOf("battery")
	if _, err := a.Read(context.Background(), dev, addr); !errors.Is(err, ErrNoValue) {
		t.Errorf("Read() error = %v, want ErrNoValue", err)
	}
}

func TestWritePostsToCallback(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &body) //nolint:errcheck // Asserted below
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newTestAdapter()
	dev := newDevice("relay", "Shelly Plus 1", map[string]string{"url": srv.URL})
	connect(t, a, dev)

	p, _ := dev.Converter.PropertyByName("switch")
	raw, err := dev.Converter.Set(p, "on")
	if err != nil {
		t.Fatal(err)
	}
	addr, _ := dev.Converter.AddressOf("switch")
	if err := a.Write(context.Background(), dev, addr, raw); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if body["output"] != true {
		t.Errorf("callback body = %v", body)
	}

	// The written value is readable until the device pushes a new one.
	got, err := a.Read(context.Background(), dev, addr)
	if err != nil || string(got) != "true" {
		t.Errorf("Read() = %s, %v", got, err)
	}
}

func TestWriteErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := newTestAdapter()
	addr := converter.Address{Tag: "output"}

	failing := newDevice("relay", "Shelly Plus 1", map[string]string{"url": srv.URL})
	connect(t, a, failing)
	if err := a.Write(context.Background(), failing, addr, []byte("true")); !errors.Is(err, ErrCallbackStatus) {
		t.Errorf("Write() error = %v, want ErrCallbackStatus", err)
	}

	silent := newDevice("relay-2", "Shelly Plus 1", nil)
	connect(t, a, silent)
	if err := a.Write(context.Background(), silent, addr, []byte("true")); !errors.Is(err, ErrNoCallback) {
		t.Errorf("Write() error = %v, want ErrNoCallback", err)
	}
	if err := a.Probe(context.Background(), silent); !errors.Is(err, bridge.ErrProbeUnsupported) {
		t.Errorf("Probe() error = %v, want ErrProbeUnsupported", err)
	}
}

func TestConnectRejectsBadCallback(t *testing.T) {
	a := newTestAdapter()
	if _, err := a.Connect(context.Background(), newDevice("x", "Shelly Plus 1", map[string]string{"url": "ftp://nope"})); err == nil {
		t.Error("expected error for non-http callback")
	}
}

func TestDisconnectUnbinds(t *testing.T) {
	a := newTestAdapter()
	dev := newDevice("ht-1", "Shelly H&T", nil)
	connect(t, a, dev)

	if err := a.Disconnect(context.Background(), dev); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := a.Disconnect(context.Background(), dev); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
	if err := a.Disconnect(context.Background(), newDevice("none", "Shelly H&T", nil)); err != nil {
		t.Errorf("Disconnect() without handle error = %v", err)
	}
	if rec := push(a, "ht-1", `{"battery":1}`); rec.Code != http.StatusNotFound {
		t.Errorf("push after disconnect status = %d, want 404", rec.Code)
	}
	addr, _ := dev.Converter.AddressOf("battery")
	if _, err := a.Read(context.Background(), dev, addr); !errors.Is(err, ErrNotBound) {
		t.Errorf("Read() after disconnect error = %v, want ErrNotBound", err)
	}
}
