package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-bridges/internal/converter"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu        sync.Mutex
	published []mockPublish
	handlers  map[string]func(topic string, payload []byte)
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{handlers: make(map[string]func(topic string, payload []byte))}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *MockMQTTClient) IsConnected() bool { return true }

// Send delivers a message through the wildcard subscription.
func (m *MockMQTTClient) Send(topic string, payload string) {
	m.mu.Lock()
	var handler func(string, []byte)
	for pattern, h := range m.handlers {
		if strings.HasSuffix(pattern, "/#") && strings.HasPrefix(topic, strings.TrimSuffix(pattern, "#")) {
			handler = h
		}
	}
	m.mu.Unlock()
	if handler != nil {
		handler(topic, []byte(payload))
	}
}

// On returns the decoded payloads published on a topic, in order.
func (m *MockMQTTClient) On(topic string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, p := range m.published {
		if p.Topic != topic {
			continue
		}
		var v map[string]any
		if err := json.Unmarshal(p.Payload, &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// Topics returns the topics published so far, in order.
func (m *MockMQTTClient) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.published))
	for i, p := range m.published {
		out[i] = p.Topic
	}
	return out
}

// MockAdapter implements Adapter for testing.
type MockAdapter struct {
	mu sync.Mutex

	// endpoints per device; a device without an entry gets every
	// address its converter declares.
	endpoints map[string][]converter.Address

	// connectErrs holds errors returned by successive Connect calls.
	connectErrs []error

	// gate, when set, holds every Connect until it is closed.
	gate chan struct{}

	values     map[string][]byte // deviceID|addrKey -> raw
	readErrs   map[string]error  // property address key -> error
	readPanics map[string]bool   // property address key -> panic
	writes     []mockWrite
	probeErr   error

	sightings []Sighting
	scanCtx   context.Context
	events    chan TransportEvent
	notify    map[string]func([]byte) // deviceID|addrKey

	connects    map[string]int
	disconnects map[string]int
	stops       int
	evictions   map[string]int
}

type mockWrite struct {
	DeviceID string
	Key      string
	Raw      []byte
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		endpoints:   make(map[string][]converter.Address),
		values:      make(map[string][]byte),
		readErrs:    make(map[string]error),
		readPanics:  make(map[string]bool),
		events:      make(chan TransportEvent, 16),
		notify:      make(map[string]func([]byte)),
		connects:    make(map[string]int),
		disconnects: make(map[string]int),
		evictions:   make(map[string]int),
	}
}

type mockHandle struct{ id string }

func (a *MockAdapter) Discover(ctx context.Context, _ time.Duration) (<-chan Sighting, error) {
	a.mu.Lock()
	sightings := append([]Sighting(nil), a.sightings...)
	a.scanCtx = ctx
	a.mu.Unlock()

	ch := make(chan Sighting)
	go func() {
		defer close(ch)
		for _, sg := range sightings {
			select {
			case ch <- sg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (a *MockAdapter) lastScanContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanCtx
}

func (a *MockAdapter) StopDiscovery() {
	a.mu.Lock()
	a.stops++
	a.mu.Unlock()
}

func (a *MockAdapter) Connect(ctx context.Context, dev *Device) (Link, error) {
	a.mu.Lock()
	a.connects[dev.ID]++
	gate := a.gate
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Link{}, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.connectErrs) > 0 {
		err := a.connectErrs[0]
		a.connectErrs = a.connectErrs[1:]
		if err != nil {
			return Link{}, err
		}
	}
	eps, ok := a.endpoints[dev.ID]
	if !ok {
		eps = dev.Converter.Addresses()
	}
	return Link{Handle: &mockHandle{id: dev.ID}, Endpoints: eps}, nil
}

func (a *MockAdapter) Read(_ context.Context, dev *Device, addr converter.Address) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.readPanics[addr.Key()] {
		panic("read exploded")
	}
	if err := a.readErrs[addr.Key()]; err != nil {
		return nil, err
	}
	raw, ok := a.values[dev.ID+"|"+addr.Key()]
	if !ok {
		return nil, errors.New("no value")
	}
	return raw, nil
}

func (a *MockAdapter) Write(_ context.Context, dev *Device, addr converter.Address, raw []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writes = append(a.writes, mockWrite{DeviceID: dev.ID, Key: addr.Key(), Raw: raw})
	a.values[dev.ID+"|"+addr.Key()] = raw
	return nil
}

func (a *MockAdapter) SubscribeNotify(_ context.Context, dev *Device, addr converter.Address, fn func([]byte)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notify[dev.ID+"|"+addr.Key()] = fn
	return nil
}

func (a *MockAdapter) Disconnect(_ context.Context, dev *Device) error {
	if dev.Handle == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnects[dev.ID]++
	return nil
}

func (a *MockAdapter) Probe(context.Context, *Device) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.probeErr
}

func (a *MockAdapter) Events() <-chan TransportEvent { return a.events }

func (a *MockAdapter) Close() error { return nil }

func (a *MockAdapter) Evict(_ context.Context, deviceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evictions[deviceID]++
	return nil
}

// holdConnects makes Connect block until the returned func is called.
func (a *MockAdapter) holdConnects() (release func()) {
	gate := make(chan struct{})
	a.mu.Lock()
	a.gate = gate
	a.mu.Unlock()
	return func() { close(gate) }
}

func (a *MockAdapter) evictionCount(deviceID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.evictions[deviceID]
}

func (a *MockAdapter) setValue(deviceID string, addr converter.Address, raw []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values[deviceID+"|"+addr.Key()] = raw
}

func (a *MockAdapter) connectCount(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects[id]
}

func (a *MockAdapter) disconnectCount(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disconnects[id]
}

func (a *MockAdapter) notifier(deviceID string, addr converter.Address) func([]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.notify[deviceID+"|"+addr.Key()]
}

// MockRecorder implements ValueRecorder for testing.
type MockRecorder struct {
	mu     sync.Mutex
	values map[string]float64
}

func (m *MockRecorder) RecordValue(_, deviceID, property string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]float64)
	}
	m.values[deviceID+"/"+property] = value
}

func (m *MockRecorder) RecordConnection(string, string, bool) {}

func (m *MockRecorder) get(key string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

// MockCache implements RegistryCache for testing. Put is slow so that
// writes racing each other would land out of order.
type MockCache struct {
	mu      sync.Mutex
	records []DeviceRecord
	ops     []string
}

func (m *MockCache) Load(context.Context, string) ([]DeviceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeviceRecord(nil), m.records...), nil
}

func (m *MockCache) Replace(context.Context, string, []DeviceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "replace")
	return nil
}

func (m *MockCache) Put(_ context.Context, _ string, rec DeviceRecord) error {
	time.Sleep(20 * time.Millisecond)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "put "+rec.DeviceID)
	return nil
}

func (m *MockCache) Delete(_ context.Context, _, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "delete "+deviceID)
	return nil
}

func (m *MockCache) history() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
