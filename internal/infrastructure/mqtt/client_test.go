package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
// Broker-backed tests expect Mosquitto at 127.0.0.1:1883 and skip otherwise.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "graylogic-bridge-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// connectOrSkip connects to the local broker or skips the test.
func connectOrSkip(t *testing.T, clientID string) *Client {
	t.Helper()
	cfg := testConfig()
	cfg.Broker.ClientID = clientID
	client, err := Connect(cfg, "zigbee")
	if err != nil {
		t.Skipf("broker not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// =============================================================================
// Topic Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	tests := []struct {
		name     string
		fn       func() string
		expected string
	}{
		{"BridgeCommand", func() string { return Topics{}.BridgeCommand("zigbee", CommandValuesSet) }, "zigbee/devices/values/set"},
		{"AllBridgeCommands", func() string { return Topics{}.AllBridgeCommands("lora") }, "lora/devices/#"},
		{"ServerEvent", func() string { return Topics{}.ServerEvent(EventScanStatus) }, "server/devices/scan/status"},
		{"BridgeStatus", func() string { return Topics{}.BridgeStatus() }, "server/bridge/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(); got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, got, tt.expected)
			}
		})
	}
}

func TestCommandOf(t *testing.T) {
	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{"zigbee/devices/scan", "scan", true},
		{"zigbee/devices/values/get", "values/get", true},
		{"zigbee/devices/scan/cancel", "scan/cancel", true},
		{"zigbee/devices/", "", false},
		{"lora/devices/scan", "", false},
		{"server/devices/scan/status", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, ok := Topics{}.CommandOf("zigbee", tt.topic)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("CommandOf(%q) = %q, %v; want %q, %v", tt.topic, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestBuildStatusPayload(t *testing.T) {
	raw := buildStatusPayload("lora", "offline", "unexpected_disconnect")

	var p statusPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if p.Bridge != "lora" || p.Status != "offline" || p.Reason != "unexpected_disconnect" {
		t.Errorf("payload = %+v", p)
	}
	if _, err := time.Parse(time.RFC3339, p.Timestamp); err != nil {
		t.Errorf("timestamp %q not RFC3339", p.Timestamp)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Auth.Username = "bridge"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want ssl://127.0.0.1:1883", opts.Servers)
	}
	if opts.Username != "bridge" {
		t.Errorf("Username = %q, want bridge", opts.Username)
	}
	if opts.TLSConfig == nil {
		t.Error("TLSConfig = nil, want configured")
	}
}

// =============================================================================
// Disconnected Client Tests
// =============================================================================

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

func TestPublishValidation(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}

	if err := client.Publish("", []byte("{}"), 1, false); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Publish("server/devices/list", []byte("{}"), 3, false); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("qos 3 error = %v, want ErrInvalidQoS", err)
	}
	big := make([]byte, maxPayloadSize+1)
	if err := client.Publish("server/devices/list", big, 1, false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("oversize error = %v, want ErrPublishFailed", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}
	noop := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Subscribe("zigbee/devices/#", 5, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("qos 5 error = %v, want ErrInvalidQoS", err)
	}
	if err := client.Subscribe("zigbee/devices/#", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v, want ErrSubscribeFailed", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
}

// sessionRecorder stands in for a paho client across a reconnect. Only the
// methods handleConnect uses are implemented.
type sessionRecorder struct {
	pahomqtt.Client

	mu         sync.Mutex
	published  []string
	subscribed []string
}

func (s *sessionRecorder) IsConnected() bool { return true }

func (s *sessionRecorder) Publish(topic string, _ byte, _ bool, _ any) pahomqtt.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, topic)
	return doneToken{}
}

func (s *sessionRecorder) Subscribe(topic string, _ byte, _ pahomqtt.MessageHandler) pahomqtt.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, topic)
	return doneToken{}
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

func TestReconnectLeavesStatusToCallback(t *testing.T) {
	session := &sessionRecorder{}
	client := &Client{
		client:        session,
		bridge:        "zigbee",
		subscriptions: make(map[string]subscription),
	}
	noop := func(string, []byte) error { return nil }
	client.subscriptions["zigbee/devices/#"] = subscription{topic: "zigbee/devices/#", qos: 1, handler: noop}

	called := false
	client.SetOnConnect(func() { called = true })
	client.handleConnect()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after reconnect")
	}
	if !called {
		t.Error("onConnect callback not run")
	}
	if len(session.subscribed) != 1 || session.subscribed[0] != "zigbee/devices/#" {
		t.Errorf("resubscribed = %v", session.subscribed)
	}
	if len(session.published) != 0 {
		t.Errorf("reconnect published %v, want nothing", session.published)
	}
}

// =============================================================================
// Broker Tests
// =============================================================================

func TestConnectInvalidBroker(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19999

	_, err := Connect(cfg, "zigbee")
	if err == nil {
		t.Fatal("Connect() expected error for invalid broker")
	}
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestPublishSubscribeRoundtrip(t *testing.T) {
	sub := connectOrSkip(t, "graylogic-bridge-test-sub")
	pub := connectOrSkip(t, "graylogic-bridge-test-pub")

	var (
		mu       sync.Mutex
		received []string
	)
	done := make(chan struct{}, 1)

	err := sub.Subscribe(Topics{}.AllBridgeCommands("zigbee"), 1, func(topic string, _ []byte) error {
		mu.Lock()
		received = append(received, topic)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	topic := Topics{}.BridgeCommand("zigbee", CommandList)
	if err := pub.Publish(topic, []byte(`{"callID":"1"}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) == 0 || received[0] != topic {
		t.Errorf("received = %v, want [%s]", received, topic)
	}
}
