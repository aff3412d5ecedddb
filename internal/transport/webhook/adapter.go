package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-bridges/internal/bridge"
	"github.com/nerrad567/gray-logic-bridges/internal/converter"
	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/config"
)

const (
	// eventBufferSize is the capacity of the transport event channel.
	eventBufferSize = 64

	// gracefulShutdownTimeout is the maximum time to wait for in-flight
	// pushes during shutdown.
	gracefulShutdownTimeout = 5 * time.Second

	defaultMaxBodyBytes = 64 << 10
)

// endpoint is the handle of one bound device.
type endpoint struct {
	deviceID string
	callback string

	mu       sync.Mutex
	last     map[string]json.RawMessage
	notify   map[string]func([]byte)
	released bool
}

// Adapter is the webhook transport. It implements bridge.Adapter.
type Adapter struct {
	cfg    config.HTTPConfig
	client *http.Client
	server *http.Server
	logger bridge.Logger

	mu        sync.RWMutex
	endpoints map[string]*endpoint

	events chan bridge.TransportEvent
}

var _ bridge.Adapter = (*Adapter)(nil)

// New creates a webhook adapter. Call Start to open the ingress listener.
//
// Parameters:
//   - cfg: Ingress address, outbound timeout and body limit; zero values
//     take the defaults
//   - logger: May be nil
//
// Returns:
//   - *Adapter: Adapter with no listener yet
func New(cfg config.HTTPConfig, logger bridge.Logger) *Adapter {
	timeout := time.Duration(cfg.OutboundTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if logger == nil {
		logger = bridge.NopLogger{}
	}
	return &Adapter{
		cfg:       cfg,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
		endpoints: make(map[string]*endpoint),
		events:    make(chan bridge.TransportEvent, eventBufferSize),
	}
}

// Start opens the ingress listener. Bind errors are returned; serve errors
// after that are logged.
func (a *Adapter) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	a.server = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("webhook server error", "error", err)
			a.emit(bridge.TransportEvent{Kind: bridge.EventAdapterDown, Err: err})
		}
	}()

	a.logger.Info("webhook ingress listening", "address", ln.Addr().String())
	return nil
}

// Close shuts the ingress listener down.
func (a *Adapter) Close() error {
	if a.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down webhook server: %w", err)
	}
	return nil
}

// Discover has nothing to scan: the returned channel is closed at once.
func (a *Adapter) Discover(context.Context, time.Duration) (<-chan bridge.Sighting, error) {
	ch := make(chan bridge.Sighting)
	close(ch)
	return ch, nil
}

// StopDiscovery is a no-op.
func (a *Adapter) StopDiscovery() {}

// Connect binds the device to the ingress and to its callback URL.
// There is no negotiation, so the endpoints are the declared addresses.
func (a *Adapter) Connect(_ context.Context, dev *bridge.Device) (bridge.Link, error) {
	callback := dev.Meta["url"]
	if callback != "" {
		u, err := url.Parse(callback)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return bridge.Link{}, fmt.Errorf("invalid callback url %q for %s", callback, dev.ID)
		}
	}

	ep := &endpoint{
		deviceID: dev.ID,
		callback: callback,
		last:     make(map[string]json.RawMessage),
		notify:   make(map[string]func([]byte)),
	}

	a.mu.Lock()
	if prev, ok := a.endpoints[dev.ID]; ok {
		// Keep values pushed before the reconnect.
		prev.mu.Lock()
		for k, v := range prev.last {
			ep.last[k] = v
		}
		prev.released = true
		prev.mu.Unlock()
	}
	a.endpoints[dev.ID] = ep
	a.mu.Unlock()

	return bridge.Link{Handle: ep, Endpoints: dev.Converter.Addresses()}, nil
}

// Read returns the last value the device pushed for the tag.
func (a *Adapter) Read(_ context.Context, dev *bridge.Device, addr converter.Address) ([]byte, error) {
	ep, err := handle(dev)
	if err != nil {
		return nil, err
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	raw, ok := ep.last[addr.Tag]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoValue, dev.ID, addr.Tag)
	}
	return raw, nil
}

// Write POSTs {tag: value} to the device's callback URL.
func (a *Adapter) Write(ctx context.Context, dev *bridge.Device, addr converter.Address, raw []byte) error {
	ep, err := handle(dev)
	if err != nil {
		return err
	}
	if ep.callback == "" {
		return fmt.Errorf("%w: %s", ErrNoCallback, dev.ID)
	}

	body, err := json.Marshal(map[string]json.RawMessage{addr.Tag: raw})
	if err != nil {
		return fmt.Errorf("encoding callback body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.callback, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", dev.ID, err)
	}
	defer resp.Body.Close()
	//nolint:errcheck // Drain so the connection can be reused
	io.Copy(io.Discard, io.LimitReader(resp.Body, a.cfg.MaxBodyBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s answered %d", ErrCallbackStatus, dev.ID, resp.StatusCode)
	}

	ep.mu.Lock()
	ep.last[addr.Tag] = append(json.RawMessage(nil), raw...)
	ep.mu.Unlock()
	return nil
}

// SubscribeNotify registers fn for pushes of the tag.
func (a *Adapter) SubscribeNotify(_ context.Context, dev *bridge.Device, addr converter.Address, fn func([]byte)) error {
	ep, err := handle(dev)
	if err != nil {
		return err
	}
	ep.mu.Lock()
	ep.notify[addr.Tag] = fn
	ep.mu.Unlock()
	return nil
}

// Disconnect unbinds the device. Pushes from it are dropped afterwards.
func (a *Adapter) Disconnect(_ context.Context, dev *bridge.Device) error {
	ep, ok := dev.Handle.(*endpoint)
	if !ok || ep == nil {
		return nil
	}
	ep.mu.Lock()
	ep.released = true
	ep.mu.Unlock()

	a.mu.Lock()
	if a.endpoints[dev.ID] == ep {
		delete(a.endpoints, dev.ID)
	}
	a.mu.Unlock()
	return nil
}

// Probe sends a GET to the callback URL; any HTTP answer counts as alive.
func (a *Adapter) Probe(ctx context.Context, dev *bridge.Device) error {
	ep, err := handle(dev)
	if err != nil {
		return err
	}
	if ep.callback == "" {
		return bridge.ErrProbeUnsupported
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.callback, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("probing %s: %w", dev.ID, err)
	}
	return resp.Body.Close()
}

// Events returns the transport event channel.
func (a *Adapter) Events() <-chan bridge.TransportEvent {
	return a.events
}

// deliver applies one push. It reports false when the device is not bound.
func (a *Adapter) deliver(deviceID string, values map[string]json.RawMessage) bool {
	a.mu.RLock()
	ep, ok := a.endpoints[deviceID]
	a.mu.RUnlock()
	if !ok {
		return false
	}

	ep.mu.Lock()
	if ep.released {
		ep.mu.Unlock()
		return false
	}
	var calls []func()
	for tag, raw := range values {
		ep.last[tag] = raw
		if fn, ok := ep.notify[tag]; ok {
			calls = append(calls, func() { fn(raw) })
		}
	}
	ep.mu.Unlock()

	for _, call := range calls {
		call()
	}
	return true
}

func (a *Adapter) emit(ev bridge.TransportEvent) {
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("transport event dropped, channel full", "kind", ev.Kind.String(), "device_id", ev.DeviceID)
	}
}

func handle(dev *bridge.Device) (*endpoint, error) {
	ep, ok := dev.Handle.(*endpoint)
	if !ok || ep == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotBound, dev.ID)
	}
	ep.mu.Lock()
	released := ep.released
	ep.mu.Unlock()
	if released {
		return nil, fmt.Errorf("%w: %s", ErrNotBound, dev.ID)
	}
	return ep, nil
}
