package lora

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-bridges/internal/bridge"
	"github.com/nerrad567/gray-logic-bridges/internal/converter"
)

const (
	// addrLen is the size of the device address that prefixes every frame.
	addrLen = 4

	eventBufferSize    = 64
	sightingBufferSize = 64
)

// subscription is one notify registration on a node.
type subscription struct {
	addr converter.Address
	fn   func([]byte)
}

// node is the handle of one bound end device.
type node struct {
	deviceID string
	addr     []byte

	mu       sync.Mutex
	last     []byte
	notify   map[string]subscription
	released bool
}

// Adapter is the long-range radio transport. It implements bridge.Adapter.
type Adapter struct {
	modem  *Modem
	logger bridge.Logger

	mu     sync.Mutex
	nodes  map[string]*node
	scan   chan bridge.Sighting
	closed bool

	events chan bridge.TransportEvent
	done   chan struct{}
}

var _ bridge.Adapter = (*Adapter)(nil)

// New creates an adapter on a configured modem and starts consuming uplinks.
//
// Parameters:
//   - modem: Open modem; the adapter owns it and closes it on Close
//   - logger: May be nil
//
// Returns:
//   - *Adapter: Running adapter; call Close to stop it
func New(modem *Modem, logger bridge.Logger) *Adapter {
	if logger == nil {
		logger = bridge.NopLogger{}
	}
	a := &Adapter{
		modem:  modem,
		logger: logger,
		nodes:  make(map[string]*node),
		events: make(chan bridge.TransportEvent, eventBufferSize),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Close stops uplink processing and closes the modem.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	err := a.modem.Close()
	<-a.done
	return err
}

// Discover reports frames from unbound addresses until the window ends, ctx
// is cancelled, or StopDiscovery is called. Radios cannot be asked who is
// around, so only nodes that transmit during the window are found.
func (a *Adapter) Discover(ctx context.Context, window time.Duration) (<-chan bridge.Sighting, error) {
	ch := make(chan bridge.Sighting, sightingBufferSize)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrModemClosed
	}
	if a.scan != nil {
		close(a.scan)
	}
	a.scan = ch
	a.mu.Unlock()

	go func() {
		timer := time.NewTimer(window)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		case <-a.done:
		}
		a.endScan(ch)
	}()
	return ch, nil
}

// StopDiscovery ends the running scan, if any.
func (a *Adapter) StopDiscovery() {
	a.mu.Lock()
	ch := a.scan
	a.mu.Unlock()
	if ch != nil {
		a.endScan(ch)
	}
}

func (a *Adapter) endScan(ch chan bridge.Sighting) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scan == ch {
		a.scan = nil
		close(ch)
	}
}

// Connect binds the address to the device. Nodes transmit on their own
// schedule, so there is nothing to negotiate: the endpoints are the spans
// the converter declares.
func (a *Adapter) Connect(_ context.Context, dev *bridge.Device) (bridge.Link, error) {
	raw, err := parseAddress(dev.ID)
	if err != nil {
		return bridge.Link{}, err
	}
	key := strings.ToUpper(dev.ID)

	n := &node{
		deviceID: dev.ID,
		addr:     raw,
		notify:   make(map[string]subscription),
	}

	a.mu.Lock()
	if prev, ok := a.nodes[key]; ok {
		prev.mu.Lock()
		n.last = prev.last
		prev.released = true
		prev.mu.Unlock()
	}
	a.nodes[key] = n
	a.mu.Unlock()

	return bridge.Link{Handle: n, Endpoints: dev.Converter.Addresses()}, nil
}

// Read returns the span of the last uplink covered by addr.
func (a *Adapter) Read(_ context.Context, dev *bridge.Device, addr converter.Address) ([]byte, error) {
	n, err := handle(dev)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	last := n.last
	n.mu.Unlock()
	if last == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoUplink, dev.ID)
	}
	span, err := addr.Span(last)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), span...), nil
}

// Write sends a downlink asking the node to overwrite the span at addr.
// The cached uplink is patched so reads reflect the write until the node
// reports again.
func (a *Adapter) Write(ctx context.Context, dev *bridge.Device, addr converter.Address, raw []byte) error {
	n, err := handle(dev)
	if err != nil {
		return err
	}
	if addr.Offset < 0 || addr.Offset > 0xFF {
		return fmt.Errorf("lora: offset %d out of range for %s", addr.Offset, dev.ID)
	}

	frame := make([]byte, 0, addrLen+1+len(raw))
	frame = append(frame, n.addr...)
	frame = append(frame, byte(addr.Offset))
	frame = append(frame, raw...)
	if err := a.modem.Send(ctx, frame); err != nil {
		return fmt.Errorf("sending downlink to %s: %w", dev.ID, err)
	}

	n.mu.Lock()
	if end := addr.Offset + len(raw); n.last != nil && end <= len(n.last) {
		patched := append([]byte(nil), n.last...)
		copy(patched[addr.Offset:end], raw)
		n.last = patched
	}
	n.mu.Unlock()
	return nil
}

// SubscribeNotify registers fn for the span at addr of every uplink.
func (a *Adapter) SubscribeNotify(_ context.Context, dev *bridge.Device, addr converter.Address, fn func([]byte)) error {
	n, err := handle(dev)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.notify[addr.Key()] = subscription{addr: addr, fn: fn}
	n.mu.Unlock()
	return nil
}

// Disconnect unbinds the address. Later uplinks from it are treated as
// coming from an unknown node.
func (a *Adapter) Disconnect(_ context.Context, dev *bridge.Device) error {
	n, ok := dev.Handle.(*node)
	if !ok || n == nil {
		return nil
	}
	n.mu.Lock()
	n.released = true
	n.mu.Unlock()

	key := strings.ToUpper(dev.ID)
	a.mu.Lock()
	if a.nodes[key] == n {
		delete(a.nodes, key)
	}
	a.mu.Unlock()
	return nil
}

// Probe is not possible: nodes only listen briefly after they transmit.
func (a *Adapter) Probe(context.Context, *bridge.Device) error {
	return bridge.ErrProbeUnsupported
}

// Events returns the transport event channel.
func (a *Adapter) Events() <-chan bridge.TransportEvent {
	return a.events
}

func (a *Adapter) run() {
	defer close(a.done)
	for {
		select {
		case up := <-a.modem.Uplinks():
			a.handleUplink(up)
		case <-a.modem.Done():
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if !closed {
				a.logger.Error("lora modem lost", "error", a.modem.Err())
				a.emit(bridge.TransportEvent{Kind: bridge.EventAdapterDown, Err: a.modem.Err()})
			}
			return
		}
	}
}

func (a *Adapter) handleUplink(up Uplink) {
	if len(up.Payload) < addrLen {
		a.logger.Warn("lora frame too short", "length", len(up.Payload))
		return
	}
	id := strings.ToUpper(hex.EncodeToString(up.Payload[:addrLen]))
	payload := append([]byte(nil), up.Payload[addrLen:]...)

	a.mu.Lock()
	n, bound := a.nodes[id]
	if !bound {
		if a.scan != nil {
			sg := bridge.Sighting{
				DeviceID:    id,
				Connectable: true,
				RSSI:        up.RSSI,
				Meta:        map[string]string{"snr": strconv.Itoa(up.SNR)},
			}
			select {
			case a.scan <- sg:
			default:
				a.logger.Warn("lora sighting dropped, buffer full", "device_id", id)
			}
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()
		a.logger.Debug("lora uplink from unbound node", "device_id", id, "rssi", up.RSSI)
		a.emit(bridge.TransportEvent{Kind: bridge.EventAnnounce, DeviceID: id})
		return
	}
	a.mu.Unlock()

	n.mu.Lock()
	if n.released {
		n.mu.Unlock()
		return
	}
	n.last = payload
	var calls []func()
	for _, sub := range n.notify {
		span, err := sub.addr.Span(payload)
		if err != nil {
			continue
		}
		raw := append([]byte(nil), span...)
		fn := sub.fn
		calls = append(calls, func() { fn(raw) })
	}
	n.mu.Unlock()

	for _, call := range calls {
		call()
	}
}

func (a *Adapter) emit(ev bridge.TransportEvent) {
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("transport event dropped, channel full", "kind", ev.Kind.String(), "device_id", ev.DeviceID)
	}
}

func handle(dev *bridge.Device) (*node, error) {
	n, ok := dev.Handle.(*node)
	if !ok || n == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotBound, dev.ID)
	}
	n.mu.Lock()
	released := n.released
	n.mu.Unlock()
	if released {
		return nil, fmt.Errorf("%w: %s", ErrNotBound, dev.ID)
	}
	return n, nil
}

// parseAddress decodes an 8 hex digit device ID.
func parseAddress(id string) ([]byte, error) {
	if len(id) != 2*addrLen {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, id)
	}
	raw, err := hex.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, id)
	}
	return raw, nil
}
