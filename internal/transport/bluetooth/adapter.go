package bluetooth

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-bridges/internal/bridge"
	"github.com/nerrad567/gray-logic-bridges/internal/converter"
)

const (
	eventBufferSize    = 64
	sightingBufferSize = 64

	stopScanTimeout = 5 * time.Second

	// deviceNameUUID is the GAP Device Name characteristic, read by Probe.
	deviceNameUUID = "2a00"
)

// localNames maps advertised local name prefixes to product names for
// products that do not advertise their model name verbatim.
var localNames = []struct {
	prefix  string
	product string
}{
	{"ATC_", "LYWSD03MMC"},
	{"Hue Lamp", "Hue white lamp"},
	{"Hue white", "Hue white lamp"},
}

// link is the handle of one connected peripheral.
type link struct {
	deviceID   string
	peripheral Peripheral

	mu       sync.Mutex
	released bool
}

func (l *link) release() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return false
	}
	l.released = true
	return true
}

// Adapter is the short-range radio transport. It implements bridge.Adapter.
type Adapter struct {
	radio    Radio
	logger   bridge.Logger
	registry *converter.Registry

	mu     sync.Mutex
	links  map[string]*link
	scan   chan bridge.Sighting
	seen   map[string]Advertisement // last report forwarded per address
	closed bool

	events chan bridge.TransportEvent
	stop   chan struct{}
	done   chan struct{}
}

var _ bridge.Adapter = (*Adapter)(nil)

// New creates an adapter on a radio and starts consuming its reports.
//
// Parameters:
//   - radio: BLE central; the adapter owns it and closes it on Close
//   - logger: May be nil
//
// Returns:
//   - *Adapter: Running adapter; call Close to stop it
func New(radio Radio, logger bridge.Logger) *Adapter {
	if logger == nil {
		logger = bridge.NopLogger{}
	}
	a := &Adapter{
		radio:    radio,
		logger:   logger,
		registry: converter.NewRegistry("bluetooth"),
		links:    make(map[string]*link),
		events:   make(chan bridge.TransportEvent, eventBufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

// Close stops event processing and closes the radio.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	close(a.stop)
	<-a.done
	return a.radio.Close()
}

// Discover scans for the window. An address is reported when first heard
// and again whenever its RSSI, connectable flag or local name changes; the
// product is derived from the advertised local name.
func (a *Adapter) Discover(ctx context.Context, window time.Duration) (<-chan bridge.Sighting, error) {
	ch := make(chan bridge.Sighting, sightingBufferSize)
	a.mu.Lock()
	if a.scan != nil {
		close(a.scan)
	}
	a.scan = ch
	a.seen = make(map[string]Advertisement)
	a.mu.Unlock()

	if err := a.radio.StartScan(ctx); err != nil {
		a.mu.Lock()
		if a.scan == ch {
			a.scan = nil
			a.seen = nil
		}
		a.mu.Unlock()
		return nil, fmt.Errorf("starting scan: %w", err)
	}

	go func() {
		timer := time.NewTimer(window)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		case <-a.stop:
		}
		a.endScan(ch)
	}()
	return ch, nil
}

// StopDiscovery stops a running scan.
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
	if a.scan != ch {
		a.mu.Unlock()
		return
	}
	a.scan = nil
	a.seen = nil
	close(ch)
	closed := a.closed
	a.mu.Unlock()

	if closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopScanTimeout)
	defer cancel()
	if err := a.radio.StopScan(ctx); err != nil {
		a.logger.Warn("failed to stop bluetooth scan", "error", err)
	}
}

// Connect opens a GATT connection and reports the exposed characteristics
// as endpoints.
func (a *Adapter) Connect(ctx context.Context, dev *bridge.Device) (bridge.Link, error) {
	address, err := normalizeAddress(dev.ID)
	if err != nil {
		return bridge.Link{}, err
	}
	p, err := a.radio.Connect(ctx, address)
	if err != nil {
		return bridge.Link{}, err
	}
	uuids, err := p.Characteristics(ctx)
	if err != nil {
		_ = p.Disconnect(context.WithoutCancel(ctx))
		return bridge.Link{}, err
	}

	endpoints := make([]converter.Address, 0, len(uuids))
	for _, uuid := range uuids {
		endpoints = append(endpoints, converter.Address{UUID: uuid})
	}

	l := &link{deviceID: dev.ID, peripheral: p}
	a.mu.Lock()
	if prev, ok := a.links[address]; ok {
		prev.release()
	}
	a.links[address] = l
	a.mu.Unlock()

	return bridge.Link{Handle: l, Endpoints: endpoints}, nil
}

// Read reads the characteristic named by addr.UUID.
func (a *Adapter) Read(ctx context.Context, dev *bridge.Device, addr converter.Address) ([]byte, error) {
	l, err := handle(dev)
	if err != nil {
		return nil, err
	}
	if addr.UUID == "" {
		return nil, fmt.Errorf("%w: %s has no uuid", ErrNoCharacteristic, addr)
	}
	raw, err := l.peripheral.ReadCharacteristic(ctx, addr.UUID)
	if err != nil {
		return nil, fmt.Errorf("reading %s %s: %w", dev.ID, addr, err)
	}
	return raw, nil
}

// Write writes the characteristic named by addr.UUID with a response.
func (a *Adapter) Write(ctx context.Context, dev *bridge.Device, addr converter.Address, raw []byte) error {
	l, err := handle(dev)
	if err != nil {
		return err
	}
	if addr.UUID == "" {
		return fmt.Errorf("%w: %s has no uuid", ErrNoCharacteristic, addr)
	}
	if err := l.peripheral.WriteCharacteristic(ctx, addr.UUID, raw); err != nil {
		return fmt.Errorf("writing %s %s: %w", dev.ID, addr, err)
	}
	return nil
}

// SubscribeNotify enables notifications on the characteristic. Values
// arriving after the handle is released are dropped.
func (a *Adapter) SubscribeNotify(ctx context.Context, dev *bridge.Device, addr converter.Address, fn func([]byte)) error {
	l, err := handle(dev)
	if err != nil {
		return err
	}
	if addr.UUID == "" {
		return fmt.Errorf("%w: %s has no uuid", ErrNoCharacteristic, addr)
	}
	deliver := func(raw []byte) {
		l.mu.Lock()
		released := l.released
		l.mu.Unlock()
		if !released {
			fn(raw)
		}
	}
	if err := l.peripheral.Notify(ctx, addr.UUID, deliver); err != nil {
		return fmt.Errorf("enabling notify for %s %s: %w", dev.ID, addr, err)
	}
	return nil
}

// Disconnect closes the GATT connection.
func (a *Adapter) Disconnect(ctx context.Context, dev *bridge.Device) error {
	l, ok := dev.Handle.(*link)
	if !ok || l == nil || !l.release() {
		return nil
	}
	a.unmap(l)
	return l.peripheral.Disconnect(ctx)
}

// Probe reads the GAP Device Name.
func (a *Adapter) Probe(ctx context.Context, dev *bridge.Device) error {
	l, err := handle(dev)
	if err != nil {
		return err
	}
	if _, err := l.peripheral.ReadCharacteristic(ctx, deviceNameUUID); err != nil {
		return fmt.Errorf("probing %s: %w", dev.ID, err)
	}
	return nil
}

// Events returns the transport event channel.
func (a *Adapter) Events() <-chan bridge.TransportEvent {
	return a.events
}

func (a *Adapter) run() {
	defer close(a.done)
	for {
		select {
		case adv := <-a.radio.Advertisements():
			a.handleAdvertisement(adv)
		case ev := <-a.radio.Events():
			a.handleRadioEvent(ev)
		case <-a.stop:
			return
		}
	}
}

func (a *Adapter) handleAdvertisement(adv Advertisement) {
	address := strings.ToUpper(adv.Address)
	adv.Address = address

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scan == nil {
		return
	}
	if last, ok := a.seen[address]; ok && last == adv {
		return
	}
	a.seen[address] = adv

	sg := bridge.Sighting{
		DeviceID:    address,
		Connectable: adv.Connectable,
		RSSI:        adv.RSSI,
	}
	if product, ok := a.productFor(adv.LocalName); ok {
		sg.ProductName = product
		conv, _ := a.registry.Lookup(product)
		sg.VendorName = conv.VendorName()
	}
	if adv.LocalName != "" {
		sg.Meta = map[string]string{"localName": adv.LocalName}
	}

	select {
	case a.scan <- sg:
	default:
		a.logger.Warn("bluetooth sighting dropped, buffer full", "device_id", address)
	}
}

// productFor derives a registered product name from an advertised local name.
func (a *Adapter) productFor(localName string) (string, bool) {
	if localName == "" {
		return "", false
	}
	for _, product := range a.registry.Products() {
		if strings.HasPrefix(localName, product) {
			return product, true
		}
	}
	for _, n := range localNames {
		if strings.HasPrefix(localName, n.prefix) {
			return n.product, true
		}
	}
	return "", false
}

func (a *Adapter) handleRadioEvent(ev RadioEvent) {
	switch ev.Kind {
	case PeripheralLost:
		address := strings.ToUpper(ev.Address)
		a.mu.Lock()
		l, ok := a.links[address]
		if ok {
			delete(a.links, address)
		}
		a.mu.Unlock()
		if !ok || !l.release() {
			return
		}
		a.emit(bridge.TransportEvent{Kind: bridge.EventLinkLost, DeviceID: l.deviceID, Err: ev.Err})

	case PoweredOff:
		a.mu.Lock()
		for address, l := range a.links {
			l.release()
			delete(a.links, address)
		}
		a.mu.Unlock()
		a.emit(bridge.TransportEvent{Kind: bridge.EventAdapterDown, Err: ev.Err})

	case PoweredOn:
		a.emit(bridge.TransportEvent{Kind: bridge.EventAdapterUp})
	}
}

func (a *Adapter) unmap(l *link) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for address, cur := range a.links {
		if cur == l {
			delete(a.links, address)
		}
	}
}

func (a *Adapter) emit(ev bridge.TransportEvent) {
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("transport event dropped, channel full", "kind", ev.Kind.String(), "device_id", ev.DeviceID)
	}
}

func handle(dev *bridge.Device) (*link, error) {
	l, ok := dev.Handle.(*link)
	if !ok || l == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotBound, dev.ID)
	}
	l.mu.Lock()
	released := l.released
	l.mu.Unlock()
	if released {
		return nil, fmt.Errorf("%w: %s", ErrNotBound, dev.ID)
	}
	return l, nil
}

// normalizeAddress validates a 48-bit MAC address and returns it upper-case.
func normalizeAddress(id string) (string, error) {
	hw, err := net.ParseMAC(id)
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, id)
	}
	return strings.ToUpper(hw.String()), nil
}
