package bluetooth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/nerrad567/gray-logic-bridges/internal/bridge"
	"github.com/nerrad567/gray-logic-bridges/internal/converter"
	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/config"
)

// D-Bus names used by BlueZ.
const (
	bluezService        = "org.bluez"
	ifaceAdapter        = "org.bluez.Adapter1"
	ifaceDevice         = "org.bluez.Device1"
	ifaceCharacteristic = "org.bluez.GattCharacteristic1"
	ifaceProperties     = "org.freedesktop.DBus.Properties"
	ifaceObjectManager  = "org.freedesktop.DBus.ObjectManager"
)

const (
	defaultAdapterName = "hci0"

	signalBufferSize        = 64
	advertisementBufferSize = 64
	radioEventBufferSize    = 16

	// servicesResolvedPoll is how often Connect checks whether GATT
	// discovery has finished.
	servicesResolvedPoll = 100 * time.Millisecond
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZ is a Radio backed by the BlueZ daemon over the system bus.
type BlueZ struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	logger  bridge.Logger

	mu      sync.Mutex
	devices map[dbus.ObjectPath]Advertisement
	notify  map[dbus.ObjectPath]func([]byte)
	open    map[dbus.ObjectPath]bool
	closed  bool

	signals chan *dbus.Signal
	adverts chan Advertisement
	events  chan RadioEvent
	done    chan struct{}
	stopped chan struct{}
}

var _ Radio = (*BlueZ)(nil)

// OpenBlueZ connects to the system bus and powers on the configured
// host controller.
func OpenBlueZ(cfg config.BluetoothConfig, logger bridge.Logger) (*BlueZ, error) {
	if logger == nil {
		logger = bridge.NopLogger{}
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}

	name := cfg.Adapter
	if name == "" {
		name = defaultAdapterName
	}
	b := &BlueZ{
		conn:    conn,
		adapter: dbus.ObjectPath("/org/bluez/" + name),
		logger:  logger,
		devices: make(map[dbus.ObjectPath]Advertisement),
		notify:  make(map[dbus.ObjectPath]func([]byte)),
		open:    make(map[dbus.ObjectPath]bool),
		signals: make(chan *dbus.Signal, signalBufferSize),
		adverts: make(chan Advertisement, advertisementBufferSize),
		events:  make(chan RadioEvent, radioEventBufferSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	if err := b.subscribe(); err != nil {
		conn.Close()
		return nil, err
	}
	err = conn.Object(bluezService, b.adapter).
		Call(ifaceProperties+".Set", 0, ifaceAdapter, "Powered", dbus.MakeVariant(true)).Err
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("powering on %s: %w", name, err)
	}

	go b.run()
	logger.Info("bluetooth radio ready", "adapter", name)
	return b, nil
}

func (b *BlueZ) subscribe() error {
	rules := [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(bluezService),
			dbus.WithMatchInterface(ifaceProperties),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchPathNamespace(b.adapter),
		},
		{
			dbus.WithMatchSender(bluezService),
			dbus.WithMatchInterface(ifaceObjectManager),
			dbus.WithMatchMember("InterfacesAdded"),
		},
	}
	for _, rule := range rules {
		if err := b.conn.AddMatchSignal(rule...); err != nil {
			return fmt.Errorf("adding bluez signal match: %w", err)
		}
	}
	b.conn.Signal(b.signals)
	return nil
}

// StartScan sets an LE-only discovery filter and starts discovery.
// Devices BlueZ already knows with a current RSSI are reported at once.
func (b *BlueZ) StartScan(ctx context.Context) error {
	obj := b.conn.Object(bluezService, b.adapter)
	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(false),
	}
	if err := obj.CallWithContext(ctx, ifaceAdapter+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		return fmt.Errorf("setting discovery filter: %w", err)
	}
	if err := obj.CallWithContext(ctx, ifaceAdapter+".StartDiscovery", 0).Err; err != nil {
		return fmt.Errorf("starting discovery: %w", err)
	}

	objs, err := b.managedObjects(ctx)
	if err != nil {
		b.logger.Warn("failed to list known bluetooth devices", "error", err)
		return nil
	}
	for path, ifaces := range objs {
		props, ok := ifaces[ifaceDevice]
		if !ok || !b.ownsPath(path) {
			continue
		}
		if _, hasRSSI := props["RSSI"]; !hasRSSI {
			continue
		}
		if adv, ok := advertisementFrom(props); ok {
			b.remember(path, adv)
			b.advertise(adv)
		}
	}
	return nil
}

// StopScan stops discovery.
func (b *BlueZ) StopScan(ctx context.Context) error {
	err := b.conn.Object(bluezService, b.adapter).CallWithContext(ctx, ifaceAdapter+".StopDiscovery", 0).Err
	if err != nil {
		return fmt.Errorf("stopping discovery: %w", err)
	}
	return nil
}

// Advertisements returns the channel of advertising reports.
func (b *BlueZ) Advertisements() <-chan Advertisement {
	return b.adverts
}

// Events returns the channel of radio events.
func (b *BlueZ) Events() <-chan RadioEvent {
	return b.events
}

// Connect connects to the device and waits for GATT service discovery.
func (b *BlueZ) Connect(ctx context.Context, address string) (Peripheral, error) {
	path := devicePath(b.adapter, address)
	obj := b.conn.Object(bluezService, path)
	if err := obj.CallWithContext(ctx, ifaceDevice+".Connect", 0).Err; err != nil {
		return nil, fmt.Errorf("connecting %s: %w", address, err)
	}

	p := &peripheral{radio: b, address: address, path: path}
	if err := b.waitResolved(ctx, obj); err != nil {
		_ = p.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("resolving services of %s: %w", address, err)
	}

	b.mu.Lock()
	b.open[path] = true
	b.mu.Unlock()
	return p, nil
}

func (b *BlueZ) waitResolved(ctx context.Context, obj dbus.BusObject) error {
	ticker := time.NewTicker(servicesResolvedPoll)
	defer ticker.Stop()
	for {
		v, err := obj.GetProperty(ifaceDevice + ".ServicesResolved")
		if err != nil {
			return err
		}
		if resolved, _ := v.Value().(bool); resolved {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops signal processing and closes the bus connection.
func (b *BlueZ) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	<-b.stopped
	b.conn.RemoveSignal(b.signals)
	return b.conn.Close()
}

func (b *BlueZ) managedObjects(ctx context.Context) (managedObjects, error) {
	var objs managedObjects
	err := b.conn.Object(bluezService, "/").
		CallWithContext(ctx, ifaceObjectManager+".GetManagedObjects", 0).Store(&objs)
	return objs, err
}

// ownsPath reports whether path is an object below the host controller.
func (b *BlueZ) ownsPath(path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(b.adapter)+"/")
}

func (b *BlueZ) run() {
	defer close(b.stopped)
	for {
		select {
		case sig, ok := <-b.signals:
			if !ok {
				b.mu.Lock()
				closed := b.closed
				b.mu.Unlock()
				if !closed {
					b.emit(RadioEvent{Kind: PoweredOff, Err: ErrRadioClosed})
				}
				return
			}
			b.handleSignal(sig)
		case <-b.done:
			return
		}
	}
}

func (b *BlueZ) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case ifaceObjectManager + ".InterfacesAdded":
		var (
			path   dbus.ObjectPath
			ifaces map[string]map[string]dbus.Variant
		)
		if err := dbus.Store(sig.Body, &path, &ifaces); err != nil {
			b.logger.Debug("bad InterfacesAdded signal", "error", err)
			return
		}
		props, ok := ifaces[ifaceDevice]
		if !ok || !b.ownsPath(path) {
			return
		}
		if adv, ok := advertisementFrom(props); ok {
			b.remember(path, adv)
			b.advertise(adv)
		}

	case ifaceProperties + ".PropertiesChanged":
		var (
			iface       string
			changed     map[string]dbus.Variant
			invalidated []string
		)
		if err := dbus.Store(sig.Body, &iface, &changed, &invalidated); err != nil {
			b.logger.Debug("bad PropertiesChanged signal", "path", sig.Path, "error", err)
			return
		}
		switch iface {
		case ifaceAdapter:
			b.adapterChanged(changed)
		case ifaceDevice:
			b.deviceChanged(sig.Path, changed)
		case ifaceCharacteristic:
			b.characteristicChanged(sig.Path, changed)
		}
	}
}

func (b *BlueZ) adapterChanged(changed map[string]dbus.Variant) {
	v, ok := changed["Powered"]
	if !ok {
		return
	}
	if powered, _ := v.Value().(bool); powered {
		b.emit(RadioEvent{Kind: PoweredOn})
		return
	}
	b.mu.Lock()
	clear(b.open)
	clear(b.notify)
	b.mu.Unlock()
	b.emit(RadioEvent{Kind: PoweredOff})
}

func (b *BlueZ) deviceChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	b.mu.Lock()
	adv, known := b.devices[path]
	adv = mergeAdvertisement(adv, changed)
	if adv.Address != "" {
		b.devices[path] = adv
	}
	wasOpen := b.open[path]
	lost := false
	if v, ok := changed["Connected"]; ok {
		if connected, _ := v.Value().(bool); !connected && wasOpen {
			delete(b.open, path)
			for p := range b.notify {
				if strings.HasPrefix(string(p), string(path)+"/") {
					delete(b.notify, p)
				}
			}
			lost = true
		}
	}
	b.mu.Unlock()

	if lost {
		b.emit(RadioEvent{Kind: PeripheralLost, Address: adv.Address})
	}
	if _, ok := changed["RSSI"]; ok && known {
		b.advertise(adv)
	}
}

func (b *BlueZ) characteristicChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	v, ok := changed["Value"]
	if !ok {
		return
	}
	value, ok := v.Value().([]byte)
	if !ok {
		return
	}
	b.mu.Lock()
	fn := b.notify[path]
	b.mu.Unlock()
	if fn != nil {
		fn(value)
	}
}

func (b *BlueZ) remember(path dbus.ObjectPath, adv Advertisement) {
	b.mu.Lock()
	b.devices[path] = adv
	b.mu.Unlock()
}

func (b *BlueZ) advertise(adv Advertisement) {
	select {
	case b.adverts <- adv:
	default:
		b.logger.Debug("advertisement dropped, channel full", "address", adv.Address)
	}
}

func (b *BlueZ) emit(ev RadioEvent) {
	select {
	case b.events <- ev:
	default:
		b.logger.Warn("radio event dropped, channel full", "address", ev.Address)
	}
}

// peripheral is a connected BlueZ device.
type peripheral struct {
	radio   *BlueZ
	address string
	path    dbus.ObjectPath

	mu    sync.Mutex
	chars map[string]dbus.ObjectPath
}

func (p *peripheral) Address() string { return p.address }

// Characteristics lists the GATT characteristics below the device object.
func (p *peripheral) Characteristics(ctx context.Context) ([]string, error) {
	objs, err := p.radio.managedObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing characteristics of %s: %w", p.address, err)
	}
	chars := make(map[string]dbus.ObjectPath)
	prefix := string(p.path) + "/"
	for path, ifaces := range objs {
		props, ok := ifaces[ifaceCharacteristic]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if uuid, ok := props["UUID"].Value().(string); ok {
			chars[converter.NormalizeUUID(uuid)] = path
		}
	}

	p.mu.Lock()
	p.chars = chars
	p.mu.Unlock()

	uuids := make([]string, 0, len(chars))
	for uuid := range chars {
		uuids = append(uuids, uuid)
	}
	return uuids, nil
}

func (p *peripheral) characteristic(uuid string) (dbus.BusObject, dbus.ObjectPath, error) {
	p.mu.Lock()
	path, ok := p.chars[converter.NormalizeUUID(uuid)]
	p.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %s on %s", ErrNoCharacteristic, uuid, p.address)
	}
	return p.radio.conn.Object(bluezService, path), path, nil
}

func (p *peripheral) ReadCharacteristic(ctx context.Context, uuid string) ([]byte, error) {
	obj, _, err := p.characteristic(uuid)
	if err != nil {
		return nil, err
	}
	var value []byte
	if err := obj.CallWithContext(ctx, ifaceCharacteristic+".ReadValue", 0, map[string]dbus.Variant{}).Store(&value); err != nil {
		return nil, err
	}
	return value, nil
}

func (p *peripheral) WriteCharacteristic(ctx context.Context, uuid string, value []byte) error {
	obj, _, err := p.characteristic(uuid)
	if err != nil {
		return err
	}
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	return obj.CallWithContext(ctx, ifaceCharacteristic+".WriteValue", 0, value, opts).Err
}

func (p *peripheral) Notify(ctx context.Context, uuid string, fn func([]byte)) error {
	obj, path, err := p.characteristic(uuid)
	if err != nil {
		return err
	}
	p.radio.mu.Lock()
	p.radio.notify[path] = fn
	p.radio.mu.Unlock()
	return obj.CallWithContext(ctx, ifaceCharacteristic+".StartNotify", 0).Err
}

func (p *peripheral) Disconnect(ctx context.Context) error {
	b := p.radio
	b.mu.Lock()
	delete(b.open, p.path)
	for path := range b.notify {
		if strings.HasPrefix(string(path), string(p.path)+"/") {
			delete(b.notify, path)
		}
	}
	b.mu.Unlock()
	return b.conn.Object(bluezService, p.path).CallWithContext(ctx, ifaceDevice+".Disconnect", 0).Err
}

// devicePath returns the BlueZ object path of a device on the adapter.
func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return adapter + dbus.ObjectPath("/dev_"+strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

// advertisementFrom builds an advertisement from Device1 properties. The
// Address property is required.
func advertisementFrom(props map[string]dbus.Variant) (Advertisement, bool) {
	adv := mergeAdvertisement(Advertisement{}, props)
	return adv, adv.Address != ""
}

func mergeAdvertisement(adv Advertisement, props map[string]dbus.Variant) Advertisement {
	if v, ok := props["Address"]; ok {
		if s, ok := v.Value().(string); ok {
			adv.Address = strings.ToUpper(s)
		}
	}
	if v, ok := props["Name"]; ok {
		if s, ok := v.Value().(string); ok {
			adv.LocalName = s
		}
	} else if v, ok := props["Alias"]; ok && adv.LocalName == "" {
		// BlueZ derives Alias from the address when no name was advertised.
		if s, ok := v.Value().(string); ok && strings.ReplaceAll(s, "-", ":") != adv.Address {
			adv.LocalName = s
		}
	}
	if v, ok := props["RSSI"]; ok {
		if n, ok := v.Value().(int16); ok {
			adv.RSSI = int(n)
		}
	}
	adv.Connectable = true
	return adv
}
