package zigbee

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-bridges/internal/bridge"
	"github.com/nerrad567/gray-logic-bridges/internal/converter"
)

const (
	eventBufferSize    = 64
	sightingBufferSize = 64

	// Reporting intervals requested for notify properties (seconds).
	reportMinInterval uint16 = 1
	reportMaxInterval uint16 = 300

	interviewTimeout = 10 * time.Second
	closeJoinTimeout = 5 * time.Second

	// maxPermitJoin is the longest join window the stack accepts; 0xFF
	// would mean "forever".
	maxPermitJoin = 254

	defaultEndpoint uint8 = 1
)

// Basic cluster power source values below 0x03 are mains variants.
const powerSourceBattery = 0x03

type subscription struct {
	addr converter.Address
	fn   func([]byte)
}

// node is the handle of one bound device.
type node struct {
	deviceID string
	eui      uint64

	mu            sync.Mutex
	nodeID        uint16
	basicEndpoint uint8
	notify        map[string]subscription
	released      bool
}

func (n *node) address() (uint16, uint8) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodeID, n.basicEndpoint
}

// Adapter is the mesh radio transport. It implements bridge.Adapter and
// bridge.Evictor.
type Adapter struct {
	coord  Coordinator
	logger bridge.Logger

	mu     sync.Mutex
	nodes  map[uint64]*node
	scan   chan bridge.Sighting
	closed bool

	events chan bridge.TransportEvent
	stop   chan struct{}
	done   chan struct{}
}

var (
	_ bridge.Adapter = (*Adapter)(nil)
	_ bridge.Evictor = (*Adapter)(nil)
)

// New creates an adapter on a started coordinator.
//
// Parameters:
//   - coord: Coordinator whose network is already formed or joined
//   - logger: May be nil
//
// Returns:
//   - *Adapter: Running adapter; call Close to stop it
func New(coord Coordinator, logger bridge.Logger) *Adapter {
	if logger == nil {
		logger = bridge.NopLogger{}
	}
	a := &Adapter{
		coord:  coord,
		logger: logger,
		nodes:  make(map[uint64]*node),
		events: make(chan bridge.TransportEvent, eventBufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Close stops event processing and closes the coordinator.
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
	return a.coord.Close()
}

// Discover opens the network for the window. Nodes that join are
// interviewed for their Basic cluster model and vendor.
func (a *Adapter) Discover(ctx context.Context, window time.Duration) (<-chan bridge.Sighting, error) {
	seconds := int(window.Round(time.Second) / time.Second)
	seconds = max(1, min(seconds, maxPermitJoin))
	if err := a.coord.PermitJoin(ctx, uint8(seconds)); err != nil {
		return nil, fmt.Errorf("permit join: %w", err)
	}

	ch := make(chan bridge.Sighting, sightingBufferSize)
	a.mu.Lock()
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
		case <-a.stop:
		}
		a.endScan(ch)
	}()
	return ch, nil
}

// StopDiscovery closes the network again.
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
	close(ch)
	closed := a.closed
	a.mu.Unlock()

	if closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeJoinTimeout)
	defer cancel()
	if err := a.coord.PermitJoin(ctx, 0); err != nil {
		a.logger.Warn("failed to close network for joining", "error", err)
	}
}

// Connect resolves the node's network address and lists the clusters it
// serves. Sleeping battery nodes may not answer the descriptor queries; for
// them the clusters the converter declares are assumed.
func (a *Adapter) Connect(ctx context.Context, dev *bridge.Device) (bridge.Link, error) {
	eui, err := ParseIEEE(dev.ID)
	if err != nil {
		return bridge.Link{}, err
	}
	nodeID, err := a.coord.LookupNode(ctx, eui)
	if err != nil {
		return bridge.Link{}, err
	}

	endpoints, basic, err := a.describe(ctx, nodeID)
	if err != nil {
		if dev.PowerType != converter.PowerBattery {
			return bridge.Link{}, fmt.Errorf("describing %s: %w", dev.ID, err)
		}
		a.logger.Debug("sleepy node did not answer descriptor queries", "device_id", dev.ID, "error", err)
		endpoints = dev.Converter.Addresses()
		basic = defaultEndpoint
	}

	n := &node{
		deviceID:      dev.ID,
		eui:           eui,
		nodeID:        nodeID,
		basicEndpoint: basic,
		notify:        make(map[string]subscription),
	}
	a.mu.Lock()
	if prev, ok := a.nodes[eui]; ok {
		prev.mu.Lock()
		prev.released = true
		prev.mu.Unlock()
	}
	a.nodes[eui] = n
	a.mu.Unlock()

	return bridge.Link{Handle: n, Endpoints: endpoints}, nil
}

// describe returns an endpoint+cluster address per served cluster and the
// endpoint hosting the Basic cluster.
func (a *Adapter) describe(ctx context.Context, nodeID uint16) ([]converter.Address, uint8, error) {
	eps, err := a.coord.ActiveEndpoints(ctx, nodeID)
	if err != nil {
		return nil, 0, err
	}
	var (
		out   []converter.Address
		basic uint8
	)
	for _, ep := range eps {
		desc, err := a.coord.SimpleDescriptor(ctx, nodeID, ep)
		if err != nil {
			return nil, 0, err
		}
		for _, cl := range desc.InputClusters {
			out = append(out, converter.Address{Endpoint: ep, Cluster: cl})
			if cl == clusterBasic && basic == 0 {
				basic = ep
			}
		}
	}
	if basic == 0 {
		basic = defaultEndpoint
		if len(eps) > 0 {
			basic = eps[0]
		}
	}
	return out, basic, nil
}

// Read sends Read Attributes and returns the attribute value.
func (a *Adapter) Read(ctx context.Context, dev *bridge.Device, addr converter.Address) ([]byte, error) {
	n, err := handle(dev)
	if err != nil {
		return nil, err
	}
	nodeID, _ := n.address()
	attr, err := a.readAttribute(ctx, nodeID, addr.Endpoint, addr.Cluster, addr.Attribute)
	if err != nil {
		return nil, fmt.Errorf("reading %s %s: %w", dev.ID, addr, err)
	}
	return stripLength(attr.DataType, attr.Value), nil
}

func (a *Adapter) readAttribute(ctx context.Context, nodeID uint16, endpoint uint8, cluster, attrID uint16) (Attribute, error) {
	resp, err := a.coord.Request(ctx, nodeID, endpoint, cluster, readAttributesFrame(attrID))
	if err != nil {
		return Attribute{}, err
	}
	if err := defaultResponseError(resp); err != nil {
		return Attribute{}, err
	}
	if !resp.Global() || resp.Command != globalReadAttributesResponse {
		return Attribute{}, fmt.Errorf("%w: unexpected command 0x%02x", ErrMalformedFrame, resp.Command)
	}
	attrs, err := parseReadAttributesResponse(resp.Payload)
	if err != nil {
		return Attribute{}, err
	}
	for _, at := range attrs {
		if at.ID != attrID {
			continue
		}
		if at.Status != statusSuccess {
			return Attribute{}, fmt.Errorf("%w: 0x%02x", ErrAttributeStatus, at.Status)
		}
		return at, nil
	}
	return Attribute{}, fmt.Errorf("%w: attribute 0x%04x missing from response", ErrMalformedFrame, attrID)
}

// Write maps writes on on/off, level and colour temperature to the
// cluster commands devices act on; other attributes use Write Attributes.
func (a *Adapter) Write(ctx context.Context, dev *bridge.Device, addr converter.Address, raw []byte) error {
	n, err := handle(dev)
	if err != nil {
		return err
	}
	f, err := writeFrame(addr, raw)
	if err != nil {
		return err
	}
	nodeID, _ := n.address()
	resp, err := a.coord.Request(ctx, nodeID, addr.Endpoint, addr.Cluster, f)
	if err != nil {
		return fmt.Errorf("writing %s %s: %w", dev.ID, addr, err)
	}
	if err := defaultResponseError(resp); err != nil {
		return err
	}
	if resp.Global() && resp.Command == globalWriteAttributesResponse {
		if st := parseStatusRecords(resp.Payload); st != statusSuccess {
			return fmt.Errorf("%w: 0x%02x", ErrAttributeStatus, st)
		}
	}
	return nil
}

func writeFrame(addr converter.Address, raw []byte) (Frame, error) {
	switch {
	case addr.Cluster == clusterOnOff && addr.Attribute == 0x0000:
		if len(raw) < 1 {
			return Frame{}, fmt.Errorf("%w: empty on/off value", ErrMalformedFrame)
		}
		if raw[0] != 0 {
			return clusterFrame(cmdOn, nil), nil
		}
		return clusterFrame(cmdOff, nil), nil

	case addr.Cluster == clusterLevel && addr.Attribute == 0x0000:
		if len(raw) < 1 {
			return Frame{}, fmt.Errorf("%w: empty level value", ErrMalformedFrame)
		}
		return clusterFrame(cmdMoveToLevelWithOnOff, []byte{raw[0], 0x00, 0x00}), nil

	case addr.Cluster == clusterColor && addr.Attribute == 0x0007:
		if len(raw) < 2 {
			return Frame{}, fmt.Errorf("%w: colour temperature needs 2 bytes", ErrMalformedFrame)
		}
		return clusterFrame(cmdMoveToColorTemperature, []byte{raw[0], raw[1], 0x00, 0x00}), nil
	}
	return writeAttributeFrame(addr.Attribute, addr.DataType, raw), nil
}

func defaultResponseError(f Frame) error {
	if !f.Global() || f.Command != globalDefaultResponse {
		return nil
	}
	cmd, status, err := parseDefaultResponse(f.Payload)
	if err != nil {
		return err
	}
	if status != statusSuccess {
		return fmt.Errorf("%w: 0x%02x for command 0x%02x", ErrAttributeStatus, status, cmd)
	}
	return nil
}

// SubscribeNotify registers fn for reports of the attribute and asks the
// device to report it. The registration stays when the device rejects the
// reporting configuration; reports it sends anyway are still delivered.
func (a *Adapter) SubscribeNotify(ctx context.Context, dev *bridge.Device, addr converter.Address, fn func([]byte)) error {
	n, err := handle(dev)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.notify[addr.Key()] = subscription{addr: addr, fn: fn}
	nodeID := n.nodeID
	n.mu.Unlock()

	resp, err := a.coord.Request(ctx, nodeID, addr.Endpoint, addr.Cluster,
		configureReportingFrame(addr.Attribute, addr.DataType, reportMinInterval, reportMaxInterval))
	if err != nil {
		return fmt.Errorf("configuring reporting for %s %s: %w", dev.ID, addr, err)
	}
	if err := defaultResponseError(resp); err != nil {
		return err
	}
	if resp.Global() && resp.Command == globalConfigureReportingResponse {
		if st := parseStatusRecords(resp.Payload); st != statusSuccess {
			return fmt.Errorf("%w: configure reporting 0x%02x", ErrAttributeStatus, st)
		}
	}
	return nil
}

// Disconnect releases the handle. The node stays on the network.
func (a *Adapter) Disconnect(_ context.Context, dev *bridge.Device) error {
	n, ok := dev.Handle.(*node)
	if !ok || n == nil {
		return nil
	}
	n.mu.Lock()
	n.released = true
	n.mu.Unlock()

	a.mu.Lock()
	if a.nodes[n.eui] == n {
		delete(a.nodes, n.eui)
	}
	a.mu.Unlock()
	return nil
}

// Evict asks the node to leave the network.
func (a *Adapter) Evict(ctx context.Context, deviceID string) error {
	eui, err := ParseIEEE(deviceID)
	if err != nil {
		return err
	}
	nodeID, err := a.coord.LookupNode(ctx, eui)
	if err != nil {
		if errors.Is(err, ErrUnknownNode) {
			return nil
		}
		return err
	}
	return a.coord.Leave(ctx, nodeID, eui)
}

// Probe reads the Basic cluster ZCL version.
func (a *Adapter) Probe(ctx context.Context, dev *bridge.Device) error {
	n, err := handle(dev)
	if err != nil {
		return err
	}
	nodeID, ep := n.address()
	if _, err := a.readAttribute(ctx, nodeID, ep, clusterBasic, attrZCLVersion); err != nil {
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
		case ev := <-a.coord.Events():
			a.handleEvent(ev)
		case <-a.stop:
			return
		}
	}
}

func (a *Adapter) handleEvent(ev NodeEvent) {
	switch ev.Kind {
	case NodeJoined:
		a.mu.Lock()
		n, bound := a.nodes[ev.EUI64]
		scanning := a.scan != nil
		a.mu.Unlock()
		if bound {
			n.mu.Lock()
			n.nodeID = ev.NodeID
			n.mu.Unlock()
			return
		}
		if scanning {
			go a.interview(ev.EUI64, ev.NodeID)
			return
		}
		a.emit(bridge.TransportEvent{Kind: bridge.EventAnnounce, DeviceID: FormatIEEE(ev.EUI64)})

	case NodeLeft:
		a.mu.Lock()
		if n, ok := a.nodes[ev.EUI64]; ok {
			n.mu.Lock()
			n.released = true
			n.mu.Unlock()
			delete(a.nodes, ev.EUI64)
		}
		a.mu.Unlock()
		a.emit(bridge.TransportEvent{Kind: bridge.EventLeave, DeviceID: FormatIEEE(ev.EUI64)})

	case NodeMessage:
		a.handleMessage(ev)

	case NetworkUp:
		a.emit(bridge.TransportEvent{Kind: bridge.EventAdapterUp})

	case NetworkDown:
		a.emit(bridge.TransportEvent{Kind: bridge.EventAdapterDown, Err: ev.Err})
	}
}

// handleMessage delivers attribute reports to subscriptions.
func (a *Adapter) handleMessage(ev NodeEvent) {
	f := ev.Frame
	if !f.Global() {
		return
	}

	var (
		attrs []Attribute
		err   error
	)
	switch f.Command {
	case globalReportAttributes:
		attrs, err = parseReportAttributes(f.Payload)
	case globalReadAttributesResponse:
		attrs, err = parseReadAttributesResponse(f.Payload)
	default:
		return
	}
	if err != nil {
		a.logger.Debug("bad attribute report", "node_id", ev.NodeID, "error", err)
	}

	n := a.boundNode(ev)
	if n == nil {
		return
	}

	n.mu.Lock()
	if n.released {
		n.mu.Unlock()
		return
	}
	var calls []func()
	for _, at := range attrs {
		if at.Status != statusSuccess {
			continue
		}
		key := converter.Address{Endpoint: ev.Endpoint, Cluster: ev.Cluster, Attribute: at.ID}.Key()
		sub, ok := n.notify[key]
		if !ok {
			continue
		}
		raw := stripLength(at.DataType, at.Value)
		fn := sub.fn
		calls = append(calls, func() { fn(raw) })
	}
	n.mu.Unlock()

	for _, call := range calls {
		call()
	}
}

func (a *Adapter) boundNode(ev NodeEvent) *node {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n, ok := a.nodes[ev.EUI64]; ok && ev.EUI64 != 0 {
		return n
	}
	for _, n := range a.nodes {
		if id, _ := n.address(); id == ev.NodeID {
			return n
		}
	}
	return nil
}

// interview reads the Basic cluster of a joining node and reports it as
// a sighting. Nodes that do not answer are still reported, without a product.
func (a *Adapter) interview(eui uint64, nodeID uint16) {
	ctx, cancel := context.WithTimeout(context.Background(), interviewTimeout)
	defer cancel()

	sg := bridge.Sighting{
		DeviceID:    FormatIEEE(eui),
		Connectable: true,
		Meta:        map[string]string{"nodeId": fmt.Sprintf("0x%04x", nodeID)},
	}

	ep := defaultEndpoint
	if eps, err := a.coord.ActiveEndpoints(ctx, nodeID); err == nil && len(eps) > 0 {
		ep = eps[0]
	}
	resp, err := a.coord.Request(ctx, nodeID, ep, clusterBasic,
		readAttributesFrame(attrManufacturerName, attrModelIdentifier, attrPowerSource))
	if err == nil {
		attrs, _ := parseReadAttributesResponse(resp.Payload)
		for _, at := range attrs {
			if at.Status != statusSuccess {
				continue
			}
			switch at.ID {
			case attrManufacturerName:
				sg.VendorName = string(stripLength(at.DataType, at.Value))
			case attrModelIdentifier:
				sg.ProductName = string(stripLength(at.DataType, at.Value))
			case attrPowerSource:
				if len(at.Value) > 0 {
					sg.Meta["powerSource"] = string(converter.PowerMains)
					if at.Value[0]&0x7F == powerSourceBattery {
						sg.Meta["powerSource"] = string(converter.PowerBattery)
					}
				}
			}
		}
	} else {
		a.logger.Debug("interview failed", "device_id", sg.DeviceID, "error", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scan == nil {
		return
	}
	select {
	case a.scan <- sg:
	default:
		a.logger.Warn("zigbee sighting dropped, buffer full", "device_id", sg.DeviceID)
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
