package zigbee

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-bridges/internal/bridge"
	"github.com/nerrad567/gray-logic-bridges/internal/converter"
)

const (
	statusUnsupportedAttribute uint8 = 0x86
	statusFailure              uint8 = 0x01
)

type attrKey struct {
	node     uint16
	endpoint uint8
	cluster  uint16
	attr     uint16
}

type sentFrame struct {
	node     uint16
	endpoint uint8
	cluster  uint16
	frame    Frame
}

// fakeCoordinator answers ZCL requests from an attribute table.
type fakeCoordinator struct {
	mu          sync.Mutex
	nodes       map[uint64]uint16
	clusters    map[uint16]map[uint8][]uint16
	attrs       map[attrKey]Attribute
	describeErr error
	failStatus  uint8
	sent        []sentFrame
	permits     []uint8
	leaves      []uint64
	closed      bool
	events      chan NodeEvent
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		nodes:    make(map[uint64]uint16),
		clusters: make(map[uint16]map[uint8][]uint16),
		attrs:    make(map[attrKey]Attribute),
		events:   make(chan NodeEvent, 16),
	}
}

func (c *fakeCoordinator) addNode(eui uint64, nodeID uint16, clusters ...uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[eui] = nodeID
	c.clusters[nodeID] = map[uint8][]uint16{1: clusters}
}

func (c *fakeCoordinator) setAttr(nodeID uint16, cluster, attr uint16, dataType uint8, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs[attrKey{nodeID, 1, cluster, attr}] = Attribute{ID: attr, DataType: dataType, Value: value}
}

func (c *fakeCoordinator) attr(nodeID uint16, cluster, attr uint16) (Attribute, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.attrs[attrKey{nodeID, 1, cluster, attr}]
	return a, ok
}

func (c *fakeCoordinator) sentFrames() []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentFrame(nil), c.sent...)
}

func (c *fakeCoordinator) PermitJoin(_ context.Context, seconds uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.permits = append(c.permits, seconds)
	return nil
}

func (c *fakeCoordinator) LookupNode(_ context.Context, eui uint64) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.nodes[eui]
	if !ok {
		return 0, ErrUnknownNode
	}
	return id, nil
}

func (c *fakeCoordinator) ActiveEndpoints(_ context.Context, nodeID uint16) ([]uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.describeErr != nil {
		return nil, c.describeErr
	}
	var eps []uint8
	for ep := range c.clusters[nodeID] {
		eps = append(eps, ep)
	}
	return eps, nil
}

func (c *fakeCoordinator) SimpleDescriptor(_ context.Context, nodeID uint16, endpoint uint8) (SimpleDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.describeErr != nil {
		return SimpleDescriptor{}, c.describeErr
	}
	return SimpleDescriptor{Endpoint: endpoint, Profile: profileHA, InputClusters: c.clusters[nodeID][endpoint]}, nil
}

func (c *fakeCoordinator) Leave(_ context.Context, _ uint16, eui uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves = append(c.leaves, eui)
	return nil
}

func (c *fakeCoordinator) Events() <-chan NodeEvent { return c.events }

func (c *fakeCoordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeCoordinator) Request(_ context.Context, nodeID uint16, endpoint uint8, cluster uint16, f Frame) (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentFrame{node: nodeID, endpoint: endpoint, cluster: cluster, frame: f})

	reply := func(cmd uint8, payload []byte) (Frame, error) {
		return Frame{Control: frameTypeGlobal | frameServerToClient, Seq: f.Seq, Command: cmd, Payload: payload}, nil
	}

	if !f.Global() {
		if c.failStatus != 0 {
			return reply(globalDefaultResponse, []byte{f.Command, c.failStatus})
		}
		key := attrKey{nodeID, endpoint, cluster, 0x0000}
		switch {
		case cluster == clusterOnOff:
			c.attrs[key] = Attribute{ID: 0, DataType: typeBool, Value: []byte{boolByte(f.Command == cmdOn)}}
		case cluster == clusterLevel:
			c.attrs[key] = Attribute{ID: 0, DataType: typeUint8, Value: f.Payload[:1]}
		case cluster == clusterColor:
			key.attr = 0x0007
			c.attrs[key] = Attribute{ID: 0x0007, DataType: typeUint16, Value: f.Payload[:2]}
		}
		return reply(globalDefaultResponse, []byte{f.Command, statusSuccess})
	}

	switch f.Command {
	case globalReadAttributes:
		var out []byte
		for i := 0; i+1 < len(f.Payload); i += 2 {
			id := binary.LittleEndian.Uint16(f.Payload[i:])
			out = binary.LittleEndian.AppendUint16(out, id)
			a, ok := c.attrs[attrKey{nodeID, endpoint, cluster, id}]
			if !ok {
				out = append(out, statusUnsupportedAttribute)
				continue
			}
			out = append(out, statusSuccess, a.DataType)
			out = append(out, a.Value...)
		}
		return reply(globalReadAttributesResponse, out)

	case globalWriteAttributes:
		if c.failStatus != 0 {
			return reply(globalWriteAttributesResponse, []byte{c.failStatus, f.Payload[0], f.Payload[1]})
		}
		id := binary.LittleEndian.Uint16(f.Payload)
		c.attrs[attrKey{nodeID, endpoint, cluster, id}] = Attribute{ID: id, DataType: f.Payload[2], Value: f.Payload[3:]}
		return reply(globalWriteAttributesResponse, []byte{statusSuccess})

	case globalConfigureReporting:
		if c.failStatus != 0 {
			return reply(globalConfigureReportingResponse, []byte{c.failStatus})
		}
		return reply(globalConfigureReportingResponse, []byte{statusSuccess})
	}
	return reply(globalDefaultResponse, []byte{f.Command, 0x82})
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

const (
	bulbEUI  uint64 = 0x000b57fffe1a2b3c
	bulbNode uint16 = 0x1001
	climEUI  uint64 = 0x00124b0001a2b3c4
	climNode uint16 = 0x2002

	bulbProd = "TRADFRI bulb E27 WS opal 980lm"
	climProd = "SNZB-02"
)

func newTestAdapter(t *testing.T) (*Adapter, *fakeCoordinator) {
	t.Helper()
	coord := newFakeCoordinator()
	coord.addNode(bulbEUI, bulbNode, clusterBasic, clusterOnOff, clusterLevel, clusterColor)
	coord.addNode(climEUI, climNode, clusterBasic, clusterPowerConfig, 0x0402, 0x0405)
	a := New(coord, nil)
	t.Cleanup(func() { a.Close() })
	return a, coord
}

func newDevice(eui uint64, product string) *bridge.Device {
	return bridge.NewDevice("zigbee", bridge.DeviceRecord{DeviceID: FormatIEEE(eui), ProductName: product}, converter.NewRegistry("zigbee"))
}

func connect(t *testing.T, a *Adapter, dev *bridge.Device) bridge.Link {
	t.Helper()
	link, err := a.Connect(context.Background(), dev)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	dev.Handle = link.Handle
	return link
}

func addr(t *testing.T, dev *bridge.Device, name string) converter.Address {
	t.Helper()
	a, err := dev.Converter.AddressOf(name)
	if err != nil {
		t.Fatalf("AddressOf(%s) error = %v", name, err)
	}
	return a
}

func TestConnectListsServedClusters(t *testing.T) {
	a, _ := newTestAdapter(t)
	dev := newDevice(bulbEUI, bulbProd)
	link := connect(t, a, dev)

	if len(link.Endpoints) != 4 {
		t.Fatalf("endpoints = %v, want 4 clusters", link.Endpoints)
	}
	for _, name := range []string{"onOff", "brightness", "colorTemperature"} {
		served := false
		for _, ep := range link.Endpoints {
			if addr(t, dev, name).Matches(ep) {
				served = true
			}
		}
		if !served {
			t.Errorf("%s not served by %v", name, link.Endpoints)
		}
	}
}

func TestConnectErrors(t *testing.T) {
	a, coord := newTestAdapter(t)

	if _, err := a.Connect(context.Background(), newDevice(0x0011223344556677, climProd)); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("unknown node error = %v, want ErrUnknownNode", err)
	}

	bad := bridge.NewDevice("zigbee", bridge.DeviceRecord{DeviceID: "kitchen", ProductName: climProd}, converter.NewRegistry("zigbee"))
	if _, err := a.Connect(context.Background(), bad); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("bad id error = %v, want ErrInvalidAddress", err)
	}

	coord.describeErr = context.DeadlineExceeded
	if _, err := a.Connect(context.Background(), newDevice(bulbEUI, bulbProd)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("mains describe error = %v, want DeadlineExceeded", err)
	}
}

func TestConnectSleepyNodeAssumesDeclaredClusters(t *testing.T) {
	a, coord := newTestAdapter(t)
	coord.describeErr = context.DeadlineExceeded

	dev := newDevice(climEUI, climProd)
	link := connect(t, a, dev)
	if len(link.Endpoints) != len(dev.Converter.Addresses()) {
		t.Errorf("endpoints = %v, want the declared addresses", link.Endpoints)
	}
}

func TestReadAttribute(t *testing.T) {
	a, coord := newTestAdapter(t)
	coord.setAttr(climNode, 0x0402, 0x0000, typeInt16, []byte{0x0A, 0x09})

	dev := newDevice(climEUI, climProd)
	connect(t, a, dev)

	raw, err := a.Read(context.Background(), dev, addr(t, dev, "temperature"))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	p, _ := dev.Converter.PropertyByName("temperature")
	r, err := dev.Converter.Get(p, raw)
	if err != nil || *r.Numeric != 23.14 {
		t.Errorf("temperature = %v, %v; want 23.14", r.Value, err)
	}

	if _, err := a.Read(context.Background(), dev, addr(t, dev, "humidity")); !errors.Is(err, ErrAttributeStatus) {
		t.Errorf("missing attribute error = %v, want ErrAttributeStatus", err)
	}
}

func TestWriteUsesClusterCommands(t *testing.T) {
	a, coord := newTestAdapter(t)
	dev := newDevice(bulbEUI, bulbProd)
	connect(t, a, dev)

	write := func(name string, v any) {
		t.Helper()
		p, _ := dev.Converter.PropertyByName(name)
		raw, err := dev.Converter.Set(p, v)
		if err != nil {
			t.Fatalf("Set(%s) error = %v", name, err)
		}
		if err := a.Write(context.Background(), dev, addr(t, dev, name), raw); err != nil {
			t.Fatalf("Write(%s) error = %v", name, err)
		}
	}

	write("onOff", "on")
	write("brightness", 200)
	write("colorTemperature", 300)

	sent := coord.sentFrames()
	if len(sent) != 3 {
		t.Fatalf("sent %d frames, want 3", len(sent))
	}
	want := []struct {
		cluster uint16
		cmd     uint8
		payload []byte
	}{
		{clusterOnOff, cmdOn, nil},
		{clusterLevel, cmdMoveToLevelWithOnOff, []byte{200, 0, 0}},
		{clusterColor, cmdMoveToColorTemperature, []byte{0x2C, 0x01, 0, 0}},
	}
	for i, w := range want {
		got := sent[i]
		if got.frame.Global() || got.cluster != w.cluster || got.frame.Command != w.cmd || !bytes.Equal(got.frame.Payload, w.payload) {
			t.Errorf("frame %d = cluster 0x%04x %+v, want cluster 0x%04x cmd 0x%02x % X", i, got.cluster, got.frame, w.cluster, w.cmd, w.payload)
		}
	}

	if at, ok := coord.attr(bulbNode, clusterOnOff, 0x0000); !ok || at.Value[0] != 1 {
		t.Errorf("bulb on/off = %+v", at)
	}
}

func TestWriteRejected(t *testing.T) {
	a, coord := newTestAdapter(t)
	dev := newDevice(bulbEUI, bulbProd)
	connect(t, a, dev)
	coord.failStatus = statusFailure

	if err := a.Write(context.Background(), dev, addr(t, dev, "onOff"), []byte{1}); !errors.Is(err, ErrAttributeStatus) {
		t.Errorf("Write() error = %v, want ErrAttributeStatus", err)
	}
}

func TestWriteGenericAttribute(t *testing.T) {
	a, coord := newTestAdapter(t)
	dev := newDevice(bulbEUI, bulbProd)
	connect(t, a, dev)

	target := converter.Address{Endpoint: 1, Cluster: clusterBasic, Attribute: 0x0010, DataType: typeCharString}
	if err := a.Write(context.Background(), dev, target, []byte{0x03, 'h', 'a', 'l'}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	at, ok := coord.attr(bulbNode, clusterBasic, 0x0010)
	if !ok || at.DataType != typeCharString || string(at.Value) != "\x03hal" {
		t.Errorf("written attribute = %+v", at)
	}
}

func TestReportsReachSubscriptions(t *testing.T) {
	a, coord := newTestAdapter(t)
	dev := newDevice(climEUI, climProd)
	connect(t, a, dev)

	got := make(chan []byte, 1)
	if err := a.SubscribeNotify(context.Background(), dev, addr(t, dev, "temperature"), func(raw []byte) { got <- raw }); err != nil {
		t.Fatalf("SubscribeNotify() error = %v", err)
	}

	sent := coord.sentFrames()
	last := sent[len(sent)-1]
	if last.frame.Command != globalConfigureReporting || last.cluster != 0x0402 || last.frame.Payload[3] != typeInt16 {
		t.Errorf("configure reporting frame = %+v", last)
	}

	coord.events <- NodeEvent{
		Kind:     NodeMessage,
		EUI64:    climEUI,
		NodeID:   climNode,
		Endpoint: 1,
		Cluster:  0x0402,
		Frame:    Frame{Control: 0x18, Seq: 9, Command: globalReportAttributes, Payload: []byte{0x00, 0x00, typeInt16, 0xF6, 0xFF}},
	}

	select {
	case raw := <-got:
		if !bytes.Equal(raw, []byte{0xF6, 0xFF}) {
			t.Errorf("report = % X", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no report delivered")
	}
}

func TestSubscribeRejectedKeepsRegistration(t *testing.T) {
	a, coord := newTestAdapter(t)
	dev := newDevice(climEUI, climProd)
	connect(t, a, dev)
	coord.failStatus = statusUnsupportedAttribute

	got := make(chan []byte, 1)
	err := a.SubscribeNotify(context.Background(), dev, addr(t, dev, "humidity"), func(raw []byte) { got <- raw })
	if !errors.Is(err, ErrAttributeStatus) {
		t.Fatalf("SubscribeNotify() error = %v, want ErrAttributeStatus", err)
	}

	// Unknown EUI: the node is matched by network address.
	coord.events <- NodeEvent{
		Kind:     NodeMessage,
		NodeID:   climNode,
		Endpoint: 1,
		Cluster:  0x0405,
		Frame:    Frame{Control: 0x18, Command: globalReportAttributes, Payload: []byte{0x00, 0x00, typeUint16, 0x88, 0x13}},
	}
	select {
	case raw := <-got:
		if !bytes.Equal(raw, []byte{0x88, 0x13}) {
			t.Errorf("report = % X", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no report delivered")
	}
}

func TestDiscoverInterviewsJoiningNodes(t *testing.T) {
	a, coord := newTestAdapter(t)
	const newEUI uint64 = 0x00124b00ffee0001
	const newNode uint16 = 0x3003
	coord.addNode(newEUI, newNode, clusterBasic, 0x0402)
	coord.setAttr(newNode, clusterBasic, attrManufacturerName, typeCharString, append([]byte{6}, "SONOFF"...))
	coord.setAttr(newNode, clusterBasic, attrModelIdentifier, typeCharString, append([]byte{7}, climProd...))
	coord.setAttr(newNode, clusterBasic, attrPowerSource, typeEnum8, []byte{0x03})

	ch, err := a.Discover(context.Background(), 30*time.Second)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	coord.events <- NodeEvent{Kind: NodeJoined, EUI64: newEUI, NodeID: newNode}

	select {
	case sg := <-ch:
		if sg.DeviceID != FormatIEEE(newEUI) || sg.ProductName != climProd || sg.VendorName != "SONOFF" ||
			sg.Meta["powerSource"] != "battery" || sg.Meta["nodeId"] != "0x3003" || !sg.Connectable {
			t.Errorf("sighting = %+v", sg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sighting")
	}

	a.StopDiscovery()
	if _, ok := <-ch; ok {
		t.Error("sighting channel still open")
	}
	coord.mu.Lock()
	permits := append([]uint8(nil), coord.permits...)
	coord.mu.Unlock()
	if len(permits) != 2 || permits[0] != 30 || permits[1] != 0 {
		t.Errorf("permit join calls = %v, want [30 0]", permits)
	}
}

func TestNodeEventsOutsideScan(t *testing.T) {
	a, coord := newTestAdapter(t)
	dev := newDevice(climEUI, climProd)
	connect(t, a, dev)

	next := func() bridge.TransportEvent {
		t.Helper()
		select {
		case ev := <-a.Events():
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no transport event")
		}
		return bridge.TransportEvent{}
	}

	coord.events <- NodeEvent{Kind: NodeJoined, EUI64: bulbEUI, NodeID: bulbNode}
	if ev := next(); ev.Kind != bridge.EventAnnounce || ev.DeviceID != FormatIEEE(bulbEUI) {
		t.Errorf("join event = %+v, want announce", ev)
	}

	coord.events <- NodeEvent{Kind: NodeLeft, EUI64: climEUI}
	if ev := next(); ev.Kind != bridge.EventLeave || ev.DeviceID != FormatIEEE(climEUI) {
		t.Errorf("leave event = %+v, want leave", ev)
	}
	if _, err := a.Read(context.Background(), dev, addr(t, dev, "temperature")); !errors.Is(err, ErrNotBound) {
		t.Errorf("Read() after leave error = %v, want ErrNotBound", err)
	}

	coord.events <- NodeEvent{Kind: NetworkDown, Err: ErrClosed}
	if ev := next(); ev.Kind != bridge.EventAdapterDown || !errors.Is(ev.Err, ErrClosed) {
		t.Errorf("network down event = %+v", ev)
	}
	coord.events <- NodeEvent{Kind: NetworkUp}
	if ev := next(); ev.Kind != bridge.EventAdapterUp {
		t.Errorf("network up event = %+v", ev)
	}
}

func TestProbeReadsZCLVersion(t *testing.T) {
	a, coord := newTestAdapter(t)
	dev := newDevice(bulbEUI, bulbProd)
	connect(t, a, dev)

	if err := a.Probe(context.Background(), dev); !errors.Is(err, ErrAttributeStatus) {
		t.Errorf("Probe() without zclVersion error = %v, want ErrAttributeStatus", err)
	}
	coord.setAttr(bulbNode, clusterBasic, attrZCLVersion, typeUint8, []byte{0x03})
	if err := a.Probe(context.Background(), dev); err != nil {
		t.Errorf("Probe() error = %v", err)
	}
}

func TestEvictSendsLeave(t *testing.T) {
	a, coord := newTestAdapter(t)
	if err := a.Evict(context.Background(), FormatIEEE(bulbEUI)); err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	if err := a.Evict(context.Background(), FormatIEEE(0x0011223344556677)); err != nil {
		t.Errorf("Evict() of unknown node error = %v, want nil", err)
	}
	coord.mu.Lock()
	defer coord.mu.Unlock()
	if len(coord.leaves) != 1 || coord.leaves[0] != bulbEUI {
		t.Errorf("leaves = %x", coord.leaves)
	}
}

func TestDisconnectReleasesHandle(t *testing.T) {
	a, _ := newTestAdapter(t)
	dev := newDevice(bulbEUI, bulbProd)
	connect(t, a, dev)

	if err := a.Disconnect(context.Background(), dev); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := a.Write(context.Background(), dev, addr(t, dev, "onOff"), []byte{1}); !errors.Is(err, ErrNotBound) {
		t.Errorf("Write() after disconnect error = %v, want ErrNotBound", err)
	}
	if err := a.Disconnect(context.Background(), dev); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
}
