package zigbee

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/nerrad567/gray-logic-bridges/internal/bridge"
	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/config"
)

// NodeEventKind classifies coordinator events.
type NodeEventKind int

// Coordinator event kinds.
const (
	NodeJoined NodeEventKind = iota
	NodeLeft
	NodeMessage
	NetworkUp
	NetworkDown
)

// NodeEvent is something the network reported without being asked.
type NodeEvent struct {
	Kind   NodeEventKind
	EUI64  uint64
	NodeID uint16

	// Unsolicited ZCL frames (NodeMessage).
	Endpoint uint8
	Cluster  uint16
	Frame    Frame

	Err error
}

// Coordinator is the mesh network controller the adapter drives.
type Coordinator interface {
	// PermitJoin opens the network for new nodes; 0 closes it.
	PermitJoin(ctx context.Context, seconds uint8) error

	// LookupNode returns the current network address of a node.
	LookupNode(ctx context.Context, eui uint64) (uint16, error)

	// Request sends a ZCL frame and waits for the frame answering it.
	Request(ctx context.Context, nodeID uint16, endpoint uint8, cluster uint16, f Frame) (Frame, error)

	ActiveEndpoints(ctx context.Context, nodeID uint16) ([]uint8, error)
	SimpleDescriptor(ctx context.Context, nodeID uint16, endpoint uint8) (SimpleDescriptor, error)

	// Leave asks a node to leave the network.
	Leave(ctx context.Context, nodeID uint16, eui uint64) error

	Events() <-chan NodeEvent
	Close() error
}

const (
	coordinatorEventBuffer = 64

	// hostEndpoint is the coordinator's own application endpoint.
	hostEndpoint uint8 = 1

	startupTimeout = 10 * time.Second
	formChannel    = 15
)

type requestKey struct {
	profile uint16
	node    uint16
	cluster uint16
	seq     uint8
}

// EZSPCoordinator is a Coordinator backed by a Silicon Labs NCP.
type EZSPCoordinator struct {
	ash    *ashLink
	ezsp   *ezspLayer
	logger bridge.Logger

	mu      sync.Mutex
	nodes   map[uint64]uint16
	waiting map[requestKey]chan []byte
	closed  bool

	zdoSeq atomic.Uint32
	events chan NodeEvent
}

var _ Coordinator = (*EZSPCoordinator)(nil)

// OpenEZSP opens the serial port named in cfg and starts the coordinator.
func OpenEZSP(ctx context.Context, cfg config.ZigbeeConfig, logger bridge.Logger) (*EZSPCoordinator, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.SerialPort, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.SerialPort, err)
	}
	// Silicon Labs dongles require RTS/CTS hardware flow control.
	if err := port.SetRTS(true); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set RTS: %w", err)
	}

	c := NewEZSPCoordinator(port, logger)
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// NewEZSPCoordinator wraps an open port. Call Start before use.
func NewEZSPCoordinator(port io.ReadWriteCloser, logger bridge.Logger) *EZSPCoordinator {
	if logger == nil {
		logger = bridge.NopLogger{}
	}
	c := &EZSPCoordinator{
		logger:  logger,
		nodes:   make(map[uint64]uint16),
		waiting: make(map[requestKey]chan []byte),
		events:  make(chan NodeEvent, coordinatorEventBuffer),
	}
	c.ash = newASHLink(port, logger)
	c.ezsp = newEZSPLayer(c.ash, logger, c.handleCallback)
	return c
}

// Start resets the NCP, negotiates EZSP and resumes or forms the network.
func (c *EZSPCoordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if err := c.ash.Connect(ctx); err != nil {
		return fmt.Errorf("ASH connect: %w", err)
	}
	c.ezsp.Start()
	go c.watch()

	if _, err := c.ezsp.NegotiateVersion(ctx); err != nil {
		return err
	}
	c.ezsp.ConfigureStack(ctx)

	status, err := c.ezsp.NetworkInit(ctx)
	if err != nil {
		return fmt.Errorf("network init: %w", err)
	}
	if status == emberSuccess || status == emberNetworkUp {
		c.logger.Info("resumed existing zigbee network")
		return nil
	}

	c.logger.Info("no stored zigbee network, forming one", "status", status)
	var ext [8]byte
	for i := range ext {
		ext[i] = byte(rand.IntN(256))
	}
	panID := uint16(rand.IntN(0xFFFE) + 1)
	if err := c.ezsp.FormNetwork(ctx, formChannel, panID, ext); err != nil {
		return fmt.Errorf("form network: %w", err)
	}
	return nil
}

// Close shuts the serial link down.
func (c *EZSPCoordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.ash.Close()
}

// Events returns the coordinator event channel.
func (c *EZSPCoordinator) Events() <-chan NodeEvent {
	return c.events
}

// PermitJoin opens the network for the given number of seconds.
func (c *EZSPCoordinator) PermitJoin(ctx context.Context, seconds uint8) error {
	return c.ezsp.PermitJoining(ctx, seconds)
}

// LookupNode returns the cached network address, asking the NCP's address
// table when the node has not been seen since startup.
func (c *EZSPCoordinator) LookupNode(ctx context.Context, eui uint64) (uint16, error) {
	c.mu.Lock()
	id, ok := c.nodes[eui]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	id, err := c.ezsp.LookupNodeID(ctx, eui)
	if err != nil {
		return 0, fmt.Errorf("looking up %s: %w", FormatIEEE(eui), err)
	}
	c.mu.Lock()
	c.nodes[eui] = id
	c.mu.Unlock()
	return id, nil
}

// Request sends f to a node and waits for the answer with the same
// sequence number.
func (c *EZSPCoordinator) Request(ctx context.Context, nodeID uint16, endpoint uint8, cluster uint16, f Frame) (Frame, error) {
	key := requestKey{profile: profileHA, node: nodeID, cluster: cluster, seq: f.Seq}
	raw, err := c.roundTrip(ctx, key, func() error {
		return c.ezsp.SendUnicast(ctx, nodeID, profileHA, cluster, hostEndpoint, endpoint, f.Encode())
	})
	if err != nil {
		return Frame{}, err
	}
	return DecodeFrame(raw)
}

// ActiveEndpoints lists a node's application endpoints.
func (c *EZSPCoordinator) ActiveEndpoints(ctx context.Context, nodeID uint16) ([]uint8, error) {
	seq := c.nextZDOSeq()
	key := requestKey{profile: profileZDO, node: nodeID, cluster: zdoActiveEPResp, seq: seq}
	raw, err := c.roundTrip(ctx, key, func() error {
		return c.ezsp.SendUnicast(ctx, nodeID, profileZDO, zdoActiveEPReq, 0, 0, activeEndpointsRequest(seq, nodeID))
	})
	if err != nil {
		return nil, err
	}
	return parseActiveEndpoints(raw)
}

// SimpleDescriptor returns the clusters served on one endpoint.
func (c *EZSPCoordinator) SimpleDescriptor(ctx context.Context, nodeID uint16, endpoint uint8) (SimpleDescriptor, error) {
	seq := c.nextZDOSeq()
	key := requestKey{profile: profileZDO, node: nodeID, cluster: zdoSimpleDescResp, seq: seq}
	raw, err := c.roundTrip(ctx, key, func() error {
		return c.ezsp.SendUnicast(ctx, nodeID, profileZDO, zdoSimpleDescReq, 0, 0, simpleDescriptorRequest(seq, nodeID, endpoint))
	})
	if err != nil {
		return SimpleDescriptor{}, err
	}
	return parseSimpleDescriptor(raw)
}

// Leave sends Mgmt_Leave_req and forgets the node.
func (c *EZSPCoordinator) Leave(ctx context.Context, nodeID uint16, eui uint64) error {
	seq := c.nextZDOSeq()
	key := requestKey{profile: profileZDO, node: nodeID, cluster: zdoMgmtLeaveResp, seq: seq}
	raw, err := c.roundTrip(ctx, key, func() error {
		return c.ezsp.SendUnicast(ctx, nodeID, profileZDO, zdoMgmtLeaveReq, 0, 0, leaveRequest(seq, eui))
	})

	c.mu.Lock()
	delete(c.nodes, eui)
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if len(raw) >= 2 && raw[1] != statusSuccess {
		return fmt.Errorf("%w: leave status 0x%02x", ErrAttributeStatus, raw[1])
	}
	return nil
}

func (c *EZSPCoordinator) roundTrip(ctx context.Context, key requestKey, send func() error) ([]byte, error) {
	ch := make(chan []byte, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.waiting[key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiting, key)
		c.mu.Unlock()
	}()

	if err := send(); err != nil {
		return nil, err
	}
	select {
	case raw := <-ch:
		return raw, nil
	case <-c.ash.Done():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *EZSPCoordinator) nextZDOSeq() uint8 {
	return uint8(c.zdoSeq.Add(1))
}

// watch reports the loss of the serial link.
func (c *EZSPCoordinator) watch() {
	<-c.ash.Done()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		err := c.ash.Err()
		c.logger.Error("zigbee coordinator link lost", "error", err)
		c.emit(NodeEvent{Kind: NetworkDown, Err: err})
	}
}

func (c *EZSPCoordinator) handleCallback(frameID uint16, params []byte) {
	switch frameID {
	case ezspTrustCenterJoinHandler:
		j, err := parseTrustCenterJoin(params)
		if err != nil {
			c.logger.Warn("bad trust center join callback", "error", err)
			return
		}
		c.mu.Lock()
		if j.Status == emberDeviceLeft {
			delete(c.nodes, j.EUI64)
		} else {
			c.nodes[j.EUI64] = j.NodeID
		}
		c.mu.Unlock()

		kind := NodeJoined
		if j.Status == emberDeviceLeft {
			kind = NodeLeft
		}
		c.logger.Info("zigbee trust center event", "ieee", FormatIEEE(j.EUI64), "node_id", j.NodeID, "status", j.Status)
		c.emit(NodeEvent{Kind: kind, EUI64: j.EUI64, NodeID: j.NodeID})

	case ezspIncomingMessageHandler:
		msg, err := parseIncomingMessage(params)
		if err != nil {
			c.logger.Warn("bad incoming message callback", "error", err)
			return
		}
		c.handleIncoming(msg)

	case ezspStackStatusHandler:
		if len(params) < 1 {
			return
		}
		switch params[0] {
		case emberNetworkUp:
			c.logger.Info("zigbee network up")
			c.emit(NodeEvent{Kind: NetworkUp})
		case emberNetworkDown:
			c.logger.Warn("zigbee network down")
			c.emit(NodeEvent{Kind: NetworkDown, Err: fmt.Errorf("%w: network down", ErrNCPStatus)})
		}
	}
}

func (c *EZSPCoordinator) handleIncoming(msg incomingMessage) {
	if msg.Profile == profileZDO {
		if msg.Cluster == zdoDeviceAnnounce {
			ann, err := parseDeviceAnnounce(msg.Message)
			if err != nil {
				return
			}
			c.mu.Lock()
			c.nodes[ann.EUI64] = ann.NodeID
			c.mu.Unlock()
			c.emit(NodeEvent{Kind: NodeJoined, EUI64: ann.EUI64, NodeID: ann.NodeID})
			return
		}
		if len(msg.Message) > 0 {
			c.deliver(requestKey{profile: profileZDO, node: msg.Sender, cluster: msg.Cluster, seq: msg.Message[0]}, msg.Message)
		}
		return
	}

	f, err := DecodeFrame(msg.Message)
	if err != nil {
		c.logger.Debug("undecodable zcl frame", "sender", msg.Sender, "error", err)
		return
	}
	if c.deliver(requestKey{profile: msg.Profile, node: msg.Sender, cluster: msg.Cluster, seq: f.Seq}, msg.Message) {
		return
	}

	c.emit(NodeEvent{
		Kind:     NodeMessage,
		EUI64:    c.euiOf(msg.Sender),
		NodeID:   msg.Sender,
		Endpoint: msg.SrcEndpoint,
		Cluster:  msg.Cluster,
		Frame:    f,
	})
}

func (c *EZSPCoordinator) deliver(key requestKey, raw []byte) bool {
	c.mu.Lock()
	ch, ok := c.waiting[key]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- raw:
	default:
	}
	return true
}

func (c *EZSPCoordinator) euiOf(nodeID uint16) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for eui, id := range c.nodes {
		if id == nodeID {
			return eui
		}
	}
	return 0
}

func (c *EZSPCoordinator) emit(ev NodeEvent) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("zigbee event dropped, channel full", "kind", int(ev.Kind))
	}
}
