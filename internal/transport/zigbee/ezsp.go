package zigbee

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nerrad567/gray-logic-bridges/internal/bridge"
)

// EZSP frame IDs
const (
	ezspVersion               uint16 = 0x0000
	ezspNetworkInit           uint16 = 0x0017
	ezspFormNetwork           uint16 = 0x001E
	ezspPermitJoining         uint16 = 0x0022
	ezspSendUnicast           uint16 = 0x0034
	ezspSetConfigurationValue uint16 = 0x0053
	ezspLookupNodeIDByEUI64   uint16 = 0x0060

	// Callbacks
	ezspStackStatusHandler     uint16 = 0x0019
	ezspTrustCenterJoinHandler uint16 = 0x0024
	ezspMessageSentHandler     uint16 = 0x003F
	ezspIncomingMessageHandler uint16 = 0x0045

	// EZSP config IDs
	ezspConfigAddressTableSize     uint8 = 0x05
	ezspConfigStackProfile         uint8 = 0x0C
	ezspConfigSecurityLevel        uint8 = 0x0D
	ezspConfigMaxHops              uint8 = 0x10
	ezspConfigSourceRouteTableSize uint8 = 0x1A
	ezspConfigMaxEndDeviceChildren uint8 = 0x03

	ezspProtocolVersion = 13

	// EmberStatus values
	emberSuccess     = 0x00
	emberNetworkUp   = 0x90
	emberNetworkDown = 0x91

	// EmberDeviceUpdate values in trust center join callbacks
	emberDeviceLeft = 0x02

	emberNullNodeID uint16 = 0xFFFF

	emberApsOptionRetry                = 0x0040
	emberApsOptionEnableRouteDiscovery = 0x0100
)

// ezspLayer sends EZSP commands over ASH and dispatches callbacks.
// Commands are serialised; the NCP answers them in order.
type ezspLayer struct {
	ash    *ashLink
	logger bridge.Logger

	cmdMu    sync.Mutex
	seq      uint8
	extended bool

	respMu  sync.Mutex
	waiting map[uint16]chan []byte

	callback func(frameID uint16, params []byte)
}

func newEZSPLayer(ash *ashLink, logger bridge.Logger, callback func(uint16, []byte)) *ezspLayer {
	return &ezspLayer{
		ash:      ash,
		logger:   logger,
		waiting:  make(map[uint16]chan []byte),
		callback: callback,
	}
}

// Start begins dispatching frames from ASH.
func (e *ezspLayer) Start() {
	go e.readLoop()
}

// Command sends an EZSP command and waits for its response parameters.
func (e *ezspLayer) Command(ctx context.Context, frameID uint16, params []byte) ([]byte, error) {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()

	seq := e.seq
	e.seq++

	ch := make(chan []byte, 1)
	e.respMu.Lock()
	e.waiting[frameID] = ch
	e.respMu.Unlock()
	defer func() {
		e.respMu.Lock()
		delete(e.waiting, frameID)
		e.respMu.Unlock()
	}()

	var frame []byte
	if e.extended {
		// seq(1) frameControl(2) frameID(2)
		frame = make([]byte, 0, 5+len(params))
		frame = append(frame, seq, 0x01, 0x00, byte(frameID), byte(frameID>>8))
	} else {
		// seq(1) frameControl(1) frameID(1)
		frame = make([]byte, 0, 3+len(params))
		frame = append(frame, seq, 0x00, byte(frameID))
	}
	frame = append(frame, params...)

	if err := e.ash.Send(frame); err != nil {
		return nil, fmt.Errorf("send EZSP command 0x%04X: %w", frameID, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-e.ash.Done():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for EZSP response 0x%04X: %w", frameID, ctx.Err())
	}
}

// status sends a command whose response starts with an EmberStatus.
func (e *ezspLayer) status(ctx context.Context, frameID uint16, params []byte) error {
	resp, err := e.Command(ctx, frameID, params)
	if err != nil {
		return err
	}
	if len(resp) < 1 {
		return fmt.Errorf("%w: empty response to 0x%04X", ErrMalformedFrame, frameID)
	}
	if resp[0] != emberSuccess {
		return fmt.Errorf("%w: 0x%02X for command 0x%04X", ErrNCPStatus, resp[0], frameID)
	}
	return nil
}

func (e *ezspLayer) readLoop() {
	for {
		select {
		case data := <-e.ash.Recv():
			e.dispatch(data)
		case <-e.ash.Done():
			return
		}
	}
}

func (e *ezspLayer) dispatch(data []byte) {
	frameID, params, err := e.parse(data)
	if err != nil {
		e.logger.Debug("EZSP frame ignored", "error", err)
		return
	}

	if isCallback(frameID) {
		if e.callback != nil {
			e.callback(frameID, params)
		}
		return
	}

	e.respMu.Lock()
	ch, ok := e.waiting[frameID]
	e.respMu.Unlock()
	if ok {
		select {
		case ch <- params:
		default:
		}
	}
}

func (e *ezspLayer) parse(data []byte) (uint16, []byte, error) {
	e.respMu.Lock()
	extended := e.extended
	e.respMu.Unlock()

	if extended {
		if len(data) < 5 {
			return 0, nil, fmt.Errorf("%w: extended EZSP frame of %d bytes", ErrMalformedFrame, len(data))
		}
		return binary.LittleEndian.Uint16(data[3:5]), data[5:], nil
	}
	if len(data) < 3 {
		return 0, nil, fmt.Errorf("%w: legacy EZSP frame of %d bytes", ErrMalformedFrame, len(data))
	}
	return uint16(data[2]), data[3:], nil
}

func (e *ezspLayer) setExtended() {
	e.respMu.Lock()
	e.extended = true
	e.respMu.Unlock()
}

func isCallback(frameID uint16) bool {
	switch frameID {
	case ezspStackStatusHandler, ezspTrustCenterJoinHandler, ezspMessageSentHandler, ezspIncomingMessageHandler:
		return true
	default:
		return false
	}
}

// NegotiateVersion asks for ezspProtocolVersion. An NCP that speaks another
// version answers with a single byte naming it, and the request is repeated
// with that version.
func (e *ezspLayer) NegotiateVersion(ctx context.Context) (uint8, error) {
	resp, err := e.Command(ctx, ezspVersion, []byte{ezspProtocolVersion})
	if err != nil {
		return 0, fmt.Errorf("version negotiation: %w", err)
	}

	if len(resp) == 1 {
		ncp := resp[0]
		e.logger.Info("EZSP version mismatch, retrying with NCP version", "requested", ezspProtocolVersion, "ncp", ncp)
		if ncp >= 8 {
			e.setExtended()
		}
		if resp, err = e.Command(ctx, ezspVersion, []byte{ncp}); err != nil {
			return 0, fmt.Errorf("version negotiation retry: %w", err)
		}
	}

	if len(resp) < 4 {
		return 0, fmt.Errorf("%w: version response of %d bytes", ErrMalformedFrame, len(resp))
	}
	protocol := resp[0]
	if protocol >= 8 {
		e.setExtended()
	}
	e.logger.Info("EZSP version negotiated", "protocol", protocol, "stack_type", resp[1], "stack_version", binary.LittleEndian.Uint16(resp[2:4]))
	return protocol, nil
}

// ConfigureStack sets the coordinator stack configuration. Rejected values
// are logged and skipped.
func (e *ezspLayer) ConfigureStack(ctx context.Context) {
	configs := []struct {
		id    uint8
		value uint16
	}{
		{ezspConfigStackProfile, 2},
		{ezspConfigSecurityLevel, 5},
		{ezspConfigMaxEndDeviceChildren, 32},
		{ezspConfigAddressTableSize, 16},
		{ezspConfigSourceRouteTableSize, 16},
		{ezspConfigMaxHops, 30},
	}
	for _, c := range configs {
		if err := e.status(ctx, ezspSetConfigurationValue, []byte{c.id, byte(c.value), byte(c.value >> 8)}); err != nil {
			e.logger.Warn("EZSP config value rejected", "config_id", c.id, "error", err)
		}
	}
}

// NetworkInit resumes a stored network and returns the EmberStatus.
func (e *ezspLayer) NetworkInit(ctx context.Context) (uint8, error) {
	resp, err := e.Command(ctx, ezspNetworkInit, []byte{0x00, 0x00})
	if err != nil {
		return 0, err
	}
	if len(resp) < 1 {
		return 0, fmt.Errorf("%w: empty networkInit response", ErrMalformedFrame)
	}
	return resp[0], nil
}

// FormNetwork creates a new network.
func (e *ezspLayer) FormNetwork(ctx context.Context, channel uint8, panID uint16, extPanID [8]byte) error {
	params := make([]byte, 0, 20)
	params = append(params, extPanID[:]...)
	params = append(params, byte(panID), byte(panID>>8))
	params = append(params, 3)          // radioTxPower
	params = append(params, channel)    // radioChannel
	params = append(params, 0x00)       // joinMethod: MAC association
	params = append(params, 0xFF, 0xFF) // nwkManagerId
	params = append(params, 0x00)       // nwkUpdateId
	params = append(params, 0x00, 0x00, 0x00, 0x00)
	return e.status(ctx, ezspFormNetwork, params)
}

// PermitJoining opens the network for the given number of seconds; 0 closes it.
func (e *ezspLayer) PermitJoining(ctx context.Context, seconds uint8) error {
	return e.status(ctx, ezspPermitJoining, []byte{seconds})
}

// LookupNodeID asks the NCP's address table for the node ID of an EUI64.
func (e *ezspLayer) LookupNodeID(ctx context.Context, eui uint64) (uint16, error) {
	params := make([]byte, 8)
	binary.LittleEndian.PutUint64(params, eui)
	resp, err := e.Command(ctx, ezspLookupNodeIDByEUI64, params)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, fmt.Errorf("%w: lookupNodeIdByEui64 response of %d bytes", ErrMalformedFrame, len(resp))
	}
	id := binary.LittleEndian.Uint16(resp)
	if id == emberNullNodeID {
		return 0, ErrUnknownNode
	}
	return id, nil
}

// SendUnicast sends an APS message to a node.
func (e *ezspLayer) SendUnicast(ctx context.Context, nodeID, profile, cluster uint16, srcEndpoint, dstEndpoint uint8, payload []byte) error {
	params := make([]byte, 0, 16+len(payload))
	params = append(params, 0x00) // EMBER_OUTGOING_DIRECT
	params = append(params, byte(nodeID), byte(nodeID>>8))
	params = appendAPSFrame(params, profile, cluster, srcEndpoint, dstEndpoint)
	params = append(params, 0x01) // messageTag
	params = append(params, byte(len(payload)))
	params = append(params, payload...)
	return e.status(ctx, ezspSendUnicast, params)
}

func appendAPSFrame(b []byte, profile, cluster uint16, src, dst uint8) []byte {
	options := uint16(emberApsOptionRetry | emberApsOptionEnableRouteDiscovery)
	b = append(b, byte(profile), byte(profile>>8))
	b = append(b, byte(cluster), byte(cluster>>8))
	b = append(b, src, dst)
	b = append(b, byte(options), byte(options>>8))
	b = append(b, 0x00, 0x00) // groupId
	return append(b, 0x00)    // sequence, filled by the stack
}

// incomingMessage is a decoded incomingMessageHandler callback.
type incomingMessage struct {
	Profile     uint16
	Cluster     uint16
	SrcEndpoint uint8
	DstEndpoint uint8
	RSSI        int8
	Sender      uint16
	Message     []byte
}

// parseIncomingMessage decodes
// type(1) apsFrame(11) lqi(1) rssi(1) sender(2) binding(1) address(1) len(1) message.
func parseIncomingMessage(p []byte) (incomingMessage, error) {
	const header = 19
	if len(p) < header {
		return incomingMessage{}, fmt.Errorf("%w: incoming message of %d bytes", ErrMalformedFrame, len(p))
	}
	n := int(p[18])
	if len(p) < header+n {
		return incomingMessage{}, fmt.Errorf("%w: incoming message truncated", ErrMalformedFrame)
	}
	return incomingMessage{
		Profile:     binary.LittleEndian.Uint16(p[1:3]),
		Cluster:     binary.LittleEndian.Uint16(p[3:5]),
		SrcEndpoint: p[5],
		DstEndpoint: p[6],
		RSSI:        int8(p[13]),
		Sender:      binary.LittleEndian.Uint16(p[14:16]),
		Message:     append([]byte(nil), p[header:header+n]...),
	}, nil
}

// trustCenterJoin is a decoded trustCenterJoinHandler callback.
type trustCenterJoin struct {
	NodeID uint16
	EUI64  uint64
	Status uint8
}

// parseTrustCenterJoin decodes nodeId(2) eui64(8) status(1) ...
func parseTrustCenterJoin(p []byte) (trustCenterJoin, error) {
	if len(p) < 11 {
		return trustCenterJoin{}, fmt.Errorf("%w: trust center join of %d bytes", ErrMalformedFrame, len(p))
	}
	return trustCenterJoin{
		NodeID: binary.LittleEndian.Uint16(p[0:2]),
		EUI64:  binary.LittleEndian.Uint64(p[2:10]),
		Status: p[10],
	}, nil
}
