package zigbee

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// ZDO clusters
const (
	zdoSimpleDescReq  uint16 = 0x0004
	zdoActiveEPReq    uint16 = 0x0005
	zdoDeviceAnnounce uint16 = 0x0013
	zdoMgmtLeaveReq   uint16 = 0x0034
	zdoResponseFlag   uint16 = 0x8000
	zdoSimpleDescResp uint16 = zdoSimpleDescReq | zdoResponseFlag
	zdoActiveEPResp   uint16 = zdoActiveEPReq | zdoResponseFlag
	zdoMgmtLeaveResp  uint16 = zdoMgmtLeaveReq | zdoResponseFlag
)

func activeEndpointsRequest(seq uint8, nwk uint16) []byte {
	return []byte{seq, byte(nwk), byte(nwk >> 8)}
}

func simpleDescriptorRequest(seq uint8, nwk uint16, endpoint uint8) []byte {
	return []byte{seq, byte(nwk), byte(nwk >> 8), endpoint}
}

func leaveRequest(seq uint8, eui uint64) []byte {
	b := make([]byte, 10)
	b[0] = seq
	binary.LittleEndian.PutUint64(b[1:9], eui)
	b[9] = 0x00 // no rejoin, keep children
	return b
}

// parseActiveEndpoints decodes seq status nwk(2) count endpoints...
func parseActiveEndpoints(b []byte) ([]uint8, error) {
	if len(b) < 5 {
		return nil, fmt.Errorf("%w: active endpoints response of %d bytes", ErrMalformedFrame, len(b))
	}
	if b[1] != statusSuccess {
		return nil, fmt.Errorf("%w: active endpoints status 0x%02x", ErrAttributeStatus, b[1])
	}
	n := int(b[4])
	if len(b) < 5+n {
		return nil, fmt.Errorf("%w: active endpoints truncated", ErrMalformedFrame)
	}
	return append([]uint8(nil), b[5:5+n]...), nil
}

// SimpleDescriptor lists the server clusters of one endpoint.
type SimpleDescriptor struct {
	Endpoint      uint8
	Profile       uint16
	InputClusters []uint16
}

// parseSimpleDescriptor decodes seq status nwk(2) len endpoint profile(2)
// device(2) version inCount in(2)... outCount out(2)...
func parseSimpleDescriptor(b []byte) (SimpleDescriptor, error) {
	if len(b) < 2 {
		return SimpleDescriptor{}, fmt.Errorf("%w: simple descriptor response of %d bytes", ErrMalformedFrame, len(b))
	}
	if b[1] != statusSuccess {
		return SimpleDescriptor{}, fmt.Errorf("%w: simple descriptor status 0x%02x", ErrAttributeStatus, b[1])
	}
	if len(b) < 12 {
		return SimpleDescriptor{}, fmt.Errorf("%w: simple descriptor truncated", ErrMalformedFrame)
	}
	d := SimpleDescriptor{
		Endpoint: b[5],
		Profile:  binary.LittleEndian.Uint16(b[6:8]),
	}
	n := int(b[11])
	if len(b) < 12+2*n {
		return SimpleDescriptor{}, fmt.Errorf("%w: simple descriptor cluster list truncated", ErrMalformedFrame)
	}
	for i := range n {
		d.InputClusters = append(d.InputClusters, binary.LittleEndian.Uint16(b[12+2*i:]))
	}
	return d, nil
}

// deviceAnnounce is a decoded Device_annce.
type deviceAnnounce struct {
	NodeID uint16
	EUI64  uint64
}

func parseDeviceAnnounce(b []byte) (deviceAnnounce, error) {
	if len(b) < 11 {
		return deviceAnnounce{}, fmt.Errorf("%w: device announce of %d bytes", ErrMalformedFrame, len(b))
	}
	return deviceAnnounce{
		NodeID: binary.LittleEndian.Uint16(b[1:3]),
		EUI64:  binary.LittleEndian.Uint64(b[3:11]),
	}, nil
}

// FormatIEEE renders an EUI64 as a device ID.
func FormatIEEE(eui uint64) string {
	return fmt.Sprintf("0x%016x", eui)
}

// ParseIEEE parses a device ID produced by FormatIEEE. The 0x prefix is optional.
func ParseIEEE(id string) (uint64, error) {
	s := id
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if len(s) != 16 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, id)
	}
	eui, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, id)
	}
	return eui, nil
}
