package zigbee

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// Profiles
const (
	profileZDO uint16 = 0x0000
	profileHA  uint16 = 0x0104
)

// Clusters
const (
	clusterBasic       uint16 = 0x0000
	clusterOnOff       uint16 = 0x0006
	clusterLevel       uint16 = 0x0008
	clusterColor       uint16 = 0x0300
	clusterPowerConfig uint16 = 0x0001
)

// Basic cluster attributes
const (
	attrZCLVersion       uint16 = 0x0000
	attrManufacturerName uint16 = 0x0004
	attrModelIdentifier  uint16 = 0x0005
	attrPowerSource      uint16 = 0x0007
)

// Cluster-specific commands
const (
	cmdOff                    uint8 = 0x00
	cmdOn                     uint8 = 0x01
	cmdMoveToLevelWithOnOff   uint8 = 0x04
	cmdMoveToColorTemperature uint8 = 0x0A
)

// Global commands
const (
	globalReadAttributes             uint8 = 0x00
	globalReadAttributesResponse     uint8 = 0x01
	globalWriteAttributes            uint8 = 0x02
	globalWriteAttributesResponse    uint8 = 0x04
	globalConfigureReporting         uint8 = 0x06
	globalConfigureReportingResponse uint8 = 0x07
	globalReportAttributes           uint8 = 0x0A
	globalDefaultResponse            uint8 = 0x0B
)

// Frame control bits
const (
	frameTypeGlobal           uint8 = 0x00
	frameTypeClusterSpecific  uint8 = 0x01
	frameManufacturerSpecific uint8 = 0x04
	frameServerToClient       uint8 = 0x08
)

// Data types
const (
	typeBool        uint8 = 0x10
	typeBitmap8     uint8 = 0x18
	typeUint8       uint8 = 0x20
	typeUint16      uint8 = 0x21
	typeUint24      uint8 = 0x22
	typeUint32      uint8 = 0x23
	typeInt8        uint8 = 0x28
	typeInt16       uint8 = 0x29
	typeInt32       uint8 = 0x2B
	typeEnum8       uint8 = 0x30
	typeEnum16      uint8 = 0x31
	typeOctetString uint8 = 0x41
	typeCharString  uint8 = 0x42
)

// statusSuccess is the ZCL and ZDO success status.
const statusSuccess uint8 = 0x00

// Frame is one ZCL frame.
type Frame struct {
	Control uint8
	Seq     uint8
	Command uint8
	Payload []byte
}

// Global reports whether the frame is a profile-wide command.
func (f Frame) Global() bool {
	return f.Control&0x03 == frameTypeGlobal
}

var zclSeq atomic.Uint32

func nextSeq() uint8 {
	return uint8(zclSeq.Add(1))
}

// Encode serialises the frame. Manufacturer-specific frames are not built
// by this package.
func (f Frame) Encode() []byte {
	out := make([]byte, 0, 3+len(f.Payload))
	out = append(out, f.Control, f.Seq, f.Command)
	return append(out, f.Payload...)
}

// DecodeFrame parses a ZCL frame, skipping the manufacturer code when present.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < 3 {
		return Frame{}, fmt.Errorf("%w: zcl frame of %d bytes", ErrMalformedFrame, len(b))
	}
	control := b[0]
	i := 1
	if control&frameManufacturerSpecific != 0 {
		if len(b) < 5 {
			return Frame{}, fmt.Errorf("%w: truncated manufacturer header", ErrMalformedFrame)
		}
		i += 2
	}
	return Frame{Control: control, Seq: b[i], Command: b[i+1], Payload: b[i+2:]}, nil
}

func globalFrame(cmd uint8, payload []byte) Frame {
	return Frame{Control: frameTypeGlobal, Seq: nextSeq(), Command: cmd, Payload: payload}
}

func clusterFrame(cmd uint8, payload []byte) Frame {
	return Frame{Control: frameTypeClusterSpecific, Seq: nextSeq(), Command: cmd, Payload: payload}
}

// readAttributesFrame builds a Read Attributes command.
func readAttributesFrame(attrs ...uint16) Frame {
	payload := make([]byte, 2*len(attrs))
	for i, id := range attrs {
		binary.LittleEndian.PutUint16(payload[2*i:], id)
	}
	return globalFrame(globalReadAttributes, payload)
}

// writeAttributeFrame builds a Write Attributes command for one attribute.
func writeAttributeFrame(attr uint16, dataType uint8, value []byte) Frame {
	payload := make([]byte, 3, 3+len(value))
	binary.LittleEndian.PutUint16(payload, attr)
	payload[2] = dataType
	return globalFrame(globalWriteAttributes, append(payload, value...))
}

// configureReportingFrame builds a Configure Reporting command for one
// attribute. Analog types need a reportable change; a change of one unit
// is used.
func configureReportingFrame(attr uint16, dataType uint8, minInterval, maxInterval uint16) Frame {
	payload := make([]byte, 8, 12)
	payload[0] = 0x00 // direction: reported
	binary.LittleEndian.PutUint16(payload[1:], attr)
	payload[3] = dataType
	binary.LittleEndian.PutUint16(payload[4:], minInterval)
	binary.LittleEndian.PutUint16(payload[6:], maxInterval)
	if analog(dataType) {
		change := make([]byte, valueLength(dataType, nil))
		if len(change) > 0 {
			change[0] = 1
		}
		payload = append(payload, change...)
	}
	return globalFrame(globalConfigureReporting, payload)
}

// Attribute is one decoded attribute record.
type Attribute struct {
	ID       uint16
	Status   uint8
	DataType uint8
	Value    []byte
}

// parseReadAttributesResponse parses read attribute status records.
// Failed records carry only their status.
func parseReadAttributesResponse(b []byte) ([]Attribute, error) {
	var out []Attribute
	for i := 0; i < len(b); {
		if i+3 > len(b) {
			return out, fmt.Errorf("%w: truncated read attribute record", ErrMalformedFrame)
		}
		a := Attribute{ID: binary.LittleEndian.Uint16(b[i:]), Status: b[i+2]}
		i += 3
		if a.Status != statusSuccess {
			out = append(out, a)
			continue
		}
		n, err := typedValue(b[i:], &a)
		if err != nil {
			return out, err
		}
		i += n
		out = append(out, a)
	}
	return out, nil
}

// parseReportAttributes parses attribute report records.
func parseReportAttributes(b []byte) ([]Attribute, error) {
	var out []Attribute
	for i := 0; i < len(b); {
		if i+2 > len(b) {
			return out, fmt.Errorf("%w: truncated report record", ErrMalformedFrame)
		}
		a := Attribute{ID: binary.LittleEndian.Uint16(b[i:])}
		i += 2
		n, err := typedValue(b[i:], &a)
		if err != nil {
			return out, err
		}
		i += n
		out = append(out, a)
	}
	return out, nil
}

// typedValue reads type(1) | value into a and returns the bytes consumed.
func typedValue(b []byte, a *Attribute) (int, error) {
	if len(b) < 1 {
		return 0, fmt.Errorf("%w: missing data type for 0x%04x", ErrMalformedFrame, a.ID)
	}
	a.DataType = b[0]
	n := valueLength(a.DataType, b[1:])
	if n < 0 {
		return 0, fmt.Errorf("%w: unsupported data type 0x%02x for 0x%04x", ErrMalformedFrame, a.DataType, a.ID)
	}
	if 1+n > len(b) {
		return 0, fmt.Errorf("%w: truncated value for 0x%04x", ErrMalformedFrame, a.ID)
	}
	a.Value = append([]byte(nil), b[1:1+n]...)
	return 1 + n, nil
}

// parseStatusRecords returns the first failing status of a write or
// configure reporting response. A single success byte means all succeeded.
func parseStatusRecords(b []byte) uint8 {
	if len(b) == 0 {
		return statusSuccess
	}
	return b[0]
}

// parseDefaultResponse returns the command and status of a Default Response.
func parseDefaultResponse(b []byte) (cmd, status uint8, err error) {
	if len(b) < 2 {
		return 0, 0, fmt.Errorf("%w: default response of %d bytes", ErrMalformedFrame, len(b))
	}
	return b[0], b[1], nil
}

// valueLength returns the encoded length of a value of the given type,
// or -1 when the type is unsupported. String types read their length
// prefix from data.
func valueLength(dataType uint8, data []byte) int {
	switch dataType {
	case typeBool, typeBitmap8, typeUint8, typeInt8, typeEnum8:
		return 1
	case typeUint16, typeInt16, typeEnum16:
		return 2
	case typeUint24:
		return 3
	case typeUint32, typeInt32:
		return 4
	case typeOctetString, typeCharString:
		if len(data) < 1 {
			return -1
		}
		return 1 + int(data[0])
	default:
		return -1
	}
}

func analog(dataType uint8) bool {
	switch dataType {
	case typeUint8, typeUint16, typeUint24, typeUint32, typeInt8, typeInt16, typeInt32:
		return true
	default:
		return false
	}
}

// stripLength drops the length prefix of string values.
func stripLength(dataType uint8, value []byte) []byte {
	if (dataType == typeCharString || dataType == typeOctetString) && len(value) > 0 {
		return value[1:]
	}
	return value
}
