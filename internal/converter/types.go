package converter

import (
	"fmt"
	"strings"
)

// ValueType determines how a property's wire bytes are interpreted and how
// outbound values are encoded.
type ValueType string

// Property value types.
const (
	ValueString        ValueType = "String"
	ValueInteger       ValueType = "Integer"
	ValueNumeric       ValueType = "Numeric"
	ValueOptions       ValueType = "Options"
	ValueSubproperties ValueType = "Subproperties"
)

// PowerType describes how a device is powered. Mains-powered devices may be
// probed for liveness; battery devices sleep and are never probed.
type PowerType string

// Power types. PowerUnknown is the sentinel for unsupported products.
const (
	PowerMains   PowerType = "mains"
	PowerBattery PowerType = "battery"
	PowerUnknown PowerType = "unknown"
)

// Property is one controllable or observable attribute of a device model.
// It carries no wire addressing; that stays inside the converter.
type Property struct {
	// Name is the stable domain identifier (e.g. "brightness").
	Name string

	ValueType ValueType

	// AnyValue is a placeholder scalar, or for Options the legal values,
	// or for Subproperties the names of the sub-fields.
	AnyValue any

	Read   bool
	Write  bool
	Notify bool

	// Translation is an optional human-readable label.
	Translation string
}

// Address is a transport-native locator for one attribute.
// Each transport uses a subset of the fields:
//   - bluetooth: UUID (GATT characteristic)
//   - zigbee: Endpoint, Cluster, Attribute, DataType
//   - lora: Offset, Length (span inside an uplink payload)
//   - http: Tag (key inside a webhook payload)
type Address struct {
	UUID      string
	Endpoint  uint8
	Cluster   uint16
	Attribute uint16
	DataType  uint8
	Offset    int
	Length    int
	Tag       string
}

// bluetoothBaseSuffix is the Bluetooth SIG base UUID tail.
const bluetoothBaseSuffix = "-0000-1000-8000-00805f9b34fb"

// NormalizeUUID lower-cases a UUID and shortens SIG base UUIDs to their
// 16-bit form, so "00002A6E-0000-1000-8000-00805F9B34FB" and "2a6e" compare equal.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	if len(u) == 36 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, bluetoothBaseSuffix) {
		return u[4:8]
	}
	return u
}

// Key returns the canonical string form of the address.
func (a Address) Key() string {
	switch {
	case a.UUID != "":
		return "uuid:" + NormalizeUUID(a.UUID)
	case a.Endpoint != 0:
		return fmt.Sprintf("zcl:%d/0x%04x/0x%04x", a.Endpoint, a.Cluster, a.Attribute)
	case a.Tag != "":
		return "tag:" + a.Tag
	default:
		return fmt.Sprintf("span:%d+%d", a.Offset, a.Length)
	}
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return a.Key()
}

// Matches reports whether an endpoint reported by a transport during
// connection negotiation serves this address. Endpoints carry only what the
// transport can observe: a characteristic UUID, an endpoint and cluster pair,
// a tag, or a payload span.
func (a Address) Matches(ep Address) bool {
	switch {
	case ep.UUID != "":
		return a.UUID != "" && NormalizeUUID(a.UUID) == NormalizeUUID(ep.UUID)
	case ep.Endpoint != 0:
		return a.Endpoint == ep.Endpoint && a.Cluster == ep.Cluster
	case ep.Tag != "":
		return a.Tag == ep.Tag
	default:
		return ep.Length > 0 && a.Length > 0 &&
			a.Offset >= ep.Offset && a.Offset+a.Length <= ep.Offset+ep.Length
	}
}

// Span extracts the bytes an Offset/Length address covers in a positional
// payload. Addresses without a length cover the whole payload.
func (a Address) Span(payload []byte) ([]byte, error) {
	if a.Length == 0 {
		return payload, nil
	}
	end := a.Offset + a.Length
	if a.Offset < 0 || len(payload) < end {
		return nil, fmt.Errorf("%w: %s needs %d bytes, payload has %d", ErrDecodingFailed, a, end, len(payload))
	}
	return payload[a.Offset:end], nil
}

// Reading is the result of decoding one wire value.
type Reading struct {
	// Value is the domain value: string, int64, float64, string option, or
	// map[string]bool for subproperties.
	Value any

	// Numeric is the numeric form of Value, when one exists.
	Numeric *float64
}

func numeric(f float64) *float64 {
	return &f
}
