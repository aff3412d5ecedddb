package bridge

import (
	"time"

	"github.com/nerrad567/gray-logic-bridges/internal/converter"
)

// Reply statuses.
const (
	replyOK    = "ok"
	replyError = "error"
)

// Inbound command payloads. Every command may carry a callID, which is
// echoed on the resulting events.

// ScanCommand is the payload of {bridge}/devices/scan.
type ScanCommand struct {
	// Duration is the scan window in scan time units.
	Duration float64 `json:"duration"`

	// RegisteredReconnect connects registered devices as they are sighted.
	RegisteredReconnect bool   `json:"registeredReconnect,omitempty"`
	CallID              string `json:"callID,omitempty"`
}

// ConnectCommand is the payload of {bridge}/devices/connect.
type ConnectCommand struct {
	DeviceID          string            `json:"deviceID,omitempty"`
	ProductName       string            `json:"productName,omitempty"`
	Name              string            `json:"name,omitempty"`
	Meta              map[string]string `json:"meta,omitempty"`
	AddDeviceToServer bool              `json:"addDeviceToServer,omitempty"`
	CallID            string            `json:"callID,omitempty"`
}

// DevicesCommand is the payload of refresh and reconnect.
type DevicesCommand struct {
	Devices []DeviceRecord `json:"devices"`
	CallID  string         `json:"callID,omitempty"`
}

// DeviceCommand is the payload of remove and disconnect.
type DeviceCommand struct {
	DeviceID string `json:"deviceID"`
	CallID   string `json:"callID,omitempty"`
}

// CreateCommand is the server's acknowledgement of a created device.
type CreateCommand struct {
	DeviceRecord
	CallID string `json:"callID,omitempty"`
}

// ValuesSetCommand writes one or more properties.
type ValuesSetCommand struct {
	DeviceID string         `json:"deviceID"`
	Values   map[string]any `json:"values"`
	CallID   string         `json:"callID,omitempty"`
}

// ValuesGetCommand reads properties. An empty Values reads every readable
// property.
type ValuesGetCommand struct {
	DeviceID string   `json:"deviceID"`
	Values   []string `json:"values,omitempty"`
	CallID   string   `json:"callID,omitempty"`
}

// UpdateCommand changes device metadata. Recognised keys are name,
// productName, vendorName and meta.
type UpdateCommand struct {
	DeviceID string         `json:"deviceID"`
	Updates  map[string]any `json:"updates"`
	CallID   string         `json:"callID,omitempty"`
}

// CallCommand is a payload that carries nothing but a callID (list,
// scan/cancel).
type CallCommand struct {
	CallID string `json:"callID,omitempty"`
}

// Outbound event payloads.

// DeviceEvent reports a per-device outcome (connect, disconnect, remove,
// update) or a command error.
type DeviceEvent struct {
	Bridge   string         `json:"bridge"`
	DeviceID string         `json:"deviceID,omitempty"`
	Command  string         `json:"command,omitempty"`
	Status   string         `json:"status"`
	Error    string         `json:"error,omitempty"`
	Updates  map[string]any `json:"updates,omitempty"`
	CallID   string         `json:"callID,omitempty"`
}

// DiscoverEvent reports one device found by a scan.
type DiscoverEvent struct {
	Bridge      string            `json:"bridge"`
	DeviceID    string            `json:"deviceID"`
	ProductName string            `json:"productName,omitempty"`
	VendorName  string            `json:"vendorName,omitempty"`
	Connectable bool              `json:"connectable"`
	RSSI        int               `json:"rssi,omitempty"`
	Supported   bool              `json:"supported"`
	Registered  bool              `json:"registered"`
	Meta        map[string]string `json:"meta,omitempty"`
	CallID      string            `json:"callID,omitempty"`
}

// ScanStatusEvent brackets a scan.
type ScanStatusEvent struct {
	Bridge    string `json:"bridge"`
	Scanning  bool   `json:"scanning"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Error     string `json:"error,omitempty"`
	CallID    string `json:"callID,omitempty"`
}

// CreateEvent proposes a newly connected device to the server.
type CreateEvent struct {
	DeviceDTO
	CallID string `json:"callID,omitempty"`
}

// ValueDTO is one property value on the bus.
type ValueDTO struct {
	Value          any      `json:"value"`
	ValueAsNumeric *float64 `json:"valueAsNumeric,omitempty"`
}

func valueDTO(r converter.Reading) ValueDTO {
	return ValueDTO{Value: r.Value, ValueAsNumeric: r.Numeric}
}

// ValuesEvent carries the properties that were read, written or notified.
// Failed properties are absent.
type ValuesEvent struct {
	Bridge   string              `json:"bridge"`
	DeviceID string              `json:"deviceID"`
	Status   string              `json:"status"`
	Values   map[string]ValueDTO `json:"values"`
	CallID   string              `json:"callID,omitempty"`
}

// ListEvent answers a list command. Phases maps every registered device to
// where it is in the connect lifecycle.
type ListEvent struct {
	Bridge     string           `json:"bridge"`
	Status     Status           `json:"status"`
	Devices    []DeviceDTO      `json:"devices"`
	Registered []string         `json:"registered"`
	Phases     map[string]Phase `json:"phases,omitempty"`
	CallID     string           `json:"callID,omitempty"`
}

// StatusEvent is the retained bridge status message.
type StatusEvent struct {
	Bridge            string    `json:"bridge"`
	Status            Status    `json:"status"`
	DevicesConnected  int       `json:"devicesConnected"`
	DevicesRegistered int       `json:"devicesRegistered"`
	Timestamp         time.Time `json:"timestamp"`
}
