package bridge

import (
	"encoding/json"
	"maps"

	"github.com/nerrad567/gray-logic-bridges/internal/converter"
)

// Status is the bridge's own connectivity state.
type Status string

// Bridge statuses.
const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// DeviceRecord is a device as the server knows it: identity and metadata,
// never capabilities. It is what refresh, create and reconnect carry.
type DeviceRecord struct {
	DeviceID    string            `json:"deviceID"`
	ProductName string            `json:"productName,omitempty"`
	VendorName  string            `json:"vendorName,omitempty"`
	Name        string            `json:"name,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// UnmarshalJSON accepts either a record object or a bare device ID string.
func (d *DeviceRecord) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*d = DeviceRecord{DeviceID: id}
		return nil
	}
	type plain DeviceRecord
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*d = DeviceRecord(p)
	return nil
}

// Device is the bridge-internal device record. It may hold a transport
// handle and is never serialised; use DTO for the bus.
//
// A Device is treated as immutable once shared through State; changes go
// through a copy.
type Device struct {
	ID          string
	Bridge      string
	Name        string
	ProductName string
	VendorName  string
	PowerType   converter.PowerType
	Converter   converter.Converter
	Meta        map[string]string

	// Handle is the adapter's native connection object. Only the adapter
	// that created it may use it.
	Handle any
}

// NewDevice resolves a record against the registry. Unknown products still
// produce a device, with the Unsupported converter.
func NewDevice(bridge string, rec DeviceRecord, reg *converter.Registry) *Device {
	conv, _ := reg.Lookup(rec.ProductName)
	vendor := rec.VendorName
	if vendor == "" {
		vendor = conv.VendorName()
	}
	return &Device{
		ID:          rec.DeviceID,
		Bridge:      bridge,
		Name:        rec.Name,
		ProductName: rec.ProductName,
		VendorName:  vendor,
		PowerType:   conv.PowerType(),
		Converter:   conv,
		Meta:        maps.Clone(rec.Meta),
	}
}

// Record returns the server-facing identity of the device.
func (d *Device) Record() DeviceRecord {
	return DeviceRecord{
		DeviceID:    d.ID,
		ProductName: d.ProductName,
		VendorName:  d.VendorName,
		Name:        d.Name,
		Meta:        maps.Clone(d.Meta),
	}
}

// clone returns a shallow copy with its own Meta map.
func (d *Device) clone() *Device {
	c := *d
	c.Meta = maps.Clone(d.Meta)
	return &c
}

// DeviceDTO is the bus representation of a device. It is built field by
// field from a Device and has no place for a transport handle.
type DeviceDTO struct {
	DeviceID    string              `json:"deviceID"`
	Bridge      string              `json:"bridge"`
	Name        string              `json:"name,omitempty"`
	ProductName string              `json:"productName"`
	VendorName  string              `json:"vendorName"`
	PowerType   converter.PowerType `json:"powerType"`
	Properties  []PropertyDTO       `json:"properties"`
	Meta        map[string]string   `json:"meta,omitempty"`
}

// PropertyDTO is one flattened property entry.
type PropertyDTO struct {
	Name        string              `json:"name"`
	Read        bool                `json:"read"`
	Write       bool                `json:"write"`
	Notify      bool                `json:"notify"`
	ValueType   converter.ValueType `json:"valueType"`
	AnyValue    any                 `json:"anyValue"`
	Translation string              `json:"translation,omitempty"`
}

// DTO builds the bus representation.
func (d *Device) DTO() DeviceDTO {
	props := d.Converter.Properties()
	dto := DeviceDTO{
		DeviceID:    d.ID,
		Bridge:      d.Bridge,
		Name:        d.Name,
		ProductName: d.ProductName,
		VendorName:  d.VendorName,
		PowerType:   d.PowerType,
		Properties:  make([]PropertyDTO, 0, len(props)),
		Meta:        maps.Clone(d.Meta),
	}
	for _, p := range props {
		dto.Properties = append(dto.Properties, PropertyDTO{
			Name:        p.Name,
			Read:        p.Read,
			Write:       p.Write,
			Notify:      p.Notify,
			ValueType:   p.ValueType,
			AnyValue:    p.AnyValue,
			Translation: p.Translation,
		})
	}
	return dto
}

// Sighting is one device seen during discovery.
type Sighting struct {
	DeviceID    string
	ProductName string
	VendorName  string
	Connectable bool
	RSSI        int
	Meta        map[string]string
}
