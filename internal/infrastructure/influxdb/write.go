package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by bridges.
const (
	measurementPropertyValues = "property_values"
	measurementConnections    = "device_connections"
)

// RecordValue writes one numeric property reading.
//
// Only readings with a numeric form are recorded; the bridge calls this for
// every value it publishes (reads, writes and notifications). The write is
// non-blocking; data is batched and sent asynchronously.
//
// Example:
//
//	client.RecordValue("zigbee", "0x00158d0001a2b3c4", "temperature", 21.5)
func (c *Client) RecordValue(bridge, deviceID, property string, value float64) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(propertyPoint(bridge, deviceID, property, value, time.Now()))
}

// RecordConnection writes a connect (true) or disconnect (false) transition.
func (c *Client) RecordConnection(bridge, deviceID string, connected bool) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(connectionPoint(bridge, deviceID, connected, time.Now()))
}

// propertyPoint builds the point for one property reading.
func propertyPoint(bridge, deviceID, property string, value float64, at time.Time) *write.Point {
	return write.NewPoint(
		measurementPropertyValues,
		map[string]string{
			"bridge":    bridge,
			"device_id": deviceID,
			"property":  property,
		},
		map[string]interface{}{
			"value": value,
		},
		at,
	)
}

// connectionPoint builds the point for a connection transition.
func connectionPoint(bridge, deviceID string, connected bool, at time.Time) *write.Point {
	return write.NewPoint(
		measurementConnections,
		map[string]string{
			"bridge":    bridge,
			"device_id": deviceID,
		},
		map[string]interface{}{
			"connected": connected,
		},
		at,
	)
}
