// Package bridge implements the transport-agnostic core of a Gray Logic
// device bridge.
//
// A bridge process serves exactly one transport. The Router subscribes to
// {bridge}/devices/# on the MQTT bus, dispatches each command in arrival
// order and publishes results on server/devices/<event>. Transport work is
// delegated to an Adapter; property encoding is delegated to the device's
// converter.
//
// Device state lives in three views held by State:
//
//	connected   devices with a live transport handle
//	registered  devices the server knows about (replaced by refresh)
//	discovered  sightings from the current scan
//
// Devices cross the bus only as DeviceDTO, which has no field for the
// transport handle.
package bridge
