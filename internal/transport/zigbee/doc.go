// Package zigbee implements the "zigbee" bridge transport.
//
// The adapter talks to the mesh through a Coordinator. The production
// coordinator drives a Silicon Labs network co-processor over a serial
// port: ASH framing (ash.go) carries EZSP commands (ezsp.go), which in
// turn carry ZDO and ZCL frames (zdo.go, zcl.go) to the nodes.
//
// Device IDs are IEEE addresses in the form "0x00124b0001a2b3c4".
// Converter addresses name an endpoint, cluster and attribute; the raw
// bytes exchanged with converters are ZCL attribute values without the
// type byte.
package zigbee
