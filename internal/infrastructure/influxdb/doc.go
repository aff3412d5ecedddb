// Package influxdb provides InfluxDB connectivity for Gray Logic bridges.
//
// It wraps the official influxdb-client-go v2 library. Bridges record each
// numeric property value they publish and each device connection transition,
// so sensor history survives even when the server is down.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.RecordValue("zigbee", "0x00158d0001a2b3c4", "temperature", 21.5)
package influxdb
