// Package webhook implements the "http" bridge transport.
//
// Devices push state to the bridge with POST /devices/{deviceID}, a flat
// JSON object keyed by property tag. Writes go the other way: the bridge
// POSTs {tag: value} to the callback URL stored in the device's meta
// ("url"). There is no discovery; devices become known through connect or
// the server's registered list.
package webhook
