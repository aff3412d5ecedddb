// Package bluetooth implements the "bluetooth" bridge transport for
// Bluetooth Low Energy peripherals.
//
// The adapter is written against the Radio interface; BlueZ implements it
// over the system D-Bus (org.bluez Adapter1, Device1 and
// GattCharacteristic1).
//
// Device IDs are upper-case MAC addresses ("A4:C1:38:0B:5E:01").
// Converter addresses name a GATT characteristic UUID; the raw bytes
// exchanged with converters are characteristic values.
package bluetooth
