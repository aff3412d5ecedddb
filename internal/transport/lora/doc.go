// Package lora implements the "lora" bridge transport.
//
// The bridge talks to end nodes through a serial LoRa modem running in
// point-to-point mode (RAK3172-style AT command set). Every frame starts
// with the 4-byte device address; the device ID is its upper-case hex form
// (e.g. "A84041FF"). Uplinks carry a positional payload that converters
// slice by offset and length. Downlinks are devaddr | offset | bytes and
// ask the node to overwrite that span of its state.
package lora
