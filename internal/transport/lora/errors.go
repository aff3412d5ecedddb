package lora

import "errors"

var (
	// ErrInvalidAddress is returned when a device ID is not 8 hex digits.
	ErrInvalidAddress = errors.New("lora: device id must be a 4-byte hex address")

	// ErrNoUplink is returned when reading a node that has not sent anything yet.
	ErrNoUplink = errors.New("lora: no uplink received yet")

	// ErrNotBound is returned when a device handle is missing or released.
	ErrNotBound = errors.New("lora: device not bound")

	// ErrModemClosed is returned by modem commands after the port has gone away.
	ErrModemClosed = errors.New("lora: modem closed")

	// ErrModemRejected is returned when the modem answers a command with an error code.
	ErrModemRejected = errors.New("lora: modem rejected command")
)
