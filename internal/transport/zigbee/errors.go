package zigbee

import "errors"

var (
	// ErrMalformedFrame is returned when a ZCL, ZDO or EZSP frame cannot be parsed.
	ErrMalformedFrame = errors.New("zigbee: malformed frame")

	// ErrInvalidAddress is returned when a device ID is not a 64-bit IEEE address.
	ErrInvalidAddress = errors.New("zigbee: device id must be an IEEE address like 0x00124b0001a2b3c4")

	// ErrUnknownNode is returned when no network address is known for a device.
	ErrUnknownNode = errors.New("zigbee: node not on the network")

	// ErrNotBound is returned when a device handle is missing or released.
	ErrNotBound = errors.New("zigbee: device not bound")

	// ErrAttributeStatus is returned when a device answers with a non-success status.
	ErrAttributeStatus = errors.New("zigbee: attribute status")

	// ErrNCPStatus is returned when the network co-processor rejects a command.
	ErrNCPStatus = errors.New("zigbee: ncp status")

	// ErrClosed is returned after the coordinator has shut down.
	ErrClosed = errors.New("zigbee: coordinator closed")
)
