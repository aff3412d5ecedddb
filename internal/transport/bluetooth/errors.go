package bluetooth

import "errors"

var (
	// ErrInvalidAddress is returned when a device ID is not a MAC address.
	ErrInvalidAddress = errors.New("bluetooth: device id must be a MAC address")

	// ErrNotBound is returned when a device handle is missing or released.
	ErrNotBound = errors.New("bluetooth: device not bound")

	// ErrNoCharacteristic is returned for an address without a UUID or a
	// UUID the peripheral does not expose.
	ErrNoCharacteristic = errors.New("bluetooth: characteristic not found")

	// ErrRadioClosed is returned by radio calls after Close.
	ErrRadioClosed = errors.New("bluetooth: radio closed")
)
