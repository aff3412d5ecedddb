package bluetooth

import (
	"context"
)

// Advertisement is one advertising report seen while scanning.
type Advertisement struct {
	Address     string
	LocalName   string
	RSSI        int
	Connectable bool
}

// RadioEventKind classifies a RadioEvent.
type RadioEventKind int

// Radio event kinds.
const (
	// PeripheralLost reports that a connected peripheral dropped its link.
	PeripheralLost RadioEventKind = iota
	PoweredOn
	PoweredOff
)

// RadioEvent is delivered on the radio's event channel.
type RadioEvent struct {
	Kind    RadioEventKind
	Address string
	Err     error
}

// Radio is a BLE central.
type Radio interface {
	// StartScan begins active scanning. Reports arrive on Advertisements.
	StartScan(ctx context.Context) error
	StopScan(ctx context.Context) error
	Advertisements() <-chan Advertisement

	// Connect opens a GATT connection and resolves its services.
	Connect(ctx context.Context, address string) (Peripheral, error)

	Events() <-chan RadioEvent
	Close() error
}

// Peripheral is one connected GATT server.
type Peripheral interface {
	Address() string

	// Characteristics lists the UUIDs of every characteristic the
	// peripheral exposes.
	Characteristics(ctx context.Context) ([]string, error)

	ReadCharacteristic(ctx context.Context, uuid string) ([]byte, error)
	WriteCharacteristic(ctx context.Context, uuid string, value []byte) error

	// Notify enables notifications and routes values to fn.
	Notify(ctx context.Context, uuid string, fn func([]byte)) error

	Disconnect(ctx context.Context) error
}
