package bridge

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-bridges/internal/converter"
)

// Link is the result of a successful transport connect.
type Link struct {
	// Handle is the adapter's native connection object. It must be non-nil.
	Handle any

	// Endpoints are the attribute locators the device exposed during
	// negotiation. Transports without negotiation report the converter's
	// declared addresses.
	Endpoints []converter.Address
}

// EventKind classifies a transport-originated event.
type EventKind int

// Transport event kinds.
const (
	// EventAnnounce reports that a device became reachable (rejoin, first uplink).
	EventAnnounce EventKind = iota

	// EventLeave reports that a device left the network for good.
	EventLeave

	// EventLinkLost reports that a device's link dropped.
	EventLinkLost

	// EventAdapterUp reports that the transport hardware is usable again.
	EventAdapterUp

	// EventAdapterDown reports that the transport hardware went away.
	EventAdapterDown
)

// String returns a log-friendly name.
func (k EventKind) String() string {
	switch k {
	case EventAnnounce:
		return "announce"
	case EventLeave:
		return "leave"
	case EventLinkLost:
		return "link_lost"
	case EventAdapterUp:
		return "adapter_up"
	case EventAdapterDown:
		return "adapter_down"
	default:
		return "unknown"
	}
}

// TransportEvent is delivered on the adapter's event channel.
type TransportEvent struct {
	Kind        EventKind
	DeviceID    string
	ProductName string
	Err         error
}

// Adapter is the contract every transport implements. The router calls it
// from several goroutines; implementations must be safe for concurrent use.
//
// Every method that blocks takes a context and must return once it is done.
type Adapter interface {
	// Discover starts a discovery window. Sightings are delivered on the
	// returned channel until the window ends, StopDiscovery is called, or
	// ctx is done; the channel is then closed.
	Discover(ctx context.Context, window time.Duration) (<-chan Sighting, error)

	// StopDiscovery ends a running discovery window. Safe to call when
	// none is running.
	StopDiscovery()

	// Connect establishes a link to the device and negotiates its endpoints.
	// On error nothing stays open.
	Connect(ctx context.Context, dev *Device) (Link, error)

	// Read fetches the raw bytes behind one address.
	Read(ctx context.Context, dev *Device, addr converter.Address) ([]byte, error)

	// Write sends raw bytes to one address.
	Write(ctx context.Context, dev *Device, addr converter.Address, raw []byte) error

	// SubscribeNotify installs a change subscription. fn receives raw bytes
	// and must not block.
	SubscribeNotify(ctx context.Context, dev *Device, addr converter.Address, fn func(raw []byte)) error

	// Disconnect releases the device's handle. It is a no-op when the
	// handle is nil or already released.
	Disconnect(ctx context.Context, dev *Device) error

	// Probe checks that a connected device still answers. Adapters that
	// cannot tell return ErrProbeUnsupported.
	Probe(ctx context.Context, dev *Device) error

	// Events returns the channel of transport-originated events.
	Events() <-chan TransportEvent

	// Close releases the transport hardware.
	Close() error
}

// Evictor is implemented by adapters that can ask a device to leave the
// transport network. The router calls it once when a known device is removed.
type Evictor interface {
	Evict(ctx context.Context, deviceID string) error
}

// matchEndpoints counts the converter addresses served by at least one
// negotiated endpoint.
func matchEndpoints(conv converter.Converter, endpoints []converter.Address) int {
	n := 0
	for _, addr := range conv.Addresses() {
		for _, ep := range endpoints {
			if addr.Matches(ep) {
				n++
				break
			}
		}
	}
	return n
}
