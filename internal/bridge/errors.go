package bridge

import "errors"

// Domain-specific errors for bridge operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when a command targets a device without a live handle.
	ErrNotConnected = errors.New("bridge: device not connected")

	// ErrUnknownDevice is returned when a device is in neither the registered
	// nor the connected view.
	ErrUnknownDevice = errors.New("bridge: unknown device")

	// ErrGhostConnection is returned when a negotiated link exposes no
	// attribute the device's converter declares.
	ErrGhostConnection = errors.New("bridge: ghost connection")

	// ErrConnectFailed is returned when every connect attempt failed.
	ErrConnectFailed = errors.New("bridge: connect failed")

	// ErrConnectInProgress is returned when a connect for the same device is running.
	ErrConnectInProgress = errors.New("bridge: connect already in progress")

	// ErrConnectCancelled is returned when a device was disconnected, removed
	// or dropped while its connect was in flight.
	ErrConnectCancelled = errors.New("bridge: connect cancelled")

	// ErrNoHandle is returned when marking a device connected without a transport handle.
	ErrNoHandle = errors.New("bridge: device has no transport handle")

	// ErrProbeUnsupported is returned by adapters that cannot probe liveness.
	ErrProbeUnsupported = errors.New("bridge: liveness probe unsupported")

	// ErrMissingDeviceID is returned when a command needs a device ID and has none.
	ErrMissingDeviceID = errors.New("bridge: deviceID is required")
)
