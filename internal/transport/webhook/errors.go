package webhook

import "errors"

var (
	// ErrNoCallback is returned when writing to a device without a callback URL.
	ErrNoCallback = errors.New("webhook: device has no callback url")

	// ErrNoValue is returned when reading a tag the device has not pushed yet.
	ErrNoValue = errors.New("webhook: no value received yet")

	// ErrNotBound is returned when a device handle is missing or released.
	ErrNotBound = errors.New("webhook: device not bound")

	// ErrCallbackStatus is returned when a callback answers with a non-2xx status.
	ErrCallbackStatus = errors.New("webhook: callback returned error status")
)
