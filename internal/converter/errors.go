package converter

import "errors"

// Sentinel errors for converter operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrUnsupportedProduct is returned by the Unsupported converter for every
	// value operation.
	ErrUnsupportedProduct = errors.New("converter: unsupported product")

	// ErrUnsupportedAddress is returned when a wire address is not declared
	// by the converter.
	ErrUnsupportedAddress = errors.New("converter: unsupported address")

	// ErrUnknownProperty is returned when a property name is not declared.
	ErrUnknownProperty = errors.New("converter: unknown property")

	// ErrNotWritable is returned by Set for a read-only property.
	ErrNotWritable = errors.New("converter: property not writable")

	// ErrInvalidValue is returned when an outbound value does not fit the
	// property's value type or domain.
	ErrInvalidValue = errors.New("converter: invalid value")

	// ErrDecodingFailed is returned when raw wire bytes cannot be interpreted.
	ErrDecodingFailed = errors.New("converter: decoding failed")
)
