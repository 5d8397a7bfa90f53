package dali

import "errors"

// Domain errors for the DALI bridge package.
var (
	// ErrFrame is returned when the bridge saw a corrupted DALI frame,
	// usually several gear answering a query at once.
	ErrFrame = errors.New("dali: frame error on bus")

	// ErrBridgeRejected is returned when the bridge does not understand or
	// cannot execute a request (invalid command, bus overload).
	ErrBridgeRejected = errors.New("dali: bridge rejected request")

	// ErrBadAnswer is returned for answers that fit no known response.
	ErrBadAnswer = errors.New("dali: unexpected bridge answer")

	// ErrInvalidAddress is returned for short addresses outside 0-63.
	ErrInvalidAddress = errors.New("dali: invalid short address")

	// ErrInvalidLevel is returned for levels outside 0-100.
	ErrInvalidLevel = errors.New("dali: invalid level")

	// ErrUnknownDevice is returned for device ids the bridge does not manage.
	ErrUnknownDevice = errors.New("dali: unknown device")

	// ErrInvalidDeviceFile is returned when the device file fails validation.
	ErrInvalidDeviceFile = errors.New("dali: invalid device file")
)
