package transport

import "errors"

var (
	// ErrInvalidConnection is returned for unparseable connection strings.
	ErrInvalidConnection = errors.New("transport: invalid connection")

	// ErrOpenFailed is returned when the device or proxy cannot be opened.
	ErrOpenFailed = errors.New("transport: open failed")

	// ErrNotOpen is returned by operations that need an open port.
	ErrNotOpen = errors.New("transport: port not open")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)
