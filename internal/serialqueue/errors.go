package serialqueue

import "errors"

// Domain errors for serial operations.
var (
	// ErrTransmit is delivered when the transmitter wrote fewer bytes than
	// the operation holds.
	ErrTransmit = errors.New("serialqueue: short transmit")

	// ErrTransport wraps failures reported by the transport itself
	// (open, write, read).
	ErrTransport = errors.New("serialqueue: transport error")

	// ErrNotReady is returned (or wrapped) by a transmitter that cannot
	// take data yet, for example while its port is opening. The operation
	// stays pending and is tried again on a later pass.
	ErrNotReady = errors.New("serialqueue: transmitter not ready")

	// ErrBufferFull is returned when data does not fit a buffer.
	ErrBufferFull = errors.New("serialqueue: buffer full")
)
