package operation

import "errors"

// Domain errors for the operation scheduler.
var (
	// ErrTimeout is delivered to an initiated operation that did not
	// complete before its deadline.
	ErrTimeout = errors.New("operation: timed out")

	// ErrQueueDestroyed is delivered to every outstanding operation when
	// the queue is closed.
	ErrQueueDestroyed = errors.New("operation: queue destroyed")

	// ErrQueueClosed is delivered to an operation enqueued after Close.
	ErrQueueClosed = errors.New("operation: queue closed")
)
