// Package operation implements the cooperative operation scheduler used by
// the bus transports.
//
// An Operation is a unit of deferred work with an explicit lifecycle:
//
//	Pending → Initiated → Completed | Aborted
//
// Operations are owned by a Queue once enqueued. The Queue has no goroutine
// of its own: it advances by repeated calls to Process from the single
// scheduling context (see internal/mainloop), which initiates eligible
// operations, polls initiated ones for completion, enforces deadlines and
// finalizes finished operations.
//
// # Sequencing
//
// Operations are kept in insertion order. An operation marked in-sequence is
// not initiated while any earlier in-sequence operation is still in the
// queue. Operations not marked in-sequence may start as soon as they are
// reached, which allows pipelined exchanges to overlap.
//
// # Chaining
//
// Finalize may return a successor Operation. The Queue puts the successor at
// the position of the finalized operation, so a "send" can turn into a
// "receive" without losing its place in the bus transaction order.
//
// # Thread Safety
//
// Queue is not safe for concurrent use. All calls, including the completion
// callbacks it fires, happen on the scheduling goroutine. Stats may be read
// from any goroutine.
package operation
