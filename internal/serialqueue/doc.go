// Package serialqueue binds the operation scheduler to a byte-stream bus
// transport.
//
// It adds three operation kinds on top of internal/operation:
//
//   - Send pushes a buffer to the transmitter once and completes.
//   - Receive collects an expected number of bytes, with a deadline.
//   - SendAndReceive sends, then replaces itself with a Receive that takes
//     over the completion callback, so the caller hears back exactly once.
//
// The Queue owns the transmitter and receiver functions. Incoming bytes are
// offered to queued operations oldest first; every operation consumes what
// it expects and passes the rest on. Bytes nobody claims are logged and
// dropped.
//
// The package is payload-agnostic: framing belongs to the bus command layer
// (see internal/bridges/dali).
package serialqueue
