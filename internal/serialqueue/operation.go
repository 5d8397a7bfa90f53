package serialqueue

import (
	"errors"
	"fmt"
	"time"

	"github.com/icecap85/vdcd/internal/operation"
)

// DefaultReceiveTimeout is armed on every Receive unless overridden.
const DefaultReceiveTimeout = 3 * time.Second

// Transmitter writes p to the bus and returns how many bytes were written.
type Transmitter func(p []byte) (int, error)

// Callback receives the outcome of a serial operation. For Receive and
// SendAndReceive, op.Data() holds the received bytes. q is nil when the
// operation was aborted.
type Callback func(op Operation, q *operation.Queue, err error)

// Operation is implemented by operations that take part in serial I/O.
// The Queue only offers bytes to operations with this capability.
type Operation interface {
	operation.Operation

	// SetTransmitter injects the transmitter before initiation.
	SetTransmitter(t Transmitter)

	// AcceptBytes offers received bytes and returns how many were consumed.
	AcceptBytes(p []byte) int

	// Data returns the received payload, nil for send-only operations.
	Data() []byte
}

// serialBase is the shared part of all serial operations.
type serialBase struct {
	operation.Base
	self        Operation
	transmitter Transmitter
	callback    Callback
}

// SetTransmitter implements Operation.
func (s *serialBase) SetTransmitter(t Transmitter) { s.transmitter = t }

// AcceptBytes implements Operation: not interested by default.
func (s *serialBase) AcceptBytes([]byte) int { return 0 }

// Data implements Operation.
func (s *serialBase) Data() []byte { return nil }

// complete settles the operation successfully and fires the callback once.
func (s *serialBase) complete(q *operation.Queue) {
	if s.Settle(operation.StateCompleted) && s.callback != nil {
		s.callback(s.self, q, nil)
	}
}

// fail settles the operation as aborted and fires the callback once.
func (s *serialBase) fail(err error) {
	if s.Settle(operation.StateAborted) && s.callback != nil {
		s.callback(s.self, nil, err)
	}
}

// handOff moves the callback out of this operation.
func (s *serialBase) handOff() Callback {
	cb := s.callback
	s.callback = nil
	return cb
}

// Send transmits a buffer once.
type Send struct {
	serialBase
	buf *Buffer
}

// NewSend creates a Send holding a copy of data.
func NewSend(data []byte, cb Callback) *Send {
	s := NewSendBuffer(len(data), cb)
	_, _ = s.buf.Write(data) //nolint:errcheck // sized to fit
	return s
}

// NewSendBuffer creates a Send with an empty buffer of the given capacity,
// to be filled with Append before it is queued.
func NewSendBuffer(capacity int, cb Callback) *Send {
	s := &Send{buf: NewBuffer(capacity)}
	s.self = s
	s.callback = cb
	return s
}

// Append adds data to the outbound buffer. Data beyond the declared
// capacity is not stored and ErrBufferFull is returned.
func (s *Send) Append(p []byte) (int, error) {
	if s.buf == nil {
		return 0, ErrBufferFull
	}
	return s.buf.Write(p)
}

// Payload returns the bytes that will be sent, nil once transmitted.
func (s *Send) Payload() []byte {
	if s.buf == nil {
		return nil
	}
	return s.buf.Bytes()
}

// Initiate transmits the buffer. A failed or short write aborts the
// operation. The buffer is released either way; there is no retry. A
// transmitter reporting ErrNotReady leaves the operation pending.
func (s *Send) Initiate() bool {
	if s.buf == nil {
		return true
	}
	payload := s.buf.Bytes()
	if len(payload) > 0 {
		if s.transmitter == nil {
			s.release()
			s.self.Abort(fmt.Errorf("%w: no transmitter", ErrTransport))
			return true
		}
		n, err := s.transmitter(payload)
		switch {
		case n == 0 && errors.Is(err, ErrNotReady):
			return false
		case err != nil:
			s.release()
			s.self.Abort(fmt.Errorf("%w: %w", ErrTransport, err))
			return true
		case n != len(payload):
			s.release()
			s.self.Abort(fmt.Errorf("%w: wrote %d of %d bytes", ErrTransmit, n, len(payload)))
			return true
		}
	}
	s.release()
	return true
}

// Finalize implements operation.Operation.
func (s *Send) Finalize(q *operation.Queue) operation.Operation {
	s.complete(q)
	return nil
}

// Abort implements operation.Operation.
func (s *Send) Abort(err error) {
	s.release()
	s.fail(err)
}

func (s *Send) release() {
	if s.buf != nil {
		s.buf.Release()
		s.buf = nil
	}
}

// Receive waits for an expected number of bytes.
type Receive struct {
	serialBase
	expected int
	buf      *Buffer
}

// NewReceive creates a Receive expecting n bytes, with the default timeout.
func NewReceive(n int, cb Callback) *Receive {
	r := &Receive{expected: n, buf: NewBuffer(n)}
	r.self = r
	r.callback = cb
	r.SetTimeout(DefaultReceiveTimeout)
	return r
}

// Expected returns the number of bytes this operation waits for.
func (r *Receive) Expected() int { return r.expected }

// Remaining returns how many bytes are still missing.
func (r *Receive) Remaining() int {
	if r.buf == nil {
		return 0
	}
	return r.buf.Remaining()
}

// AcceptBytes consumes up to the missing byte count, only while initiated.
func (r *Receive) AcceptBytes(p []byte) int {
	if r.State() != operation.StateInitiated || r.buf == nil {
		return 0
	}
	n := r.buf.Remaining()
	if n > len(p) {
		n = len(p)
	}
	n, _ = r.buf.Write(p[:n]) //nolint:errcheck // bounded by Remaining
	return n
}

// HasCompleted reports whether all expected bytes arrived.
func (r *Receive) HasCompleted() bool {
	return r.buf != nil && r.buf.Remaining() == 0
}

// Data returns the bytes received so far, nil after an abort.
func (r *Receive) Data() []byte {
	if r.buf == nil {
		return nil
	}
	return r.buf.Bytes()
}

// Finalize implements operation.Operation.
func (r *Receive) Finalize(q *operation.Queue) operation.Operation {
	r.complete(q)
	return nil
}

// Abort releases the buffer and reports err.
func (r *Receive) Abort(err error) {
	if r.buf != nil {
		r.buf.Release()
		r.buf = nil
	}
	r.fail(err)
}

// SendAndReceive sends a request and then waits for its answer.
type SendAndReceive struct {
	Send
	expected          int
	answersInSequence bool
	receiveTimeout    time.Duration
}

// NewSendAndReceive creates a request expecting n answer bytes. The answer
// is in-sequence and uses DefaultReceiveTimeout unless changed.
func NewSendAndReceive(data []byte, n int, cb Callback) *SendAndReceive {
	s := &SendAndReceive{
		expected:          n,
		answersInSequence: true,
		receiveTimeout:    DefaultReceiveTimeout,
	}
	s.buf = NewBuffer(len(data))
	_, _ = s.buf.Write(data) //nolint:errcheck // sized to fit
	s.self = s
	s.callback = cb
	return s
}

// Expected returns the answer length.
func (s *SendAndReceive) Expected() int { return s.expected }

// SetAnswersInSequence sets the in-sequence flag of the answer Receive.
func (s *SendAndReceive) SetAnswersInSequence(inSequence bool) { s.answersInSequence = inSequence }

// SetReceiveTimeout sets the timeout of the answer Receive.
func (s *SendAndReceive) SetReceiveTimeout(d time.Duration) { s.receiveTimeout = d }

// Finalize completes the send phase and returns the Receive that now owns
// the callback. Outside a queue it behaves like a plain Send.
func (s *SendAndReceive) Finalize(q *operation.Queue) operation.Operation {
	if q == nil {
		return s.Send.Finalize(q)
	}
	if !s.Settle(operation.StateCompleted) {
		return nil
	}
	r := NewReceive(s.expected, s.handOff())
	r.SetInSequence(s.answersInSequence)
	r.SetTimeout(s.receiveTimeout)
	r.SetTransmitter(s.transmitter)
	return r
}
