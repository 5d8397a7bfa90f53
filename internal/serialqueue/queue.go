package serialqueue

import (
	"encoding/hex"
	"sync/atomic"

	"github.com/icecap85/vdcd/internal/operation"
)

// DefaultReadChunk is the number of bytes pulled from the receiver per read.
const DefaultReadChunk = 100

// maxReadsPerNotification bounds HandleReadable so a chatty transport
// cannot starve the scheduling goroutine.
const maxReadsPerNotification = 16

// Receiver reads up to len(p) bytes that are already available. It must
// not block; 0 bytes means nothing is pending.
type Receiver func(p []byte) (int, error)

// Options configures a Queue.
type Options struct {
	// Transmitter is injected into every queued serial operation.
	Transmitter Transmitter

	// Receiver pulls available bytes in HandleReadable.
	Receiver Receiver

	// ReadChunk is the receive buffer size. Default: 100 bytes.
	ReadChunk int

	// Logger is optional.
	Logger operation.Logger

	// MaxPasses is passed through to the operation queue.
	MaxPasses int
}

// Stats extends the scheduler counters with byte accounting.
type Stats struct {
	operation.Stats
	BytesReceived  uint64
	BytesUnclaimed uint64
}

// Queue is an operation queue bound to a byte-stream transport.
//
// Thread Safety: like operation.Queue, drive it from one goroutine.
// Stats is safe for concurrent use.
type Queue struct {
	*operation.Queue

	transmitter Transmitter
	receiver    Receiver
	readBuf     []byte
	logger      operation.Logger

	bytesReceived  atomic.Uint64
	bytesUnclaimed atomic.Uint64
}

// New creates a serial queue driven by clock.
func New(clock operation.Clock, opts Options) *Queue {
	chunk := opts.ReadChunk
	if chunk <= 0 {
		chunk = DefaultReadChunk
	}
	q := &Queue{
		transmitter: opts.Transmitter,
		receiver:    opts.Receiver,
		readBuf:     make([]byte, chunk),
		logger:      opts.Logger,
	}
	q.Queue = operation.New(clock, operation.Options{
		Logger:    opts.Logger,
		MaxPasses: opts.MaxPasses,
		Prepare:   q.prepare,
	})
	return q
}

// prepare injects the transmitter into serial operations. It runs for
// every operation entering the queue, including those queued from
// callbacks through the *operation.Queue handle.
func (q *Queue) prepare(op operation.Operation) {
	if sop, ok := op.(Operation); ok {
		sop.SetTransmitter(q.transmitter)
	}
}

// AcceptBytes distributes p over the queued serial operations in queue
// order and returns the number of bytes consumed. Bytes no operation
// claims in a single front-to-back pass are dropped; an operation started
// only after they arrived never sees them.
func (q *Queue) AcceptBytes(p []byte) int {
	q.bytesReceived.Add(uint64(len(p)))

	// Settle finished operations first so they do not claim new bytes.
	q.Process()

	accepted := q.distribute(p)
	p = p[accepted:]
	if len(p) > 0 {
		q.bytesUnclaimed.Add(uint64(len(p)))
		if q.logger != nil {
			q.logger.Warn("unexpected data, no operation waiting",
				"bytes", len(p),
				"data", hex.EncodeToString(p),
			)
		}
	}

	q.Process()
	return accepted
}

// distribute offers p to the serial operations front to back and returns
// the number of bytes consumed.
func (q *Queue) distribute(p []byte) int {
	consumed := 0
	for _, op := range q.Operations() {
		if len(p) == 0 {
			break
		}
		sop, ok := op.(Operation)
		if !ok {
			continue
		}
		n := sop.AcceptBytes(p)
		if n > len(p) {
			n = len(p)
		}
		p = p[n:]
		consumed += n
	}
	return consumed
}

// HandleReadable is the transport's data-available notification. It pulls
// chunks from the receiver until nothing is pending and feeds them to
// AcceptBytes.
func (q *Queue) HandleReadable() int {
	if q.receiver == nil {
		return 0
	}
	total := 0
	for range maxReadsPerNotification {
		n, err := q.receiver(q.readBuf)
		if n > 0 {
			total += q.AcceptBytes(q.readBuf[:n])
		}
		if err != nil {
			if q.logger != nil {
				q.logger.Error("receive failed", "error", err)
			}
			return total
		}
		if n < len(q.readBuf) {
			return total
		}
	}
	return total
}

// Stats returns the queue counters. Safe for concurrent use.
func (q *Queue) Stats() Stats {
	return Stats{
		Stats:          q.Queue.Stats(),
		BytesReceived:  q.bytesReceived.Load(),
		BytesUnclaimed: q.bytesUnclaimed.Load(),
	}
}
