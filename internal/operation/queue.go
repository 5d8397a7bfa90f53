package operation

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// defaultMaxPasses bounds ProcessAll so a misbehaving chain cannot spin
// the scheduling goroutine.
const defaultMaxPasses = 16

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a Queue.
type Options struct {
	// Logger is optional.
	Logger Logger

	// MaxPasses limits the passes made by ProcessAll. Default: 16.
	MaxPasses int

	// Prepare, when set, is called for every operation entering the queue,
	// successors included, before it can be initiated.
	Prepare func(op Operation)
}

// Stats holds queue counters.
type Stats struct {
	Enqueued  uint64
	Completed uint64
	Aborted   uint64
	TimedOut  uint64
	Pending   int
}

// Queue schedules operations in insertion order.
//
// Thread Safety:
//   - Not safe for concurrent use; drive it from one goroutine.
//   - Enqueue and AbortAll may be called from callbacks fired by Process.
//   - Stats counters are atomic, Pending is a snapshot of the last pass.
type Queue struct {
	clock     Clock
	logger    Logger
	maxPasses int
	prepare   func(Operation)

	ops        []Operation
	processing bool
	rerun      bool
	closed     bool

	enqueued  atomic.Uint64
	completed atomic.Uint64
	aborted   atomic.Uint64
	timedOut  atomic.Uint64
	pending   atomic.Int64
}

// New creates a queue driven by clock.
func New(clock Clock, opts Options) *Queue {
	if clock == nil {
		clock = SystemClock{}
	}
	maxPasses := opts.MaxPasses
	if maxPasses <= 0 {
		maxPasses = defaultMaxPasses
	}
	return &Queue{
		clock:     clock,
		logger:    opts.Logger,
		maxPasses: maxPasses,
		prepare:   opts.Prepare,
	}
}

// Clock returns the scheduling clock of this queue.
func (q *Queue) Clock() Clock { return q.clock }

// Enqueue appends op to the queue. It becomes eligible for initiation on
// the next pass. After Close, op is aborted with ErrQueueClosed instead.
func (q *Queue) Enqueue(op Operation) {
	b := op.Lifecycle()
	if q.closed {
		op.Abort(ErrQueueClosed)
		return
	}
	if b.id == "" {
		b.id = uuid.NewString()
	}
	if q.prepare != nil {
		q.prepare(op)
	}
	b.queuedAt = q.clock.Now()
	q.ops = append(q.ops, op)
	q.enqueued.Add(1)
	q.pending.Store(int64(len(q.ops)))
	q.logDebug("operation queued", "id", b.id, "in_sequence", b.InSequence(), "queue_length", len(q.ops))
}

// Len returns the number of operations in the queue.
func (q *Queue) Len() int { return len(q.ops) }

// Operations returns a snapshot of the queued operations, oldest first.
func (q *Queue) Operations() []Operation {
	out := make([]Operation, len(q.ops))
	copy(out, q.ops)
	return out
}

// Process runs one scheduling pass and reports whether anything changed.
//
// Calling it again when nothing is due is a no-op. A call made from a
// callback while a pass is running is folded into a re-run of that pass.
func (q *Queue) Process() bool {
	if q.processing {
		q.rerun = true
		return false
	}
	q.processing = true
	defer func() { q.processing = false }()

	changed := q.pass()
	for q.rerun {
		q.rerun = false
		if q.pass() {
			changed = true
		}
	}
	return changed
}

// ProcessAll runs passes until the queue reaches a fixed point or the
// pass limit is hit. Successors inserted by a pass are started by the next.
func (q *Queue) ProcessAll() {
	for n := 0; n < q.maxPasses; n++ {
		if !q.Process() {
			return
		}
	}
}

// pass walks the queue once, front to back.
func (q *Queue) pass() bool {
	now := q.clock.Now()
	changed := false
	// blocked is set once an in-sequence operation is still outstanding;
	// later in-sequence operations must not start.
	blocked := false

	for i := 0; i < len(q.ops); {
		op := q.ops[i]
		b := op.Lifecycle()

		if b.state == StatePending && (!b.InSequence() || !blocked) {
			if op.Initiate() {
				b.markInitiated(now)
				changed = true
				if b.state == StateInitiated {
					q.logDebug("operation initiated", "id", b.id)
				}
			}
		}

		switch b.state {
		case StateInitiated:
			if op.HasCompleted() {
				successor := op.Finalize(q)
				q.completed.Add(1)
				changed = true
				q.logDebug("operation finalized", "id", b.id, "chained", successor != nil)
				i = q.replace(i, op, successor)
				if successor != nil {
					if successor.Lifecycle().InSequence() {
						blocked = true
					}
					i++
				}
				continue
			}
			if b.expired(now) {
				op.Abort(ErrTimeout)
				q.timedOut.Add(1)
				q.aborted.Add(1)
				changed = true
				q.logWarn("operation timed out", "id", b.id, "timeout", b.timeout.String())
				i = q.replace(i, op, nil)
				continue
			}
		case StateCompleted, StateAborted:
			if b.state == StateAborted {
				q.aborted.Add(1)
			} else {
				q.completed.Add(1)
			}
			changed = true
			i = q.replace(i, op, nil)
			continue
		}

		if b.InSequence() {
			blocked = true
		}
		i++
	}

	q.pending.Store(int64(len(q.ops)))
	return changed
}

// replace swaps op for successor (or removes it when successor is nil) and
// returns the index op occupied. Callbacks may have reshaped the queue, so
// op is looked up by identity, starting at the expected index.
func (q *Queue) replace(hint int, op, successor Operation) int {
	idx := -1
	if hint < len(q.ops) && q.ops[hint] == op {
		idx = hint
	} else {
		for j, o := range q.ops {
			if o == op {
				idx = j
				break
			}
		}
	}

	if idx < 0 {
		// Removed from under us (AbortAll in a callback).
		if successor != nil {
			q.Enqueue(successor)
		}
		if hint > len(q.ops) {
			return len(q.ops)
		}
		return hint
	}

	if successor != nil {
		sb := successor.Lifecycle()
		if sb.id == "" {
			sb.id = uuid.NewString()
		}
		if q.prepare != nil {
			q.prepare(successor)
		}
		sb.queuedAt = q.clock.Now()
		q.ops[idx] = successor
		return idx
	}

	q.ops = append(q.ops[:idx], q.ops[idx+1:]...)
	return idx
}

// AbortAll aborts and removes every queued operation.
// Operations enqueued by the abort callbacks are kept.
func (q *Queue) AbortAll(err error) {
	ops := q.ops
	q.ops = nil
	for _, op := range ops {
		if !op.Lifecycle().Settled() {
			q.aborted.Add(1)
		}
		op.Abort(err)
	}
	q.pending.Store(int64(len(q.ops)))
	if len(ops) > 0 {
		q.logDebug("aborted all operations", "count", len(ops), "error", err)
	}
}

// Close aborts all outstanding operations with ErrQueueDestroyed and
// rejects further enqueues. Safe to call more than once.
func (q *Queue) Close() {
	q.closed = true
	q.AbortAll(ErrQueueDestroyed)
}

// Stats returns the queue counters. Safe for concurrent use.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Completed: q.completed.Load(),
		Aborted:   q.aborted.Load(),
		TimedOut:  q.timedOut.Load(),
		Pending:   int(q.pending.Load()),
	}
}

func (q *Queue) logDebug(msg string, keysAndValues ...any) {
	if q.logger != nil {
		q.logger.Debug(msg, keysAndValues...)
	}
}

func (q *Queue) logWarn(msg string, keysAndValues ...any) {
	if q.logger != nil {
		q.logger.Warn(msg, keysAndValues...)
	}
}
