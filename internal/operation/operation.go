package operation

import "time"

// State is the lifecycle state of an Operation.
type State int

const (
	// StatePending is the state at construction. The operation waits in
	// the queue until the scheduler initiates it.
	StatePending State = iota

	// StateInitiated means the operation has started and is polled for
	// completion on every scheduling pass.
	StateInitiated

	// StateCompleted means the operation finished normally.
	StateCompleted

	// StateAborted means the operation was aborted, timed out or torn down.
	StateAborted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInitiated:
		return "initiated"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Clock provides the scheduling time base.
// The main loop implements it; tests substitute a manual clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the process clock (monotonic reading included).
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Operation is a unit of work driven by a Queue.
//
// Implementations embed Base, which supplies the lifecycle bookkeeping, and
// provide the work-specific hooks.
type Operation interface {
	// Lifecycle returns the embedded lifecycle state.
	Lifecycle() *Base

	// Initiate starts the operation. Returning false leaves it pending and
	// the queue retries on a later pass. Initiate may abort the operation
	// itself, in which case the queue removes it.
	Initiate() bool

	// HasCompleted reports whether an initiated operation is done.
	HasCompleted() bool

	// Finalize completes the operation and fires its callback, unless it
	// hands the callback to the returned successor. A non-nil successor
	// takes the operation's place in the queue.
	Finalize(q *Queue) Operation

	// Abort terminates the operation with err. Only the first call fires
	// the callback; later calls are no-ops.
	Abort(err error)
}

// Base carries the lifecycle of an operation. The zero value is a pending,
// in-sequence operation without timeout.
type Base struct {
	id        string
	state     State
	pipelined bool
	timeout   time.Duration
	queuedAt  time.Time
	deadline  time.Time
	settled   bool
}

// Lifecycle implements Operation.
func (b *Base) Lifecycle() *Base { return b }

// Initiate is the default start hook: nothing to do, always starts.
func (b *Base) Initiate() bool { return true }

// HasCompleted is the default completion check: done as soon as initiated.
func (b *Base) HasCompleted() bool { return true }

// ID returns the identifier assigned when the operation was queued.
func (b *Base) ID() string { return b.id }

// State returns the current lifecycle state.
func (b *Base) State() State { return b.state }

// InSequence reports whether the operation must wait for all earlier
// in-sequence operations to finish before it may start.
func (b *Base) InSequence() bool { return !b.pipelined }

// SetInSequence sets the sequencing flag. Only meaningful before initiation.
func (b *Base) SetInSequence(inSequence bool) { b.pipelined = !inSequence }

// Timeout returns the timeout armed at initiation (0 means none).
func (b *Base) Timeout() time.Duration { return b.timeout }

// SetTimeout overrides the timeout. Only meaningful before initiation.
func (b *Base) SetTimeout(d time.Duration) { b.timeout = d }

// Deadline returns the absolute deadline, if one has been armed.
func (b *Base) Deadline() (time.Time, bool) {
	return b.deadline, !b.deadline.IsZero()
}

// QueuedAt returns when the operation entered its queue.
func (b *Base) QueuedAt() time.Time { return b.queuedAt }

// Settle moves the operation into a final state. It returns true only for
// the first call, which is the caller's licence to fire the callback.
func (b *Base) Settle(final State) bool {
	if b.settled {
		return false
	}
	b.settled = true
	b.state = final
	return true
}

// Settled reports whether the operation has reached a final state.
func (b *Base) Settled() bool { return b.settled }

// markInitiated records a successful Initiate and arms the deadline.
// An operation that aborted itself while initiating stays aborted.
func (b *Base) markInitiated(now time.Time) {
	if b.state != StatePending {
		return
	}
	b.state = StateInitiated
	if b.timeout > 0 {
		b.deadline = now.Add(b.timeout)
	}
}

// expired reports whether the deadline has passed at now.
func (b *Base) expired(now time.Time) bool {
	return !b.deadline.IsZero() && !now.Before(b.deadline)
}

// Callback receives the outcome of a Func operation. q is nil when the
// operation was aborted.
type Callback func(op Operation, q *Queue, err error)

// Func is a generic operation running a function when initiated.
type Func struct {
	Base
	run  func() error
	done Callback
}

// NewFunc creates an operation that calls run on initiation and reports
// through done. Either may be nil. An error from run aborts the operation.
func NewFunc(run func() error, done Callback) *Func {
	return &Func{run: run, done: done}
}

// Initiate implements Operation.
func (f *Func) Initiate() bool {
	if f.run != nil {
		if err := f.run(); err != nil {
			f.Abort(err)
		}
	}
	return true
}

// Finalize implements Operation.
func (f *Func) Finalize(q *Queue) Operation {
	if f.Settle(StateCompleted) && f.done != nil {
		f.done(f, q, nil)
	}
	return nil
}

// Abort implements Operation.
func (f *Func) Abort(err error) {
	if f.Settle(StateAborted) && f.done != nil {
		f.done(f, nil, err)
	}
}
