package operation

import (
	"errors"
	"testing"
	"time"
)

// chainOp hands over to next when finalized.
type chainOp struct {
	Base
	next Operation
}

func (c *chainOp) Finalize(_ *Queue) Operation {
	c.Settle(StateCompleted)
	return c.next
}

func (c *chainOp) Abort(_ error) { c.Settle(StateAborted) }

func TestQueue_InSequenceOrdering(t *testing.T) {
	clock := newManualClock()
	q := New(clock, Options{})

	a, b, c := &waitOp{}, &waitOp{}, &waitOp{}
	q.Enqueue(a)
	q.Enqueue(b)
	q.Enqueue(c)

	q.Process()
	if a.State() != StateInitiated {
		t.Fatalf("a.State() = %v, want initiated", a.State())
	}
	if b.State() != StatePending || c.State() != StatePending {
		t.Fatalf("b, c = %v, %v, want both pending", b.State(), c.State())
	}

	// Nothing changes until a completes.
	if q.Process() {
		t.Error("Process() reported a change with nothing due")
	}
	if b.initiates != 0 {
		t.Errorf("b initiated %d times before a completed", b.initiates)
	}

	a.done = true
	q.Process()
	if a.State() != StateCompleted {
		t.Errorf("a.State() = %v, want completed", a.State())
	}
	if b.State() != StateInitiated {
		t.Errorf("b.State() = %v, want initiated", b.State())
	}
	if c.State() != StatePending {
		t.Errorf("c.State() = %v, want pending", c.State())
	}

	b.done = true
	q.Process()
	if c.State() != StateInitiated {
		t.Errorf("c.State() = %v, want initiated", c.State())
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestQueue_PipelinedStartsAlongsidePredecessor(t *testing.T) {
	clock := newManualClock()
	q := New(clock, Options{})

	a := &waitOp{}
	b := &waitOp{}
	b.SetInSequence(false)
	c := &waitOp{}

	q.Enqueue(a)
	q.Enqueue(b)
	q.Enqueue(c)
	q.Process()

	if a.State() != StateInitiated {
		t.Errorf("a.State() = %v, want initiated", a.State())
	}
	if b.State() != StateInitiated {
		t.Errorf("pipelined b.State() = %v, want initiated", b.State())
	}
	if c.State() != StatePending {
		t.Errorf("in-sequence c.State() = %v, want pending behind a", c.State())
	}
}

func TestQueue_RefusedInitiateRetried(t *testing.T) {
	clock := newManualClock()
	q := New(clock, Options{})

	a := &waitOp{refuse: true}
	b := &waitOp{}
	q.Enqueue(a)
	q.Enqueue(b)

	q.Process()
	if a.State() != StatePending {
		t.Fatalf("a.State() = %v, want pending", a.State())
	}
	if b.State() != StatePending {
		t.Errorf("b started while a was still pending in sequence")
	}

	a.refuse = false
	q.Process()
	if a.State() != StateInitiated {
		t.Errorf("a.State() = %v, want initiated on retry", a.State())
	}
}

func TestQueue_Timeout(t *testing.T) {
	clock := newManualClock()
	q := New(clock, Options{})

	rec := &recorder{}
	a := &waitOp{rec: rec}
	a.SetTimeout(100 * time.Millisecond)
	q.Enqueue(a)

	q.Process()
	clock.Advance(99 * time.Millisecond)
	q.Process()
	if len(rec.calls) != 0 {
		t.Fatalf("callback fired before deadline")
	}

	clock.Advance(time.Millisecond)
	q.Process()
	if len(rec.calls) != 1 {
		t.Fatalf("callback calls = %d, want 1", len(rec.calls))
	}
	if !errors.Is(rec.calls[0], ErrTimeout) {
		t.Errorf("callback error = %v, want ErrTimeout", rec.calls[0])
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}

	stats := q.Stats()
	if stats.TimedOut != 1 || stats.Aborted != 1 {
		t.Errorf("Stats() = %+v, want TimedOut=1 Aborted=1", stats)
	}

	// Completion after the timeout must not fire again.
	a.done = true
	q.Process()
	if len(rec.calls) != 1 {
		t.Errorf("callback calls = %d after late completion, want 1", len(rec.calls))
	}
}

func TestQueue_CompletionWinsOverDeadlineInSamePass(t *testing.T) {
	clock := newManualClock()
	q := New(clock, Options{})

	rec := &recorder{}
	a := &waitOp{rec: rec}
	a.SetTimeout(10 * time.Millisecond)
	q.Enqueue(a)
	q.Process()

	a.done = true
	clock.Advance(time.Second)
	q.Process()

	if len(rec.calls) != 1 || rec.calls[0] != nil {
		t.Fatalf("callback calls = %v, want one success", rec.calls)
	}
}

func TestQueue_ChainingKeepsPosition(t *testing.T) {
	clock := newManualClock()
	q := New(clock, Options{})

	successor := &waitOp{}
	first := &chainOp{next: successor}
	tail := &waitOp{}
	tail.SetInSequence(false)

	q.Enqueue(first)
	q.Enqueue(tail)
	q.Process()

	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	ops := q.Operations()
	if ops[0] != Operation(successor) {
		t.Errorf("queue head is not the successor")
	}
	if successor.State() != StatePending {
		t.Errorf("successor.State() = %v, want pending until next pass", successor.State())
	}
	if successor.ID() == "" {
		t.Error("successor has no id")
	}

	q.Process()
	if successor.State() != StateInitiated {
		t.Errorf("successor.State() = %v, want initiated", successor.State())
	}
}

func TestQueue_EnqueueFromCallback(t *testing.T) {
	clock := newManualClock()
	q := New(clock, Options{})

	var order []string
	followUp := NewFunc(nil, (&recorder{order: &order, name: "follow-up"}).callback())
	first := NewFunc(nil, func(_ Operation, q *Queue, err error) {
		order = append(order, "first")
		q.Enqueue(followUp)
	})

	q.Enqueue(first)
	q.ProcessAll()

	if len(order) != 2 || order[0] != "first" || order[1] != "follow-up" {
		t.Errorf("order = %v, want [first follow-up]", order)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestQueue_PrepareSeesEveryOperation(t *testing.T) {
	clock := newManualClock()
	var prepared []Operation
	q := New(clock, Options{
		Prepare: func(op Operation) { prepared = append(prepared, op) },
	})

	successor := &waitOp{}
	followUp := NewFunc(nil, nil)
	head := &chainOp{next: successor}
	first := NewFunc(nil, func(_ Operation, q *Queue, _ error) {
		q.Enqueue(followUp)
	})
	first.SetInSequence(false)

	q.Enqueue(head)
	q.Enqueue(first)
	q.ProcessAll()

	want := []Operation{head, first, successor, followUp}
	if len(prepared) != len(want) {
		t.Fatalf("prepared %d operations, want %d", len(prepared), len(want))
	}
	for i, op := range want {
		if prepared[i] != op {
			t.Errorf("prepared[%d] = %T, want %T", i, prepared[i], op)
		}
	}

	q.Close()
	q.Enqueue(NewFunc(nil, nil))
	if len(prepared) != len(want) {
		t.Errorf("operation enqueued after Close was prepared")
	}
}

func TestQueue_AbortAllFromCallback(t *testing.T) {
	clock := newManualClock()
	q := New(clock, Options{})

	errReset := errors.New("reset")
	laterRec := &recorder{}
	later := &waitOp{rec: laterRec}
	later.SetInSequence(false)

	first := NewFunc(nil, func(_ Operation, q *Queue, _ error) {
		q.AbortAll(errReset)
	})

	q.Enqueue(first)
	q.Enqueue(later)
	q.Process()

	if len(laterRec.calls) != 1 || !errors.Is(laterRec.calls[0], errReset) {
		t.Fatalf("later callback = %v, want [%v]", laterRec.calls, errReset)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestQueue_Close(t *testing.T) {
	clock := newManualClock()
	q := New(clock, Options{})

	recA, recB := &recorder{}, &recorder{}
	q.Enqueue(&waitOp{rec: recA})
	q.Enqueue(&waitOp{rec: recB})
	q.Process()

	q.Close()

	for name, rec := range map[string]*recorder{"a": recA, "b": recB} {
		if len(rec.calls) != 1 || !errors.Is(rec.calls[0], ErrQueueDestroyed) {
			t.Errorf("%s callback = %v, want [ErrQueueDestroyed]", name, rec.calls)
		}
	}

	recC := &recorder{}
	q.Enqueue(&waitOp{rec: recC})
	if len(recC.calls) != 1 || !errors.Is(recC.calls[0], ErrQueueClosed) {
		t.Errorf("enqueue after close = %v, want [ErrQueueClosed]", recC.calls)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}

	// Second close is harmless.
	q.Close()
}

func TestQueue_ProcessIdempotent(t *testing.T) {
	clock := newManualClock()
	q := New(clock, Options{})

	q.Enqueue(&waitOp{})
	if !q.Process() {
		t.Error("first Process() = false, want true")
	}
	for i := range 3 {
		if q.Process() {
			t.Errorf("Process() #%d = true, want false at fixed point", i+2)
		}
	}
}

func TestQueue_Stats(t *testing.T) {
	clock := newManualClock()
	q := New(clock, Options{})

	q.Enqueue(NewFunc(nil, nil))
	q.Enqueue(NewFunc(func() error { return errors.New("boom") }, nil))
	q.Enqueue(&waitOp{})
	q.ProcessAll()

	stats := q.Stats()
	if stats.Enqueued != 3 {
		t.Errorf("Enqueued = %d, want 3", stats.Enqueued)
	}
	if stats.Completed != 1 {
		t.Errorf("Completed = %d, want 1", stats.Completed)
	}
	if stats.Aborted != 1 {
		t.Errorf("Aborted = %d, want 1", stats.Aborted)
	}
	if stats.Pending != 1 {
		t.Errorf("Pending = %d, want 1", stats.Pending)
	}
}
