package dali

import (
	"time"

	"github.com/icecap85/vdcd/internal/serialqueue"
)

type manualClock struct {
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// fakeGear is one simulated control gear.
type fakeGear struct {
	arc      byte
	minArc   byte
	fadeTime byte
}

// fakeBus simulates a DALI bridge behind a serial queue. Answers are held
// back until run so they never arrive inside a queue pass.
type fakeBus struct {
	clock    *manualClock
	q        *serialqueue.Queue
	gear     map[ShortAddress]*fakeGear
	dtr      byte
	requests [][]byte
	pending  [][]byte

	// override, when set, answers instead of the simulated gear. A nil
	// answer means the bridge stays silent.
	override func(req []byte) []byte
}

func newFakeBus() *fakeBus {
	b := &fakeBus{
		clock: newManualClock(),
		gear:  make(map[ShortAddress]*fakeGear),
	}
	b.q = serialqueue.New(b.clock, serialqueue.Options{Transmitter: b.transmit})
	return b
}

func (b *fakeBus) addGear(addr ShortAddress, arc, minArc byte) *fakeGear {
	g := &fakeGear{arc: arc, minArc: minArc}
	b.gear[addr] = g
	return g
}

func (b *fakeBus) transmit(p []byte) (int, error) {
	req := append([]byte(nil), p...)
	b.requests = append(b.requests, req)
	var resp []byte
	if b.override != nil {
		resp = b.override(req)
	} else {
		resp = b.answer(req)
	}
	if resp != nil {
		b.pending = append(b.pending, resp)
	}
	return len(p), nil
}

func (b *fakeBus) answer(req []byte) []byte {
	ok := []byte{bridgeRespAck, ackOK}
	switch req[0] {
	case bridgeCmdSend16:
		if req[1] == specialDTR {
			b.dtr = req[2]
			return ok
		}
		if req[1]&1 == 0 && req[1] != broadcastDirectPower {
			if g, found := b.gear[ShortAddress(req[1]>>1)]; found {
				g.arc = req[2]
			}
		}
		return ok
	case bridgeCmdDoubleSend:
		if g, found := b.gear[ShortAddress(req[1]>>1)]; found && req[2] == CmdStoreDTRFadeTime {
			g.fadeTime = b.dtr
		}
		return ok
	case bridgeCmdSendRecv8:
		g, found := b.gear[ShortAddress(req[1]>>1)]
		if !found {
			return []byte{bridgeRespAck, ackTimeout}
		}
		switch req[2] {
		case CmdQueryActualLevel:
			return []byte{bridgeRespData, g.arc}
		case CmdQueryMinLevel:
			return []byte{bridgeRespData, g.minArc}
		case CmdQueryControlGear:
			return []byte{bridgeRespData, Yes}
		}
		return []byte{bridgeRespAck, ackTimeout}
	default:
		return ok
	}
}

// run drives the queue until every answer is delivered.
func (b *fakeBus) run() {
	for i := 0; i < 1000; i++ {
		b.q.ProcessAll()
		if len(b.pending) == 0 {
			return
		}
		resp := b.pending[0]
		b.pending = b.pending[1:]
		b.q.AcceptBytes(resp)
	}
}

// requestsWith returns the requests whose first byte is cmd.
func (b *fakeBus) requestsWith(cmd byte) [][]byte {
	var out [][]byte
	for _, r := range b.requests {
		if r[0] == cmd {
			out = append(out, r)
		}
	}
	return out
}
