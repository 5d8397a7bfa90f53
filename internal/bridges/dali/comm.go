package dali

import (
	"errors"
	"fmt"
	"time"

	"github.com/icecap85/vdcd/internal/operation"
	"github.com/icecap85/vdcd/internal/serialqueue"
)

// Enqueuer accepts operations for the bus. *serialqueue.Queue implements it.
type Enqueuer interface {
	Enqueue(op operation.Operation)
}

// StatusCallback receives the outcome of a request without answer data.
type StatusCallback func(err error)

// QueryCallback receives the outcome of a query.
type QueryCallback func(ans Answer, err error)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Comm speaks the DALI bridge protocol over a serial operation queue.
//
// Every request is a SendAndReceive of three bytes expecting a two byte
// answer, queued in sequence. Callbacks run on the goroutine that drives
// the queue.
type Comm struct {
	queue          Enqueuer
	receiveTimeout time.Duration
	logger         Logger
}

// NewComm creates a Comm. receiveTimeout bounds the wait for each answer;
// zero uses serialqueue.DefaultReceiveTimeout.
func NewComm(queue Enqueuer, receiveTimeout time.Duration, logger Logger) *Comm {
	if receiveTimeout <= 0 {
		receiveTimeout = serialqueue.DefaultReceiveTimeout
	}
	return &Comm{queue: queue, receiveTimeout: receiveTimeout, logger: logger}
}

// Reset resets the bridge.
func (c *Comm) Reset(cb StatusCallback) {
	c.sendRequest(request(bridgeCmdReset, 0, 0), cb)
}

// SendCommand sends a DALI command to a raw address byte (group or
// broadcast addressing included).
func (c *Comm) SendCommand(address, command byte, cb StatusCallback) {
	c.sendRequest(request(bridgeCmdSend16, address, command), cb)
}

// SendConfigCommand sends a configuration command, which DALI requires
// twice within 100 ms. The bridge does the repetition.
func (c *Comm) SendConfigCommand(address, command byte, cb StatusCallback) {
	c.sendRequest(request(bridgeCmdDoubleSend, address, command), cb)
}

// SendDirectPower sets the arc power of one gear.
func (c *Comm) SendDirectPower(addr ShortAddress, power byte, cb StatusCallback) {
	c.sendRequest(request(bridgeCmdSend16, addr.directPowerAddress(), power), cb)
}

// BroadcastDirectPower sets the arc power of all gear.
func (c *Comm) BroadcastDirectPower(power byte, cb StatusCallback) {
	c.sendRequest(request(bridgeCmdSend16, broadcastDirectPower, power), cb)
}

// SendQuery sends a query command and reports the backward frame.
func (c *Comm) SendQuery(addr ShortAddress, command byte, cb QueryCallback) {
	op := serialqueue.NewSendAndReceive(
		request(bridgeCmdSendRecv8, addr.commandAddress(), command),
		answerSize,
		func(op serialqueue.Operation, _ *operation.Queue, err error) {
			if err != nil {
				c.report(cb, Answer{}, fmt.Errorf("query 0x%02X to %s: %w", command, addr, err))
				return
			}
			resp := op.Data()
			ans, err := parseQueryAnswer(resp)
			if isOverload(resp) {
				c.resetOverload()
			}
			c.report(cb, ans, err)
		},
	)
	op.SetReceiveTimeout(c.receiveTimeout)
	c.queue.Enqueue(op)
}

// SendDtrAndConfigCommand loads the DTR with value and then sends a
// configuration command that consumes it. cb receives the first error.
func (c *Comm) SendDtrAndConfigCommand(addr ShortAddress, command, value byte, cb StatusCallback) {
	var dtrErr error
	c.SendCommand(specialDTR, value, func(err error) { dtrErr = err })
	c.SendConfigCommand(addr.commandAddress(), command, func(err error) {
		if dtrErr != nil {
			err = dtrErr
		}
		if cb != nil {
			cb(err)
		}
	})
}

// IsYes reports whether a query answered a proper YES. A frame error means
// several gear answered at once; it counts as yes when collisionIsYes.
func IsYes(ans Answer, err error, collisionIsYes bool) bool {
	if err != nil {
		return collisionIsYes && errors.Is(err, ErrFrame)
	}
	return !ans.NoAnswer && ans.Value == Yes
}

func (c *Comm) sendRequest(req []byte, cb StatusCallback) {
	op := serialqueue.NewSendAndReceive(req, answerSize,
		func(op serialqueue.Operation, _ *operation.Queue, err error) {
			if err != nil {
				err = fmt.Errorf("bridge request % X: %w", req, err)
			} else {
				resp := op.Data()
				err = parseAck(resp)
				if isOverload(resp) {
					c.resetOverload()
				}
			}
			if cb != nil {
				cb(err)
			}
		},
	)
	op.SetReceiveTimeout(c.receiveTimeout)
	c.queue.Enqueue(op)
}

// resetOverload queues an overload reset after the bridge reported one.
func (c *Comm) resetOverload() {
	if c.logger != nil {
		c.logger.Warn("dali bus overload, resetting")
	}
	c.sendRequest(request(bridgeCmdOvlReset, 0, 0), nil)
}

func (c *Comm) report(cb QueryCallback, ans Answer, err error) {
	if err != nil && c.logger != nil {
		c.logger.Debug("dali query failed", "error", err)
	}
	if cb != nil {
		cb(ans, err)
	}
}
