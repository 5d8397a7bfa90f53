package dali

import (
	"fmt"
)

// Bridge request commands (first request byte).
const (
	bridgeCmdReset      byte = 0x01 // reset the bridge
	bridgeCmdSend16     byte = 0x10 // send one 16 bit DALI forward frame
	bridgeCmdDoubleSend byte = 0x11 // send the frame twice (config commands)
	bridgeCmdSendRecv8  byte = 0x12 // send and receive an 8 bit backward frame
	bridgeCmdOvlReset   byte = 0x41 // clear bus overload condition
)

// Bridge response codes (first answer byte).
const (
	bridgeRespAck  byte = 0x2A
	bridgeRespData byte = 0x3D
)

// Acknowledge codes (second answer byte after bridgeRespAck).
const (
	ackOK         byte = 0x30
	ackTimeout    byte = 0x31 // no backward frame, i.e. "no" for queries
	ackFrameError byte = 0x32
	ackOverload   byte = 0x35
	ackInvalidCmd byte = 0x39
)

const (
	requestSize = 3
	answerSize  = 2
)

// DALI commands and special values used by the bridge.
const (
	CmdOff               byte = 0x00
	CmdRecallMaxLevel    byte = 0x05
	CmdStoreDTRFadeTime  byte = 0x2E
	CmdQueryStatus       byte = 0x90
	CmdQueryControlGear  byte = 0x91
	CmdQueryActualLevel  byte = 0xA0
	CmdQueryMaxLevel     byte = 0xA1
	CmdQueryMinLevel     byte = 0xA2
	specialDTR           byte = 0xA3
	broadcastDirectPower byte = 0xFE
	broadcastCommand     byte = 0xFF

	// Yes is the backward frame of a positive answer.
	Yes byte = 0xFF

	// MaxArcPower is the highest arc power level; 255 means "no change".
	MaxArcPower byte = 254
)

// MaxShortAddress is the highest DALI short address.
const MaxShortAddress = 63

// ShortAddress addresses one control gear on the bus.
type ShortAddress uint8

// Validate reports ErrInvalidAddress for addresses above 63.
func (a ShortAddress) Validate() error {
	if a > MaxShortAddress {
		return fmt.Errorf("%w: %d", ErrInvalidAddress, a)
	}
	return nil
}

// String returns the address as "A12".
func (a ShortAddress) String() string {
	return fmt.Sprintf("A%02d", uint8(a))
}

// directPowerAddress is the address byte of a direct arc power frame.
func (a ShortAddress) directPowerAddress() byte { return byte(a) << 1 }

// commandAddress is the address byte of a command frame.
func (a ShortAddress) commandAddress() byte { return byte(a)<<1 | 1 }

// Answer is the outcome of a DALI query.
type Answer struct {
	// NoAnswer is set when no gear answered, which DALI defines as "no".
	NoAnswer bool

	// Value is the backward frame. Meaningful when NoAnswer is false.
	Value byte
}

func request(cmd, b1, b2 byte) []byte {
	return []byte{cmd, b1, b2}
}

// parseAck checks the answer to a request that expects no data.
func parseAck(resp []byte) error {
	if len(resp) != answerSize {
		return fmt.Errorf("%w: %d bytes", ErrBadAnswer, len(resp))
	}
	if resp[0] != bridgeRespAck {
		return fmt.Errorf("%w: response 0x%02X", ErrBadAnswer, resp[0])
	}
	return ackError(resp[1])
}

// parseQueryAnswer decodes the answer to a send-and-receive request.
func parseQueryAnswer(resp []byte) (Answer, error) {
	if len(resp) != answerSize {
		return Answer{}, fmt.Errorf("%w: %d bytes", ErrBadAnswer, len(resp))
	}
	switch resp[0] {
	case bridgeRespData:
		return Answer{Value: resp[1]}, nil
	case bridgeRespAck:
		if resp[1] == ackTimeout {
			return Answer{NoAnswer: true}, nil
		}
		if resp[1] == ackOK {
			return Answer{}, fmt.Errorf("%w: ack without data", ErrBadAnswer)
		}
		return Answer{}, ackError(resp[1])
	default:
		return Answer{}, fmt.Errorf("%w: response 0x%02X", ErrBadAnswer, resp[0])
	}
}

func ackError(code byte) error {
	switch code {
	case ackOK:
		return nil
	case ackFrameError:
		return ErrFrame
	case ackOverload:
		return fmt.Errorf("%w: bus overload", ErrBridgeRejected)
	case ackInvalidCmd:
		return fmt.Errorf("%w: invalid command", ErrBridgeRejected)
	case ackTimeout:
		return fmt.Errorf("%w: no acknowledge from bus", ErrBridgeRejected)
	default:
		return fmt.Errorf("%w: ack code 0x%02X", ErrBadAnswer, code)
	}
}

func isOverload(resp []byte) bool {
	return len(resp) == answerSize && resp[0] == bridgeRespAck && resp[1] == ackOverload
}
