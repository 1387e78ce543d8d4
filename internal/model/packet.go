package model

import (
	"errors"
	"strconv"
)

// Control Packets
const (
	CONNECT    = 1 << 4
	CONNACK    = 2 << 4
	PUBLISH    = 3 << 4
	PUBACK     = 4 << 4
	SUBSCRIBE  = 8 << 4
	SUBACK     = 9 << 4
	PINGREQ    = 12 << 4
	PINGRESP   = 13 << 4
	DISCONNECT = 14 << 4

	SUBSCRIBESend = SUBSCRIBE | 2 // [MQTT-3.8.1-1]
)

// MaxRemainingLength is the largest value 4 length bytes can hold (256 MB).
const MaxRemainingLength = 268435455

var (
	// ErrMalformedLength is returned when a remaining length does not terminate within 4 bytes.
	ErrMalformedLength = errors.New("malformed remaining length")
	// ErrIncompleteLength is returned when the input ends in the middle of a remaining length.
	ErrIncompleteLength = errors.New("incomplete remaining length")
)

// TypeName returns the name of the control packet type in the high nibble of b.
func TypeName(b byte) string {
	switch b & 0xF0 {
	case CONNECT:
		return "CONNECT"
	case CONNACK:
		return "CONNACK"
	case PUBLISH:
		return "PUBLISH"
	case PUBACK:
		return "PUBACK"
	case SUBSCRIBE:
		return "SUBSCRIBE"
	case SUBACK:
		return "SUBACK"
	case PINGREQ:
		return "PINGREQ"
	case PINGRESP:
		return "PINGRESP"
	case DISCONNECT:
		return "DISCONNECT"
	}
	return "UNKNOWN(" + strconv.Itoa(int(b>>4)) + ")"
}

// Packet is a single MQTT control packet, built per send and discarded afterwards.
type Packet struct {
	ControlType    uint8 // high nibble only
	Flags          uint8
	VariableHeader []byte
	Payload        []byte
}

// RemainingLength is the number of bytes following the fixed header.
func (p *Packet) RemainingLength() int {
	return len(p.VariableHeader) + len(p.Payload)
}

// Bytes serializes the packet: fixed header, remaining length, variable header, payload.
func (p *Packet) Bytes() []byte {
	rl := p.RemainingLength()
	b := make([]byte, 1, 1+LengthToNumberOfVariableLengthBytes(rl)+rl)
	b[0] = p.ControlType&0xF0 | p.Flags&0x0F
	b = VariableLengthEncode(b, rl)
	b = append(b, p.VariableHeader...)
	return append(b, p.Payload...)
}

// VariableLengthEncode appends the MQTT remaining length encoding of l to packet.
func VariableLengthEncode(packet []byte, l int) []byte {
	for {
		eb := l % 128
		l /= 128
		if l > 0 {
			eb |= 128
		}
		packet = append(packet, byte(eb))
		if l <= 0 {
			break
		}
	}
	return packet
}

// VariableLengthDecode reads a remaining length from the start of b.
// It returns the value and the number of bytes it occupied.
func VariableLengthDecode(b []byte) (l, n int, err error) {
	mul := 1
	for n < len(b) {
		eb := b[n]
		l += int(eb&127) * mul
		n++
		if eb&128 == 0 {
			return l, n, nil
		}
		if n == 4 {
			return 0, n, ErrMalformedLength
		}
		mul *= 128
	}
	return 0, n, ErrIncompleteLength
}

func LengthToNumberOfVariableLengthBytes(l int) int {
	switch {
	case l < 128:
		return 1
	case l < 16384:
		return 2
	case l < 2097152:
		return 3
	default:
		return 4
	}
}
