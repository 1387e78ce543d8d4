package model

import (
	"encoding/binary"
	"time"
)

// Fixed CONNECT variable header prefix: protocol name "MQTT" and level 4 (v3.1.1).
var protocolName = []byte{0, 4, 'M', 'Q', 'T', 'T', 4}

// Only the clean session bit. No username, password or will.
const connectFlagsCleanSession = 0x02

// pingReqPacket never changes.
var pingReqPacket = []byte{PINGREQ, 0}

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

// Connect builds a CONNECT packet for clientID with the given keep alive.
func Connect(clientID string, keepAlive time.Duration) *Packet {
	vh := make([]byte, 0, 10)
	vh = append(vh, protocolName...)
	vh = append(vh, connectFlagsCleanSession)
	vh = binary.BigEndian.AppendUint16(vh, uint16(keepAlive/time.Second))

	return &Packet{
		ControlType:    CONNECT,
		VariableHeader: vh,
		Payload:        appendString(make([]byte, 0, 2+len(clientID)), clientID),
	}
}

// Publish builds a QoS 0 PUBLISH. The message runs to the end of the packet.
func Publish(topic string, msg []byte) *Packet {
	return &Packet{
		ControlType:    PUBLISH,
		VariableHeader: appendString(make([]byte, 0, 2+len(topic)), topic),
		Payload:        msg,
	}
}

// Subscribe builds a SUBSCRIBE for a single topic filter at QoS 0.
func Subscribe(pID uint16, topic string) *Packet {
	payload := appendString(make([]byte, 0, 3+len(topic)), topic)
	payload = append(payload, 0)

	return &Packet{
		ControlType:    SUBSCRIBE,
		Flags:          SUBSCRIBESend & 0x0F,
		VariableHeader: binary.BigEndian.AppendUint16(make([]byte, 0, 2), pID),
		Payload:        payload,
	}
}

// PingReq returns the 2 byte PINGREQ packet.
func PingReq() []byte {
	p := make([]byte, len(pingReqPacket))
	copy(p, pingReqPacket)
	return p
}
