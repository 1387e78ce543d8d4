package session

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/RoanBrand/speedwatch/internal/model"
	log "github.com/sirupsen/logrus"
)

// Inbound stream states.
const (
	controlAndFlags = iota
	length
	body
)

// packet is the inbound packet being assembled. The stream may deliver
// it in pieces or together with the next ones.
type packet struct {
	controlType uint8
	flags       uint8

	remainingLength int
	lenMul          int
	lenBytes        int

	body []byte // variable header + payload
}

// parseStream frames rx into control packets and dispatches each complete one.
func (s *Session) parseStream(rx []byte) error {
	p := &s.packet

	for i := 0; i < len(rx); {
		switch s.rxState {
		case controlAndFlags:
			p.controlType, p.flags = rx[i]&0xF0, rx[i]&0x0F
			p.remainingLength, p.lenMul, p.lenBytes = 0, 1, 0
			s.rxState = length
			i++
		case length:
			p.remainingLength += int(rx[i]&127) * p.lenMul
			p.lenMul *= 128
			p.lenBytes++

			if rx[i]&128 == 0 {
				p.body = p.body[:0]
				if p.remainingLength == 0 {
					s.rxState = controlAndFlags
					if err := s.dispatch(); err != nil {
						return err
					}
				} else {
					s.rxState = body
				}
			} else if p.lenBytes == 4 {
				s.rxState = controlAndFlags
				return &FramingError{ControlType: p.controlType, Err: model.ErrMalformedLength}
			}
			i++
		case body:
			toRead := min(p.remainingLength-len(p.body), len(rx)-i)
			p.body = append(p.body, rx[i:i+toRead]...)
			i += toRead

			if len(p.body) == p.remainingLength {
				s.rxState = controlAndFlags
				if err := s.dispatch(); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func (s *Session) dispatch() error {
	p := &s.packet
	s.metrics.PacketReceived(p.controlType)

	if s.log.Logger.IsLevelEnabled(log.DebugLevel) {
		s.log.WithFields(log.Fields{
			"packet":          model.TypeName(p.controlType),
			"remainingLength": p.remainingLength,
			"hex":             hex.EncodeToString(p.body),
		}).Debug("Got packet")
	}

	switch p.controlType {
	case model.CONNACK:
		if p.remainingLength < 2 {
			s.log.WithField("remainingLength", p.remainingLength).Warn("Ignoring short CONNACK")
			return nil
		}
		s.handleConnack(p.body[1])
	case model.SUBACK:
		if p.remainingLength < 3 {
			s.log.WithField("remainingLength", p.remainingLength).Warn("Ignoring short SUBACK")
			return nil
		}
		s.handleSuback(binary.BigEndian.Uint16(p.body), p.body[2])
	case model.PINGRESP:
		s.log.Debug("PINGRESP received")
	case model.PUBLISH:
		s.handlePublish()
	default:
		s.log.WithField("packet", model.TypeName(p.controlType)).Debug("Ignoring packet")
	}

	return nil
}

// The return code is not checked: the session proceeds as if it was accepted.
func (s *Session) handleConnack(returnCode byte) {
	if s.state != AwaitingConnAck {
		s.log.WithField("state", s.state).Warn("Unexpected CONNACK")
		return
	}
	if s.ackT != nil {
		s.ackT.Stop()
	}

	lf := log.Fields{"returnCode": returnCode}
	if returnCode != 0 {
		s.log.WithFields(lf).Warn("CONNACK with non-zero return code")
	} else {
		s.log.WithFields(lf).Info("CONNACK received")
	}

	s.setState(Subscribing)
	s.subscribeT = s.after(s.conf.SubscribeDelay, s.subscribe)
	s.pingT = s.after(s.conf.PingInterval, s.ping)
}

func (s *Session) handleSuback(pID uint16, returnCode byte) {
	if s.state != AwaitingSubAck || pID != s.subPID {
		s.log.WithFields(log.Fields{
			"state":    s.state,
			"packetID": pID,
			"expected": s.subPID,
		}).Warn("Unexpected SUBACK")
		return
	}
	if s.ackT != nil {
		s.ackT.Stop()
	}

	lf := log.Fields{"topic": s.conf.SubscribeTopic, "returnCode": returnCode}
	if returnCode == 0x80 {
		s.log.WithFields(lf).Warn("Broker refused subscription")
	} else {
		s.log.WithFields(lf).Info("SUBACK received")
	}

	s.subscribed = true
	s.setState(Ready)
	s.testPubT = s.after(s.conf.TestPublishDelay, s.sendTestPublish)
}

// Inbound messages are logged and handed to the Handler. QoS > 0 is never
// requested, so no acknowledgement is sent.
func (s *Session) handlePublish() {
	p := &s.packet
	if len(p.body) < 2 {
		s.log.Warn("Ignoring PUBLISH without topic")
		return
	}

	tEnd := 2 + int(binary.BigEndian.Uint16(p.body))
	offs := tEnd
	if p.flags&0x06 > 0 {
		offs += 2 // packet identifier
	}
	if offs > len(p.body) {
		s.log.WithField("remainingLength", p.remainingLength).Warn("Ignoring malformed PUBLISH")
		return
	}

	m := model.InboundMessage{
		Topic:   string(p.body[2:tEnd]),
		Payload: make([]byte, len(p.body)-offs),
	}
	copy(m.Payload, p.body[offs:])

	s.log.WithFields(log.Fields{
		"topic":   m.Topic,
		"payload": string(m.Payload),
	}).Info("PUBLISH received")

	s.h.Message(m)
}
