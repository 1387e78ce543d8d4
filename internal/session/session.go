// Package session implements a minimal MQTT 3.1.1 client: CONNECT, SUBSCRIBE to one
// topic, QoS 0 PUBLISH and keep alive, driven by transport events on a single loop.
package session

import (
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoanBrand/speedwatch/internal/metrics"
	"github.com/RoanBrand/speedwatch/internal/model"
	"github.com/RoanBrand/speedwatch/internal/queue"
	"github.com/RoanBrand/speedwatch/internal/transport"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	AwaitingConnAck
	Subscribing
	AwaitingSubAck
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case AwaitingConnAck:
		return "AwaitingConnAck"
	case Subscribing:
		return "Subscribing"
	case AwaitingSubAck:
		return "AwaitingSubAck"
	case Ready:
		return "Ready"
	}
	return "Unknown"
}

const (
	DefaultPublishTopic   = "vehicle/speed/publish"
	DefaultSubscribeTopic = "vehicle/speed/alert"
	DefaultTestMessage    = `{"test": "connection_keepalive"}`
)

type Config struct {
	// ClientID is sent in CONNECT. If empty, a new one is generated for every connection attempt.
	ClientID       string
	PublishTopic   string
	SubscribeTopic string
	// TestMessage is published once the subscription is acknowledged.
	TestMessage string

	KeepAlive        time.Duration // announced in CONNECT
	PingInterval     time.Duration
	SubscribeDelay   time.Duration // CONNACK -> SUBSCRIBE
	TestPublishDelay time.Duration // SUBACK -> test PUBLISH
	AckTimeout       time.Duration // max wait for CONNACK and SUBACK

	// ReconnectInterval re-dials after an unrequested disconnect. 0 disables it.
	ReconnectInterval time.Duration

	Logger  *log.Logger
	Metrics *metrics.Collector
}

func (c *Config) setDefaults() {
	if c.PublishTopic == "" {
		c.PublishTopic = DefaultPublishTopic
	}
	if c.SubscribeTopic == "" {
		c.SubscribeTopic = DefaultSubscribeTopic
	}
	if c.TestMessage == "" {
		c.TestMessage = DefaultTestMessage
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.SubscribeDelay < 0 {
		c.SubscribeDelay = 0
	}
	if c.TestPublishDelay < 0 {
		c.TestPublishDelay = 0
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.StandardLogger()
	}
}

// Handler is notified of session events. All calls are made from the session loop,
// so implementations may use the loop-only Session methods but must not call Close.
type Handler interface {
	StateChanged(from, to State)
	Error(err error)
	Message(m model.InboundMessage)
}

// Session is an MQTT client session. Start, Stop, Exec, Close, State and
// ReportingEnabled are safe for concurrent use. Every other method must only be
// called from the session loop: inside Exec or a Handler callback.
type Session struct {
	conf    Config
	tr      transport.Transport
	h       Handler
	log     *log.Entry
	metrics *metrics.Collector

	events    queue.Basic
	ended     sync.WaitGroup
	closeOnce sync.Once

	// owned by the loop
	state            State
	subscribed       bool
	reportingEnabled bool
	endpoint         string
	clientID         string
	nextPID          uint16
	subPID           uint16
	epoch            uint64 // connection attempt
	timerGen         uint64
	rxState          uint8
	packet           packet

	subscribeT, testPubT, ackT, pingT, reconnectT *time.Timer

	// mirrors for other goroutines
	stateMirror   int32
	enabledMirror int32
}

func New(conf Config, tr transport.Transport, h Handler) *Session {
	conf.setDefaults()

	s := &Session{
		conf:    conf,
		tr:      tr,
		h:       h,
		log:     log.NewEntry(conf.Logger),
		metrics: conf.Metrics,
		nextPID: 1,
	}
	s.events.Init()
	s.metrics.SetState(int(Disconnected))

	s.ended.Add(1)
	go s.events.StartDispatcher(&s.ended)
	return s
}

// Start connects to endpoint ("host", "host:port" or "ws://...") and enables reporting.
// A session that is already running is torn down and started again.
func (s *Session) Start(endpoint string) {
	s.events.Add(func() {
		addr, err := transport.NormalizeEndpoint(endpoint)
		if err != nil {
			s.log.WithError(err).Error("Invalid broker endpoint")
			s.h.Error(err)
			return
		}

		if s.state != Disconnected {
			s.log.WithField("state", s.state).Info("Restarting session")
		}

		s.endpoint = addr
		s.setReportingEnabled(true)
		s.begin()
	})
}

// Stop disables reporting and closes the connection.
// The session becomes Disconnected once the transport confirms.
func (s *Session) Stop() {
	s.events.Add(func() {
		s.setReportingEnabled(false)
		s.stopTimers()
		if s.state != Disconnected {
			s.log.Info("Stopping session")
			s.tr.Disconnect()
		}
	})
}

// Exec runs f on the session loop.
func (s *Session) Exec(f func()) {
	s.events.Add(f)
}

// Close stops the session loop, its timers and the transport. Handler callbacks
// are not called anymore afterwards.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		done := make(chan struct{})
		s.events.Add(func() {
			s.setReportingEnabled(false)
			s.stopTimers()
			s.tr.Disconnect()
			close(done)
		})
		<-done

		s.events.Stop()
		s.ended.Wait()
	})
}

func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.stateMirror))
}

func (s *Session) ReportingEnabled() bool {
	return atomic.LoadInt32(&s.enabledMirror) == 1
}

// Ready reports whether the session is connected and subscribed.
func (s *Session) Ready() bool {
	return s.state == Ready && s.subscribed
}

func (s *Session) Subscribed() bool {
	return s.subscribed
}

// ClientID returns the identity of the current connection attempt.
func (s *Session) ClientID() string {
	return s.clientID
}

func (s *Session) PublishTopic() string {
	return s.conf.PublishTopic
}

// Publish sends a QoS 0 message. It fails with ErrNotReady unless the session is Ready.
func (s *Session) Publish(topic string, msg []byte) error {
	if !s.Ready() {
		return ErrNotReady
	}

	s.log.WithFields(log.Fields{
		"topic":   topic,
		"payload": string(msg),
	}).Debug("Publishing")

	return s.writePacket(model.Publish(topic, msg).Bytes())
}

func (s *Session) setState(to State) {
	from := s.state
	if from == to {
		return
	}

	s.state = to
	atomic.StoreInt32(&s.stateMirror, int32(to))
	s.metrics.SetState(int(to))

	s.log.WithFields(log.Fields{
		"from": from,
		"to":   to,
	}).Info("Session state changed")

	s.h.StateChanged(from, to)
}

func (s *Session) setReportingEnabled(on bool) {
	s.reportingEnabled = on
	if on {
		atomic.StoreInt32(&s.enabledMirror, 1)
	} else {
		atomic.StoreInt32(&s.enabledMirror, 0)
	}
}

func newClientID() string {
	return "speedwatch" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// begin starts a new connection attempt, discarding whatever the previous one left.
func (s *Session) begin() {
	s.stopTimers()
	s.epoch++
	s.subscribed = false
	s.rxState = controlAndFlags
	s.nextPID = 1

	s.clientID = s.conf.ClientID
	if s.clientID == "" {
		s.clientID = newClientID()
	}
	s.log = log.NewEntry(s.conf.Logger).WithField("client", s.clientID)

	s.setState(Connecting)
	s.log.WithField("endpoint", s.endpoint).Info("Connecting to MQTT broker")
	s.tr.Connect(s.endpoint, &link{s: s, epoch: s.epoch})
}

func (s *Session) onConnected() {
	if s.state != Connecting {
		return
	}

	s.log.Info("Connected to MQTT broker")
	if err := s.writePacket(model.Connect(s.clientID, s.conf.KeepAlive).Bytes()); err != nil {
		s.log.WithError(err).Error("Unable to send CONNECT")
		s.h.Error(err)
		return
	}

	s.setState(AwaitingConnAck)
	s.ackT = s.after(s.conf.AckTimeout, s.ackTimeout(AwaitingConnAck, "CONNACK"))
}

func (s *Session) onDisconnected() {
	s.stopTimers()
	s.subscribed = false
	s.rxState = controlAndFlags

	if s.state != Disconnected {
		s.log.Info("Disconnected from MQTT broker")
	}
	s.setState(Disconnected)

	if s.reportingEnabled && s.conf.ReconnectInterval > 0 {
		s.log.WithField("in", s.conf.ReconnectInterval).Info("Scheduling reconnect")
		s.reconnectT = s.after(s.conf.ReconnectInterval, func() {
			if s.state == Disconnected && s.reportingEnabled {
				s.begin()
			}
		})
	}
}

func (s *Session) onError(err error) {
	err = &TransportError{Op: "connection", Err: err}
	s.log.WithError(err).Error("Transport error")
	s.h.Error(err)
}

func (s *Session) onData(rx []byte) {
	if s.log.Logger.IsLevelEnabled(log.DebugLevel) {
		s.log.WithFields(log.Fields{
			"size": len(rx),
			"hex":  hex.EncodeToString(rx),
		}).Debug("Received data from broker")
	}

	if err := s.parseStream(rx); err != nil {
		s.metrics.FramingError()
		s.drop(err)
	}
}

// drop abandons the current connection after a protocol failure.
func (s *Session) drop(err error) {
	s.log.WithError(err).Error("Dropping connection")
	s.h.Error(err)

	s.epoch++ // ignore anything else from this connection
	s.tr.Disconnect()
	s.onDisconnected()
}

func (s *Session) ackTimeout(awaiting State, packetName string) func() {
	return func() {
		if s.state == awaiting {
			s.drop(&ProtocolTimeout{Awaiting: packetName, After: s.conf.AckTimeout})
		}
	}
}

func (s *Session) subscribe() {
	if s.state != Subscribing {
		return
	}

	pID := s.packetID()
	s.log.WithFields(log.Fields{
		"topic":    s.conf.SubscribeTopic,
		"packetID": pID,
	}).Debug("Subscribing")

	if err := s.writePacket(model.Subscribe(pID, s.conf.SubscribeTopic).Bytes()); err != nil {
		s.log.WithError(err).Error("Unable to send SUBSCRIBE")
		s.h.Error(err)
		return
	}

	s.subPID = pID
	s.setState(AwaitingSubAck)
	s.ackT = s.after(s.conf.AckTimeout, s.ackTimeout(AwaitingSubAck, "SUBACK"))
}

func (s *Session) sendTestPublish() {
	if err := s.Publish(s.conf.PublishTopic, []byte(s.conf.TestMessage)); err != nil {
		s.log.WithError(err).Warn("Unable to send test PUBLISH")
	}
}

func (s *Session) ping() {
	switch s.state {
	case Subscribing, AwaitingSubAck, Ready:
	default:
		return
	}

	if err := s.writePacket(model.PingReq()); err != nil {
		s.log.WithError(err).Warn("Unable to send PINGREQ")
	}
	s.pingT = s.after(s.conf.PingInterval, s.ping)
}

// packetID returns the next non-zero packet identifier.
func (s *Session) packetID() uint16 {
	pID := s.nextPID
	s.nextPID++
	if s.nextPID == 0 { // some brokers don't like 0
		s.nextPID = 1
	}
	return pID
}

func (s *Session) writePacket(p []byte) error {
	if s.log.Logger.IsLevelEnabled(log.DebugLevel) {
		s.log.WithFields(log.Fields{
			"packet": model.TypeName(p[0]),
			"size":   len(p),
			"hex":    hex.EncodeToString(p),
		}).Debug("Sending packet")
	}

	if err := s.tr.Write(p); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	s.metrics.PacketSent(p[0])
	return nil
}

// after runs f on the loop once d has passed, unless the timers were stopped in the meantime.
func (s *Session) after(d time.Duration, f func()) *time.Timer {
	gen := s.timerGen
	return time.AfterFunc(d, func() {
		s.events.Add(func() {
			if s.timerGen == gen {
				f()
			}
		})
	})
}

func (s *Session) stopTimers() {
	s.timerGen++
	for _, t := range []**time.Timer{&s.subscribeT, &s.testPubT, &s.ackT, &s.pingT, &s.reconnectT} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

// link forwards the events of one connection attempt onto the session loop.
type link struct {
	s     *Session
	epoch uint64
}

func (l *link) post(f func()) {
	l.s.events.Add(func() {
		if l.s.epoch == l.epoch {
			f()
		}
	})
}

func (l *link) OnConnected()      { l.post(l.s.onConnected) }
func (l *link) OnDisconnected()   { l.post(l.s.onDisconnected) }
func (l *link) OnError(err error) { l.post(func() { l.s.onError(err) }) }
func (l *link) OnData(rx []byte)  { l.post(func() { l.s.onData(rx) }) }
