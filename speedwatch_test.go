package speedwatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/RoanBrand/speedwatch/internal/config"
	"github.com/RoanBrand/speedwatch/internal/model"
	"github.com/RoanBrand/speedwatch/internal/session"
	"github.com/RoanBrand/speedwatch/internal/store"
	"github.com/RoanBrand/speedwatch/internal/transport"
	log "github.com/sirupsen/logrus"
)

type fakeTransport struct {
	mu        sync.Mutex
	h         transport.Handler
	active    bool
	connected bool

	connects chan string
	writes   chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connects: make(chan string, 16),
		writes:   make(chan []byte, 256),
	}
}

func (f *fakeTransport) Connect(address string, h transport.Handler) {
	f.mu.Lock()
	f.h, f.active, f.connected = h, true, false
	f.mu.Unlock()
	f.connects <- address
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	h, was := f.h, f.active
	f.active, f.connected = false, false
	f.mu.Unlock()
	if was {
		h.OnDisconnected()
	}
}

func (f *fakeTransport) Write(p []byte) error {
	f.mu.Lock()
	c := f.connected
	f.mu.Unlock()
	if !c {
		return transport.ErrNotConnected
	}
	f.writes <- append([]byte(nil), p...)
	return nil
}

func (f *fakeTransport) handler() transport.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.h
}

func (f *fakeTransport) connect() {
	f.mu.Lock()
	f.connected = true
	h := f.h
	f.mu.Unlock()
	h.OnConnected()
}

func (f *fakeTransport) waitWrite(t *testing.T, controlType byte) []byte {
	t.Helper()
	for {
		select {
		case p := <-f.writes:
			if p[0]&0xF0 == controlType {
				return p
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", model.TypeName(controlType))
		}
	}
}

type observer struct {
	status  chan bool
	reports chan string
	errs    chan error
	msgs    chan model.InboundMessage
}

func newObserver() *observer {
	return &observer{
		status:  make(chan bool, 16),
		reports: make(chan string, 16),
		errs:    make(chan error, 16),
		msgs:    make(chan model.InboundMessage, 16),
	}
}

func (o *observer) ReportingStatusChanged(on bool) { o.status <- on }
func (o *observer) SpeedReported(topic, msg string) {
	if topic != session.DefaultPublishTopic {
		o.errs <- errors.New("reported on " + topic)
	}
	o.reports <- msg
}
func (o *observer) ErrorOccurred(err error) { o.errs <- err }
func (o *observer) MessageReceived(topic string, payload []byte) {
	o.msgs <- model.InboundMessage{Topic: topic, Payload: payload}
}

func (o *observer) waitStatus(t *testing.T, expected bool) {
	t.Helper()
	for {
		select {
		case on := <-o.status:
			if on == expected {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for reporting status", expected)
		}
	}
}

// waitReport decodes the next report.
func (o *observer) waitReport(t *testing.T) model.SpeedReport {
	t.Helper()
	select {
	case msg := <-o.reports:
		var r model.SpeedReport
		if err := json.Unmarshal([]byte(msg), &r); err != nil {
			t.Fatal(err)
		}
		return r
	case err := <-o.errs:
		t.Fatal(err)
	case <-time.After(2 * time.Second):
		t.Fatal("no report")
	}
	return model.SpeedReport{}
}

func testConfig() *config.Config {
	c := config.Default()
	c.Broker.ClientID = "car-1"
	c.Session.SubscribeDelay = -1
	c.Session.TestPublishDelay = -1
	return c
}

func testLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	l.SetLevel(log.DebugLevel)
	return l
}

func newTestService(t *testing.T, opts ...Option) (*Service, *fakeTransport, *observer) {
	t.Helper()
	ft, obs := newFakeTransport(), newObserver()
	opts = append([]Option{WithTransport(ft), WithObserver(obs), WithLogger(testLogger())}, opts...)

	s, err := New(testConfig(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return s, ft, obs
}

// startReady connects s through ft and returns once the session is Ready.
func startReady(t *testing.T, s *Service, ft *fakeTransport) {
	t.Helper()
	s.StartReporting("broker")
	select {
	case <-ft.connects:
	case <-time.After(2 * time.Second):
		t.Fatal("no connect")
	}

	ft.connect()
	ft.waitWrite(t, model.CONNECT)
	ft.handler().OnData([]byte{0x20, 0x02, 0x00, 0x00})
	sub := ft.waitWrite(t, model.SUBSCRIBE)
	ft.handler().OnData([]byte{0x90, 0x03, sub[2], sub[3], 0x00})
	ft.waitWrite(t, model.PUBLISH) // test message, sent once Ready
}

func TestReportingSequence(t *testing.T) {
	t.Parallel()

	s, ft, obs := newTestService(t)
	defer s.Close()

	startReady(t, s, ft)
	obs.waitStatus(t, true)
	if !s.IsReporting() || s.State() != session.Ready {
		t.Fatal(s.IsReporting(), s.State())
	}

	for _, v := range []float64{60, 85, 85.5, 90, 81} {
		s.OnSpeedChanged(v)
	}

	for _, expected := range []float64{85, 90, 81} {
		r := obs.waitReport(t)
		if r.Speed != expected || r.Unit != "km/h" || !r.ThresholdExceeded || r.VehicleID != "car-1" {
			t.Fatalf("%+v", r)
		}
		if _, err := time.Parse(time.RFC3339, r.Timestamp); err != nil {
			t.Fatal(err)
		}

		p := ft.waitWrite(t, model.PUBLISH)
		if !bytes.Contains(p, []byte(session.DefaultPublishTopic)) {
			t.Fatalf("PUBLISH % X", p)
		}
	}

	if s.LastReportedSpeed() != 81 {
		t.Fatal(s.LastReportedSpeed())
	}
	if st := s.Stats(); st.Count != 5 || st.Current != 81 || st.Max != 90 {
		t.Fatalf("%+v", st)
	}
}

func TestSamplesNotQueued(t *testing.T) {
	t.Parallel()

	s, ft, obs := newTestService(t)
	defer s.Close()

	s.OnSpeedChanged(120)
	startReady(t, s, ft)

	// the sample from before the connection is gone
	s.OnSpeedChanged(130)
	if r := obs.waitReport(t); r.Speed != 130 {
		t.Fatal("stale sample reported:", r.Speed)
	}
}

func TestStopStartKeepsLastSpeed(t *testing.T) {
	t.Parallel()

	s, ft, obs := newTestService(t)
	defer s.Close()

	startReady(t, s, ft)
	s.OnSpeedChanged(85)
	obs.waitReport(t)

	s.StopReporting()
	obs.waitStatus(t, false)
	if s.IsReporting() {
		t.Fatal("still reporting")
	}
	s.OnSpeedChanged(150) // dropped

	startReady(t, s, ft)
	obs.waitStatus(t, true)
	if s.LastReportedSpeed() != 85 {
		t.Fatal(s.LastReportedSpeed())
	}

	s.OnSpeedChanged(85.5)
	s.OnSpeedChanged(90)
	if r := obs.waitReport(t); r.Speed != 90 {
		t.Fatal("near duplicate of last speed reported:", r.Speed)
	}
}

func TestRestartClearsReporting(t *testing.T) {
	t.Parallel()

	s, ft, obs := newTestService(t)
	defer s.Close()

	startReady(t, s, ft)
	obs.waitStatus(t, true)

	s.StartReporting("broker")
	select {
	case <-ft.connects:
	case <-time.After(2 * time.Second):
		t.Fatal("no connect")
	}
	obs.waitStatus(t, false)
	if s.IsReporting() || s.State() != session.Connecting {
		t.Fatal(s.IsReporting(), s.State())
	}

	ft.connect()
	ft.waitWrite(t, model.CONNECT)
	obs.waitStatus(t, true)
}

func TestUnvalidatedConfig(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	conf := &config.Config{}
	s, err := New(conf, WithTransport(ft), WithLogger(testLogger()))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if s.SpeedThreshold() != 80 || conf.Reporting.MinDelta != 1 {
		t.Fatal(s.SpeedThreshold(), conf.Reporting.MinDelta)
	}

	s.StartReporting("")
	select {
	case addr := <-ft.connects:
		if addr != config.DefaultBrokerAddress {
			t.Fatal(addr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connect")
	}

	bad := &config.Config{}
	bad.Broker.ClientID = "a-client-id-that-is-far-too-long"
	if _, err := New(bad, WithTransport(newFakeTransport())); err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestSetSpeedThreshold(t *testing.T) {
	t.Parallel()

	s, ft, obs := newTestService(t)
	defer s.Close()

	if s.SpeedThreshold() != 80 {
		t.Fatal(s.SpeedThreshold())
	}
	s.SetSpeedThreshold(100)
	if s.SpeedThreshold() != 100 {
		t.Fatal(s.SpeedThreshold())
	}

	startReady(t, s, ft)
	s.OnSpeedChanged(95)
	s.OnSpeedChanged(105)
	if r := obs.waitReport(t); r.Speed != 105 {
		t.Fatal(r.Speed)
	}
}

func TestJournalResume(t *testing.T) {
	t.Parallel()

	j, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	if err := j.Append(model.NewSpeedReport(90, "car-1", time.Now())); err != nil {
		t.Fatal(err)
	}

	s, ft, obs := newTestService(t, WithJournal(j))
	defer s.Close()

	if s.LastReportedSpeed() != 90 {
		t.Fatal(s.LastReportedSpeed())
	}

	startReady(t, s, ft)
	s.OnSpeedChanged(90.5)
	s.OnSpeedChanged(95)
	if r := obs.waitReport(t); r.Speed != 95 {
		t.Fatal(r.Speed)
	}

	s.StopReporting()
	obs.waitStatus(t, false)
	if j.Len() != 2 {
		t.Fatal("journaled", j.Len())
	}
	if last, _, _ := j.LastSpeed(); last != 95 {
		t.Fatal(last)
	}
}

func TestFramingErrorStopsReporting(t *testing.T) {
	t.Parallel()

	s, ft, obs := newTestService(t)
	defer s.Close()

	startReady(t, s, ft)
	obs.waitStatus(t, true)

	ft.handler().OnData([]byte{0x90, 0x80, 0x80, 0x80, 0x80})
	select {
	case err := <-obs.errs:
		var fe *session.FramingError
		if !errors.As(err, &fe) {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error")
	}
	obs.waitStatus(t, false)

	if s.State() != session.Disconnected {
		t.Fatal(s.State())
	}
}

func TestInboundMessage(t *testing.T) {
	t.Parallel()

	s, ft, obs := newTestService(t)
	defer s.Close()

	startReady(t, s, ft)
	ft.handler().OnData(model.Publish(session.DefaultSubscribeTopic, []byte("slow down")).Bytes())

	select {
	case m := <-obs.msgs:
		if m.Topic != session.DefaultSubscribeTopic || string(m.Payload) != "slow down" {
			t.Fatalf("%q %q", m.Topic, m.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
}

func TestDefaultEndpoint(t *testing.T) {
	t.Parallel()

	s, ft, _ := newTestService(t)
	defer s.Close()

	s.StartReporting("")
	select {
	case addr := <-ft.connects:
		if addr != config.DefaultBrokerAddress {
			t.Fatal(addr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connect")
	}
}
