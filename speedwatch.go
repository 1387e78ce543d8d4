// Package speedwatch reports vehicle speeds above a threshold to an MQTT broker.
//
// The MQTT client is deliberately minimal: it connects, subscribes to one alert
// topic, keeps the connection alive and publishes QoS 0 speed reports.
package speedwatch

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/RoanBrand/speedwatch/internal/config"
	"github.com/RoanBrand/speedwatch/internal/metrics"
	"github.com/RoanBrand/speedwatch/internal/model"
	"github.com/RoanBrand/speedwatch/internal/report"
	"github.com/RoanBrand/speedwatch/internal/session"
	"github.com/RoanBrand/speedwatch/internal/stats"
	"github.com/RoanBrand/speedwatch/internal/store"
	"github.com/RoanBrand/speedwatch/internal/transport"
	log "github.com/sirupsen/logrus"
)

type Service struct {
	conf    *config.Config
	obs     Observer
	tr      transport.Transport
	journal *store.Journal
	metrics *metrics.Collector
	logger  *log.Logger
	log     *log.Entry

	ses   *session.Session
	stats *stats.Window

	// owned by the session loop
	policy    *report.Policy
	reporting bool

	// mirrors for other goroutines
	thresholdBits uint64
	lastSpeedBits uint64
	reportingFlag int32
}

// New creates a service. It does not connect until StartReporting.
// A nil conf uses the defaults. Unset values of conf are filled in.
func New(conf *config.Config, opts ...Option) (*Service, error) {
	if conf == nil {
		conf = config.Default()
	} else if err := conf.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		conf:   conf,
		obs:    nopObserver{},
		logger: log.StandardLogger(),
		stats:  stats.NewWindow(conf.Reporting.StatsWindow),
		policy: report.NewPolicy(conf.Reporting.Threshold, conf.Reporting.MinDelta),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = log.NewEntry(s.logger).WithField("component", "reporter")

	if s.tr == nil {
		s.tr = transport.New(transport.Auto(conf.Session.Dial()))
	}

	if s.journal != nil {
		last, ok, err := s.journal.LastSpeed()
		if err != nil {
			return nil, err
		}
		if ok {
			s.policy.MarkSent(last)
			s.log.WithField("speed", last).Info("Resuming from last reported speed")
		}
	}
	atomic.StoreUint64(&s.thresholdBits, math.Float64bits(s.policy.Threshold))
	atomic.StoreUint64(&s.lastSpeedBits, math.Float64bits(s.policy.LastSent))

	s.ses = session.New(session.Config{
		ClientID:          conf.Broker.ClientID,
		PublishTopic:      conf.Broker.PublishTopic,
		SubscribeTopic:    conf.Broker.SubscribeTopic,
		KeepAlive:         conf.Session.KeepAlive(),
		PingInterval:      conf.Session.Ping(),
		SubscribeDelay:    conf.Session.Subscribe(),
		TestPublishDelay:  conf.Session.TestPublish(),
		AckTimeout:        conf.Session.Ack(),
		ReconnectInterval: conf.Session.Reconnect(),
		Logger:            s.logger,
		Metrics:           s.metrics,
	}, s.tr, sessionEvents{s})

	return s, nil
}

// StartReporting connects to endpoint: "host", "host:port" or "ws://host:port/path".
// An empty endpoint uses the configured broker address.
func (s *Service) StartReporting(endpoint string) {
	if endpoint == "" {
		endpoint = s.conf.Broker.Address
	}
	s.ses.Start(endpoint)
}

// StopReporting disconnects from the broker. The last reported speed is kept.
func (s *Service) StopReporting() {
	s.ses.Stop()
	s.ses.Exec(func() {
		s.setReporting(false)
	})
}

// IsReporting reports whether the broker connection is up.
func (s *Service) IsReporting() bool {
	return atomic.LoadInt32(&s.reportingFlag) == 1
}

func (s *Service) SetSpeedThreshold(threshold float64) {
	atomic.StoreUint64(&s.thresholdBits, math.Float64bits(threshold))
	s.ses.Exec(func() {
		s.policy.Threshold = threshold
		s.log.WithField("threshold", threshold).Info("Speed threshold changed")
	})
}

func (s *Service) SpeedThreshold() float64 {
	return math.Float64frombits(atomic.LoadUint64(&s.thresholdBits))
}

// OnSpeedChanged offers a new speed sample. It never blocks. A sample that
// can not be reported right away is dropped.
func (s *Service) OnSpeedChanged(speed float64) {
	s.stats.Add(speed)
	s.ses.Exec(func() {
		s.handleSpeed(speed)
	})
}

func (s *Service) State() session.State {
	return s.ses.State()
}

// LastReportedSpeed is the speed of the last sent report, 0 if none.
func (s *Service) LastReportedSpeed() float64 {
	return math.Float64frombits(atomic.LoadUint64(&s.lastSpeedBits))
}

// Stats summarizes the most recent speed samples.
func (s *Service) Stats() stats.Summary {
	return s.stats.Summary()
}

// Close disconnects and stops the service. Observer methods are not called afterwards.
func (s *Service) Close() {
	s.ses.Close()

	sum := s.stats.Summary()
	s.log.WithFields(log.Fields{
		"samples": sum.Count,
		"mean":    sum.Mean,
		"max":     sum.Max,
		"last":    s.LastReportedSpeed(),
	}).Info("Speed reporter closed")
}

func (s *Service) handleSpeed(speed float64) {
	ready := s.ses.Ready() && s.ses.ReportingEnabled()

	d := s.policy.Decide(speed, ready)
	s.metrics.Sample(d.String())
	if d != report.Send {
		s.log.WithFields(log.Fields{
			"speed":   speed,
			"outcome": d,
		}).Debug("Speed not reported")
		return
	}

	r := model.NewSpeedReport(speed, s.ses.ClientID(), time.Now())
	msg, err := r.Marshal()
	if err != nil {
		s.fail(err)
		return
	}

	topic := s.ses.PublishTopic()
	if err := s.ses.Publish(topic, msg); err != nil {
		s.fail(err)
		return
	}

	s.policy.MarkSent(speed)
	atomic.StoreUint64(&s.lastSpeedBits, math.Float64bits(speed))
	s.metrics.Reported(speed)

	s.log.WithFields(log.Fields{
		"topic": topic,
		"speed": speed,
	}).Info("Speed reported")

	if s.journal != nil {
		if err := s.journal.Append(r); err != nil {
			s.log.WithError(err).Warn("Unable to journal report")
			s.obs.ErrorOccurred(err)
		}
	}

	s.obs.SpeedReported(topic, string(msg))
}

func (s *Service) fail(err error) {
	s.metrics.Sample(metrics.Failed)
	s.log.WithError(err).Error("Unable to report speed")
	s.obs.ErrorOccurred(err)
}

func (s *Service) setReporting(on bool) {
	if s.reporting == on {
		return
	}
	s.reporting = on
	if on {
		atomic.StoreInt32(&s.reportingFlag, 1)
	} else {
		atomic.StoreInt32(&s.reportingFlag, 0)
	}

	s.log.WithField("reporting", on).Info("Reporting status changed")
	s.obs.ReportingStatusChanged(on)
}

// sessionEvents receives the session callbacks on the loop.
type sessionEvents struct {
	s *Service
}

func (e sessionEvents) StateChanged(_, to session.State) {
	switch to {
	case session.AwaitingConnAck:
		e.s.setReporting(true)
	case session.Connecting, session.Disconnected:
		e.s.setReporting(false)
	}
}

func (e sessionEvents) Error(err error) {
	e.s.obs.ErrorOccurred(err)
}

func (e sessionEvents) Message(m model.InboundMessage) {
	if mo, ok := e.s.obs.(MessageObserver); ok {
		mo.MessageReceived(m.Topic, m.Payload)
	}
}
