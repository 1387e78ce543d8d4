package speedwatch

import (
	"github.com/RoanBrand/speedwatch/internal/metrics"
	"github.com/RoanBrand/speedwatch/internal/store"
	"github.com/RoanBrand/speedwatch/internal/transport"
	log "github.com/sirupsen/logrus"
)

// Observer is notified of reporting events. Methods are called from the
// session loop one at a time and should return quickly. They must not call Close.
type Observer interface {
	ReportingStatusChanged(reporting bool)
	SpeedReported(topic, message string)
	ErrorOccurred(err error)
}

// MessageObserver is optionally implemented by an Observer that wants the
// messages the broker publishes on the subscribed topic.
type MessageObserver interface {
	MessageReceived(topic string, payload []byte)
}

type nopObserver struct{}

func (nopObserver) ReportingStatusChanged(bool) {}
func (nopObserver) SpeedReported(_, _ string)   {}
func (nopObserver) ErrorOccurred(error)         {}

type Option func(*Service)

func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.obs = o
		}
	}
}

// WithTransport replaces the default TCP/Websocket transport.
func WithTransport(tr transport.Transport) Option {
	return func(s *Service) {
		s.tr = tr
	}
}

// WithJournal records every sent report in j and resumes from its last reported speed.
// The caller stays responsible for closing j.
func WithJournal(j *store.Journal) Option {
	return func(s *Service) {
		s.journal = j
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) {
		s.metrics = c
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}
