// Package metrics exports session and reporting counters to Prometheus.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/RoanBrand/speedwatch/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Report outcomes.
const (
	Sent           = "sent"
	BelowThreshold = "below_threshold"
	NearDuplicate  = "near_duplicate"
	NotReady       = "not_ready"
	Failed         = "failed"
)

type Collector struct {
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	reports         *prometheus.CounterVec
	framingErrors   prometheus.Counter
	state           prometheus.Gauge
	lastSpeed       prometheus.Gauge
}

// New registers the collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speedwatch_mqtt_packets_sent_total",
			Help: "MQTT control packets written to the broker",
		}, []string{"type"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speedwatch_mqtt_packets_received_total",
			Help: "MQTT control packets framed from the broker stream",
		}, []string{"type"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speedwatch_speed_samples_total",
			Help: "Speed samples by reporting outcome",
		}, []string{"outcome"}),
		framingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "speedwatch_mqtt_framing_errors_total",
			Help: "Malformed inbound packets that caused a disconnect",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "speedwatch_session_state",
			Help: "Session state: 0 disconnected, 1 connecting, 2 awaiting connack, 3 subscribing, 4 awaiting suback, 5 ready",
		}),
		lastSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "speedwatch_last_reported_speed_kmh",
			Help: "Speed in the most recent published report",
		}),
	}

	var err error
	if c.packetsSent, err = register(reg, c.packetsSent); err != nil {
		return nil, err
	}
	if c.packetsReceived, err = register(reg, c.packetsReceived); err != nil {
		return nil, err
	}
	if c.reports, err = register(reg, c.reports); err != nil {
		return nil, err
	}
	if c.framingErrors, err = register(reg, c.framingErrors); err != nil {
		return nil, err
	}
	if c.state, err = register(reg, c.state); err != nil {
		return nil, err
	}
	if c.lastSpeed, err = register(reg, c.lastSpeed); err != nil {
		return nil, err
	}
	return c, nil
}

// register returns the already registered collector when there is one.
func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return col, err
	}
	return col, nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (c *Collector) PacketSent(controlByte byte) {
	if c == nil {
		return
	}
	c.packetsSent.WithLabelValues(model.TypeName(controlByte)).Inc()
}

func (c *Collector) PacketReceived(controlByte byte) {
	if c == nil {
		return
	}
	c.packetsReceived.WithLabelValues(model.TypeName(controlByte)).Inc()
}

func (c *Collector) FramingError() {
	if c == nil {
		return
	}
	c.framingErrors.Inc()
}

func (c *Collector) SetState(state int) {
	if c == nil {
		return
	}
	c.state.Set(float64(state))
}

func (c *Collector) Sample(outcome string) {
	if c == nil {
		return
	}
	c.reports.WithLabelValues(outcome).Inc()
}

func (c *Collector) Reported(speed float64) {
	if c == nil {
		return
	}
	c.lastSpeed.Set(speed)
}
