package config

import (
	"errors"
	"strings"
	"time"

	"github.com/RoanBrand/speedwatch/internal/transport"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides, e.g. SPEEDWATCH_REPORTING__THRESHOLD=100.
const EnvPrefix = "SPEEDWATCH_"

const DefaultBrokerAddress = "broker.hivemq.com:1883"

type Config struct {
	Broker struct {
		// Address of the MQTT broker: "host", "host:port" or "ws://host:port/path".
		// Port 1883 is used if none is given.
		Address string `json:"address"`
		// ClientID is generated for every connection if empty.
		ClientID       string `json:"client_id"`
		PublishTopic   string `json:"publish_topic"`
		SubscribeTopic string `json:"subscribe_topic"`
	} `json:"broker"`

	Session Session `json:"session"`

	Reporting struct {
		// Speeds below Threshold (km/h) are not reported. Default 80.
		Threshold float64 `json:"threshold"`
		// Speeds within MinDelta of the last reported one are not reported again. Default 1.
		MinDelta float64 `json:"min_delta"`
		// Number of recent samples kept for statistics. Default 1000.
		StatsWindow int `json:"stats_window"`
	} `json:"reporting"`

	// Log configures optional log output file as well as the log level setting.
	Log struct {
		File  string `json:"file"`
		Level string `json:"level"`
	} `json:"log"`

	// Store Dir enables the report journal. The last reported speed then survives restarts.
	Store struct {
		Dir string `json:"dir"`
	} `json:"store"`

	// Metrics Address optionally specifies where to serve Prometheus metrics, e.g. ":9100".
	Metrics struct {
		Address string `json:"address"`
	} `json:"metrics"`

	Simulation Simulation `json:"simulation"`
}

// Session timing. All values in ms unless stated otherwise.
// Set SubscribeDelay or TestPublishDelay to -1 to send right away.
type Session struct {
	KeepAliveS       int64 `json:"keep_alive_s"`
	PingInterval     int64 `json:"ping_interval_ms"`
	SubscribeDelay   int64 `json:"subscribe_delay_ms"`
	TestPublishDelay int64 `json:"test_publish_delay_ms"`
	AckTimeout       int64 `json:"ack_timeout_ms"`
	// ReconnectInterval re-dials after a lost connection. 0 disables reconnect.
	ReconnectInterval int64 `json:"reconnect_interval_ms"`
	DialTimeout       int64 `json:"dial_timeout_ms"`
}

func (s *Session) KeepAlive() time.Duration   { return time.Duration(s.KeepAliveS) * time.Second }
func (s *Session) Ping() time.Duration        { return ms(s.PingInterval) }
func (s *Session) Subscribe() time.Duration   { return ms(s.SubscribeDelay) }
func (s *Session) TestPublish() time.Duration { return ms(s.TestPublishDelay) }
func (s *Session) Ack() time.Duration         { return ms(s.AckTimeout) }
func (s *Session) Reconnect() time.Duration   { return ms(s.ReconnectInterval) }
func (s *Session) Dial() time.Duration        { return ms(s.DialTimeout) }

type Simulation struct {
	TickMS       int64          `json:"tick_ms"`
	MaxSpeed     float64        `json:"max_speed"`
	Acceleration float64        `json:"acceleration"`
	Deceleration float64        `json:"deceleration"`
	Loop         bool           `json:"loop"`
	Route        []RouteSegment `json:"route"`
}

func (s *Simulation) Tick() time.Duration { return ms(s.TickMS) }

type RouteSegment struct {
	Target     float64 `json:"target"`
	DurationMS int64   `json:"duration_ms"`
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Default returns the configuration used when nothing is configured.
func Default() *Config {
	c := &Config{}
	c.Validate()
	return c
}

// Load reads the JSON config file at fPath, if given, and applies environment overrides.
func Load(fPath string) (*Config, error) {
	k := koanf.New(".")

	if fPath != "" {
		if err := k.Load(file.Provider(fPath), json.Parser()); err != nil {
			return nil, errors.New("error reading config file: " + err.Error())
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil)
	if err != nil {
		return nil, errors.New("error reading environment: " + err.Error())
	}

	c := Config{}
	if err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, errors.New("error decoding config: " + err.Error())
	}

	return &c, c.Validate()
}

// Validate fills in defaults for unset values and checks the rest.
// It is safe to call more than once.
func (c *Config) Validate() error {
	if c.Broker.Address == "" {
		c.Broker.Address = DefaultBrokerAddress
	}
	addr, err := transport.NormalizeEndpoint(c.Broker.Address)
	if err != nil {
		return err
	}
	c.Broker.Address = addr

	if len(c.Broker.ClientID) > 23 {
		return errors.New("client_id longer than 23 characters")
	}

	s := &c.Session
	if s.KeepAliveS <= 0 {
		s.KeepAliveS = 60
	}
	if s.KeepAliveS > 65535 {
		return errors.New("keep_alive_s must fit in 16 bits")
	}
	if s.PingInterval <= 0 {
		s.PingInterval = 30000
	}
	if s.SubscribeDelay == 0 {
		s.SubscribeDelay = 500
	}
	if s.TestPublishDelay == 0 {
		s.TestPublishDelay = 200
	}
	if s.AckTimeout <= 0 {
		s.AckTimeout = 10000
	}
	if s.ReconnectInterval < 0 {
		s.ReconnectInterval = 0
	}
	if s.DialTimeout <= 0 {
		s.DialTimeout = 10000
	}

	r := &c.Reporting
	if r.Threshold <= 0 {
		r.Threshold = 80
	}
	if r.MinDelta <= 0 {
		r.MinDelta = 1
	}
	if r.StatsWindow <= 0 {
		r.StatsWindow = 1000
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "error", "warn", "info", "debug":
	default:
		return errors.New("unknown log level: " + c.Log.Level)
	}

	sim := &c.Simulation
	if sim.TickMS <= 0 {
		sim.TickMS = 100
	}
	for _, seg := range sim.Route {
		if seg.Target < 0 || seg.DurationMS <= 0 {
			return errors.New("invalid simulation route segment")
		}
	}
	if len(sim.Route) == 0 {
		sim.Route = []RouteSegment{
			{Target: 60, DurationMS: 3000},
			{Target: 120, DurationMS: 5000},
			{Target: 90, DurationMS: 4000},
			{Target: 0, DurationMS: 6000},
		}
	}

	return nil
}
