// Package sim produces vehicle speed samples, either from a simulated drive
// along a route or replayed from recorded input.
package sim

import (
	"context"
	"math"
	"time"
)

const (
	DefaultMaxSpeed     = 200.0
	DefaultAcceleration = 50.0 // km/h per second
	DefaultDeceleration = 30.0
	DefaultTick         = 100 * time.Millisecond

	// changes not larger than this are not reported
	speedEpsilon = 0.1
)

// Source emits speed samples until it runs out or ctx is done.
type Source interface {
	Run(ctx context.Context, emit func(speed float64)) error
}

type Vehicle struct {
	MaxSpeed     float64
	Acceleration float64
	Deceleration float64

	speed  float64 // last reported
	actual float64
}

func NewVehicle(maxSpeed, acceleration, deceleration float64) *Vehicle {
	if maxSpeed <= 0 {
		maxSpeed = DefaultMaxSpeed
	}
	if acceleration <= 0 {
		acceleration = DefaultAcceleration
	}
	if deceleration <= 0 {
		deceleration = DefaultDeceleration
	}
	return &Vehicle{MaxSpeed: maxSpeed, Acceleration: acceleration, Deceleration: deceleration}
}

func (v *Vehicle) Speed() float64 {
	return v.speed
}

// SetSpeed clamps speed to [0, MaxSpeed] and applies it if it moved by more
// than 0.1 km/h. It reports whether it did.
func (v *Vehicle) SetSpeed(speed float64) bool {
	speed = math.Max(0, math.Min(speed, v.MaxSpeed))
	if math.Abs(v.speed-speed) <= speedEpsilon {
		return false
	}
	v.speed, v.actual = speed, speed
	return true
}

// Step accelerates or brakes towards target for dt. It reports whether the
// speed changed enough to be reported, or settled on target.
func (v *Vehicle) Step(target float64, dt time.Duration) bool {
	target = math.Max(0, math.Min(target, v.MaxSpeed))
	secs := dt.Seconds()

	switch {
	case target > v.actual:
		v.actual = math.Min(target, v.actual+v.Acceleration*secs)
	case target < v.actual:
		v.actual = math.Max(target, v.actual-v.Deceleration*secs)
	}

	if v.actual == v.speed {
		return false
	}
	if math.Abs(v.actual-v.speed) <= speedEpsilon && v.actual != target {
		return false
	}
	v.speed = v.actual
	return true
}

// Segment drives towards Target for Duration.
type Segment struct {
	Target   float64
	Duration time.Duration
}

// Simulator runs a Vehicle along Route, one Step per Tick. Speeds are computed
// in simulated time, so they do not depend on scheduling delays.
type Simulator struct {
	Vehicle *Vehicle
	Route   []Segment
	Tick    time.Duration
	Loop    bool
}

func (s *Simulator) Run(ctx context.Context, emit func(float64)) error {
	if s.Vehicle == nil {
		s.Vehicle = NewVehicle(0, 0, 0)
	}
	tick := s.Tick
	if tick <= 0 {
		tick = DefaultTick
	}

	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		for _, seg := range s.Route {
			for elapsed := time.Duration(0); elapsed < seg.Duration; elapsed += tick {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-t.C:
				}
				if s.Vehicle.Step(seg.Target, tick) {
					emit(s.Vehicle.Speed())
				}
			}
		}

		if !s.Loop || len(s.Route) == 0 {
			return nil
		}
	}
}
