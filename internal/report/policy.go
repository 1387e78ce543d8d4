// Package report decides which speed samples become reports.
package report

import "math"

const (
	DefaultThreshold = 80.0
	DefaultMinDelta  = 1.0
)

// Decision is the outcome for one speed sample.
type Decision int

const (
	Send Decision = iota
	BelowThreshold
	NearDuplicate
	NotReady
)

func (d Decision) String() string {
	switch d {
	case Send:
		return "sent"
	case BelowThreshold:
		return "below_threshold"
	case NearDuplicate:
		return "near_duplicate"
	case NotReady:
		return "not_ready"
	}
	return "unknown"
}

// Policy suppresses samples under Threshold and samples within MinDelta of the
// last sent one. Samples are never queued for later.
type Policy struct {
	Threshold float64
	MinDelta  float64
	LastSent  float64
}

func NewPolicy(threshold, minDelta float64) *Policy {
	if minDelta < 0 {
		minDelta = DefaultMinDelta
	}
	return &Policy{Threshold: threshold, MinDelta: minDelta}
}

// Decide classifies speed. ready tells whether the session can publish right now.
func (p *Policy) Decide(speed float64, ready bool) Decision {
	switch {
	case speed < p.Threshold:
		return BelowThreshold
	case math.Abs(speed-p.LastSent) <= p.MinDelta:
		return NearDuplicate
	case !ready:
		return NotReady
	}
	return Send
}

// MarkSent records speed as the last published value.
func (p *Policy) MarkSent(speed float64) {
	p.LastSent = speed
}
