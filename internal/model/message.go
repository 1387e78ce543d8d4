package model

import (
	"encoding/json"
	"time"
)

const SpeedUnit = "km/h"

// SpeedReport is published when a vehicle's speed crosses the reporting threshold.
type SpeedReport struct {
	Timestamp         string  `json:"timestamp"`
	Speed             float64 `json:"speed"`
	Unit              string  `json:"unit"`
	ThresholdExceeded bool    `json:"threshold_exceeded"`
	VehicleID         string  `json:"vehicle_id"`
}

func NewSpeedReport(speed float64, vehicleID string, at time.Time) SpeedReport {
	return SpeedReport{
		Timestamp:         at.Format(time.RFC3339),
		Speed:             speed,
		Unit:              SpeedUnit,
		ThresholdExceeded: true,
		VehicleID:         vehicleID,
	}
}

// Marshal returns the compact JSON form of the report.
func (r *SpeedReport) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// InboundMessage is a PUBLISH received from the broker.
type InboundMessage struct {
	Topic   string
	Payload []byte
}
