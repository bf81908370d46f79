package models

import (
	"errors"
	"math"
	"strings"
	"time"
)

// ParameterSet holds the six physical measurements reported by a sensor.
// It always travels as a unit; a zero value for every field means the
// sensor is offline.
type ParameterSet struct {
	Temperature     float64 `json:"temperature"`
	PH              float64 `json:"pH"`
	Turbidity       float64 `json:"turbidity"`
	DissolvedOxygen float64 `json:"dissolvedOxygen"`
	Nitrate         float64 `json:"nitrate"`
	Phosphate       float64 `json:"phosphate"`
}

// AllZero reports whether every measurement is exactly zero.
func (p ParameterSet) AllZero() bool {
	return p.Temperature == 0 &&
		p.PH == 0 &&
		p.Turbidity == 0 &&
		p.DissolvedOxygen == 0 &&
		p.Nitrate == 0 &&
		p.Phosphate == 0
}

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// BloomRisk is the server-assigned algae bloom risk tier.
type BloomRisk string

const (
	BloomRiskLow    BloomRisk = "Low"
	BloomRiskMedium BloomRisk = "Medium"
	BloomRiskHigh   BloomRisk = "High"
)

// SensorStatus is derived locally from a ParameterSet; the server never
// sends it.
type SensorStatus string

const (
	StatusActive  SensorStatus = "active"
	StatusWarning SensorStatus = "warning"
	StatusOffline SensorStatus = "offline"
)

// Reading is one immutable snapshot of a sensor. A newer Reading for the
// same DeviceID replaces the older one wholesale.
type Reading struct {
	DeviceID   string       `json:"deviceId"`
	Location   Location     `json:"location"`
	Parameters ParameterSet `json:"parameters"`
	BloomRisk  BloomRisk    `json:"bloomRisk"`
	Analysis   string       `json:"analysis,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Validate checks that the reading can be forwarded to downstream sinks.
// It does not touch time.Now(); a zero timestamp is accepted because some
// backend revisions omit it on the single-object shape.
func (r Reading) Validate() error {
	if strings.TrimSpace(r.DeviceID) == "" {
		return errors.New("deviceId is required")
	}
	if len(r.DeviceID) > 128 {
		return errors.New("deviceId exceeds 128 characters")
	}
	if r.Location.Lat < -90 || r.Location.Lat > 90 {
		return errors.New("location.lat out of range [-90, 90]")
	}
	if r.Location.Lng < -180 || r.Location.Lng > 180 {
		return errors.New("location.lng out of range [-180, 180]")
	}
	for _, v := range []float64{
		r.Parameters.Temperature, r.Parameters.PH, r.Parameters.Turbidity,
		r.Parameters.DissolvedOxygen, r.Parameters.Nitrate, r.Parameters.Phosphate,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("parameters must be finite")
		}
	}
	return nil
}

// RealtimeMetrics is the body of GET /api/sensor-data/realtime-metrics.
type RealtimeMetrics struct {
	Success    bool      `json:"success"`
	Count      int       `json:"count"`
	Data       []Reading `json:"data"`
	AIAnalysis string    `json:"ai_analysis"`
}

// AnalysisSummary is the body of POST /api/analysis/summary.
type AnalysisSummary struct {
	Success         bool     `json:"success"`
	Quality         string   `json:"quality,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}
