// Package classify maps measurements to locally derived health tiers. Every
// function here is pure and total.
package classify

import (
	"strings"

	"github.com/alimk/ecowatch-sync/pkg/models"
)

// Aggregate thresholds. Any one of them firing puts a sensor in warning.
const (
	MaxTemperature     = 30.0
	MinPH              = 6.5
	MaxPH              = 8.5
	MinDissolvedOxygen = 3.0
	MaxNitrate         = 10.0
	MaxTurbidity       = 50.0
	MaxPhosphate       = 0.1
)

// Status returns the aggregate sensor status. Offline wins over warning:
// a sensor reporting all zeros is not read as "dissolved oxygen too low".
func Status(p models.ParameterSet) models.SensorStatus {
	if p.AllZero() {
		return models.StatusOffline
	}
	if Abnormal(p) {
		return models.StatusWarning
	}
	return models.StatusActive
}

// Abnormal reports whether any aggregate threshold is crossed.
func Abnormal(p models.ParameterSet) bool {
	return p.Temperature > MaxTemperature ||
		p.PH < MinPH || p.PH > MaxPH ||
		p.DissolvedOxygen < MinDissolvedOxygen ||
		p.Nitrate > MaxNitrate ||
		p.Turbidity > MaxTurbidity ||
		p.Phosphate > MaxPhosphate
}

// BloomRisk maps the server-supplied risk string onto a known tier. The
// second result is false for anything unrecognised; callers render that as
// "no badge".
func BloomRisk(s string) (models.BloomRisk, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return models.BloomRiskLow, true
	case "medium":
		return models.BloomRiskMedium, true
	case "high":
		return models.BloomRiskHigh, true
	default:
		return "", false
	}
}

// Severity is BloomRisk for discharge report severities.
func Severity(s string) (models.Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return models.SeverityLow, true
	case "medium":
		return models.SeverityMedium, true
	case "high":
		return models.SeverityHigh, true
	default:
		return "", false
	}
}
