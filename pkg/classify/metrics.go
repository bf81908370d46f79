package classify

import "github.com/alimk/ecowatch-sync/pkg/models"

// Level is the per-metric display tier.
type Level string

const (
	LevelGood    Level = "good"
	LevelWarning Level = "warning"
	LevelDanger  Level = "danger"
)

// Metric names one of the six parameters.
type Metric string

const (
	MetricTemperature     Metric = "temperature"
	MetricPH              Metric = "pH"
	MetricTurbidity       Metric = "turbidity"
	MetricDissolvedOxygen Metric = "dissolvedOxygen"
	MetricNitrate         Metric = "nitrate"
	MetricPhosphate       Metric = "phosphate"
)

// MetricLevel is one row of the per-metric breakdown.
type MetricLevel struct {
	Metric Metric  `json:"metric"`
	Value  float64 `json:"value"`
	Unit   string  `json:"unit"`
	Level  Level   `json:"level"`
}

// Metrics returns the per-metric tiers in display order. The danger bands
// are wider than the aggregate warning bands, so a sensor can be in warning
// while every metric here reads good or warning.
func Metrics(p models.ParameterSet) []MetricLevel {
	return []MetricLevel{
		{MetricTemperature, p.Temperature, "°C", above(p.Temperature, MaxTemperature, 0)},
		{MetricPH, p.PH, "pH", phLevel(p.PH)},
		{MetricTurbidity, p.Turbidity, "NTU", above(p.Turbidity, MaxTurbidity, 0)},
		{MetricDissolvedOxygen, p.DissolvedOxygen, "mg/L", oxygenLevel(p.DissolvedOxygen)},
		{MetricNitrate, p.Nitrate, "mg/L", nitrateLevel(p.Nitrate)},
		{MetricPhosphate, p.Phosphate, "mg/L", above(p.Phosphate, MaxPhosphate, 0)},
	}
}

// above returns warning past warn and danger past danger; danger <= 0
// disables the danger tier.
func above(v, warn, danger float64) Level {
	switch {
	case danger > 0 && v > danger:
		return LevelDanger
	case v > warn:
		return LevelWarning
	default:
		return LevelGood
	}
}

func phLevel(v float64) Level {
	switch {
	case v < 6 || v > 9:
		return LevelDanger
	case v < MinPH || v > MaxPH:
		return LevelWarning
	default:
		return LevelGood
	}
}

func oxygenLevel(v float64) Level {
	switch {
	case v < MinDissolvedOxygen:
		return LevelDanger
	case v < 5:
		return LevelWarning
	default:
		return LevelGood
	}
}

// nitrateLevel has no warning tier; crossing the limit is immediately danger.
func nitrateLevel(v float64) Level {
	if v > MaxNitrate {
		return LevelDanger
	}
	return LevelGood
}
