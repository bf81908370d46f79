package classify

import "github.com/alimk/ecowatch-sync/pkg/models"

// StatusCounts backs the active/warning/offline cards of the sensor list.
type StatusCounts struct {
	Active  int `json:"active"`
	Warning int `json:"warning"`
	Offline int `json:"offline"`
}

// Summarize classifies every reading and counts the results.
func Summarize(readings []models.Reading) StatusCounts {
	var c StatusCounts
	for _, r := range readings {
		switch Status(r.Parameters) {
		case models.StatusActive:
			c.Active++
		case models.StatusWarning:
			c.Warning++
		case models.StatusOffline:
			c.Offline++
		}
	}
	return c
}

// SeverityCounts backs the High/Medium/Low cards of the reports view.
// Reports with an unrecognised severity are counted in Unknown.
type SeverityCounts struct {
	High    int `json:"high"`
	Medium  int `json:"medium"`
	Low     int `json:"low"`
	Unknown int `json:"unknown"`
}

// CountSeverities tallies reports by severity.
func CountSeverities(reports []models.Report) SeverityCounts {
	var c SeverityCounts
	for _, r := range reports {
		sev, ok := Severity(string(r.Severity))
		if !ok {
			c.Unknown++
			continue
		}
		switch sev {
		case models.SeverityHigh:
			c.High++
		case models.SeverityMedium:
			c.Medium++
		case models.SeverityLow:
			c.Low++
		}
	}
	return c
}
