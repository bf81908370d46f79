package normalize

import "github.com/alimk/ecowatch-sync/pkg/models"

// Latest keeps one reading per device: the one with the newest timestamp,
// or the later one in input order on a tie. Devices keep the order in which
// they were first seen. Readings without a device id pass through untouched.
func Latest(readings []models.Reading) []models.Reading {
	out := make([]models.Reading, 0, len(readings))
	index := make(map[string]int, len(readings))
	for _, r := range readings {
		if r.DeviceID == "" {
			out = append(out, r)
			continue
		}
		i, seen := index[r.DeviceID]
		if !seen {
			index[r.DeviceID] = len(out)
			out = append(out, r)
			continue
		}
		if !r.Timestamp.Before(out[i].Timestamp) {
			out[i] = r
		}
	}
	return out
}
