// Package normalize turns whatever the sensor endpoints return into an
// ordered slice of readings.
//
// The backend answers /api/sensor-data/latest with one of three shapes
// depending on its revision: a bare array, a {success, data: [...]}
// envelope, or a single reading object. Shape detection runs in a fixed
// order and never fails; an unrecognised payload yields an empty slice and a
// diagnostic log line.
package normalize

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alimk/ecowatch-sync/pkg/models"
)

// Shape names the rule that matched a payload.
type Shape string

const (
	ShapeSequence Shape = "sequence"
	ShapeEnvelope Shape = "envelope"
	ShapeSingle   Shape = "single"
	ShapeUnknown  Shape = "unknown"
)

// Normalizer carries the logger used for diagnostics. The zero value logs
// through slog.Default().
type Normalizer struct {
	Logger *slog.Logger
}

// Normalize is a convenience wrapper around a zero Normalizer.
func Normalize(raw any) []models.Reading {
	return Normalizer{}.Normalize(raw)
}

// NormalizeJSON decodes body and normalizes the result. Only a JSON syntax
// error is returned; any decodable document normalizes.
func NormalizeJSON(body []byte) ([]models.Reading, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode sensor payload: %w", err)
	}
	return Normalize(raw), nil
}

// Normalize returns the readings carried by raw. The result is never nil.
func (n Normalizer) Normalize(raw any) []models.Reading {
	readings, _ := n.Detect(raw)
	return readings
}

// Detect is Normalize that also reports which rule matched.
func (n Normalizer) Detect(raw any) ([]models.Reading, Shape) {
	switch v := raw.(type) {
	case []models.Reading:
		out := make([]models.Reading, len(v))
		copy(out, v)
		return out, ShapeSequence
	case models.Reading:
		return []models.Reading{v}, ShapeSingle
	case []any:
		return n.decodeAll(v), ShapeSequence
	case map[string]any:
		if truthy(v["success"]) {
			if data, ok := v["data"].([]any); ok {
				return n.decodeAll(data), ShapeEnvelope
			}
		}
		if id, ok := v["deviceId"].(string); ok && id != "" {
			r, err := decodeReading(v)
			if err != nil {
				n.logger().Warn("dropping malformed single reading", "device_id", id, "error", err)
				return []models.Reading{}, ShapeSingle
			}
			return []models.Reading{r}, ShapeSingle
		}
	}

	n.logger().Warn("unrecognized sensor payload shape", "type", fmt.Sprintf("%T", raw))
	return []models.Reading{}, ShapeUnknown
}

func (n Normalizer) decodeAll(items []any) []models.Reading {
	out := make([]models.Reading, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			n.logger().Warn("skipping non-object reading", "index", i, "type", fmt.Sprintf("%T", item))
			continue
		}
		r, err := decodeReading(obj)
		if err != nil {
			n.logger().Warn("skipping malformed reading", "index", i, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out
}

func (n Normalizer) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// decodeReading re-encodes a generic JSON object into the typed Reading so
// that field tags stay the single source of truth for key names. Loose
// field types are coerced first; only structurally broken objects fail.
func decodeReading(obj map[string]any) (models.Reading, error) {
	buf, err := json.Marshal(coerce(obj))
	if err != nil {
		return models.Reading{}, err
	}
	var r models.Reading
	if err := json.Unmarshal(buf, &r); err != nil {
		return models.Reading{}, err
	}
	return r, nil
}

// truthy mirrors the loose success flag the backend sends: true, 1, "true"
// and friends all count.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case json.Number:
		return t.String() != "0" && t.String() != ""
	case string:
		return t != ""
	default:
		return true
	}
}
