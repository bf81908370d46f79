package mirror

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alimk/ecowatch-sync/pkg/backend"
	"github.com/alimk/ecowatch-sync/pkg/classify"
	"github.com/alimk/ecowatch-sync/pkg/models"
	"github.com/alimk/ecowatch-sync/pkg/normalize"
)

// SensorView is a reading together with everything derived from it
// locally.
type SensorView struct {
	models.Reading
	Status    models.SensorStatus    `json:"status"`
	Risk      models.BloomRisk       `json:"risk,omitempty"`
	RiskKnown bool                   `json:"riskKnown"`
	Metrics   []classify.MetricLevel `json:"metrics"`
}

// View classifies one reading.
func View(r models.Reading) SensorView {
	risk, known := classify.BloomRisk(string(r.BloomRisk))
	return SensorView{
		Reading:   r,
		Status:    classify.Status(r.Parameters),
		Risk:      risk,
		RiskKnown: known,
		Metrics:   classify.Metrics(r.Parameters),
	}
}

// Readings returns the readings behind views.
func Readings(views []SensorView) []models.Reading {
	out := make([]models.Reading, len(views))
	for i, v := range views {
		out[i] = v.Reading
	}
	return out
}

// SensorSource returns the raw body of the latest-readings endpoint.
type SensorSource interface {
	LatestSensorData(ctx context.Context) ([]byte, error)
}

// SensorFeed is the fetch function behind the sensor poller: fetch,
// normalize, keep the newest reading per device, classify.
type SensorFeed struct {
	Source SensorSource
	Logger *slog.Logger
}

const sensorEndpoint = "sensor_latest"

// Fetch returns one view per device. A payload that normalizes to nothing is
// a protocol error, so the previously published views stay in place instead
// of being replaced by an empty list.
func (f SensorFeed) Fetch(ctx context.Context) ([]SensorView, error) {
	body, err := f.Source.LatestSensorData(ctx)
	if err != nil {
		return nil, err
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &backend.ProtocolError{Endpoint: sensorEndpoint, Message: "invalid JSON: " + err.Error()}
	}
	readings, shape := normalize.Normalizer{Logger: f.logger()}.Detect(raw)

	views := make([]SensorView, 0, len(readings))
	for _, r := range normalize.Latest(readings) {
		if err := r.Validate(); err != nil {
			f.logger().Warn("dropping invalid reading", "device_id", r.DeviceID, "error", err)
			continue
		}
		views = append(views, View(r))
	}
	if len(views) == 0 {
		return nil, &backend.ProtocolError{
			Endpoint: sensorEndpoint,
			Message:  "no usable readings in " + string(shape) + " payload",
		}
	}
	return views, nil
}

func (f SensorFeed) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}
