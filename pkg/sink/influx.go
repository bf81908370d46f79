package sink

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/alimk/ecowatch-sync/pkg/mirror"
)

const measurement = "water_quality"

// InfluxConfig describes an InfluxDB v2 bucket.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// pointWriter is satisfied by api.WriteAPIBlocking.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Influx writes one point per reading, tagged by device, status and risk.
type Influx struct {
	client influxdb2.Client
	writer pointWriter
}

// NewInflux connects and verifies the server is healthy before returning.
func NewInflux(ctx context.Context, cfg InfluxConfig) (*Influx, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	if _, err := client.Health(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to InfluxDB: %w", err)
	}
	return &Influx{
		client: client,
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

func (i *Influx) Name() string { return "influx" }

// Write sends the whole batch in a single request.
func (i *Influx) Write(ctx context.Context, b mirror.Batch) error {
	if len(b.Views) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(b.Views))
	for _, v := range b.Views {
		points = append(points, point(v, b))
	}
	if err := i.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write %d points: %w", len(points), err)
	}
	return nil
}

func point(v mirror.SensorView, b mirror.Batch) *write.Point {
	risk := "unknown"
	if v.RiskKnown {
		risk = string(v.Risk)
	}
	p := v.Parameters
	return write.NewPoint(
		measurement,
		map[string]string{
			"device_id": v.DeviceID,
			"status":    string(v.Status),
			"risk":      risk,
		},
		map[string]interface{}{
			"temperature":      p.Temperature,
			"ph":               p.PH,
			"turbidity":        p.Turbidity,
			"dissolved_oxygen": p.DissolvedOxygen,
			"nitrate":          p.Nitrate,
			"phosphate":        p.Phosphate,
			"latitude":         v.Location.Lat,
			"longitude":        v.Location.Lng,
		},
		observedAt(v, b),
	)
}

func (i *Influx) Close() error {
	if i.client != nil {
		i.client.Close()
	}
	return nil
}
