package mirror

import (
	"context"

	"github.com/alimk/ecowatch-sync/pkg/models"
	"github.com/alimk/ecowatch-sync/pkg/normalize"
)

// Insights is the mirrored realtime summary: the backend's AI analysis of
// the current readings together with the readings it was written for.
type Insights struct {
	Analysis string       `json:"analysis"`
	Count    int          `json:"count"`
	Views    []SensorView `json:"data"`
}

// RealtimeSource returns the realtime metrics with the AI summary.
type RealtimeSource interface {
	RealtimeMetrics(ctx context.Context) (*models.RealtimeMetrics, error)
}

// InsightsFeed is the fetch function behind the insights poller.
type InsightsFeed struct {
	Source RealtimeSource
}

func (f InsightsFeed) Fetch(ctx context.Context) (Insights, error) {
	m, err := f.Source.RealtimeMetrics(ctx)
	if err != nil {
		return Insights{}, err
	}
	latest := normalize.Latest(m.Data)
	views := make([]SensorView, 0, len(latest))
	for _, r := range latest {
		views = append(views, View(r))
	}
	count := m.Count
	if count == 0 {
		count = len(views)
	}
	return Insights{Analysis: m.AIAnalysis, Count: count, Views: views}, nil
}
