package view

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alimk/ecowatch-sync/pkg/backend"
	"github.com/alimk/ecowatch-sync/pkg/classify"
	"github.com/alimk/ecowatch-sync/pkg/mirror"
	"github.com/alimk/ecowatch-sync/pkg/models"
	"github.com/alimk/ecowatch-sync/pkg/normalize"
)

// Live is the part of the backend the view proxies on demand: data that is
// too large or too rarely needed to mirror on every tick.
type Live interface {
	SensorData(ctx context.Context, deviceID string) ([]byte, error)
	SensorHistory(ctx context.Context, deviceID string, hours int) ([]byte, error)
	AnalysisSummary(ctx context.Context, p models.ParameterSet) (*models.AnalysisSummary, error)
	DischargeEvents(ctx context.Context, f models.DischargeFilter) ([]models.Report, error)
}

const maxHistoryHours = 24 * 30

// liveError maps a backend failure onto the view's answer.
func (s *Server) liveError(c *gin.Context, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Message})
	case backend.StatusCode(err) == http.StatusNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "not found upstream"})
	case backend.IsTransport(err):
		s.logger.Warn("live backend call failed", "route", routeLabel(c), "error", err)
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "backend unreachable"})
	default:
		s.logger.Warn("live backend call failed", "route", routeLabel(c), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

func (s *Server) liveContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.liveTimeout)
}

func (s *Server) requireLive(c *gin.Context) bool {
	if s.live == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backend not configured"})
		return false
	}
	return true
}

// handleSensorLive fetches the current reading of one device straight from
// the backend, bypassing the poll cadence.
func (s *Server) handleSensorLive(c *gin.Context) {
	if !s.requireLive(c) {
		return
	}
	ctx, cancel := s.liveContext(c)
	defer cancel()

	body, err := s.live.SensorData(ctx, c.Param("id"))
	if err != nil {
		s.liveError(c, err)
		return
	}
	readings, err := normalize.NormalizeJSON(body)
	if err != nil {
		s.liveError(c, &backend.ProtocolError{Endpoint: "sensor_device", Message: err.Error()})
		return
	}
	latest := normalize.Latest(readings)
	if len(latest) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "sensor not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": mirror.View(latest[0])})
}

type historyResponse struct {
	Data  []mirror.SensorView `json:"data"`
	Hours int                 `json:"hours"`
}

// handleSensorHistory serves ?hours= (default 24) of readings for one
// device, each classified like the live list.
func (s *Server) handleSensorHistory(c *gin.Context) {
	if !s.requireLive(c) {
		return
	}
	hours := 24
	if raw := c.Query("hours"); raw != "" {
		h, err := strconv.Atoi(raw)
		if err != nil || h <= 0 || h > maxHistoryHours {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be between 1 and " + strconv.Itoa(maxHistoryHours)})
			return
		}
		hours = h
	}

	ctx, cancel := s.liveContext(c)
	defer cancel()
	body, err := s.live.SensorHistory(ctx, c.Param("id"), hours)
	if err != nil {
		s.liveError(c, err)
		return
	}
	readings, err := normalize.NormalizeJSON(body)
	if err != nil {
		s.liveError(c, &backend.ProtocolError{Endpoint: "sensor_history", Message: err.Error()})
		return
	}
	views := make([]mirror.SensorView, len(readings))
	for i, r := range readings {
		views[i] = mirror.View(r)
	}
	c.JSON(http.StatusOK, historyResponse{Data: views, Hours: hours})
}

type analysisResponse struct {
	Data       *models.AnalysisSummary `json:"data"`
	Parameters models.ParameterSet     `json:"parameters"`
	Metrics    []classify.MetricLevel  `json:"metrics"`
}

// handleAnalysisForDevice asks for a quality assessment of the mirrored
// parameters of ?device=.
func (s *Server) handleAnalysisForDevice(c *gin.Context) {
	if !s.requireLive(c) {
		return
	}
	if s.sensors == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sensor feed not configured"})
		return
	}
	id := c.Query("device")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device is required"})
		return
	}
	for _, v := range s.sensors.Snapshot().Value {
		if v.DeviceID == id {
			s.analyze(c, v.Parameters)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "sensor not found"})
}

// handleAnalysis assesses a parameter set posted by the caller.
func (s *Server) handleAnalysis(c *gin.Context) {
	if !s.requireLive(c) {
		return
	}
	var p models.ParameterSet
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid parameters: " + err.Error()})
		return
	}
	s.analyze(c, p)
}

func (s *Server) analyze(c *gin.Context, p models.ParameterSet) {
	ctx, cancel := s.liveContext(c)
	defer cancel()
	sum, err := s.live.AnalysisSummary(ctx, p)
	if err != nil {
		s.liveError(c, err)
		return
	}
	c.JSON(http.StatusOK, analysisResponse{Data: sum, Parameters: p, Metrics: classify.Metrics(p)})
}

// parseBound accepts RFC 3339 or a bare YYYY-MM-DD in the view's zone.
func (s *Server) parseBound(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", raw, s.loc)
}

// handleDischarge lists discharge events filtered by ?from=, ?to= and
// ?severity=.
func (s *Server) handleDischarge(c *gin.Context) {
	if !s.requireLive(c) {
		return
	}
	var f models.DischargeFilter
	for _, b := range []struct {
		key string
		dst *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := c.Query(b.key)
		if raw == "" {
			continue
		}
		t, err := s.parseBound(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + b.key + ", expected RFC 3339 or YYYY-MM-DD"})
			return
		}
		*b.dst = t
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to is before from"})
		return
	}
	if raw := c.Query("severity"); raw != "" && raw != "All" {
		sev, ok := classify.Severity(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown severity"})
			return
		}
		f.Severity = sev
	}

	ctx, cancel := s.liveContext(c)
	defer cancel()
	events, err := s.live.DischargeEvents(ctx, f)
	if err != nil {
		s.liveError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": events, "counts": classify.CountSeverities(events)})
}

type insightsResponse struct {
	Data mirror.Insights `json:"data"`
	Meta meta            `json:"meta"`
}

// handleInsights serves the mirrored realtime summary.
func (s *Server) handleInsights(c *gin.Context) {
	if s.insights == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "insights feed not configured"})
		return
	}
	st := s.insights.Snapshot()
	data := st.Value
	if data.Views == nil {
		data.Views = []mirror.SensorView{}
	}
	c.JSON(http.StatusOK, insightsResponse{Data: data, Meta: metaOf(st)})
}
