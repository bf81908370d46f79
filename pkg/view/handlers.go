package view

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alimk/ecowatch-sync/pkg/classify"
	"github.com/alimk/ecowatch-sync/pkg/mirror"
	"github.com/alimk/ecowatch-sync/pkg/models"
)

// meta describes the freshness of a board so a client can tell a stale
// value from a missing one.
type meta struct {
	Tick        uint64     `json:"tick"`
	HasData     bool       `json:"hasData"`
	NoDataYet   bool       `json:"noDataYet"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	LastErrorAt *time.Time `json:"lastErrorAt,omitempty"`
}

func metaOf[T any](st mirror.State[T]) meta {
	m := meta{Tick: st.Tick, HasData: st.HasData, NoDataYet: st.NoDataYet()}
	if !st.UpdatedAt.IsZero() {
		t := st.UpdatedAt
		m.UpdatedAt = &t
	}
	if st.LastErr != nil {
		m.LastError = st.LastErr.Error()
		t := st.LastErrAt
		m.LastErrorAt = &t
	}
	return m
}

type sensorsResponse struct {
	Data    []mirror.SensorView   `json:"data"`
	Summary classify.StatusCounts `json:"summary"`
	Meta    meta                  `json:"meta"`
}

func sensorsPayload(st mirror.State[[]mirror.SensorView]) sensorsResponse {
	views := st.Value
	if views == nil {
		views = []mirror.SensorView{}
	}
	return sensorsResponse{
		Data:    views,
		Summary: classify.Summarize(mirror.Readings(views)),
		Meta:    metaOf(st),
	}
}

func (s *Server) handleSensors(c *gin.Context) {
	if s.sensors == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sensor feed not configured"})
		return
	}
	c.JSON(http.StatusOK, sensorsPayload(s.sensors.Snapshot()))
}

func (s *Server) handleSensor(c *gin.Context) {
	if s.sensors == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sensor feed not configured"})
		return
	}
	id := c.Param("id")
	st := s.sensors.Snapshot()
	for _, v := range st.Value {
		if v.DeviceID == id {
			c.JSON(http.StatusOK, gin.H{"data": v, "meta": metaOf(st)})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "sensor not found"})
}

// handleSensorStream pushes the sensor board as server-sent events: the
// current state first, then every change. Slow readers skip intermediate
// states.
func (s *Server) handleSensorStream(c *gin.Context) {
	if s.sensors == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sensor feed not configured"})
		return
	}
	updates, cancel := s.sensors.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	if st := s.sensors.Snapshot(); st.Attempted {
		c.SSEvent("sensors", sensorsPayload(st))
		c.Writer.Flush()
	}

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case st, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("sensors", sensorsPayload(st))
			return true
		case <-ctx.Done():
			return false
		}
	})
}

type reportsResponse struct {
	Data   []models.Report         `json:"data"`
	Counts classify.SeverityCounts `json:"counts"`
	Meta   meta                    `json:"meta"`
}

// handleReports serves the discharge reports, optionally filtered by
// ?severity= and ?date=YYYY-MM-DD. ?format=csv downloads the filtered list.
func (s *Server) handleReports(c *gin.Context) {
	if s.reports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "report feed not configured"})
		return
	}

	var day time.Time
	if raw := c.Query("date"); raw != "" {
		d, err := time.ParseInLocation("2006-01-02", raw, s.loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date, expected YYYY-MM-DD"})
			return
		}
		day = d
	}

	st := s.reports.Snapshot()
	filtered := mirror.FilterReports(st.Value, c.Query("severity"), day, s.loc)

	if strings.EqualFold(c.Query("format"), "csv") {
		var buf bytes.Buffer
		if err := mirror.ExportCSV(&buf, filtered, s.loc); err != nil {
			s.logger.Error("csv export failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
			return
		}
		name := "reports_" + s.now().In(s.loc).Format("2006-01-02") + ".csv"
		c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
		c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
		return
	}

	if filtered == nil {
		filtered = []models.Report{}
	}
	c.JSON(http.StatusOK, reportsResponse{
		Data:   filtered,
		Counts: classify.CountSeverities(st.Value),
		Meta:   metaOf(st),
	})
}
