// Package view serves a read-only HTTP view of the canonical client state:
// the latest sensor views, the discharge reports, the realtime insights and
// the Prometheus metrics. Those come from the boards the pollers publish
// into. Per-device history, analysis and discharge queries are proxied to
// the backend on demand when one is configured.
package view

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alimk/ecowatch-sync/pkg/mirror"
	"github.com/alimk/ecowatch-sync/pkg/models"
)

type (
	SensorBoard = mirror.Board[[]mirror.SensorView]
	ReportBoard   = mirror.Board[[]models.Report]
	InsightsBoard = mirror.Board[mirror.Insights]
)

// Option configures a Server.
type Option func(*Server)

// WithLocation sets the zone used for report date filtering and CSV
// export. Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(s *Server) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now, used for the export file name.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithBackend enables the on-demand routes. timeout bounds each call; zero
// means 10s.
func WithBackend(l Live, timeout time.Duration) Option {
	return func(s *Server) {
		s.live = l
		if timeout > 0 {
			s.liveTimeout = timeout
		}
	}
}

// WithInsights serves the realtime summary board.
func WithInsights(b *InsightsBoard) Option {
	return func(s *Server) { s.insights = b }
}

// WithHealthCheck makes /healthz answer 503 while check fails.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(s *Server) { s.health = check }
}

// Server bundles the router and the boards it reads.
type Server struct {
	sensors  *SensorBoard
	reports  *ReportBoard
	insights *InsightsBoard
	loc      *time.Location
	logger   *slog.Logger
	now      func() time.Time
	engine   *gin.Engine

	live        Live
	liveTimeout time.Duration
	health      func(context.Context) error
}

// New builds the router. Either board may be nil, in which case its routes
// answer 503.
func New(sensors *SensorBoard, reports *ReportBoard, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		sensors:     sensors,
		reports:     reports,
		loc:         time.Local,
		logger:      slog.Default(),
		now:         time.Now,
		liveTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestMetrics(s.logger))
	s.engine = engine
	s.registerRoutes()
	return s
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")
	{
		api.GET("/sensors", s.handleSensors)
		api.GET("/stream/sensors", s.handleSensorStream)
		api.GET("/sensors/:id", s.handleSensor)
		api.GET("/sensors/:id/live", s.handleSensorLive)
		api.GET("/sensors/:id/history", s.handleSensorHistory)
		api.GET("/reports", s.handleReports)
		api.GET("/insights", s.handleInsights)
		api.GET("/analysis", s.handleAnalysisForDevice)
		api.POST("/analysis", s.handleAnalysis)
		api.GET("/discharge", s.handleDischarge)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
