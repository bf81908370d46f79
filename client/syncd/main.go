package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alimk/ecowatch-sync/pkg/auth"
	"github.com/alimk/ecowatch-sync/pkg/backend"
	"github.com/alimk/ecowatch-sync/pkg/config"
	"github.com/alimk/ecowatch-sync/pkg/kv"
	"github.com/alimk/ecowatch-sync/pkg/mirror"
	"github.com/alimk/ecowatch-sync/pkg/models"
	"github.com/alimk/ecowatch-sync/pkg/poller"
	"github.com/alimk/ecowatch-sync/pkg/sink"
	"github.com/alimk/ecowatch-sync/pkg/view"
)

var version = "dev"

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

// sources is what the pollers need from the backend client.
type sources interface {
	mirror.SensorSource
	mirror.ReportSource
	mirror.RealtimeSource
}

// pipeline owns the canonical state and the pollers feeding it.
type pipeline struct {
	sensors  *view.SensorBoard
	reports  *view.ReportBoard
	insights *view.InsightsBoard
	fan      *mirror.Fanout

	sensorPoller   *poller.Poller[[]mirror.SensorView]
	reportPoller   *poller.Poller[[]models.Report]
	insightsPoller *poller.Poller[mirror.Insights]
}

func newPipeline(src sources, cfg config.Config, fan *mirror.Fanout, opts ...poller.Option) *pipeline {
	p := &pipeline{
		sensors:  mirror.NewBoard[[]mirror.SensorView](nil),
		reports:  mirror.NewBoard[[]models.Report](nil),
		insights: mirror.NewBoard[mirror.Insights](nil),
		fan:      fan,
	}

	feed := mirror.SensorFeed{Source: src, Logger: logger}
	sensorOpts := append([]poller.Option{
		poller.WithInterval(cfg.PollInterval),
		poller.WithTimeout(cfg.FetchTimeout),
		poller.WithLogger(logger),
		poller.WithErrorHandler(p.sensors.Fail),
	}, opts...)
	p.sensorPoller = poller.New("sensors", feed.Fetch, func(u poller.Update[[]mirror.SensorView]) {
		if p.sensors.Apply(u.Tick, u.Value) {
			p.fan.Publish(mirror.Batch{Tick: u.Tick, At: u.FetchedAt, Views: u.Value})
		}
	}, sensorOpts...)

	reportFeed := mirror.ReportFeed{Source: src}
	reportOpts := append([]poller.Option{
		poller.WithInterval(cfg.ReportInterval),
		poller.WithTimeout(cfg.FetchTimeout),
		poller.WithLogger(logger),
		poller.WithErrorHandler(p.reports.Fail),
	}, opts...)
	p.reportPoller = poller.New("reports", reportFeed.Fetch, func(u poller.Update[[]models.Report]) {
		p.reports.Apply(u.Tick, u.Value)
	}, reportOpts...)

	insightsFeed := mirror.InsightsFeed{Source: src}
	insightsOpts := append([]poller.Option{
		poller.WithInterval(cfg.InsightsInterval),
		poller.WithTimeout(cfg.FetchTimeout),
		poller.WithLogger(logger),
		poller.WithErrorHandler(p.insights.Fail),
	}, opts...)
	p.insightsPoller = poller.New("insights", insightsFeed.Fetch, func(u poller.Update[mirror.Insights]) {
		p.insights.Apply(u.Tick, u.Value)
	}, insightsOpts...)

	return p
}

// start launches every loop and returns a function that stops them and
// waits for every in-flight fetch.
func (p *pipeline) start(ctx context.Context) (stop func()) {
	logger.Info("pollers starting",
		"sensors_every", p.sensorPoller.Interval().String(),
		"reports_every", p.reportPoller.Interval().String(),
		"insights_every", p.insightsPoller.Interval().String(),
	)
	handles := map[string]*poller.Handle{
		"sensors":  p.sensorPoller.Start(ctx),
		"reports":  p.reportPoller.Start(ctx),
		"insights": p.insightsPoller.Start(ctx),
	}
	return func() {
		for _, h := range handles {
			h.Stop()
		}
		for name, h := range handles {
			h.Wait()
			logger.Info("poller stopped", "feed", name, "last_published_tick", h.Published())
		}
	}
}

// ---------------------------------------------------------------------------
// Sinks
// ---------------------------------------------------------------------------

// openSinks connects every configured sink. A sink that fails to connect is
// logged and skipped; the daemon is still useful without it.
func openSinks(ctx context.Context, cfg config.Config) []mirror.Sink {
	var sinks []mirror.Sink

	if cfg.MQTT.Broker != "" {
		s, err := sink.NewMQTT(sink.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
		}, logger)
		if err != nil {
			logger.Error("mqtt sink disabled", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			sinks = append(sinks, s)
		}
	}

	if cfg.Influx.URL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		s, err := sink.NewInflux(dialCtx, sink.InfluxConfig{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		})
		cancel()
		if err != nil {
			logger.Error("influx sink disabled", "url", cfg.Influx.URL, "error", err)
		} else {
			sinks = append(sinks, s)
		}
	}

	if cfg.DatabaseURL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		s, err := sink.NewPostgres(dialCtx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			logger.Error("postgres sink disabled", "error", err)
		} else {
			sinks = append(sinks, s)
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		s, err := sink.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			logger.Error("kafka sink disabled", "brokers", cfg.Kafka.Brokers, "error", err)
		} else {
			sinks = append(sinks, s)
		}
	}

	return sinks
}

// ---------------------------------------------------------------------------
// Metrics server
// ---------------------------------------------------------------------------

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

// probeAddr turns a listen address like ":8090" into something dialable.
func probeAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

// ---------------------------------------------------------------------------
// main
// ---------------------------------------------------------------------------

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Probe the view server and exit 0/1.")
	flag.Parse()

	if *healthcheck {
		addr := os.Getenv("VIEW_ADDR")
		if addr == "" {
			addr = ":8090"
		}
		conn, err := net.DialTimeout("tcp", probeAddr(addr), 3*time.Second)
		if err != nil {
			os.Exit(1)
		}
		conn.Close()
		os.Exit(0)
	}

	config.SetLogger(logger)
	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Debug {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
		config.SetLogger(logger)
	}
	slog.SetDefault(logger)

	logger.Info("starting syncd",
		"version", version,
		"api_url", cfg.APIURL,
		"poll_interval", cfg.PollInterval.String(),
		"report_interval", cfg.ReportInterval.String(),
		"insights_interval", cfg.InsightsInterval.String(),
		"fetch_timeout", cfg.FetchTimeout.String(),
		"state_db", cfg.StateDBPath,
		"view_addr", cfg.ViewAddr,
		"metrics_addr", cfg.MetricsAddr,
	)

	store, err := kv.OpenSQLite(cfg.StateDBPath)
	if err != nil {
		logger.Error("failed to open state db", "path", cfg.StateDBPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	authMgr := auth.New(store, logger)
	client, err := backend.New(cfg.APIURL, cfg.FetchTimeout,
		backend.WithTokenSource(authMgr),
		backend.WithLogger(logger))
	if err != nil {
		logger.Error("invalid backend client", "error", err)
		os.Exit(1)
	}
	authMgr.SetBackend(client)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if u, err := authMgr.Refresh(ctx); err == nil {
		logger.Info("resumed session", "user_id", u.ID)
	} else if !errors.Is(err, auth.ErrNotLoggedIn) {
		logger.Warn("could not refresh stored session", "error", err)
	}

	metricsSrv := startMetricsServer(cfg.MetricsAddr)

	// Sink workers get their own context so a shutdown signal does not abort
	// the final drain; Close bounds it and cancels writes that overrun.
	fan := mirror.NewFanout(cfg.SinkQueueSize, logger, openSinks(ctx, cfg)...)
	fan.Start(context.Background())
	logger.Info("sinks ready", "count", fan.Len())

	p := newPipeline(client, cfg, fan)
	stopPollers := p.start(ctx)

	srv := view.New(p.sensors, p.reports,
		view.WithLogger(logger),
		view.WithInsights(p.insights),
		view.WithBackend(client, cfg.FetchTimeout),
		view.WithHealthCheck(store.Ping))
	var viewWG sync.WaitGroup
	viewWG.Add(1)
	go func() {
		defer viewWG.Done()
		if err := srv.Run(ctx, cfg.ViewAddr); err != nil {
			logger.Error("view server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// 1. Stop polling: no new batches after this returns.
	stopPollers()

	// 2. Drain sinks, bounded by the shutdown timeout.
	if fan.Close(cfg.ShutdownTimeout) {
		logger.Info("sinks drained cleanly")
	}

	// 3. View server shuts itself down on ctx.
	viewWG.Wait()

	// 4. Release idle backend connections and stop the metrics server.
	client.CloseIdleConnections()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutCtx)

	logger.Info("syncd stopped")
}
