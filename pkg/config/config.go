// Package config reads runtime settings from the environment, optionally
// seeded from a .env file. Invalid values are logged and replaced by their
// defaults; only an unusable backend URL is an error.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var logger = slog.Default()

// SetLogger replaces the logger used to report invalid values.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

type MQTT struct {
	Broker   string
	ClientID string
	Topic    string
}

type Influx struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

type Kafka struct {
	Brokers []string
	Topic   string
}

// Config holds every setting of the sync daemon and the chat client.
type Config struct {
	APIURL           string
	PollInterval     time.Duration
	ReportInterval   time.Duration
	InsightsInterval time.Duration
	FetchTimeout     time.Duration
	StateDBPath      string
	ViewAddr         string
	MetricsAddr      string
	SinkQueueSize    int
	ShutdownTimeout  time.Duration
	Debug            bool

	// Empty broker, URL or DSN disables the matching sink.
	MQTT        MQTT
	Influx      Influx
	DatabaseURL string
	Kafka       Kafka
}

// Load reads .env (if present) and then the environment.
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Config{
		APIURL:           strings.TrimRight(getEnv("ECOWATCH_API_URL", "http://localhost:5000"), "/"),
		PollInterval:     getEnvDuration("POLL_INTERVAL", 3*time.Second),
		ReportInterval:   getEnvDuration("REPORT_POLL_INTERVAL", 3*time.Second),
		InsightsInterval: getEnvDuration("INSIGHTS_POLL_INTERVAL", 30*time.Second),
		FetchTimeout:     getEnvDuration("FETCH_TIMEOUT", 10*time.Second),
		StateDBPath:      getEnv("STATE_DB_PATH", "ecowatch-state.db"),
		ViewAddr:         getEnv("VIEW_ADDR", ":8090"),
		MetricsAddr:      getEnv("METRICS_ADDR", ":9093"),
		SinkQueueSize:    getEnvInt("SINK_QUEUE_SIZE", 64),
		ShutdownTimeout:  getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Debug:            getEnvBool("LOG_DEBUG", false),
		MQTT: MQTT{
			Broker:   os.Getenv("MQTT_BROKER"),
			ClientID: getEnv("MQTT_CLIENT_ID", "ecowatch-sync"),
			Topic:    getEnv("MQTT_TOPIC", "ecowatch/sensors"),
		},
		Influx: Influx{
			URL:    os.Getenv("INFLUX_URL"),
			Token:  os.Getenv("INFLUX_TOKEN"),
			Org:    getEnv("INFLUX_ORG", "ecowatch"),
			Bucket: getEnv("INFLUX_BUCKET", "sensors"),
		},
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Kafka: Kafka{
			Brokers: getEnvList("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_TOPIC", "ecowatch.sensors"),
		},
	}

	u, err := url.Parse(cfg.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("ECOWATCH_API_URL %q: must be an http(s) URL", cfg.APIURL)
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		logger.Warn("invalid env var, using default", "key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return v
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logger.Warn("invalid env var, using default", "key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return d
}

func getEnvBool(key string, defaultVal bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Warn("invalid env var, using default", "key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return b
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
