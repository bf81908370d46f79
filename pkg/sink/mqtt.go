package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/alimk/ecowatch-sync/pkg/mirror"
)

const mqttPublishTimeout = 3 * time.Second

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string // prefix; each device publishes to <Topic>/<deviceId>
}

// Publisher is the part of mqtt.Client the sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT republishes every sensor view as a retained QoS 1 message, so a
// subscriber that connects late still gets the current state of each
// device.
type MQTT struct {
	client Publisher
	topic  string
	logger *slog.Logger
}

// NewMQTT dials the broker and returns a connected sink.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(_ mqtt.Client) {
			logger.Info("connected to MQTT broker", "broker", cfg.Broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost, reconnecting", "error", err)
		})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if ok := tok.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("MQTT connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect: %w", err)
	}
	return NewMQTTWithClient(client, cfg.Topic, logger), nil
}

// NewMQTTWithClient wraps an already connected client.
func NewMQTTWithClient(p Publisher, topic string, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTT{client: p, topic: topic, logger: logger}
}

func (m *MQTT) Name() string { return "mqtt" }

// Write publishes one message per device. It stops at the first failure;
// the next batch republishes every device anyway.
func (m *MQTT) Write(ctx context.Context, b mirror.Batch) error {
	for _, v := range b.Views {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", v.DeviceID, err)
		}
		topic := m.topic + "/" + v.DeviceID
		tok := m.client.Publish(topic, 1, true, payload)
		if ok := tok.WaitTimeout(mqttPublishTimeout); !ok {
			return fmt.Errorf("publish %s: timed out", topic)
		}
		if err := tok.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
	}
	m.logger.Debug("published sensor views", "tick", b.Tick, "devices", len(b.Views))
	return nil
}

// Close disconnects, giving paho 500 ms to flush in-flight messages.
func (m *MQTT) Close() error {
	m.client.Disconnect(500)
	return nil
}
