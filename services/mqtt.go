package services

import (
	"context"
	"fmt"
	"time"

	"ecgmon/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Subscription QoS: telemetry is best effort, status is at-least-once.
const (
	telemetryQoS byte = 0
	statusQoS    byte = 1
	commandQoS   byte = 1
)

// MQTTTransport subscribes to the telemetry and status wildcards on an MQTT broker.
type MQTTTransport struct {
	config  *config.Config
	client  mqtt.Client
	handler MessageHandler
	logger  *zap.Logger
	topics  map[string]byte
}

func NewMQTTTransport(cfg *config.Config, handler MessageHandler, logger *zap.Logger) *MQTTTransport {
	t := &MQTTTransport{
		config:  cfg,
		handler: handler,
		logger:  logger,
		topics: map[string]byte{
			cfg.TelemetryTopic: telemetryQoS,
			cfg.StatusTopic:    statusQoS,
		},
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTTBroker)
	opts.SetClientID(cfg.MQTTClientID)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
	}
	if cfg.MQTTPassword != "" {
		opts.SetPassword(cfg.MQTTPassword)
	}

	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.ReconnectMax)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Second)
	opts.SetCleanSession(true)
	// one delivery path: callbacks run in arrival order
	opts.SetOrderMatters(true)

	opts.OnConnect = t.onConnect
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		t.logger.Error("MQTT connection lost", zap.Error(err))
	}
	opts.OnReconnecting = func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		t.logger.Info("Reconnecting to MQTT broker", zap.String("broker", cfg.MQTTBroker))
	}

	t.client = mqtt.NewClient(opts)
	return t
}

// onConnect (re)subscribes after every successful connection, since the session is clean.
func (t *MQTTTransport) onConnect(client mqtt.Client) {
	t.logger.Info("Connected to MQTT broker", zap.String("broker", t.config.MQTTBroker))

	token := client.SubscribeMultiple(t.topics, t.onMessage)
	if !token.WaitTimeout(t.config.ConnectTimeout) {
		t.logger.Error("Timed out subscribing to topics", zap.Any("topics", t.topics))
		return
	}
	if err := token.Error(); err != nil {
		t.logger.Error("Failed to subscribe to topics", zap.Any("topics", t.topics), zap.Error(err))
		return
	}
	t.logger.Info("Subscribed to topics", zap.Any("topics", t.topics))
}

func (t *MQTTTransport) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if err := t.handler(msg.Topic(), msg.Payload()); err != nil {
		t.logger.Debug("Message rejected by router",
			zap.String("topic", msg.Topic()),
			zap.Error(err))
	}
}

// Start connects to the broker. An unreachable broker is not fatal: the client
// keeps retrying in the background and subscribes once connected.
func (t *MQTTTransport) Start(ctx context.Context) error {
	t.logger.Info("Connecting to MQTT broker", zap.String("broker", t.config.MQTTBroker))

	token := t.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
	case <-time.After(t.config.ConnectTimeout):
		t.logger.Warn("MQTT broker not reachable yet, retrying in background",
			zap.String("broker", t.config.MQTTBroker))
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (t *MQTTTransport) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	token := t.client.Publish(topic, qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports the client's connection state.
func (t *MQTTTransport) IsConnected() bool {
	return t.client.IsConnected()
}

// Close unsubscribes and disconnects.
func (t *MQTTTransport) Close() error {
	t.logger.Info("Closing MQTT transport")

	if t.client.IsConnected() {
		topics := make([]string, 0, len(t.topics))
		for topic := range t.topics {
			topics = append(topics, topic)
		}
		token := t.client.Unsubscribe(topics...)
		if token.WaitTimeout(2*time.Second) && token.Error() != nil {
			t.logger.Warn("Failed to unsubscribe", zap.Error(token.Error()))
		}
	}

	t.client.Disconnect(250)
	t.logger.Info("MQTT transport closed")
	return nil
}
