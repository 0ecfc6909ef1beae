package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ecgmon/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// mqttExchange is where the RabbitMQ MQTT plugin publishes device messages.
const mqttExchange = "amq.topic"

// RoutingKey converts an MQTT topic or filter into the AMQP form used by the MQTT
// plugin ("ecg/+/realtime" becomes "ecg.*.realtime").
func RoutingKey(topic string) string {
	key := strings.ReplaceAll(topic, "/", ".")
	return strings.ReplaceAll(key, "+", "*")
}

// TopicFromRoutingKey converts a delivery routing key back into an MQTT topic.
func TopicFromRoutingKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

// RabbitMQTransport consumes device messages bridged into RabbitMQ by its MQTT plugin.
type RabbitMQTransport struct {
	config    *config.Config
	handler   MessageHandler
	logger    *zap.Logger
	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	reconnect chan bool
	isClosing atomic.Bool
}

func NewRabbitMQTransport(cfg *config.Config, handler MessageHandler, logger *zap.Logger) *RabbitMQTransport {
	return &RabbitMQTransport{
		config:    cfg,
		handler:   handler,
		logger:    logger,
		reconnect: make(chan bool, 1),
	}
}

// Start connects, declares the queue and begins consuming in the background.
func (r *RabbitMQTransport) Start(ctx context.Context) error {
	if err := r.connect(); err != nil {
		return err
	}
	go r.consume(ctx)
	return nil
}

// connect establishes the connection and binds the ingest queue to the MQTT exchange.
func (r *RabbitMQTransport) connect() error {
	var conn *amqp.Connection
	var err error

	r.logger.Info("Connecting to RabbitMQ", zap.String("queue", r.config.RabbitMQQueue))

	maxRetries := 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		conn, err = amqp.Dial(r.config.RabbitMQURL)
		if err == nil {
			break
		}

		r.logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	r.logger.Info("Connected to RabbitMQ successfully")

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	// a single consumer keeps per-device order
	if err := channel.Qos(50, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	queue, err := channel.QueueDeclare(
		r.config.RabbitMQQueue, // name
		true,                   // durable
		false,                  // delete when unused
		false,                  // exclusive
		false,                  // no-wait
		nil,                    // arguments
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, topic := range []string{r.config.TelemetryTopic, r.config.StatusTopic} {
		key := RoutingKey(topic)
		if err := channel.QueueBind(queue.Name, key, mqttExchange, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("failed to bind queue to MQTT exchange: %w", err)
		}
		r.logger.Info("Queue bound to MQTT exchange",
			zap.String("queue", queue.Name),
			zap.String("exchange", mqttExchange),
			zap.String("routing_key", key))
	}

	r.mu.Lock()
	r.conn = conn
	r.channel = channel
	r.mu.Unlock()

	go r.handleReconnect(conn)

	return nil
}

// handleReconnect redials when the connection drops unexpectedly.
func (r *RabbitMQTransport) handleReconnect(conn *amqp.Connection) {
	closeErr := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if r.isClosing.Load() {
		r.logger.Info("RabbitMQ connection closed gracefully")
		return
	}

	r.logger.Error("RabbitMQ connection lost", zap.Error(closeErr))

	for !r.isClosing.Load() {
		r.logger.Info("Attempting to reconnect to RabbitMQ...")
		err := r.connect()
		if err == nil {
			r.logger.Info("Successfully reconnected to RabbitMQ")
			select {
			case r.reconnect <- true:
			default:
			}
			return
		}

		r.logger.Error("Failed to reconnect", zap.Error(err))
		time.Sleep(r.config.ReconnectMax)
	}
}

func (r *RabbitMQTransport) consume(ctx context.Context) {
	for {
		r.mu.RLock()
		channel := r.channel
		r.mu.RUnlock()

		msgs, err := channel.Consume(
			r.config.RabbitMQQueue, // queue
			r.config.MQTTClientID,  // consumer tag
			false,                  // auto-ack
			false,                  // exclusive
			false,                  // no-local
			false,                  // no-wait
			nil,                    // args
		)
		if err != nil {
			r.logger.Error("Failed to register consumer", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-r.reconnect:
				continue
			case <-time.After(r.config.ReconnectMax):
				continue
			}
		}

		r.logger.Info("Started consuming messages from RabbitMQ",
			zap.String("queue", r.config.RabbitMQQueue))

	consumeLoop:
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Stopping RabbitMQ consumer")
				return

			case <-r.reconnect:
				r.logger.Info("Reconnection detected, restarting consumer")
				break consumeLoop

			case msg, ok := <-msgs:
				if !ok {
					r.logger.Warn("Message channel closed")
					select {
					case <-ctx.Done():
						return
					case <-r.reconnect:
					case <-time.After(r.config.ReconnectMax):
					}
					break consumeLoop
				}

				topic := TopicFromRoutingKey(msg.RoutingKey)
				if err := r.handler(topic, msg.Body); err != nil {
					r.logger.Debug("Message rejected by router",
						zap.String("topic", topic),
						zap.Error(err))
				}
				// invalid payloads are dropped, never requeued
				if err := msg.Ack(false); err != nil {
					r.logger.Warn("Failed to ack message", zap.Error(err))
				}
			}
		}
	}
}

// Publish sends a message to the MQTT exchange so MQTT subscribers receive it.
func (r *RabbitMQTransport) Publish(ctx context.Context, topic string, _ byte, payload []byte) error {
	r.mu.RLock()
	channel := r.channel
	r.mu.RUnlock()
	if channel == nil {
		return fmt.Errorf("rabbitmq transport not started")
	}

	err := channel.PublishWithContext(ctx,
		mqttExchange,      // exchange
		RoutingKey(topic), // routing key
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        payload,
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close gracefully closes the RabbitMQ connection
func (r *RabbitMQTransport) Close() error {
	r.isClosing.Store(true)

	r.logger.Info("Closing RabbitMQ connection")

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channel != nil {
		if err := r.channel.Cancel(r.config.MQTTClientID, false); err != nil {
			r.logger.Warn("Error cancelling consumer", zap.Error(err))
		}
		if err := r.channel.Close(); err != nil {
			r.logger.Error("Error closing channel", zap.Error(err))
		}
	}

	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			r.logger.Error("Error closing connection", zap.Error(err))
			return err
		}
	}

	r.logger.Info("RabbitMQ connection closed")
	return nil
}
