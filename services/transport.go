package services

import "context"

// MessageHandler receives every inbound message from a transport.
type MessageHandler func(topic string, payload []byte) error

// Transport is a broker connection delivering telemetry and status messages.
type Transport interface {
	// Start connects and subscribes. Connection loss afterwards is recovered internally.
	Start(ctx context.Context) error
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	Close() error
}
