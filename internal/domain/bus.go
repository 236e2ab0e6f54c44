package domain

import (
	"context"
)

// EventBus defines the interface for the transaction and alert streams.
// Messages carry a partition key; for both streams the key is the account id.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, key string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Key       string            `json:"key"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats" or "rabbitmq"
	Type string

	// Channel settings
	ChannelBufferSize int

	// NATS settings
	NATSUrl           string
	NATSToken         string
	NATSQueueGroup    string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds

	// RabbitMQ settings
	AMQPUrl      string
	AMQPExchange string
	AMQPQueue    string
	AMQPPrefetch int
}

// Standard topic names.
const (
	TopicTransactions        = "kestrel.transactions"
	TopicTransactionsInvalid = "kestrel.transactions.invalid"
	TopicDecisions           = "kestrel.decisions"
	TopicAlerts              = "kestrel.alerts"
)
