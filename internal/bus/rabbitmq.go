package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQBus implements EventBus over a RabbitMQ topic exchange.
// The routing key is the topic. Each subscription consumes a durable queue
// named after the configured queue prefix and the topic, so instances
// sharing the prefix compete for messages.
type RabbitMQBus struct {
	mu            sync.Mutex
	conn          *amqp.Connection
	pubCh         *amqp.Channel
	config        domain.EventBusConfig
	subscriptions map[string]*rabbitSubscription
	closed        bool
}

type rabbitSubscription struct {
	id     string
	topic  string
	ch     *amqp.Channel
	tag    string
	cancel context.CancelFunc
	done   chan struct{}
	bus    *RabbitMQBus
}

// NewRabbitMQBus dials RabbitMQ and declares the exchange.
func NewRabbitMQBus(cfg domain.EventBusConfig) (*RabbitMQBus, error) {
	if cfg.AMQPExchange == "" {
		cfg.AMQPExchange = "kestrel"
	}
	if cfg.AMQPQueue == "" {
		cfg.AMQPQueue = "kestrel-detectors"
	}
	if cfg.AMQPPrefetch <= 0 {
		cfg.AMQPPrefetch = 32
	}

	conn, err := amqp.Dial(cfg.AMQPUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare exchange (topic exchange for routing)
	err = ch.ExchangeDeclare(
		cfg.AMQPExchange, // name
		"topic",          // type
		true,             // durable
		false,            // auto-deleted
		false,            // internal
		false,            // no-wait
		nil,              // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	slog.Info("RabbitMQ connected",
		"exchange", cfg.AMQPExchange,
		"queue_prefix", cfg.AMQPQueue,
	)

	return &RabbitMQBus{
		conn:          conn,
		pubCh:         ch,
		config:        cfg,
		subscriptions: make(map[string]*rabbitSubscription),
	}, nil
}

// Publish sends payload to the exchange with topic as routing key.
func (b *RabbitMQBus) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	err := b.pubCh.PublishWithContext(ctx,
		b.config.AMQPExchange, // exchange
		topic,                 // routing key
		false,                 // mandatory
		false,                 // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.New().String(),
			Timestamp:    time.Now(),
			Headers:      amqp.Table{KeyHeader: key},
			Body:         payload,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe consumes the topic queue with manual acknowledgement.
// Deliveries are handled one at a time in queue order. A handler error
// requeues the delivery once; a second failure drops it.
func (b *RabbitMQBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(b.config.AMQPPrefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	queueName := b.config.AMQPQueue + "." + topic
	queue, err := ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(queue.Name, topic, b.config.AMQPExchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	tag := "kestrel-" + uuid.New().String()
	deliveries, err := ch.Consume(
		queue.Name, // queue
		tag,        // consumer tag
		false,      // auto-ack (we'll ack manually)
		false,      // exclusive
		false,      // no-local
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &rabbitSubscription{
		id:     uuid.New().String(),
		topic:  topic,
		ch:     ch,
		tag:    tag,
		cancel: cancel,
		done:   make(chan struct{}),
		bus:    b,
	}
	go sub.consume(subCtx, deliveries, handler)

	b.subscriptions[sub.id] = sub
	return sub, nil
}

func (s *rabbitSubscription) consume(ctx context.Context, deliveries <-chan amqp.Delivery, handler domain.MessageHandler) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return

		case d, ok := <-deliveries:
			if !ok {
				return
			}

			msg := &domain.Message{
				ID:        d.MessageId,
				Topic:     d.RoutingKey,
				Payload:   d.Body,
				Metadata:  make(map[string]string),
				Timestamp: d.Timestamp.UnixNano(),
			}
			if key, ok := d.Headers[KeyHeader].(string); ok {
				msg.Key = key
			}

			if err := handler(ctx, msg); err != nil {
				slog.Error("handler error",
					"topic", msg.Topic,
					"message_id", msg.ID,
					"redelivered", d.Redelivered,
					"error", err,
				)
				_ = d.Nack(false, !d.Redelivered)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Ping checks the connection is open.
func (b *RabbitMQBus) Ping(ctx context.Context) error {
	if b.conn.IsClosed() {
		return fmt.Errorf("RabbitMQ connection closed")
	}
	return nil
}

// Close cancels consumers and closes the connection.
func (b *RabbitMQBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subscriptions
	b.subscriptions = make(map[string]*rabbitSubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	if err := b.pubCh.Close(); err != nil {
		slog.Warn("error closing channel", "error", err)
	}
	return b.conn.Close()
}

func (s *rabbitSubscription) stop() {
	s.cancel()
	_ = s.ch.Cancel(s.tag, false)
	<-s.done
	_ = s.ch.Close()
}

// Unsubscribe stops the consumer and closes its channel.
func (s *rabbitSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

// Topic returns the subscribed topic.
func (s *rabbitSubscription) Topic() string {
	return s.topic
}
