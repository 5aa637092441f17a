package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPSink publishes envelopes to a topic exchange. The routing key is
// "{instanceKey}.{wireType}" so consumers can bind per session, per event
// class, or both.
type AMQPSink struct {
	conn     *amqp091.Connection
	exchange string
	enabled  bool
	filters  []string
	log      *zap.Logger
}

// NewAMQPSink dials the broker and declares the topic exchange.
func NewAMQPSink(url, exchange, filters string, logger *zap.Logger) (*AMQPSink, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{
		conn:     conn,
		exchange: exchange,
		enabled:  true,
		filters:  ParseFilters(filters),
		log:      logger.Named("amqp"),
	}, nil
}

func (a *AMQPSink) Name() string      { return "amqp" }
func (a *AMQPSink) Enabled() bool     { return a.enabled }
func (a *AMQPSink) Filters() []string { return a.filters }

func (a *AMQPSink) Send(ctx context.Context, env Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		a.log.Error("encode envelope", zap.Error(err))
		return
	}
	ch, err := a.conn.Channel()
	if err != nil {
		a.log.Warn("open channel", zap.Error(err))
		return
	}
	defer ch.Close()

	key := env.InstanceKey + "." + env.Type
	err = ch.PublishWithContext(ctx, a.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		a.log.Warn("publish failed", zap.String("key", key), zap.Error(err))
	}
}

// Close tears down the broker connection.
func (a *AMQPSink) Close() error {
	return a.conn.Close()
}
