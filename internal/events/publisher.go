package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Ledger event types published after successful mutations.
const (
	EventPaymentRecorded = "payment.recorded"
	EventPaymentEdited   = "payment.edited"
	EventPaymentDeleted  = "payment.deleted"
)

// LedgerEvent notifies downstream consumers of a ledger mutation. It
// carries identifiers only; consumers fetch current state themselves.
type LedgerEvent struct {
	Type      string    `json:"type"`
	FeeID     string    `json:"fee_id"`
	PaymentID string    `json:"payment_id"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher emits ledger events to interested consumers.
type Publisher interface {
	PublishLedgerEvent(ctx context.Context, event LedgerEvent) error
	Close() error
}

// AMQPPublisher publishes ledger events to a RabbitMQ direct exchange.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	queue    string
	logger   *zap.Logger
}

// NewAMQPPublisher dials the broker and declares the exchange/queue pair.
func NewAMQPPublisher(url, exchange, queue string, logger *zap.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	p := &AMQPPublisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		queue:    queue,
		logger:   logger,
	}

	if err := p.setup(); err != nil {
		p.Close()
		return nil, fmt.Errorf("setup exchange and queue: %w", err)
	}

	return p, nil
}

func (p *AMQPPublisher) setup() error {
	if err := p.channel.ExchangeDeclare(p.exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	if _, err := p.channel.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	if err := p.channel.QueueBind(p.queue, p.queue, p.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	return nil
}

// PublishLedgerEvent sends the event as a persistent JSON message.
func (p *AMQPPublisher) PublishLedgerEvent(ctx context.Context, event LedgerEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal ledger event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		p.queue,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish ledger event: %w", err)
	}

	p.logger.Debug("ledger event published",
		zap.String("type", event.Type),
		zap.String("fee_id", event.FeeID),
		zap.String("payment_id", event.PaymentID),
	)

	return nil
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
