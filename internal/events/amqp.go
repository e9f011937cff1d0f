package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"
)

// publisher is the subset of *amqp.Channel used for publishing
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes events to a topic exchange with routing keys
// campaign.<type>
type AMQP struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger

	mu sync.Mutex
	ch publisher
}

// DialAMQP connects to url and declares a durable topic exchange
func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQP, error) {
	if exchange == "" {
		exchange = "mailpace.events"
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	a := newAMQP(ch, exchange, logger)
	a.conn = conn
	return a, nil
}

func newAMQP(ch publisher, exchange string, logger *slog.Logger) *AMQP {
	return &AMQP{
		ch:       ch,
		exchange: exchange,
		logger:   logger.With("component", "events", "exchange", exchange),
	}
}

// Publish sends e as a persistent JSON message
func (a *AMQP) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	err = a.ch.Publish(a.exchange, RoutingKey(e), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.At,
		Type:         string(e.Type),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", e.Type, err)
	}
	return nil
}

// Close closes the channel and the connection
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.ch.Close()
	if a.conn != nil {
		if cerr := a.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// RoutingKey returns the topic routing key for e
func RoutingKey(e Event) string {
	return "campaign." + string(e.Type)
}
