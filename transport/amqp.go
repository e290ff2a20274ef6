package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the fanout exchange used when none is configured.
const DefaultExchange = "dbmixin.events"

// amqpChannel is the subset of *amqp.Channel the transporter uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPTransporter broadcasts events through a fanout exchange. Each node
// consumes from its own exclusive, auto-deleted queue.
type AMQPTransporter struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	logger   *slog.Logger

	mu   sync.Mutex
	done chan struct{}
}

// DialAMQP connects to url and declares the fanout exchange.
func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQPTransporter, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("transport: amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: amqp channel: %w", err)
	}

	t, err := newAMQP(ch, exchange, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	t.conn = conn
	return t, nil
}

func newAMQP(ch amqpChannel, exchange string, logger *slog.Logger) (*AMQPTransporter, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("transport: amqp declare exchange %s: %w", exchange, err)
	}

	return &AMQPTransporter{
		channel:  ch,
		exchange: exchange,
		logger:   logger.With("transport", "amqp", "exchange", exchange),
	}, nil
}

// Publish sends evt to the exchange.
func (t *AMQPTransporter) Publish(ctx context.Context, evt Event) error {
	data, err := Encode(evt)
	if err != nil {
		return err
	}

	err = t.channel.PublishWithContext(ctx, t.exchange, evt.Name, false, false, amqp.Publishing{
		ContentType: "application/msgpack",
		MessageId:   evt.ID,
		Timestamp:   evt.Timestamp,
		Body:        data,
	})
	if err != nil {
		return fmt.Errorf("transport: amqp publish %s: %w", evt.Name, err)
	}
	return nil
}

// Subscribe binds a private queue to the exchange and delivers messages on a
// background goroutine until Close.
func (t *AMQPTransporter) Subscribe(ctx context.Context, handler Handler) error {
	q, err := t.channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("transport: amqp declare queue: %w", err)
	}
	if err := t.channel.QueueBind(q.Name, "", t.exchange, false, nil); err != nil {
		return fmt.Errorf("transport: amqp bind queue %s: %w", q.Name, err)
	}

	deliveries, err := t.channel.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("transport: amqp consume %s: %w", q.Name, err)
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.done = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		for d := range deliveries {
			evt, err := Decode(d.Body)
			if err != nil {
				t.logger.Warn("dropping undecodable event", "error", err)
				continue
			}
			handler(context.Background(), evt)
		}
	}()

	return nil
}

// Close closes the channel, which ends the delivery loop, and the connection
// when the transporter dialed it.
func (t *AMQPTransporter) Close() error {
	err := t.channel.Close()

	t.mu.Lock()
	done := t.done
	t.done = nil
	t.mu.Unlock()
	if done != nil {
		<-done
	}

	if t.conn != nil {
		if cerr := t.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
