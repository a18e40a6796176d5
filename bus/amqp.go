package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// Per-subscription prefetch and queue cap. A browser that cannot keep up
	// gets its queue truncated by the broker rather than buffering unbounded.
	subscriptionPrefetch = 10
	subscriptionMaxLen   = 50
)

// AMQPConnector creates per-session subscriptions over a single shared AMQP
// connection, redialing lazily if the connection has been lost.
type AMQPConnector struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

var _ Connector = (*AMQPConnector)(nil)

// NewAMQPConnector returns a connector for the given AMQP URL. No connection
// is established until the first subscription connects.
func NewAMQPConnector(url string, logger *slog.Logger) *AMQPConnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPConnector{url: url, logger: logger.With("component", "amqp")}
}

// Subscribe returns a new, unconnected subscription.
func (c *AMQPConnector) Subscribe(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &amqpSubscription{
		connector: c,
		logger:    c.logger,
		messages:  make(chan Delivery),
		errors:    make(chan error, 1),
		done:      make(chan struct{}),
	}, nil
}

// Close tears down the shared connection. Outstanding subscriptions observe
// the closure on their error channels.
func (c *AMQPConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *AMQPConnector) connection() (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	c.logger.Info("connected to AMQP broker")
	c.conn = conn
	return conn, nil
}

type amqpSubscription struct {
	connector *AMQPConnector
	logger    *slog.Logger

	mu    sync.Mutex
	ch    *amqp.Channel
	queue string

	messages chan Delivery
	errors   chan error

	closeOnce sync.Once
	done      chan struct{}
}

var _ Subscription = (*amqpSubscription)(nil)

func (s *amqpSubscription) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := s.connector.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(subscriptionPrefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}
	// Exclusive auto-delete queue: the broker cleans it up when the channel
	// dies, so a leaked session cannot leave a queue behind.
	q, err := ch.QueueDeclare("", false, true, true, false, amqp.Table{
		"x-max-length": int32(subscriptionMaxLen),
	})
	if err != nil {
		ch.Close()
		return fmt.Errorf("amqp queue declare: %w", err)
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		select {
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return
			}
			select {
			case s.errors <- amqpErr:
			case <-s.done:
			}
		case <-s.done:
		}
	}()

	s.mu.Lock()
	s.ch = ch
	s.queue = q.Name
	s.mu.Unlock()
	return nil
}

func (s *amqpSubscription) Bind(ctx context.Context, b Binding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	ch, queue := s.ch, s.queue
	s.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("bind before connect")
	}
	if err := ch.QueueBind(queue, b.RoutingKeyPattern, b.Exchange, false, nil); err != nil {
		return fmt.Errorf("amqp bind %s: %w", b.Exchange, err)
	}
	return nil
}

func (s *amqpSubscription) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	ch, queue := s.ch, s.queue
	s.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("resume before connect")
	}
	deliveries, err := ch.Consume(queue, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}
	go func() {
		for d := range deliveries {
			select {
			case s.messages <- toDelivery(d):
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

func (s *amqpSubscription) Messages() <-chan Delivery { return s.messages }
func (s *amqpSubscription) Errors() <-chan error      { return s.errors }

func (s *amqpSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		ch := s.ch
		s.mu.Unlock()
		if ch != nil {
			err = ch.Close()
		}
	})
	return err
}

func toDelivery(d amqp.Delivery) Delivery {
	out := Delivery{
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
		Payload:     json.RawMessage(d.Body),
	}
	// Pulse-style CC routes travel in headers.
	if cc, ok := d.Headers["CC"].([]interface{}); ok {
		for _, route := range cc {
			if r, ok := route.(string); ok {
				out.Routes = append(out.Routes, r)
			}
		}
	}
	if !json.Valid(out.Payload) {
		raw, _ := json.Marshal(string(d.Body))
		out.Payload = raw
	}
	return out
}
