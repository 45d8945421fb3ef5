package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrClosed = errors.New("amqp connection is closed")

const (
	dialTimeout = 2 * time.Second
	// redialAfter is how long Publish fails fast after a failed reconnect.
	redialAfter = 5 * time.Second
)

// AMQP publishes events to a topic exchange, routed by event kind.
type AMQP struct {
	url      string
	exchange string
	logger   *slog.Logger
	dial     func(url string) (*amqp.Connection, error)
	now      func() time.Time

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	nextDial time.Time
}

// NewAMQP dials url and declares exchange as a durable topic exchange.
func NewAMQP(url, exchange string, logger *slog.Logger) (*AMQP, error) {
	a := &AMQP{
		url:      url,
		exchange: exchange,
		logger:   logger,
		dial:     dial,
		now:      time.Now,
	}
	if err := a.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	return a, nil
}

func dial(url string) (*amqp.Connection, error) {
	return amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(dialTimeout),
	})
}

// connect replaces the connection and channel. a.mu must be held once the
// publisher is in use.
func (a *AMQP) connect() error {
	a.closeStale()

	conn, err := a.dial(a.url)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	err = ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	a.conn = conn
	a.ch = ch
	return nil
}

func (a *AMQP) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil || a.conn.IsClosed() || a.ch == nil || a.ch.IsClosed() {
		if a.now().Before(a.nextDial) {
			return fmt.Errorf("%w: reconnect backing off", ErrClosed)
		}
		a.logger.WarnContext(ctx, "rabbitmq connection lost, reconnecting")
		if err := a.connect(); err != nil {
			a.nextDial = a.now().Add(redialAfter)
			return fmt.Errorf("%w: %w", ErrClosed, err)
		}
	}

	return a.ch.PublishWithContext(ctx, a.exchange, string(e.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    string(e.Kind) + ":" + e.RentalID.String(),
		Timestamp:    e.At,
		Body:         body,
	})
}

// closeStale drops whatever is left of the previous connection.
func (a *AMQP) closeStale() {
	if a.ch != nil && !a.ch.IsClosed() {
		_ = a.ch.Close()
	}
	if a.conn != nil && !a.conn.IsClosed() {
		_ = a.conn.Close()
	}
	a.ch, a.conn = nil, nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ch != nil && !a.ch.IsClosed() {
		if err := a.ch.Close(); err != nil {
			return fmt.Errorf("close rabbitmq channel: %w", err)
		}
	}
	if a.conn != nil && !a.conn.IsClosed() {
		if err := a.conn.Close(); err != nil {
			return fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}
	return nil
}
