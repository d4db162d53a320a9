// Package amqpsink publishes security audit events to an AMQP exchange so
// that SIEM pipelines can consume them independently of the server logs.
package amqpsink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/giantswarm/authz-server/security"
)

// DefaultPublishTimeout bounds a single publish on the request path.
const DefaultPublishTimeout = 2 * time.Second

// Publisher is the subset of *amqp.Channel used by the sink.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Sink implements security.EventSink over AMQP.
type Sink struct {
	publisher Publisher
	exchange  string
	timeout   time.Duration

	conn    *amqp.Connection
	channel *amqp.Channel
}

var _ security.EventSink = (*Sink)(nil)

// New wraps an existing publisher. Events are routed with the key
// "audit.<event type>".
func New(publisher Publisher, exchange string) *Sink {
	return &Sink{
		publisher: publisher,
		exchange:  exchange,
		timeout:   DefaultPublishTimeout,
	}
}

// Dial connects to the broker at url and declares a durable topic exchange.
func Dial(url, exchange string) (*Sink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
	}

	s := New(ch, exchange)
	s.conn = conn
	s.channel = ch
	return s, nil
}

// Publish implements security.EventSink.
func (s *Sink) Publish(ctx context.Context, event security.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.publisher.PublishWithContext(ctx,
		s.exchange,
		"audit."+event.Type,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.RequestID,
			Timestamp:    event.Timestamp,
			Type:         event.Type,
			Body:         body,
		},
	)
}

// Close closes the channel and connection opened by Dial.
func (s *Sink) Close() error {
	if s.channel != nil {
		_ = s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
