// Package nats carries payment and installment events over JetStream.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"coursepay/internal/common/events"
)

const subjectPrefix = "events."

// Config holds NATS configuration.
type Config struct {
	URL           string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	Name          string        `envconfig:"NATS_CLIENT_NAME" default:"coursepay-payments"`
	Stream        string        `envconfig:"NATS_STREAM" default:"COURSEPAY_EVENTS"`
	StreamMaxAge  time.Duration `envconfig:"NATS_STREAM_MAX_AGE" default:"168h"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`
	MaxDeliver    int           `envconfig:"NATS_MAX_DELIVER" default:"5"`
	AckWait       time.Duration `envconfig:"NATS_ACK_WAIT" default:"30s"`
	RetryDelay    time.Duration `envconfig:"NATS_RETRY_DELAY" default:"5s"`
}

// Subject is the subject an event type is published on.
func Subject(eventType string) string {
	return subjectPrefix + eventType
}

// Client is a JetStream connection bound to the coursepay event stream.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	cfg    Config
	logger *slog.Logger
}

// New connects to NATS. The stream is not touched until EnsureStream.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	logger = logger.With("component", "nats")

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("event bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("event bus reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{"error", err}
			if sub != nil {
				attrs = append(attrs, "subject", sub.Subject)
			}
			logger.Error("event bus error", attrs...)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	logger.Info("event bus connected", "url", conn.ConnectedUrl(), "stream", cfg.Stream)
	return &Client{conn: conn, js: js, cfg: cfg, logger: logger}, nil
}

// Close drains nothing; in-flight publishes fail with a closed-connection error.
func (c *Client) Close() {
	c.conn.Close()
}

// HealthCheck fails while the connection is down or reconnecting.
func (c *Client) HealthCheck() error {
	if status := c.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("event bus %s", status)
	}
	return nil
}

// EnsureStream creates or updates the stream holding every event subject.
func (c *Client) EnsureStream(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        c.cfg.Stream,
		Description: "course payment and installment events",
		Subjects:    []string{subjectPrefix + ">"},
		MaxAge:      c.cfg.StreamMaxAge,
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		Duplicates:  10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", c.cfg.Stream, err)
	}
	return nil
}

// Consumer returns a durable consumer that receives only the given event types.
func (c *Client) Consumer(ctx context.Context, durable string, eventTypes ...string) (jetstream.Consumer, error) {
	if len(eventTypes) == 0 {
		return nil, errors.New("consumer needs at least one event type")
	}
	subjects := make([]string, len(eventTypes))
	for i, t := range eventTypes {
		subjects[i] = Subject(t)
	}

	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Durable:        durable,
		FilterSubjects: subjects,
		AckPolicy:      jetstream.AckExplicitPolicy,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		MaxDeliver:     c.cfg.MaxDeliver,
		AckWait:        c.cfg.AckWait,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", durable, err)
	}

	c.logger.Info("consumer ready", "durable", durable, "subjects", subjects)
	return cons, nil
}

// Publisher publishes events on their type's subject. The event ID doubles as
// the JetStream message ID, so a retried publish is dropped as a duplicate.
type Publisher struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

var _ events.Publisher = (*Publisher)(nil)

func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{js: client.js, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event.Type, err)
	}

	ack, err := p.js.Publish(ctx, Subject(event.Type), data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}

	p.logger.Debug("event published",
		"event_id", event.ID,
		"type", event.Type,
		"aggregate_id", event.AggregateID,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate,
	)
	return nil
}

// MessageHandler processes one decoded event. A returned error redelivers it.
type MessageHandler func(ctx context.Context, event *events.Event) error

// Subscriber feeds a consumer's messages to a MessageHandler.
type Subscriber struct {
	consumer   jetstream.Consumer
	retryDelay time.Duration
	logger     *slog.Logger
}

func NewSubscriber(client *Client, consumer jetstream.Consumer, logger *slog.Logger) *Subscriber {
	return &Subscriber{consumer: consumer, retryDelay: client.cfg.RetryDelay, logger: logger}
}

// Start blocks until ctx is cancelled. Undecodable messages are terminated
// since redelivery cannot fix them.
func (s *Subscriber) Start(ctx context.Context, handler MessageHandler) error {
	iter, err := s.consumer.Messages()
	if err != nil {
		return fmt.Errorf("open message iterator: %w", err)
	}
	stop := context.AfterFunc(ctx, iter.Stop)
	defer stop()

	for {
		msg, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return err
			}
			s.logger.Warn("next message", "error", err)
			continue
		}
		s.dispatch(ctx, msg, handler)
	}
}

func (s *Subscriber) dispatch(ctx context.Context, msg jetstream.Msg, handler MessageHandler) {
	var event events.Event
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		s.logger.Error("dropping undecodable event", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return
	}

	if err := handler(ctx, &event); err != nil {
		s.logger.Error("event handler failed, will redeliver",
			"event_id", event.ID,
			"type", event.Type,
			"error", err,
		)
		_ = msg.NakWithDelay(s.retryDelay)
		return
	}

	if err := msg.Ack(); err != nil {
		s.logger.Warn("ack failed", "event_id", event.ID, "error", err)
	}
}
