package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/buildorch/internal/config"
	ferrors "git.home.luguber.info/inful/buildorch/internal/foundation/errors"
	"git.home.luguber.info/inful/buildorch/internal/logfields"
)

// Client owns the NATS connection, the build stream and the durable consumer.
type Client struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	cfg      config.EventBusConfig
	logger   *slog.Logger
}

// Connect dials NATS and ensures the stream and durable consumer exist.
func Connect(ctx context.Context, cfg config.EventBusConfig, name string) (*Client, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", logfields.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", logfields.URL(nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryEventBus, "failed to connect to NATS").
			WithContext("url", cfg.URL).
			Retryable().
			Build()
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, ferrors.WrapError(err, ferrors.CategoryEventBus, "failed to create JetStream context").Build()
	}

	c := &Client{conn: conn, js: js, cfg: cfg, logger: slog.Default()}
	if err := c.ensureTopology(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	slog.Info("NATS event bus connected",
		logfields.URL(cfg.URL),
		slog.String("stream", cfg.Stream),
		slog.String("consumer", cfg.Consumer))
	return c, nil
}

func (c *Client) ensureTopology(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        c.cfg.Stream,
		Description: "Project build lifecycle events",
		Subjects:    StreamSubjects(c.cfg),
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryEventBus, "failed to ensure stream").
			WithContext("stream", c.cfg.Stream).
			Build()
	}

	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       c.cfg.Consumer,
		Description:   "buildorch build request intake",
		FilterSubject: c.cfg.StartedSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait.Std(),
		MaxDeliver:    c.cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryEventBus, "failed to ensure consumer").
			WithContext("consumer", c.cfg.Consumer).
			Build()
	}
	c.consumer = cons
	return nil
}

// StreamSubjects returns one wildcard per distinct subject prefix, e.g.
// "project.build.>" for the default subjects.
func StreamSubjects(cfg config.EventBusConfig) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range []string{cfg.StartedSubject, cfg.CompletedSubject, cfg.FailedSubject} {
		if s == "" {
			continue
		}
		subject := s
		if i := strings.LastIndex(s, "."); i > 0 {
			subject = s[:i] + ".>"
		}
		if !seen[subject] {
			seen[subject] = true
			out = append(out, subject)
		}
	}
	return out
}

// Consume feeds build-started messages to h one at a time until ctx ends.
// Handle never blocks on execution, so a single loop keeps intake ordered.
func (c *Client) Consume(ctx context.Context, h *Handler) error {
	iter, err := c.consumer.Messages()
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryEventBus, "failed to open message iterator").Build()
	}
	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	c.logger.Info("Consuming build requests", logfields.Subject(c.cfg.StartedSubject))
	for {
		msg, err := iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) || ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("Message iterator error", logfields.Error(err))
			continue
		}
		process(ctx, h, msg, c.logger)
	}
}

// process applies the handler's disposition to msg.
func process(ctx context.Context, h *Handler, msg jetstream.Msg, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	d := Delivery{Subject: msg.Subject(), Data: msg.Data(), NumDelivered: 1}
	if meta, err := msg.Metadata(); err == nil {
		d.NumDelivered = meta.NumDelivered
	}

	disp := h.Handle(ctx, d)
	var err error
	switch disp.Action {
	case Nak:
		err = msg.NakWithDelay(disp.Delay)
	default:
		err = msg.Ack()
	}
	if err != nil {
		logger.Warn("Failed to settle message",
			logfields.Subject(d.Subject),
			slog.String("action", disp.Action.String()),
			logfields.Error(err))
	}
}

// Publish JSON-encodes payload and publishes it with msgID as the
// Nats-Msg-Id header, so the broker drops duplicates inside its window.
func (c *Client) Publish(ctx context.Context, subject, msgID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := c.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryEventBus, "failed to publish event").
			WithContext("subject", subject).
			Retryable().
			Build()
	}
	c.logger.Debug("Published event", logfields.Subject(subject), slog.String("msg_id", msgID))
	return nil
}

// Connected reports whether the NATS connection is currently up.
func (c *Client) Connected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains the connection, letting in-flight acks and publishes finish.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return err
	}
	return nil
}
