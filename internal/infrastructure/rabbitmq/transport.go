// Package rabbitmq_infra is the RabbitMQ transport. Endpoints are durable
// queues on the default exchange. Delayed sends go through an
// x-delayed-message exchange that every endpoint queue is bound to.
package rabbitmq_infra

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"courier/internal/transport"
)

var _ transport.Transport = (*Transport)(nil)

var (
	ErrPublishNacked   = errors.New("message was nacked by broker")
	ErrConfirmTimeout  = errors.New("publisher confirmation timed out")
	ErrPublisherClosed = errors.New("publisher confirmations closed")

	// ErrConfirmOutOfOrder means the broker confirmed a tag this transport
	// never waited on, so the tag counter no longer matches the channel.
	ErrConfirmOutOfOrder = errors.New("publisher confirmation out of order")
)

const (
	DefaultDelayedExchange = "courier.delayed"
	DefaultPrefetch        = 16
	DefaultConfirmTimeout  = 5 * time.Second

	confirmChannelBuffer = 256
)

// Channel is the part of *amqp.Channel the transport uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// ChannelOpener returns a fresh channel. Each subscription gets its own.
type ChannelOpener func() (Channel, error)

type Config struct {
	DelayedExchange string
	Prefetch        int
	ConfirmTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.DelayedExchange == "" {
		c.DelayedExchange = DefaultDelayedExchange
	}
	if c.Prefetch <= 0 {
		c.Prefetch = DefaultPrefetch
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	return c
}

type Transport struct {
	cfg    Config
	open   ChannelOpener
	logger *zap.Logger
	clock  func() time.Time

	// publishMu serializes publishes so confirmations arrive in publish order.
	// published mirrors the channel's delivery tag counter, which starts at 1.
	publishMu sync.Mutex
	pub       Channel
	confirms  chan amqp.Confirmation
	published uint64

	mu        sync.Mutex
	declared  map[string]bool
	consumers []Channel
}

// NewTransport opens the publishing channel in confirm mode and declares the
// delayed exchange. The broker needs the rabbitmq_delayed_message_exchange plugin.
func NewTransport(open ChannelOpener, cfg Config, logger *zap.Logger) (*Transport, error) {
	cfg = cfg.withDefaults()
	ch, err := open()
	if err != nil {
		return nil, fmt.Errorf("failed to open publishing channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to enable confirm mode: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))

	err = ch.ExchangeDeclare(cfg.DelayedExchange, "x-delayed-message", true, false, false, false,
		amqp.Table{"x-delayed-type": "direct"})
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare delayed exchange %s: %w", cfg.DelayedExchange, err)
	}

	return &Transport{
		cfg:      cfg,
		open:     open,
		logger:   logger.With(zap.String("component", "rabbitmq_transport")),
		clock:    time.Now,
		pub:      ch,
		confirms: confirms,
		declared: make(map[string]bool),
	}, nil
}

func (t *Transport) Send(ctx context.Context, destination string, msg transport.Message) error {
	if err := t.ensureQueue(t.pub, destination); err != nil {
		return err
	}
	return t.publish(ctx, "", destination, toPublishing(msg))
}

// ScheduleSend routes through the delayed exchange. A notBefore in the past
// is delivered without delay.
func (t *Transport) ScheduleSend(ctx context.Context, destination string, msg transport.Message, notBefore time.Time) error {
	if err := t.ensureQueue(t.pub, destination); err != nil {
		return err
	}
	delay := notBefore.Sub(t.clock())
	if delay < 0 {
		delay = 0
	}
	pub := toPublishing(msg)
	pub.Headers[headerDelay] = delay.Milliseconds()
	return t.publish(ctx, t.cfg.DelayedExchange, destination, pub)
}

func (t *Transport) publish(ctx context.Context, exchange, key string, pub amqp.Publishing) error {
	t.publishMu.Lock()
	defer t.publishMu.Unlock()

	if err := t.pub.PublishWithContext(ctx, exchange, key, false, false, pub); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", key, err)
	}
	t.published++
	expected := t.published

	timeout := time.NewTimer(t.cfg.ConfirmTimeout)
	defer timeout.Stop()
	for {
		select {
		case confirmed, ok := <-t.confirms:
			if !ok {
				return ErrPublisherClosed
			}
			if confirmed.DeliveryTag < expected {
				// Late confirm for a publish that already timed out.
				t.logger.Debug("Discarding stale RabbitMQ confirm",
					zap.Uint64("delivery_tag", confirmed.DeliveryTag),
					zap.Uint64("expected_tag", expected),
				)
				continue
			}
			if confirmed.DeliveryTag > expected {
				return fmt.Errorf("%w: delivery_tag=%d expected=%d", ErrConfirmOutOfOrder, confirmed.DeliveryTag, expected)
			}
			if !confirmed.Ack {
				return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
			}
			t.logger.Debug("Message confirmed by RabbitMQ",
				zap.String("routing_key", key),
				zap.String("message_id", pub.MessageId),
			)
			return nil
		case <-timeout.C:
			return fmt.Errorf("%w: delivery_tag=%d", ErrConfirmTimeout, expected)
		case <-ctx.Done():
			return fmt.Errorf("context cancelled waiting for confirm: %w", ctx.Err())
		}
	}
}

// ensureQueue declares the endpoint queue once and binds it to the delayed
// exchange under its own name.
func (t *Transport) ensureQueue(ch Channel, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.declared[name] {
		return nil
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	if err := ch.QueueBind(name, name, t.cfg.DelayedExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", name, t.cfg.DelayedExchange, err)
	}
	t.declared[name] = true
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, endpoint string) iter.Seq2[transport.Delivery, error] {
	return func(yield func(transport.Delivery, error) bool) {
		ch, err := t.open()
		if err != nil {
			yield(nil, fmt.Errorf("failed to open consumer channel for %s: %w", endpoint, err))
			return
		}
		t.mu.Lock()
		t.consumers = append(t.consumers, ch)
		t.mu.Unlock()

		if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
			yield(nil, fmt.Errorf("failed to set prefetch on %s: %w", endpoint, err))
			return
		}
		if err := t.ensureQueue(ch, endpoint); err != nil {
			yield(nil, err)
			return
		}
		deliveries, err := ch.Consume(endpoint, "", false, false, false, false, nil)
		if err != nil {
			yield(nil, fmt.Errorf("failed to consume from %s: %w", endpoint, err))
			return
		}

		t.logger.Info("RabbitMQ consumer starting", zap.String("queue", endpoint))
		for {
			select {
			case <-ctx.Done():
				t.logger.Info("RabbitMQ consumer context cancelled, stopping.", zap.String("queue", endpoint))
				return
			case d, ok := <-deliveries:
				if !ok {
					yield(nil, fmt.Errorf("delivery channel for %s closed", endpoint))
					return
				}
				t.logger.Debug("Received RabbitMQ message",
					zap.String("queue", endpoint),
					zap.Uint64("delivery_tag", d.DeliveryTag),
					zap.Bool("redelivered", d.Redelivered),
				)
				if !yield(&delivery{msg: fromDelivery(d), raw: d}, nil) {
					return
				}
			}
		}
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	consumers := t.consumers
	t.consumers = nil
	t.mu.Unlock()

	var errs []error
	for _, ch := range consumers {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close consumer channel: %w", err))
		}
	}
	t.publishMu.Lock()
	defer t.publishMu.Unlock()
	if err := t.pub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close publishing channel: %w", err))
	}
	return errors.Join(errs...)
}

type delivery struct {
	msg transport.Message
	raw amqp.Delivery
}

func (d *delivery) Message() transport.Message {
	return d.msg
}

func (d *delivery) Ack(context.Context) error {
	if err := d.raw.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery %d: %w", d.raw.DeliveryTag, err)
	}
	return nil
}

func (d *delivery) Nack(context.Context) error {
	if err := d.raw.Nack(false, true); err != nil {
		return fmt.Errorf("failed to nack delivery %d: %w", d.raw.DeliveryTag, err)
	}
	return nil
}
