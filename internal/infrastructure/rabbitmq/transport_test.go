package rabbitmq_infra

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"courier/internal/transport"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeChannel confirms every publish unless nack is set. When script is set
// it decides which confirmations follow the publish with the given tag.
type fakeChannel struct {
	mu         sync.Mutex
	confirmOn  bool
	confirms   chan amqp.Confirmation
	nack       bool
	script     func(tag uint64) []amqp.Confirmation
	tag        uint64
	exchanges  []string
	queues     []string
	bindings   []string
	published  []published
	deliveries chan amqp.Delivery
	prefetch   int
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, name+":"+kind)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues = append(c.queues, name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, exchange+"->"+name+"/"+key)
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) Confirm(bool) error {
	c.confirmOn = true
	return nil
}

func (c *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.confirms = confirm
	return confirm
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{exchange: exchange, key: key, msg: msg})
	c.tag++
	if c.script != nil {
		for _, confirm := range c.script(c.tag) {
			c.confirms <- confirm
		}
		return nil
	}
	c.confirms <- amqp.Confirmation{DeliveryTag: c.tag, Ack: !c.nack}
	return nil
}

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

type fakeAcknowledger struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !requeue {
		return errors.New("nack without requeue")
	}
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *fakeAcknowledger) Reject(uint64, bool) error {
	return errors.New("unexpected reject")
}

func newTestTransport(t *testing.T, pub *fakeChannel, consumers ...*fakeChannel) *Transport {
	t.Helper()
	opened := 0
	open := func() (Channel, error) {
		if opened == 0 {
			opened++
			return pub, nil
		}
		ch := consumers[opened-1]
		opened++
		return ch, nil
	}
	tr, err := NewTransport(open, Config{Prefetch: 4}, zap.NewNop())
	require.NoError(t, err)
	return tr
}

func TestNewTransport_DeclaresDelayedExchangeInConfirmMode(t *testing.T) {
	pub := newFakeChannel()
	newTestTransport(t, pub)

	assert.True(t, pub.confirmOn)
	assert.Equal(t, []string{DefaultDelayedExchange + ":x-delayed-message"}, pub.exchanges)
}

func TestTransport_SendDeclaresQueueOnceAndWaitsForConfirm(t *testing.T) {
	pub := newFakeChannel()
	tr := newTestTransport(t, pub)

	msg := transport.Message{MessageID: uuid.New(), MessageType: "referrals.deliver_referral", Body: []byte(`{}`)}
	require.NoError(t, tr.Send(context.Background(), "referrals", msg))
	require.NoError(t, tr.Send(context.Background(), "referrals", msg))

	assert.Equal(t, []string{"referrals"}, pub.queues)
	assert.Equal(t, []string{DefaultDelayedExchange + "->referrals/referrals"}, pub.bindings)
	require.Len(t, pub.published, 2)
	assert.Equal(t, "", pub.published[0].exchange)
	assert.Equal(t, "referrals", pub.published[0].key)
	assert.Equal(t, msg.MessageID.String(), pub.published[0].msg.MessageId)
	assert.Equal(t, amqp.Persistent, pub.published[0].msg.DeliveryMode)
}

func TestTransport_SendFailsWhenBrokerNacks(t *testing.T) {
	pub := newFakeChannel()
	pub.nack = true
	tr := newTestTransport(t, pub)

	err := tr.Send(context.Background(), "referrals", transport.Message{MessageID: uuid.New()})
	require.ErrorIs(t, err, ErrPublishNacked)
}

func TestTransport_LateConfirmDoesNotSettleNextPublish(t *testing.T) {
	pub := newFakeChannel()
	pub.script = func(tag uint64) []amqp.Confirmation {
		switch tag {
		case 1:
			return nil
		case 2:
			return []amqp.Confirmation{{DeliveryTag: 1, Ack: true}, {DeliveryTag: 2, Ack: false}}
		default:
			return []amqp.Confirmation{{DeliveryTag: tag, Ack: true}}
		}
	}
	tr := newTestTransport(t, pub)
	tr.cfg.ConfirmTimeout = 20 * time.Millisecond
	ctx := context.Background()

	err := tr.Send(ctx, "referrals", transport.Message{MessageID: uuid.New()})
	require.ErrorIs(t, err, ErrConfirmTimeout)

	err = tr.Send(ctx, "referrals", transport.Message{MessageID: uuid.New()})
	require.ErrorIs(t, err, ErrPublishNacked)

	require.NoError(t, tr.Send(ctx, "referrals", transport.Message{MessageID: uuid.New()}))
}

func TestTransport_ConfirmAheadOfPublishIsRejected(t *testing.T) {
	pub := newFakeChannel()
	pub.script = func(tag uint64) []amqp.Confirmation {
		return []amqp.Confirmation{{DeliveryTag: tag + 1, Ack: true}}
	}
	tr := newTestTransport(t, pub)

	err := tr.Send(context.Background(), "referrals", transport.Message{MessageID: uuid.New()})
	require.ErrorIs(t, err, ErrConfirmOutOfOrder)
}

func TestTransport_ScheduleSendSetsDelayHeader(t *testing.T) {
	pub := newFakeChannel()
	tr := newTestTransport(t, pub)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.clock = func() time.Time { return now }

	msg := transport.Message{MessageID: uuid.New(), MessageType: "a"}
	require.NoError(t, tr.ScheduleSend(context.Background(), "referrals", msg, now.Add(30*time.Second)))
	require.NoError(t, tr.ScheduleSend(context.Background(), "referrals", msg, now.Add(-time.Second)))

	require.Len(t, pub.published, 2)
	assert.Equal(t, DefaultDelayedExchange, pub.published[0].exchange)
	assert.Equal(t, "referrals", pub.published[0].key)
	assert.Equal(t, int64(30000), pub.published[0].msg.Headers[headerDelay])
	assert.Equal(t, int64(0), pub.published[1].msg.Headers[headerDelay])
}

func TestTransport_SubscribeSettlesDeliveries(t *testing.T) {
	pub := newFakeChannel()
	consumer := newFakeChannel()
	tr := newTestTransport(t, pub, consumer)
	ack := &fakeAcknowledger{}

	correlation := uuid.New()
	first := toPublishing(transport.Message{
		MessageID:     uuid.New(),
		MessageType:   "a",
		CorrelationID: uuid.NullUUID{UUID: correlation, Valid: true},
		Headers:       map[string]string{transport.HeaderRedeliveryCount: "2"},
	})
	first.Headers[headerDelay] = int64(-30000)
	consumer.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Headers: first.Headers, Body: first.Body}
	consumer.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Headers: amqp.Table{"message-type": "b"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []transport.Delivery
	for d, err := range tr.Subscribe(ctx, "referrals") {
		require.NoError(t, err)
		got = append(got, d)
		if len(got) == 2 {
			break
		}
	}
	require.Len(t, got, 2)
	assert.Equal(t, 4, consumer.prefetch)
	assert.Equal(t, []string{"referrals"}, consumer.queues)

	m := got[0].Message()
	assert.Equal(t, "a", m.MessageType)
	assert.Equal(t, correlation, m.CorrelationID.UUID)
	assert.Equal(t, 2, transport.RedeliveryCount(m))
	assert.Empty(t, m.Header(headerDelay))

	assert.Equal(t, uuid.Nil, got[1].Message().MessageID)
	assert.Equal(t, "b", got[1].Message().MessageType)

	require.NoError(t, got[0].Ack(ctx))
	require.NoError(t, got[1].Nack(ctx))
	assert.Equal(t, []uint64{1}, ack.acked)
	assert.Equal(t, []uint64{2}, ack.nacked)

	require.NoError(t, tr.Close())
	assert.True(t, consumer.closed)
	assert.True(t, pub.closed)
}
