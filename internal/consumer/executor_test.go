package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"courier/internal/deadletter"
	"courier/internal/domain"
	"courier/internal/outbox"
	"courier/internal/redelivery"
	"courier/internal/repository/memory"
	"courier/internal/transport"
	"courier/internal/transport/inmem"
	"courier/internal/util"
)

const (
	testEndpoint = "greetings"
	testType     = "test.greet"
	eventType    = "test.greeted"
)

type greet struct {
	Name string `json:"name"`
}

type recordingNotifier struct {
	mu     sync.Mutex
	scopes []domain.Scope
}

func (n *recordingNotifier) Notify(scope domain.Scope) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.scopes = append(n.scopes, scope)
}

func (n *recordingNotifier) notified() []domain.Scope {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Scope(nil), n.scopes...)
}

type harness struct {
	store    *memory.Store
	inbox    *memory.InboxRepository
	outbox   *memory.OutboxRepository
	bus      *inmem.Bus
	registry *Registry
	notifier *recordingNotifier
	now      time.Time
	cfg      ExecutorConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewStore()
	h := &harness{
		store:    store,
		inbox:    memory.NewInboxRepository(store),
		outbox:   memory.NewOutboxRepository(store),
		bus:      inmem.NewBus(zap.NewNop()),
		registry: NewRegistry(),
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		cfg: ExecutorConfig{
			ConsumerName:   "greeter",
			ConsumerID:     util.ConsumerID("greeter"),
			Endpoint:       testEndpoint,
			PublishAddress: "greetings-events",
			Policy: redelivery.Policy{
				ImmediateRetries:    3,
				RedeliveryIntervals: []time.Duration{30 * time.Second, 2 * time.Minute, 5 * time.Minute},
			},
			HandlerTimeout:    time.Second,
			StorageRetryDelay: time.Millisecond,
		},
	}
	return h
}

func (h *harness) executor(t *testing.T) *Executor {
	t.Helper()
	e, err := NewExecutor(
		h.cfg,
		h.registry,
		h.inbox,
		h.store,
		outbox.NewWriter(h.outbox, h.cfg.ConsumerName),
		h.bus,
		deadletter.NewSink(h.bus, "dead-letters", zap.NewNop()),
		zap.NewNop(),
		WithNotifier(h.notifier),
		WithClock(func() time.Time { return h.now }),
	)
	require.NoError(t, err)
	return e
}

func newMessage(t *testing.T, messageType string, payload any) transport.Message {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return transport.Message{
		MessageID:   uuid.New(),
		MessageType: messageType,
		ContentType: outbox.ContentTypeJSON,
		Body:        body,
		Headers:     map[string]string{},
	}
}

func TestExecutor_HandlesEachMessageOnce(t *testing.T) {
	h := newHarness(t)
	var calls int
	require.NoError(t, Register(h.registry, testType, func(ctx context.Context, p greet, hc *HandlerContext) error {
		calls++
		assert.Equal(t, "ada", p.Name)
		return nil
	}))
	e := h.executor(t)
	msg := newMessage(t, testType, greet{Name: "ada"})

	res, err := e.Execute(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, 1, res.ReceiveCount)

	for range 3 {
		res, err = e.Execute(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, res.Outcome)
	}
	assert.Equal(t, 1, calls)

	st, err := h.inbox.Get(context.Background(), msg.MessageID, h.cfg.ConsumerID)
	require.NoError(t, err)
	assert.True(t, st.IsConsumed())
	assert.NotNil(t, st.Delivered, "nothing was produced so the record is delivered at once")
	assert.False(t, st.LockID.Valid)
	assert.Empty(t, h.notifier.notified())
}

func TestExecutor_ImmediateRetriesThenCommit(t *testing.T) {
	h := newHarness(t)
	var attempts []int
	require.NoError(t, Register(h.registry, testType, func(ctx context.Context, p greet, hc *HandlerContext) error {
		attempts = append(attempts, hc.Attempt)
		if hc.Attempt <= 2 {
			return errors.New("downstream not ready")
		}
		return nil
	}))
	e := h.executor(t)

	res, err := e.Execute(context.Background(), newMessage(t, testType, greet{Name: "ada"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, 3, res.ReceiveCount)
	assert.Equal(t, 0, res.RedeliveryCount)
	assert.Equal(t, 3, res.Attempts)
	assert.Nil(t, res.Err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Empty(t, h.bus.Scheduled())
}

func TestExecutor_RedeliversThenExhausts(t *testing.T) {
	h := newHarness(t)
	var calls int
	require.NoError(t, Register(h.registry, testType, func(ctx context.Context, p greet, hc *HandlerContext) error {
		calls++
		return errors.New("always failing")
	}))
	e := h.executor(t)
	ctx := context.Background()
	msg := newMessage(t, testType, greet{Name: "ada"})

	res, err := e.Execute(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRedeliveryScheduled, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, h.now.Add(30*time.Second), res.RedeliverAt)

	wantDelays := []time.Duration{30 * time.Second, 2 * time.Minute, 5 * time.Minute}
	for i := 1; i < len(wantDelays); i++ {
		scheduled := h.bus.Scheduled()
		require.Len(t, scheduled, i)
		next := scheduled[i-1]
		assert.Equal(t, testEndpoint, next.Destination)
		assert.Equal(t, msg.MessageID, next.Message.MessageID)
		assert.Equal(t, i, transport.RedeliveryCount(next.Message))

		res, err = e.Execute(ctx, next.Message)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRedeliveryScheduled, res.Outcome)
		assert.Equal(t, 1, res.Attempts, "a redelivery gets a single attempt")
		assert.Equal(t, h.now.Add(wantDelays[i]), res.RedeliverAt)
	}

	scheduled := h.bus.Scheduled()
	require.Len(t, scheduled, len(wantDelays))
	for i, s := range scheduled {
		assert.Equal(t, h.now.Add(wantDelays[i]), s.NotBefore)
	}

	res, err = e.Execute(ctx, scheduled[len(scheduled)-1].Message)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	require.ErrorIs(t, res.Err, domain.ErrExhausted)
	assert.Equal(t, h.cfg.Policy.MaxAttempts(), calls)

	sent := h.bus.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "dead-letters", sent[0].Destination)
	assert.Equal(t, msg.MessageID, sent[0].Message.MessageID)
	assert.Contains(t, sent[0].Message.Header(transport.HeaderFaultReason), "always failing")

	st, err := h.inbox.Get(ctx, msg.MessageID, h.cfg.ConsumerID)
	require.NoError(t, err)
	assert.True(t, st.IsFaulted())
	assert.False(t, st.IsConsumed())
	assert.Equal(t, len(wantDelays), st.RedeliveryCount)

	res, err = e.Execute(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, h.cfg.Policy.MaxAttempts(), calls)
}

func TestExecutor_ProducedMessagesCommitWithTheInbox(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, Register(h.registry, testType, func(ctx context.Context, p greet, hc *HandlerContext) error {
		if err := hc.Publish(ctx, eventType, greet{Name: p.Name + "!"}); err != nil {
			return err
		}
		if hc.Attempt == 1 {
			return errors.New("fail after publishing")
		}
		return nil
	}))
	e := h.executor(t)
	ctx := context.Background()
	msg := newMessage(t, testType, greet{Name: "ada"})
	msg.CorrelationID = uuid.NullUUID{UUID: uuid.New(), Valid: true}

	res, err := e.Execute(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, 2, res.Attempts)

	rows := h.outbox.Messages()
	require.Len(t, rows, 1, "the rolled back attempt must not leave a row")
	scope := domain.InboxScope(msg.MessageID, h.cfg.ConsumerID)
	assert.Equal(t, scope, rows[0].Scope())
	assert.Equal(t, "greetings-events", rows[0].DestinationAddress)
	assert.Equal(t, msg.CorrelationID, rows[0].CorrelationID)
	assert.Equal(t, msg.MessageID, rows[0].InitiatorID.UUID)
	assert.Equal(t, []domain.Scope{scope}, h.notifier.notified())

	st, err := h.inbox.Get(ctx, msg.MessageID, h.cfg.ConsumerID)
	require.NoError(t, err)
	assert.Equal(t, rows[0].SequenceNumber, st.LastSequenceNumber)
	assert.Nil(t, st.Delivered)

	d := outbox.NewDispatcher(h.outbox, h.bus, outbox.DispatcherConfig{SendRetryDelay: time.Millisecond}, zap.NewNop())
	dispatched, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched.Sent)

	sent := h.bus.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, eventType, sent[0].Message.MessageType)
	assert.JSONEq(t, `{"name":"ada!"}`, string(sent[0].Message.Body))

	st, err = h.inbox.Get(ctx, msg.MessageID, h.cfg.ConsumerID)
	require.NoError(t, err)
	assert.Equal(t, rows[0].SequenceNumber, st.DispatchedSequenceNumber)
	assert.NotNil(t, st.Delivered)
}

func TestExecutor_PoisonMessagesSkipTheBudget(t *testing.T) {
	h := newHarness(t)
	var calls int
	require.NoError(t, Register(h.registry, testType, func(ctx context.Context, p greet, hc *HandlerContext) error {
		calls++
		return nil
	}))
	e := h.executor(t)
	ctx := context.Background()

	unknown := newMessage(t, "test.unknown", greet{Name: "ada"})
	res, err := e.Execute(ctx, unknown)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	require.ErrorIs(t, res.Err, domain.ErrHandlerNotRegistered)
	assert.Zero(t, res.Attempts)

	malformed := newMessage(t, testType, greet{})
	malformed.Body = []byte(`{"name":`)
	res, err = e.Execute(ctx, malformed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	require.ErrorIs(t, res.Err, domain.ErrPoisonMessage)

	assert.Zero(t, calls)
	assert.Len(t, h.bus.Sent(), 2)
	assert.Empty(t, h.bus.Scheduled())

	res, err = e.Execute(ctx, unknown)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Len(t, h.bus.Sent(), 2)
}

func TestExecutor_PanicCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, Register(h.registry, testType, func(ctx context.Context, p greet, hc *HandlerContext) error {
		if hc.Attempt == 1 {
			panic("nil map write")
		}
		return nil
	}))
	e := h.executor(t)

	res, err := e.Execute(context.Background(), newMessage(t, testType, greet{Name: "ada"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
}

func TestExecutor_HandlerTimeoutCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	h.cfg.HandlerTimeout = 20 * time.Millisecond
	h.cfg.Policy = redelivery.Policy{ImmediateRetries: 1, RedeliveryIntervals: []time.Duration{time.Minute}}
	require.NoError(t, Register(h.registry, testType, func(ctx context.Context, p greet, hc *HandlerContext) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	e := h.executor(t)
	msg := newMessage(t, testType, greet{Name: "ada"})

	res, err := e.Execute(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRedeliveryScheduled, res.Outcome)
	require.True(t, domain.IsHandlerFailure(res.Err))
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)

	st, err := h.inbox.Get(context.Background(), msg.MessageID, h.cfg.ConsumerID)
	require.NoError(t, err)
	assert.False(t, st.IsConsumed())
	assert.Equal(t, 1, st.RedeliveryCount)
}

func TestExecutor_ConcurrentDeliveryIsInProgress(t *testing.T) {
	h := newHarness(t)
	var calls int
	require.NoError(t, Register(h.registry, testType, func(ctx context.Context, p greet, hc *HandlerContext) error {
		calls++
		return nil
	}))
	e := h.executor(t)
	ctx := context.Background()
	msg := newMessage(t, testType, greet{Name: "ada"})

	begin, err := h.inbox.TryBeginProcessing(ctx, msg.MessageID, h.cfg.ConsumerID, uuid.New(), time.Minute)
	require.NoError(t, err)
	require.Equal(t, domain.BeginFresh, begin.Status)

	res, err := e.Execute(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, res.Outcome)
	assert.Zero(t, calls)

	scheduled := h.bus.Scheduled()
	require.Len(t, scheduled, 1)
	assert.Equal(t, testEndpoint, scheduled[0].Destination)
	assert.Equal(t, h.now.Add((h.cfg.HandlerTimeout+10*time.Second)/4), scheduled[0].NotBefore)
	assert.Equal(t, res.RedeliverAt, scheduled[0].NotBefore)
	assert.Zero(t, transport.RedeliveryCount(scheduled[0].Message), "deferral is not a redelivery")

	st, err := h.inbox.Get(ctx, msg.MessageID, h.cfg.ConsumerID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ReceiveCount)
	assert.Equal(t, int64(1), st.RowVersion)
}

// faultLockLosingInbox loses the lock exactly when the row is marked faulted.
type faultLockLosingInbox struct {
	*memory.InboxRepository
}

func (i faultLockLosingInbox) RecordFailure(ctx context.Context, messageID, consumerID, lockToken uuid.UUID, rec domain.FailureRecord) error {
	if rec.Faulted {
		return domain.ErrLockLost
	}
	return i.InboxRepository.RecordFailure(ctx, messageID, consumerID, lockToken, rec)
}

func TestExecutor_LockLostAfterDeadLetterIsNotRequeued(t *testing.T) {
	h := newHarness(t)
	h.cfg.Policy = redelivery.Policy{ImmediateRetries: 1}
	require.NoError(t, Register(h.registry, testType, func(ctx context.Context, p greet, hc *HandlerContext) error {
		return errors.New("always failing")
	}))
	e, err := NewExecutor(h.cfg, h.registry, faultLockLosingInbox{h.inbox}, h.store,
		outbox.NewWriter(h.outbox, h.cfg.ConsumerName), h.bus,
		deadletter.NewSink(h.bus, "dead-letters", zap.NewNop()), zap.NewNop(),
		WithClock(func() time.Time { return h.now }))
	require.NoError(t, err)
	ctx := context.Background()
	msg := newMessage(t, testType, greet{Name: "ada"})

	res, err := e.Execute(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	require.ErrorIs(t, res.Err, domain.ErrExhausted)
	require.Len(t, h.bus.Sent(), 1)
	assert.Empty(t, h.bus.Scheduled())

	// The broker hands the same message back while the stale lock is held.
	res, err = e.Execute(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, res.Outcome)
	assert.Len(t, h.bus.Sent(), 1, "a message is dead-lettered once")
}

func TestExecutor_PoisonLockLostAfterDeadLetter(t *testing.T) {
	h := newHarness(t)
	e, err := NewExecutor(h.cfg, h.registry, faultLockLosingInbox{h.inbox}, h.store,
		outbox.NewWriter(h.outbox, h.cfg.ConsumerName), h.bus,
		deadletter.NewSink(h.bus, "dead-letters", zap.NewNop()), zap.NewNop())
	require.NoError(t, err)

	res, err := e.Execute(context.Background(), newMessage(t, "test.unknown", greet{}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Len(t, h.bus.Sent(), 1)
	assert.Empty(t, h.bus.Scheduled())
}

func TestNewExecutor_RejectsInvalidConfig(t *testing.T) {
	h := newHarness(t)
	h.cfg.Policy = redelivery.Policy{ImmediateRetries: 0}
	_, err := NewExecutor(h.cfg, h.registry, h.inbox, h.store, outbox.NewWriter(h.outbox, "x"), h.bus, deadletter.NewSink(h.bus, "dl", zap.NewNop()), zap.NewNop())
	require.ErrorIs(t, err, redelivery.ErrInvalidImmediateRetries)

	h = newHarness(t)
	h.cfg.Endpoint = ""
	_, err = NewExecutor(h.cfg, h.registry, h.inbox, h.store, outbox.NewWriter(h.outbox, "x"), h.bus, deadletter.NewSink(h.bus, "dl", zap.NewNop()), zap.NewNop())
	require.Error(t, err)
}
