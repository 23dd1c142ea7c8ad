package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"courier/internal/deadletter"
	"courier/internal/domain"
	"courier/internal/outbox"
	"courier/internal/transport"
)

func noop(context.Context, greet, *HandlerContext) error { return nil }

func TestRegister_RejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register(r, testType, noop))

	err := Register(r, testType, noop)
	require.ErrorIs(t, err, domain.ErrHandlerAlreadyRegistered)

	require.Error(t, Register(r, "", noop))
	require.Error(t, Register[greet](r, "test.nil", nil))
	assert.Equal(t, []string{testType}, r.Types())
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register(r, testType, noop))
	require.NoError(t, Register(r, eventType, noop))

	require.NoError(t, r.Validate(testType, eventType))

	err := r.Validate(testType, eventType, "test.missing")
	require.ErrorIs(t, err, domain.ErrHandlerNotRegistered)
	assert.Contains(t, err.Error(), "test.missing")

	err = r.Validate(testType)
	require.Error(t, err)
	assert.Contains(t, err.Error(), eventType)
}

func TestEndpoint_AcksCommittedAndStops(t *testing.T) {
	h := newHarness(t)
	handled := make(chan string, 4)
	require.NoError(t, Register(h.registry, testType, func(ctx context.Context, p greet, hc *HandlerContext) error {
		handled <- p.Name
		return nil
	}))
	ep := NewEndpoint(testEndpoint, h.bus, h.executor(t), 2, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ep.Run(ctx) }()

	msg := newMessage(t, testType, greet{Name: "ada"})
	require.NoError(t, h.bus.Send(ctx, testEndpoint, msg))
	require.NoError(t, h.bus.Send(ctx, testEndpoint, msg))

	select {
	case name := <-handled:
		assert.Equal(t, "ada", name)
	case <-time.After(time.Second):
		t.Fatal("handler was not called")
	}
	require.Eventually(t, func() bool {
		acked, _ := h.bus.Settled()
		return acked == 2
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, handled, "the duplicate must be skipped")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("endpoint did not stop")
	}
}

func TestEndpoint_DefersInProgressInsteadOfNacking(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, Register(h.registry, testType, noop))
	ep := NewEndpoint(testEndpoint, h.bus, h.executor(t), 1, zap.NewNop())
	ctx := context.Background()

	msg := newMessage(t, testType, greet{Name: "ada"})
	_, err := h.inbox.TryBeginProcessing(ctx, msg.MessageID, h.cfg.ConsumerID, h.cfg.ConsumerID, time.Minute)
	require.NoError(t, err)

	require.NoError(t, h.bus.Send(ctx, testEndpoint, msg))
	d, ok := h.bus.TryReceive(testEndpoint)
	require.True(t, ok)

	res := ep.Process(ctx, d)
	assert.Equal(t, OutcomeInProgress, res.Outcome)

	acked, nacked := h.bus.Settled()
	assert.Equal(t, 1, acked)
	assert.Zero(t, nacked)
	assert.Zero(t, h.bus.Pending(testEndpoint), "the delivery must not bounce straight back")

	scheduled := h.bus.Scheduled()
	require.Len(t, scheduled, 1)
	assert.Equal(t, testEndpoint, scheduled[0].Destination)
	assert.Equal(t, msg.MessageID, scheduled[0].Message.MessageID)
	assert.Equal(t, res.RedeliverAt, scheduled[0].NotBefore)
}

type failingScheduler struct{}

func (failingScheduler) ScheduleSend(context.Context, string, transport.Message, time.Time) error {
	return errors.New("scheduler unavailable")
}

func TestEndpoint_NacksWhenInProgressCannotBeDeferred(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, Register(h.registry, testType, noop))
	e, err := NewExecutor(h.cfg, h.registry, h.inbox, h.store, outbox.NewWriter(h.outbox, "x"),
		failingScheduler{}, deadletter.NewSink(h.bus, "dl", zap.NewNop()), zap.NewNop())
	require.NoError(t, err)
	ep := NewEndpoint(testEndpoint, h.bus, e, 1, zap.NewNop())
	ctx := context.Background()

	msg := newMessage(t, testType, greet{Name: "ada"})
	_, err = h.inbox.TryBeginProcessing(ctx, msg.MessageID, h.cfg.ConsumerID, uuid.New(), time.Minute)
	require.NoError(t, err)

	require.NoError(t, h.bus.Send(ctx, testEndpoint, msg))
	d, ok := h.bus.TryReceive(testEndpoint)
	require.True(t, ok)
	ep.Process(ctx, d)

	acked, nacked := h.bus.Settled()
	assert.Zero(t, acked)
	assert.Equal(t, 1, nacked)
	assert.Equal(t, 1, h.bus.Pending(testEndpoint))
}
