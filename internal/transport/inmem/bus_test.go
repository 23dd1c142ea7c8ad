package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"courier/internal/transport"
)

func TestBus_ReleaseDueKeepsUnsentEntries(t *testing.T) {
	bus := NewBus(zap.NewNop(), WithQueueSize(1))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	first := transport.Message{MessageID: uuid.New()}
	second := transport.Message{MessageID: uuid.New()}
	later := transport.Message{MessageID: uuid.New()}
	require.NoError(t, bus.ScheduleSend(ctx, "q", second, now.Add(-time.Second)))
	require.NoError(t, bus.ScheduleSend(ctx, "q", first, now.Add(-time.Minute)))
	require.NoError(t, bus.ScheduleSend(ctx, "q", later, now.Add(time.Hour)))

	// The queue holds one message, so the second send blocks until the deadline.
	releaseCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	n, err := bus.ReleaseDue(releaseCtx, now)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, n)

	pending := bus.Scheduled()
	require.Len(t, pending, 2)
	assert.Equal(t, second.MessageID, pending[0].Message.MessageID)
	assert.Equal(t, later.MessageID, pending[1].Message.MessageID)

	d, ok := bus.TryReceive("q")
	require.True(t, ok)
	assert.Equal(t, first.MessageID, d.Message().MessageID)

	n, err = bus.ReleaseDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, bus.Scheduled(), 1)

	d, ok = bus.TryReceive("q")
	require.True(t, ok)
	assert.Equal(t, second.MessageID, d.Message().MessageID)

	n, err = bus.ReleaseDue(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, bus.Scheduled())
}

func TestBus_NackRequeues(t *testing.T) {
	bus := NewBus(zap.NewNop())
	ctx := context.Background()
	msg := transport.Message{MessageID: uuid.New()}
	require.NoError(t, bus.Send(ctx, "q", msg))

	d, ok := bus.TryReceive("q")
	require.True(t, ok)
	require.NoError(t, d.Nack(ctx))
	assert.Equal(t, 1, bus.Pending("q"))

	d, ok = bus.TryReceive("q")
	require.True(t, ok)
	require.NoError(t, d.Ack(ctx))

	acked, nacked := bus.Settled()
	assert.Equal(t, 1, acked)
	assert.Equal(t, 1, nacked)
	assert.Len(t, bus.Sent(), 1)
}
