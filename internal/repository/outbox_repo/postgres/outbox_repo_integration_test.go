//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/domain"
	"courier/internal/infrastructure/database"
	inboxpg "courier/internal/repository/inbox_repo/postgres"
	"courier/internal/repository/testpg"
)

func TestOutboxRepository_ClaimDispatchRelease(t *testing.T) {
	db := testpg.Open(t)
	ctx := context.Background()
	repo := NewOutboxRepository(db)
	txm := database.NewTxManager(db)
	scope := domain.OutboxScope(uuid.New())

	err := txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		for range 2 {
			msg := &domain.OutboxMessage{
				MessageID:          uuid.New(),
				MessageType:        "referrals.deliver_referral",
				Body:               []byte(`{}`),
				Headers:            map[string]string{"x-test": "1"},
				DestinationAddress: "referrals",
			}
			if err := repo.Enqueue(ctx, tx, scope, msg); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	pending, err := repo.PendingScopes(ctx, 10)
	require.NoError(t, err)
	assert.Contains(t, pending, scope)

	first, second := uuid.New(), uuid.New()
	lease, err := repo.ClaimScope(ctx, scope, first, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, lease.LastSequenceNumber)

	_, err = repo.ClaimScope(ctx, scope, second, time.Minute)
	require.ErrorIs(t, err, domain.ErrAlreadyLocked)

	rows, err := repo.ReadPending(ctx, scope, lease.LastSequenceNumber, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Less(t, rows[0].SequenceNumber, rows[1].SequenceNumber)
	assert.Equal(t, "1", rows[0].Headers["x-test"])
	assert.Equal(t, "referrals", rows[0].DestinationAddress)

	require.ErrorIs(t, repo.MarkDispatched(ctx, scope, second, rows[1].SequenceNumber), domain.ErrLockLost)
	require.NoError(t, repo.MarkDispatched(ctx, scope, first, rows[1].SequenceNumber))
	require.NoError(t, repo.ReleaseScope(ctx, scope, first))

	rest, err := repo.ReadPending(ctx, scope, rows[1].SequenceNumber, 10)
	require.NoError(t, err)
	assert.Empty(t, rest)

	lease, err = repo.ClaimScope(ctx, scope, second, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, rows[1].SequenceNumber, lease.LastSequenceNumber)
	require.NoError(t, repo.ReleaseScope(ctx, scope, second))
}

func TestOutboxRepository_RollbackDiscardsRows(t *testing.T) {
	db := testpg.Open(t)
	ctx := context.Background()
	repo := NewOutboxRepository(db)
	scope := domain.OutboxScope(uuid.New())

	err := database.NewTxManager(db).WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := repo.Enqueue(ctx, tx, scope, &domain.OutboxMessage{MessageID: uuid.New(), Body: []byte(`{}`)}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = repo.ClaimScope(ctx, scope, uuid.New(), time.Minute)
	require.ErrorIs(t, err, domain.ErrScopeNotFound)
}

func TestOutboxRepository_InboxScopeWaitsForConsume(t *testing.T) {
	db := testpg.Open(t)
	ctx := context.Background()
	outbox := NewOutboxRepository(db)
	inbox := inboxpg.NewInboxRepository(db, time.Hour)
	txm := database.NewTxManager(db)

	msgID, consumerID, token := uuid.New(), uuid.New(), uuid.New()
	scope := domain.InboxScope(msgID, consumerID)

	res, err := inbox.TryBeginProcessing(ctx, msgID, consumerID, token, time.Minute)
	require.NoError(t, err)
	require.Equal(t, domain.BeginFresh, res.Status)

	_, err = outbox.ClaimScope(ctx, scope, uuid.New(), time.Minute)
	require.ErrorIs(t, err, domain.ErrAlreadyLocked)

	err = txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		msg := &domain.OutboxMessage{MessageID: uuid.New(), Body: []byte(`{}`)}
		if err := outbox.Enqueue(ctx, tx, scope, msg); err != nil {
			return err
		}
		return inbox.CommitProcessing(ctx, tx, msgID, consumerID, token, msg.SequenceNumber)
	})
	require.NoError(t, err)

	dispatcher := uuid.New()
	_, err = outbox.ClaimScope(ctx, scope, dispatcher, time.Minute)
	require.NoError(t, err)
	rows, err := outbox.ReadPending(ctx, scope, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NoError(t, outbox.MarkDispatched(ctx, scope, dispatcher, rows[0].SequenceNumber))
	require.NoError(t, outbox.ReleaseScope(ctx, scope, dispatcher))

	st, err := inbox.Get(ctx, msgID, consumerID)
	require.NoError(t, err)
	assert.NotNil(t, st.Delivered)
	assert.Equal(t, rows[0].SequenceNumber, st.DispatchedSequenceNumber)
}
