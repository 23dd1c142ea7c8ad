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
	"courier/internal/repository/testpg"
)

func TestInboxRepository_Lifecycle(t *testing.T) {
	db := testpg.Open(t)
	ctx := context.Background()
	repo := NewInboxRepository(db, time.Hour)
	msgID, consumerID := uuid.New(), uuid.New()
	first := uuid.New()

	res, err := repo.TryBeginProcessing(ctx, msgID, consumerID, first, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.BeginFresh, res.Status)

	res, err = repo.TryBeginProcessing(ctx, msgID, consumerID, uuid.New(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.BeginInProgress, res.Status)

	require.NoError(t, repo.RecordFailure(ctx, msgID, consumerID, first, domain.FailureRecord{RedeliveryScheduled: true, Reason: "boom"}))

	second := uuid.New()
	res, err = repo.TryBeginProcessing(ctx, msgID, consumerID, second, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.BeginRetry, res.Status)
	assert.Equal(t, 2, res.ReceiveCount)
	assert.Equal(t, 1, res.RedeliveryCount)

	txm := database.NewTxManager(db)
	err = txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return repo.CommitProcessing(ctx, tx, msgID, consumerID, first, 0)
	})
	require.ErrorIs(t, err, domain.ErrLockLost)

	err = txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return repo.CommitProcessing(ctx, tx, msgID, consumerID, second, 0)
	})
	require.NoError(t, err)

	res, err = repo.TryBeginProcessing(ctx, msgID, consumerID, uuid.New(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.BeginAlreadyConsumed, res.Status)

	st, err := repo.Get(ctx, msgID, consumerID)
	require.NoError(t, err)
	require.NotNil(t, st.Consumed)
	require.NotNil(t, st.ExpirationTime)

	purged, err := repo.PurgeExpired(ctx, st.ExpirationTime.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	_, err = repo.Get(ctx, msgID, consumerID)
	require.ErrorIs(t, err, domain.ErrInboxNotFound)
}

func TestInboxRepository_Faulted(t *testing.T) {
	db := testpg.Open(t)
	ctx := context.Background()
	repo := NewInboxRepository(db, time.Hour)
	msgID, consumerID, token := uuid.New(), uuid.New(), uuid.New()

	_, err := repo.TryBeginProcessing(ctx, msgID, consumerID, token, time.Minute)
	require.NoError(t, err)
	require.NoError(t, repo.RecordFailure(ctx, msgID, consumerID, token, domain.FailureRecord{Faulted: true, Reason: "poison"}))

	res, err := repo.TryBeginProcessing(ctx, msgID, consumerID, uuid.New(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.BeginFaulted, res.Status)
}
