package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"courier/internal/domain"
	"courier/internal/infrastructure/database"
	"courier/internal/repository/inbox_repo"
)

var _ inbox_repo.InboxRepository = (*InboxRepository)(nil)

type InboxRepository struct {
	db              *sql.DB
	duplicateWindow time.Duration
	clock           func() time.Time
}

// NewInboxRepository keeps consumed records for duplicateWindow before they may be purged.
func NewInboxRepository(db *sql.DB, duplicateWindow time.Duration) *InboxRepository {
	return &InboxRepository{db: db, duplicateWindow: duplicateWindow, clock: time.Now}
}

func (r *InboxRepository) now() time.Time {
	return r.clock().UTC()
}

func (r *InboxRepository) TryBeginProcessing(ctx context.Context, messageID, consumerID, lockToken uuid.UUID, lease time.Duration) (domain.BeginResult, error) {
	now := r.now()
	expires := now.Add(lease)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.BeginResult{}, database.Classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	var receiveCount int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO inbox_state (message_id, consumer_id, lock_id, lock_expires_at, row_version, received, receive_count)
		VALUES ($1, $2, $3, $4, 1, $5, 1)
		ON CONFLICT (message_id, consumer_id) DO NOTHING
		RETURNING receive_count
	`, messageID, consumerID, lockToken, expires, now).Scan(&receiveCount)
	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return domain.BeginResult{}, database.Classify(fmt.Errorf("failed to commit inbox insert: %w", err))
		}
		return domain.BeginResult{Status: domain.BeginFresh, ReceiveCount: receiveCount}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return domain.BeginResult{}, database.Classify(fmt.Errorf("failed to insert inbox state %s/%s: %w", messageID, consumerID, err))
	}

	var (
		redeliveryCount   int
		consumed, faulted sql.NullTime
		lockID            uuid.NullUUID
		lockExpiresAt     sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		SELECT receive_count, redelivery_count, consumed, faulted, lock_id, lock_expires_at
		FROM inbox_state
		WHERE message_id = $1 AND consumer_id = $2
		FOR UPDATE
	`, messageID, consumerID).Scan(&receiveCount, &redeliveryCount, &consumed, &faulted, &lockID, &lockExpiresAt)
	if err != nil {
		return domain.BeginResult{}, database.Classify(fmt.Errorf("failed to load inbox state %s/%s: %w", messageID, consumerID, err))
	}

	result := domain.BeginResult{ReceiveCount: receiveCount, RedeliveryCount: redeliveryCount}
	liveLock := lockID.Valid && lockExpiresAt.Valid && now.Before(lockExpiresAt.Time)
	switch {
	case consumed.Valid:
		result.Status = domain.BeginAlreadyConsumed
		return result, nil
	case faulted.Valid:
		result.Status = domain.BeginFaulted
		return result, nil
	case liveLock && lockID.UUID != lockToken:
		result.Status = domain.BeginInProgress
		return result, nil
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE inbox_state
		SET lock_id = $3, lock_expires_at = $4, receive_count = receive_count + 1, row_version = row_version + 1
		WHERE message_id = $1 AND consumer_id = $2
		RETURNING receive_count, redelivery_count
	`, messageID, consumerID, lockToken, expires).Scan(&result.ReceiveCount, &result.RedeliveryCount)
	if err != nil {
		return domain.BeginResult{}, database.Classify(fmt.Errorf("failed to claim inbox state %s/%s: %w", messageID, consumerID, err))
	}
	if err := tx.Commit(); err != nil {
		return domain.BeginResult{}, database.Classify(fmt.Errorf("failed to commit inbox claim: %w", err))
	}
	result.Status = domain.BeginRetry
	return result, nil
}

func (r *InboxRepository) CommitProcessing(ctx context.Context, tx domain.Tx, messageID, consumerID, lockToken uuid.UUID, producedUpToSequence int64) error {
	now := r.now()
	query := `
		UPDATE inbox_state
		SET consumed = $4,
		    expiration_time = $5,
		    last_sequence_number = GREATEST(last_sequence_number, $6),
		    delivered = CASE WHEN GREATEST(last_sequence_number, $6) = 0 THEN $4 ELSE delivered END,
		    lock_id = NULL,
		    lock_expires_at = NULL,
		    row_version = row_version + 1
		WHERE message_id = $1 AND consumer_id = $2 AND lock_id = $3 AND consumed IS NULL
	`
	res, err := tx.ExecContext(ctx, query, messageID, consumerID, lockToken, now, now.Add(r.duplicateWindow), producedUpToSequence)
	if err != nil {
		return database.Classify(fmt.Errorf("failed to mark inbox state consumed %s/%s: %w", messageID, consumerID, err))
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for inbox commit: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: inbox %s/%s", domain.ErrLockLost, messageID, consumerID)
	}
	return nil
}

func (r *InboxRepository) RecordFailure(ctx context.Context, messageID, consumerID, lockToken uuid.UUID, failure domain.FailureRecord) error {
	now := r.now()
	redeliveryIncrement := 0
	if failure.RedeliveryScheduled {
		redeliveryIncrement = 1
	}

	query := `
		UPDATE inbox_state
		SET lock_id = NULL,
		    lock_expires_at = NULL,
		    row_version = row_version + 1,
		    redelivery_count = redelivery_count + $4,
		    faulted = CASE WHEN $5::boolean THEN COALESCE(faulted, $6) ELSE faulted END,
		    expiration_time = CASE WHEN $5::boolean THEN $7 ELSE expiration_time END
		WHERE message_id = $1 AND consumer_id = $2 AND lock_id = $3
	`
	res, err := r.db.ExecContext(ctx, query,
		messageID, consumerID, lockToken,
		redeliveryIncrement, failure.Faulted, now, now.Add(r.duplicateWindow),
	)
	if err != nil {
		return database.Classify(fmt.Errorf("failed to record inbox failure %s/%s: %w", messageID, consumerID, err))
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for inbox failure: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: inbox %s/%s", domain.ErrLockLost, messageID, consumerID)
	}
	return nil
}

func (r *InboxRepository) Get(ctx context.Context, messageID, consumerID uuid.UUID) (*domain.InboxState, error) {
	query := `
		SELECT id, message_id, consumer_id, lock_id, lock_expires_at, row_version, received,
		       receive_count, redelivery_count, expiration_time, consumed, delivered, faulted,
		       last_sequence_number, dispatched_sequence_number
		FROM inbox_state
		WHERE message_id = $1 AND consumer_id = $2
	`
	st := &domain.InboxState{}
	var lockExpiresAt, expirationTime, consumed, delivered, faulted sql.NullTime
	err := r.db.QueryRowContext(ctx, query, messageID, consumerID).Scan(
		&st.ID,
		&st.MessageID,
		&st.ConsumerID,
		&st.LockID,
		&lockExpiresAt,
		&st.RowVersion,
		&st.Received,
		&st.ReceiveCount,
		&st.RedeliveryCount,
		&expirationTime,
		&consumed,
		&delivered,
		&faulted,
		&st.LastSequenceNumber,
		&st.DispatchedSequenceNumber,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", domain.ErrInboxNotFound, messageID, consumerID)
		}
		return nil, database.Classify(fmt.Errorf("failed to get inbox state %s/%s: %w", messageID, consumerID, err))
	}
	st.LockExpiresAt = timePtr(lockExpiresAt)
	st.ExpirationTime = timePtr(expirationTime)
	st.Consumed = timePtr(consumed)
	st.Delivered = timePtr(delivered)
	st.Faulted = timePtr(faulted)
	return st, nil
}

func (r *InboxRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM inbox_state
		WHERE expiration_time IS NOT NULL AND expiration_time <= $1
		  AND (delivered IS NOT NULL OR faulted IS NOT NULL)
		  AND (lock_id IS NULL OR lock_expires_at <= $1)
	`, now)
	if err != nil {
		return 0, database.Classify(fmt.Errorf("failed to purge expired inbox states: %w", err))
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected for inbox purge: %w", err)
	}
	return purged, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
