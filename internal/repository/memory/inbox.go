package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"courier/internal/domain"
	"courier/internal/repository/inbox_repo"
)

var _ inbox_repo.InboxRepository = (*InboxRepository)(nil)

type InboxRepository struct {
	s *Store
}

func NewInboxRepository(s *Store) *InboxRepository {
	return &InboxRepository{s: s}
}

func (r *InboxRepository) TryBeginProcessing(_ context.Context, messageID, consumerID, lockToken uuid.UUID, lease time.Duration) (domain.BeginResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	key := inboxKey{messageID, consumerID}
	st, ok := r.s.inbox[key]
	if !ok {
		r.s.nextInboxID++
		r.s.inbox[key] = &domain.InboxState{
			ID:            r.s.nextInboxID,
			MessageID:     messageID,
			ConsumerID:    consumerID,
			LockID:        uuid.NullUUID{UUID: lockToken, Valid: true},
			LockExpiresAt: timePtr(now.Add(lease)),
			RowVersion:    1,
			Received:      now,
			ReceiveCount:  1,
		}
		return domain.BeginResult{Status: domain.BeginFresh, ReceiveCount: 1}, nil
	}

	result := domain.BeginResult{ReceiveCount: st.ReceiveCount, RedeliveryCount: st.RedeliveryCount}
	switch {
	case st.IsConsumed():
		result.Status = domain.BeginAlreadyConsumed
		return result, nil
	case st.IsFaulted():
		result.Status = domain.BeginFaulted
		return result, nil
	case st.Locked(now) && st.LockID.UUID != lockToken:
		result.Status = domain.BeginInProgress
		return result, nil
	}

	st.LockID = uuid.NullUUID{UUID: lockToken, Valid: true}
	st.LockExpiresAt = timePtr(now.Add(lease))
	st.ReceiveCount++
	st.RowVersion++
	result.Status = domain.BeginRetry
	result.ReceiveCount = st.ReceiveCount
	return result, nil
}

func (r *InboxRepository) CommitProcessing(_ context.Context, tx domain.Tx, messageID, consumerID, lockToken uuid.UUID, producedUpToSequence int64) error {
	t, err := r.s.asTx(tx)
	if err != nil {
		return err
	}

	key := inboxKey{messageID, consumerID}
	// owned is evaluated with the store lock held.
	owned := func() error {
		st, ok := r.s.inbox[key]
		if !ok {
			return fmt.Errorf("%w: %s/%s", domain.ErrInboxNotFound, messageID, consumerID)
		}
		if !st.LockID.Valid || st.LockID.UUID != lockToken || st.IsConsumed() {
			return fmt.Errorf("%w: inbox %s/%s", domain.ErrLockLost, messageID, consumerID)
		}
		return nil
	}

	r.s.mu.Lock()
	err = owned()
	r.s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := t.fence(owned); err != nil {
		return err
	}

	return t.stage(func() {
		st := r.s.inbox[key]
		now := r.s.now()
		st.Consumed = timePtr(now)
		st.ExpirationTime = timePtr(now.Add(r.s.duplicateWindow))
		if producedUpToSequence > st.LastSequenceNumber {
			st.LastSequenceNumber = producedUpToSequence
		}
		if st.LastSequenceNumber == 0 {
			st.Delivered = timePtr(now)
		}
		st.LockID = uuid.NullUUID{}
		st.LockExpiresAt = nil
		st.RowVersion++
	})
}

func (r *InboxRepository) RecordFailure(_ context.Context, messageID, consumerID, lockToken uuid.UUID, failure domain.FailureRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	st, ok := r.s.inbox[inboxKey{messageID, consumerID}]
	if !ok {
		return fmt.Errorf("%w: %s/%s", domain.ErrInboxNotFound, messageID, consumerID)
	}
	if !st.LockID.Valid || st.LockID.UUID != lockToken {
		return fmt.Errorf("%w: inbox %s/%s", domain.ErrLockLost, messageID, consumerID)
	}

	now := r.s.now()
	st.LockID = uuid.NullUUID{}
	st.LockExpiresAt = nil
	st.RowVersion++
	if failure.RedeliveryScheduled {
		st.RedeliveryCount++
	}
	if failure.Faulted && st.Faulted == nil {
		st.Faulted = timePtr(now)
		st.ExpirationTime = timePtr(now.Add(r.s.duplicateWindow))
	}
	return nil
}

func (r *InboxRepository) Get(_ context.Context, messageID, consumerID uuid.UUID) (*domain.InboxState, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	st, ok := r.s.inbox[inboxKey{messageID, consumerID}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrInboxNotFound, messageID, consumerID)
	}
	c := *st
	return &c, nil
}

func (r *InboxRepository) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var purged int64
	for key, st := range r.s.inbox {
		if st.ExpirationTime == nil || now.Before(*st.ExpirationTime) || st.Locked(now) {
			continue
		}
		if st.Delivered == nil && st.Faulted == nil {
			continue
		}
		delete(r.s.inbox, key)
		purged++
	}
	return purged, nil
}
