package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"courier/internal/domain"
	"courier/internal/repository/outbox_repo"
)

var _ outbox_repo.OutboxRepository = (*OutboxRepository)(nil)

type OutboxRepository struct {
	s *Store
}

func NewOutboxRepository(s *Store) *OutboxRepository {
	return &OutboxRepository{s: s}
}

func (r *OutboxRepository) Enqueue(_ context.Context, tx domain.Tx, scope domain.Scope, msg *domain.OutboxMessage) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	t, err := r.s.asTx(tx)
	if err != nil {
		return err
	}

	r.s.mu.Lock()
	r.s.nextSequence++
	seq := r.s.nextSequence
	now := r.s.now()
	r.s.mu.Unlock()

	msg.SequenceNumber = seq
	msg.SetScope(scope)
	msg.SentTime = nil
	if msg.EnqueueTime.IsZero() {
		msg.EnqueueTime = now
	}
	row := cloneMessage(msg)

	return t.stage(func() {
		r.s.messages[seq] = row
		if scope.Kind() == domain.ScopeOutbox {
			if _, ok := r.s.outboxStates[scope.OutboxID]; !ok {
				r.s.outboxStates[scope.OutboxID] = &domain.OutboxState{OutboxID: scope.OutboxID, Created: now}
			}
		}
	})
}

func (r *OutboxRepository) ClaimScope(_ context.Context, scope domain.Scope, lockToken uuid.UUID, lease time.Duration) (*domain.Lease, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	expires := now.Add(lease)

	if scope.Kind() == domain.ScopeOutbox {
		st, ok := r.s.outboxStates[scope.OutboxID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrScopeNotFound, scope)
		}
		if st.Locked(now) && st.LockID.UUID != lockToken {
			return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyLocked, scope)
		}
		st.LockID = uuid.NullUUID{UUID: lockToken, Valid: true}
		st.LockExpiresAt = timePtr(expires)
		st.RowVersion++
		return &domain.Lease{Scope: scope, Token: lockToken, ExpiresAt: expires, LastSequenceNumber: st.LastSequenceNumber}, nil
	}

	st, ok := r.s.inbox[inboxKey{scope.InboxMessageID, scope.InboxConsumerID}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrScopeNotFound, scope)
	}
	if !st.IsConsumed() || (st.Locked(now) && st.LockID.UUID != lockToken) {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyLocked, scope)
	}
	st.LockID = uuid.NullUUID{UUID: lockToken, Valid: true}
	st.LockExpiresAt = timePtr(expires)
	st.RowVersion++
	return &domain.Lease{Scope: scope, Token: lockToken, ExpiresAt: expires, LastSequenceNumber: st.DispatchedSequenceNumber}, nil
}

func (r *OutboxRepository) ReleaseScope(_ context.Context, scope domain.Scope, lockToken uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	drained := !r.hasPendingLocked(scope)

	if scope.Kind() == domain.ScopeOutbox {
		st, ok := r.s.outboxStates[scope.OutboxID]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrScopeNotFound, scope)
		}
		if !st.LockID.Valid || st.LockID.UUID != lockToken {
			return fmt.Errorf("%w: %s", domain.ErrLockLost, scope)
		}
		st.LockID = uuid.NullUUID{}
		st.LockExpiresAt = nil
		st.RowVersion++
		if drained && st.Delivered == nil {
			st.Delivered = timePtr(now)
		}
		return nil
	}

	st, ok := r.s.inbox[inboxKey{scope.InboxMessageID, scope.InboxConsumerID}]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrScopeNotFound, scope)
	}
	if !st.LockID.Valid || st.LockID.UUID != lockToken {
		return fmt.Errorf("%w: %s", domain.ErrLockLost, scope)
	}
	st.LockID = uuid.NullUUID{}
	st.LockExpiresAt = nil
	st.RowVersion++
	if drained && st.Delivered == nil {
		st.Delivered = timePtr(now)
	}
	return nil
}

func (r *OutboxRepository) ReadPending(_ context.Context, scope domain.Scope, afterSequence int64, limit int) ([]domain.OutboxMessage, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []domain.OutboxMessage
	for _, seq := range r.sortedSequencesLocked() {
		m := r.s.messages[seq]
		if seq <= afterSequence || m.Scope() != scope {
			continue
		}
		out = append(out, *cloneMessage(m))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *OutboxRepository) MarkDispatched(_ context.Context, scope domain.Scope, lockToken uuid.UUID, upToSequence int64) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	if scope.Kind() == domain.ScopeOutbox {
		st, ok := r.s.outboxStates[scope.OutboxID]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrScopeNotFound, scope)
		}
		if !st.LockID.Valid || st.LockID.UUID != lockToken {
			return fmt.Errorf("%w: %s", domain.ErrLockLost, scope)
		}
		if upToSequence > st.LastSequenceNumber {
			st.LastSequenceNumber = upToSequence
		}
	} else {
		st, ok := r.s.inbox[inboxKey{scope.InboxMessageID, scope.InboxConsumerID}]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrScopeNotFound, scope)
		}
		if !st.LockID.Valid || st.LockID.UUID != lockToken {
			return fmt.Errorf("%w: %s", domain.ErrLockLost, scope)
		}
		if upToSequence > st.DispatchedSequenceNumber {
			st.DispatchedSequenceNumber = upToSequence
		}
	}

	for seq, m := range r.s.messages {
		if seq <= upToSequence && m.SentTime == nil && m.Scope() == scope {
			m.SentTime = timePtr(now)
		}
	}
	return nil
}

func (r *OutboxRepository) PendingScopes(_ context.Context, limit int) ([]domain.Scope, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	seen := make(map[domain.Scope]bool)
	var out []domain.Scope
	for _, seq := range r.sortedSequencesLocked() {
		m := r.s.messages[seq]
		if m.SentTime != nil {
			continue
		}
		sc := m.Scope()
		if seen[sc] {
			continue
		}
		seen[sc] = true
		out = append(out, sc)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *OutboxRepository) PurgeDelivered(_ context.Context, olderThan time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var purged int64
	for seq, m := range r.s.messages {
		if m.SentTime != nil && m.SentTime.Before(olderThan) {
			delete(r.s.messages, seq)
			purged++
		}
	}
	now := r.s.now()
	for id, st := range r.s.outboxStates {
		if st.Delivered != nil && st.Delivered.Before(olderThan) && !st.Locked(now) && !r.hasPendingLocked(domain.OutboxScope(id)) {
			delete(r.s.outboxStates, id)
		}
	}
	return purged, nil
}

// Messages returns a snapshot of every stored row in sequence order.
func (r *OutboxRepository) Messages() []domain.OutboxMessage {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.OutboxMessage, 0, len(r.s.messages))
	for _, seq := range r.sortedSequencesLocked() {
		out = append(out, *cloneMessage(r.s.messages[seq]))
	}
	return out
}

func (r *OutboxRepository) State(outboxID uuid.UUID) (domain.OutboxState, bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.outboxStates[outboxID]
	if !ok {
		return domain.OutboxState{}, false
	}
	return *st, true
}

func (r *OutboxRepository) hasPendingLocked(scope domain.Scope) bool {
	for _, m := range r.s.messages {
		if m.SentTime == nil && m.Scope() == scope {
			return true
		}
	}
	return false
}

func (r *OutboxRepository) sortedSequencesLocked() []int64 {
	seqs := make([]int64, 0, len(r.s.messages))
	for seq := range r.s.messages {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

func cloneMessage(m *domain.OutboxMessage) *domain.OutboxMessage {
	c := *m
	c.Body = append([]byte(nil), m.Body...)
	if m.Headers != nil {
		c.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	if m.SentTime != nil {
		c.SentTime = timePtr(*m.SentTime)
	}
	if m.ExpirationTime != nil {
		c.ExpirationTime = timePtr(*m.ExpirationTime)
	}
	return &c
}
