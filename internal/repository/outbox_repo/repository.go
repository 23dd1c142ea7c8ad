package outbox_repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"courier/internal/domain"
)

// OutboxRepository stores outgoing messages and per-scope dispatch state.
// Enqueue joins the caller's transaction; every other method runs on its own.
type OutboxRepository interface {
	Enqueue(ctx context.Context, tx domain.Tx, scope domain.Scope, msg *domain.OutboxMessage) error
	// ClaimScope acquires or renews the lease. It returns domain.ErrAlreadyLocked
	// when another token holds a lease that has not expired.
	ClaimScope(ctx context.Context, scope domain.Scope, lockToken uuid.UUID, lease time.Duration) (*domain.Lease, error)
	ReleaseScope(ctx context.Context, scope domain.Scope, lockToken uuid.UUID) error
	ReadPending(ctx context.Context, scope domain.Scope, afterSequence int64, limit int) ([]domain.OutboxMessage, error)
	// MarkDispatched is idempotent: an upToSequence at or below the cursor is a no-op.
	MarkDispatched(ctx context.Context, scope domain.Scope, lockToken uuid.UUID, upToSequence int64) error
	PendingScopes(ctx context.Context, limit int) ([]domain.Scope, error)
	PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error)
}
