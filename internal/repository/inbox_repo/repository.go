package inbox_repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"courier/internal/domain"
)

// InboxRepository tracks per-(message, consumer) delivery state.
type InboxRepository interface {
	TryBeginProcessing(ctx context.Context, messageID, consumerID, lockToken uuid.UUID, lease time.Duration) (domain.BeginResult, error)
	// CommitProcessing runs inside the handler transaction.
	CommitProcessing(ctx context.Context, tx domain.Tx, messageID, consumerID, lockToken uuid.UUID, producedUpToSequence int64) error
	// RecordFailure releases the lock and stores the failure decision. It never touches consumed.
	RecordFailure(ctx context.Context, messageID, consumerID, lockToken uuid.UUID, failure domain.FailureRecord) error
	Get(ctx context.Context, messageID, consumerID uuid.UUID) (*domain.InboxState, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
