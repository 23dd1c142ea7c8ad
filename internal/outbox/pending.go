package outbox

import (
	"context"
	"iter"

	"courier/internal/domain"
	"courier/internal/repository/outbox_repo"
)

// Pending lazily yields the rows of scope after cursor in ascending sequence
// order, reading batchSize rows at a time. Iteration can be restarted from
// any cursor; an error ends it.
func Pending(ctx context.Context, repo outbox_repo.OutboxRepository, scope domain.Scope, cursor int64, batchSize int) iter.Seq2[domain.OutboxMessage, error] {
	return func(yield func(domain.OutboxMessage, error) bool) {
		after := cursor
		for {
			batch, err := repo.ReadPending(ctx, scope, after, batchSize)
			if err != nil {
				yield(domain.OutboxMessage{}, err)
				return
			}
			for _, m := range batch {
				if !yield(m, nil) {
					return
				}
				after = m.SequenceNumber
			}
			if batchSize <= 0 || len(batch) < batchSize {
				return
			}
		}
	}
}
