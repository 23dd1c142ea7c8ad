package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"courier/internal/repository/inbox_repo"
	"courier/internal/repository/outbox_repo"
)

// Janitor removes dispatched outbox rows past retention and inbox records
// past the duplicate-detection window.
type Janitor struct {
	outbox    outbox_repo.OutboxRepository
	inbox     inbox_repo.InboxRepository
	retention time.Duration
	interval  time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

func NewJanitor(outbox outbox_repo.OutboxRepository, inbox inbox_repo.InboxRepository, retention, interval time.Duration, logger *zap.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		outbox:    outbox,
		inbox:     inbox,
		retention: retention,
		interval:  interval,
		clock:     time.Now,
		logger:    logger.With(zap.String("component", "outbox_janitor")),
	}
}

func (j *Janitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("Failed to sweep outbox and inbox", zap.Error(err))
			}
		}
	}
}

// Sweep runs one cleanup pass and reports how many outbox rows and inbox records went.
func (j *Janitor) Sweep(ctx context.Context) (int64, int64, error) {
	now := j.clock().UTC()
	messages, err := j.outbox.PurgeDelivered(ctx, now.Add(-j.retention))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to purge delivered outbox rows: %w", err)
	}
	states, err := j.inbox.PurgeExpired(ctx, now)
	if err != nil {
		return messages, 0, fmt.Errorf("failed to purge expired inbox states: %w", err)
	}
	if messages > 0 || states > 0 {
		j.logger.Info("Purged delivered messages",
			zap.Int64("outbox_messages", messages),
			zap.Int64("inbox_states", states),
		)
	}
	return messages, states, nil
}
