package referrals

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"courier/internal/consumer"
	"courier/internal/domain"
	"courier/internal/repository/referrals_repo"
)

// DeliverReferralHandler marks the referral delivered and publishes
// ReferralDelivered, both in the consumer transaction.
func DeliverReferralHandler(repo referrals_repo.ReferralRepository, faults *FaultInjector, clock func() time.Time, logger *zap.Logger) consumer.HandlerFunc[DeliverReferral] {
	if clock == nil {
		clock = time.Now
	}
	return func(ctx context.Context, cmd DeliverReferral, hc *consumer.HandlerContext) error {
		log := logger.With(
			zap.String("referral_key", cmd.ReferralKey.String()),
			zap.Int("attempt", hc.Attempt),
			zap.Int("redelivery_count", hc.RedeliveryCount),
		)
		log.Info("Received referral")

		referral, err := repo.GetByKeyTx(ctx, hc.Tx, cmd.ReferralKey)
		if err != nil {
			return fmt.Errorf("failed to find the referenced referral: %w", err)
		}
		if err := faults.Check(hc.Attempt); err != nil {
			return err
		}

		now := clock().UTC()
		referral.MarkDelivered(now)
		if err := repo.UpdateStatusTx(ctx, hc.Tx, referral.Key, referral.Status, referral.UpdatedAt); err != nil {
			return err
		}
		if err := hc.Publish(ctx, MessageTypeReferralDelivered, ReferralDelivered{
			ReferralKey: referral.Key,
			Name:        referral.Name,
			DeliveredAt: now,
		}); err != nil {
			return err
		}

		log.Info("Referral processed", zap.String("status", domain.ReferralStatusDelivered.String()))
		return nil
	}
}

// RegisterHandlers binds every referrals message type handled by the endpoint.
func RegisterHandlers(registry *consumer.Registry, repo referrals_repo.ReferralRepository, faults *FaultInjector, logger *zap.Logger) error {
	return consumer.Register(registry, MessageTypeDeliverReferral, DeliverReferralHandler(repo, faults, time.Now, logger))
}

// HandledTypes lists the message types RegisterHandlers binds.
func HandledTypes() []string {
	return []string{MessageTypeDeliverReferral}
}
