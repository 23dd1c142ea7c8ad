package referrals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"courier/internal/consumer"
	"courier/internal/domain"
	"courier/internal/outbox"
	"courier/internal/repository/referrals_repo"
)

type Service interface {
	SubmitReferral(ctx context.Context, name string) (*domain.Referral, error)
	GetReferral(ctx context.Context, key uuid.UUID) (*domain.Referral, error)
}

type referralService struct {
	txManager   domain.TxManager
	reader      domain.Querier
	referrals   referrals_repo.ReferralRepository
	writer      *outbox.Writer
	notifier    consumer.Notifier
	destination string
	clock       func() time.Time
	logger      *zap.Logger
}

// NewReferralService enqueues DeliverReferral commands to destination. reader
// serves lookups outside a transaction.
func NewReferralService(
	txManager domain.TxManager,
	reader domain.Querier,
	referrals referrals_repo.ReferralRepository,
	writer *outbox.Writer,
	notifier consumer.Notifier,
	destination string,
	logger *zap.Logger,
) Service {
	return &referralService{
		txManager:   txManager,
		reader:      reader,
		referrals:   referrals,
		writer:      writer,
		notifier:    notifier,
		destination: destination,
		clock:       time.Now,
		logger:      logger,
	}
}

// SubmitReferral stores the referral and stages its delivery command in one
// transaction. An empty name gets a generated one.
func (s *referralService) SubmitReferral(ctx context.Context, name string) (*domain.Referral, error) {
	referral := domain.NewReferral(strings.TrimSpace(name), s.clock().UTC())
	if referral.Name == "" {
		referral.Name = "referral-" + referral.Key.String()[:8]
	}
	scope := outbox.NewScope()

	err := s.txManager.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := s.referrals.CreateTx(ctx, tx, referral); err != nil {
			return err
		}
		s.logger.Info("Enqueuing referral", zap.String("referral_key", referral.Key.String()))
		_, err := s.writer.Send(ctx, tx, scope, s.destination, MessageTypeDeliverReferral,
			DeliverReferral{ReferralKey: referral.Key},
			outbox.WithCorrelationID(referral.Key),
		)
		return err
	})
	if err != nil {
		s.logger.Error("Failed to submit referral", zap.String("referral_key", referral.Key.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to submit referral: %w", err)
	}

	if s.notifier != nil {
		s.notifier.Notify(scope)
	}
	return referral, nil
}

func (s *referralService) GetReferral(ctx context.Context, key uuid.UUID) (*domain.Referral, error) {
	return s.referrals.GetByKeyTx(ctx, s.reader, key)
}
