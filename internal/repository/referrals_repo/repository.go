package referrals_repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"courier/internal/domain"
)

type ReferralRepository interface {
	CreateTx(ctx context.Context, querier domain.Querier, referral *domain.Referral) error
	GetByKeyTx(ctx context.Context, querier domain.Querier, key uuid.UUID) (*domain.Referral, error)
	UpdateStatusTx(ctx context.Context, querier domain.Querier, key uuid.UUID, status domain.ReferralStatus, updatedAt time.Time) error
}
