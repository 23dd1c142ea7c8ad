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
	"courier/internal/repository/referrals_repo"
)

var _ referrals_repo.ReferralRepository = (*referralRepository)(nil)

type referralRepository struct {
	db *sql.DB
}

func NewReferralRepository(db *sql.DB) *referralRepository {
	return &referralRepository{db: db}
}

func (r *referralRepository) CreateTx(ctx context.Context, querier domain.Querier, referral *domain.Referral) error {
	query := `
		INSERT INTO referrals (referral_key, name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := querier.ExecContext(ctx, query,
		referral.Key,
		referral.Name,
		referral.Status,
		referral.CreatedAt,
		referral.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("referral %s already exists: %w", referral.Key, err)
		}
		return database.Classify(fmt.Errorf("failed to create referral: %w", err))
	}
	return nil
}

func (r *referralRepository) GetByKeyTx(ctx context.Context, querier domain.Querier, key uuid.UUID) (*domain.Referral, error) {
	query := `
		SELECT referral_key, name, status, created_at, updated_at
		FROM referrals
		WHERE referral_key = $1
	`
	referral := &domain.Referral{}
	err := querier.QueryRowContext(ctx, query, key).Scan(
		&referral.Key,
		&referral.Name,
		&referral.Status,
		&referral.CreatedAt,
		&referral.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("referral with key %s: %w", key, domain.ErrReferralNotFound)
		}
		return nil, database.Classify(fmt.Errorf("failed to get referral by key %s: %w", key, err))
	}
	return referral, nil
}

func (r *referralRepository) UpdateStatusTx(ctx context.Context, querier domain.Querier, key uuid.UUID, status domain.ReferralStatus, updatedAt time.Time) error {
	query := `
		UPDATE referrals
		SET status = $2, updated_at = $3
		WHERE referral_key = $1
	`
	res, err := querier.ExecContext(ctx, query, key, status, updatedAt)
	if err != nil {
		return database.Classify(fmt.Errorf("failed to update referral status %s: %w", key, err))
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for referral update: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("referral with key %s: %w", key, domain.ErrReferralNotFound)
	}
	return nil
}
