package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"courier/internal/domain"
	"courier/internal/repository/referrals_repo"
)

var _ referrals_repo.ReferralRepository = (*ReferralRepository)(nil)

// ReferralRepository accepts either a *Tx from this store or the *Store
// itself as querier. Writes through a *Tx are applied on commit.
type ReferralRepository struct {
	s *Store
}

func NewReferralRepository(s *Store) *ReferralRepository {
	return &ReferralRepository{s: s}
}

func (r *ReferralRepository) CreateTx(_ context.Context, querier domain.Querier, referral *domain.Referral) error {
	row := *referral
	r.s.mu.Lock()
	_, exists := r.s.referrals[row.Key]
	r.s.mu.Unlock()
	if exists {
		return fmt.Errorf("referral %s already exists", row.Key)
	}
	return r.write(querier, func() error {
		if _, exists := r.s.referrals[row.Key]; exists {
			return fmt.Errorf("referral %s already exists", row.Key)
		}
		r.s.referrals[row.Key] = row
		return nil
	})
}

func (r *ReferralRepository) GetByKeyTx(_ context.Context, querier domain.Querier, key uuid.UUID) (*domain.Referral, error) {
	if err := r.checkQuerier(querier); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ref, ok := r.s.referrals[key]
	if !ok {
		return nil, fmt.Errorf("referral with key %s: %w", key, domain.ErrReferralNotFound)
	}
	return &ref, nil
}

func (r *ReferralRepository) UpdateStatusTx(_ context.Context, querier domain.Querier, key uuid.UUID, status domain.ReferralStatus, updatedAt time.Time) error {
	r.s.mu.Lock()
	_, ok := r.s.referrals[key]
	r.s.mu.Unlock()
	if !ok {
		return fmt.Errorf("referral with key %s: %w", key, domain.ErrReferralNotFound)
	}
	return r.write(querier, func() error {
		ref, ok := r.s.referrals[key]
		if !ok {
			return fmt.Errorf("referral with key %s: %w", key, domain.ErrReferralNotFound)
		}
		ref.Status = status
		ref.UpdatedAt = updatedAt
		r.s.referrals[key] = ref
		return nil
	})
}

func (r *ReferralRepository) write(querier domain.Querier, op func() error) error {
	if err := r.checkQuerier(querier); err != nil {
		return err
	}
	if tx, ok := querier.(*Tx); ok {
		return tx.stage(func() { _ = op() })
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return op()
}

func (r *ReferralRepository) checkQuerier(querier domain.Querier) error {
	switch q := querier.(type) {
	case *Store:
		if q != r.s {
			return ErrForeignTx
		}
	case *Tx:
		if q.store != r.s {
			return ErrForeignTx
		}
		if q.done {
			return ErrTxDone
		}
	default:
		return ErrForeignTx
	}
	return nil
}
