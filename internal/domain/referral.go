package domain

import (
	"time"

	"github.com/google/uuid"
)

type ReferralStatus int16

const (
	ReferralStatusSubmitted ReferralStatus = 1
	ReferralStatusDelivered ReferralStatus = 2
)

func (s ReferralStatus) String() string {
	switch s {
	case ReferralStatusSubmitted:
		return "SUBMITTED"
	case ReferralStatusDelivered:
		return "DELIVERED"
	default:
		return "UNKNOWN"
	}
}

type Referral struct {
	Key       uuid.UUID
	Name      string
	Status    ReferralStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewReferral(name string, now time.Time) *Referral {
	return &Referral{
		Key:       uuid.New(),
		Name:      name,
		Status:    ReferralStatusSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarkDelivered is idempotent.
func (r *Referral) MarkDelivered(now time.Time) {
	if r.Status == ReferralStatusDelivered {
		return
	}
	r.Status = ReferralStatusDelivered
	r.UpdatedAt = now
}
