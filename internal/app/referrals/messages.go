package referrals

import (
	"time"

	"github.com/google/uuid"
)

const (
	MessageTypeDeliverReferral   = "referrals.deliver_referral"
	MessageTypeReferralDelivered = "referrals.referral_delivered"
)

// DeliverReferral asks the referrals endpoint to deliver one referral.
type DeliverReferral struct {
	ReferralKey uuid.UUID `json:"referral_key"`
}

type ReferralDelivered struct {
	ReferralKey uuid.UUID `json:"referral_key"`
	Name        string    `json:"name"`
	DeliveredAt time.Time `json:"delivered_at"`
}
