package domain

import (
	"time"

	"github.com/google/uuid"
)

// OutboxState tracks dispatch of one OutboxId scope.
type OutboxState struct {
	OutboxID           uuid.UUID
	LockID             uuid.NullUUID
	LockExpiresAt      *time.Time
	RowVersion         int64
	Created            time.Time
	Delivered          *time.Time
	LastSequenceNumber int64
}

func (s *OutboxState) LockedBy(token uuid.UUID, now time.Time) bool {
	return s.LockID.Valid && s.LockID.UUID == token && s.LockExpiresAt != nil && now.Before(*s.LockExpiresAt)
}

// Locked reports whether some owner holds a lease that has not expired.
func (s *OutboxState) Locked(now time.Time) bool {
	return s.LockID.Valid && s.LockExpiresAt != nil && now.Before(*s.LockExpiresAt)
}
