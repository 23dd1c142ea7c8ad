package domain

import (
	"time"

	"github.com/google/uuid"
)

// InboxState is the delivery record of one (MessageId, ConsumerId) pair.
// Consumed is never cleared once set.
type InboxState struct {
	ID              int64
	MessageID       uuid.UUID
	ConsumerID      uuid.UUID
	LockID          uuid.NullUUID
	LockExpiresAt   *time.Time
	RowVersion      int64
	Received        time.Time
	ReceiveCount    int
	RedeliveryCount int
	ExpirationTime  *time.Time
	Consumed        *time.Time
	Delivered       *time.Time
	Faulted         *time.Time

	// LastSequenceNumber is the high-water mark of outbox rows produced while
	// consuming the message. DispatchedSequenceNumber is how far the
	// dispatcher has drained them.
	LastSequenceNumber       int64
	DispatchedSequenceNumber int64
}

func (s *InboxState) Locked(now time.Time) bool {
	return s.LockID.Valid && s.LockExpiresAt != nil && now.Before(*s.LockExpiresAt)
}

func (s *InboxState) IsConsumed() bool {
	return s.Consumed != nil
}

func (s *InboxState) IsFaulted() bool {
	return s.Faulted != nil
}

type BeginStatus int

const (
	BeginFresh BeginStatus = iota + 1
	BeginRetry
	BeginInProgress
	BeginAlreadyConsumed
	BeginFaulted
)

func (s BeginStatus) String() string {
	switch s {
	case BeginFresh:
		return "fresh"
	case BeginRetry:
		return "retry"
	case BeginInProgress:
		return "in_progress"
	case BeginAlreadyConsumed:
		return "already_consumed"
	case BeginFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// BeginResult is the outcome of claiming an inbox record for processing.
type BeginResult struct {
	Status          BeginStatus
	ReceiveCount    int
	RedeliveryCount int
}

// Proceed reports whether the caller now owns the record and must run the handler.
func (r BeginResult) Proceed() bool {
	return r.Status == BeginFresh || r.Status == BeginRetry
}

// FailureRecord describes what the consumer decided after a failed attempt.
type FailureRecord struct {
	RedeliveryScheduled bool
	Faulted             bool
	Reason              string
}
