package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ScopeKind int

const (
	ScopeOutbox ScopeKind = iota + 1
	ScopeInbox
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeOutbox:
		return "outbox"
	case ScopeInbox:
		return "inbox"
	default:
		return "invalid"
	}
}

// Scope groups outbox rows that are totally ordered by sequence number.
// Exactly one of OutboxID or the (InboxMessageID, InboxConsumerID) pair is set.
type Scope struct {
	OutboxID        uuid.UUID
	InboxMessageID  uuid.UUID
	InboxConsumerID uuid.UUID
}

func OutboxScope(outboxID uuid.UUID) Scope {
	return Scope{OutboxID: outboxID}
}

func InboxScope(messageID, consumerID uuid.UUID) Scope {
	return Scope{InboxMessageID: messageID, InboxConsumerID: consumerID}
}

func (s Scope) Kind() ScopeKind {
	hasOutbox := s.OutboxID != uuid.Nil
	hasInbox := s.InboxMessageID != uuid.Nil || s.InboxConsumerID != uuid.Nil
	switch {
	case hasOutbox && !hasInbox:
		return ScopeOutbox
	case !hasOutbox && s.InboxMessageID != uuid.Nil && s.InboxConsumerID != uuid.Nil:
		return ScopeInbox
	default:
		return 0
	}
}

func (s Scope) Validate() error {
	if s.Kind() == 0 {
		return fmt.Errorf("%w: %s", ErrInvalidScope, s)
	}
	return nil
}

func (s Scope) String() string {
	if s.Kind() == ScopeOutbox {
		return "outbox:" + s.OutboxID.String()
	}
	return fmt.Sprintf("inbox:%s/%s", s.InboxMessageID, s.InboxConsumerID)
}

// Lease is a time-bounded claim on a scope. LastSequenceNumber is the
// dispatch cursor observed when the lease was taken.
type Lease struct {
	Scope              Scope
	Token              uuid.UUID
	ExpiresAt          time.Time
	LastSequenceNumber int64
}
