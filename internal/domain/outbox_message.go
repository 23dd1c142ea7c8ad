package domain

import (
	"time"

	"github.com/google/uuid"
)

// OutboxMessage is one outgoing message staged in the outbox table.
type OutboxMessage struct {
	SequenceNumber int64
	MessageID      uuid.UUID
	ContentType    string
	MessageType    string
	Body           []byte
	Headers        map[string]string

	SourceAddress      string
	DestinationAddress string
	ResponseAddress    string
	FaultAddress       string

	ConversationID uuid.NullUUID
	CorrelationID  uuid.NullUUID
	InitiatorID    uuid.NullUUID
	RequestID      uuid.NullUUID

	EnqueueTime    time.Time
	SentTime       *time.Time
	ExpirationTime *time.Time

	OutboxID        uuid.NullUUID
	InboxMessageID  uuid.NullUUID
	InboxConsumerID uuid.NullUUID
}

func (m *OutboxMessage) Scope() Scope {
	return Scope{
		OutboxID:        m.OutboxID.UUID,
		InboxMessageID:  m.InboxMessageID.UUID,
		InboxConsumerID: m.InboxConsumerID.UUID,
	}
}

// SetScope links the row to scope. It does not validate.
func (m *OutboxMessage) SetScope(s Scope) {
	m.OutboxID = uuid.NullUUID{UUID: s.OutboxID, Valid: s.OutboxID != uuid.Nil}
	m.InboxMessageID = uuid.NullUUID{UUID: s.InboxMessageID, Valid: s.InboxMessageID != uuid.Nil}
	m.InboxConsumerID = uuid.NullUUID{UUID: s.InboxConsumerID, Valid: s.InboxConsumerID != uuid.Nil}
}

func (m *OutboxMessage) Expired(now time.Time) bool {
	return m.ExpirationTime != nil && !now.Before(*m.ExpirationTime)
}

func (m *OutboxMessage) Sent() bool {
	return m.SentTime != nil
}
