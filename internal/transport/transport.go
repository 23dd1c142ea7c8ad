// Package transport defines the broker boundary: fire-and-forget sends,
// delayed sends used for redelivery, and at-least-once subscriptions.
package transport

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"
)

// Message is the broker-neutral envelope. Metadata travels as headers on the wire.
type Message struct {
	MessageID   uuid.UUID
	MessageType string
	ContentType string
	Body        []byte
	Headers     map[string]string

	SourceAddress      string
	DestinationAddress string
	ResponseAddress    string
	FaultAddress       string

	ConversationID uuid.NullUUID
	CorrelationID  uuid.NullUUID
	InitiatorID    uuid.NullUUID
	RequestID      uuid.NullUUID

	SentTime       time.Time
	ExpirationTime *time.Time
}

// Clone copies the message so header edits do not leak into the original.
func (m Message) Clone() Message {
	out := m
	out.Body = append([]byte(nil), m.Body...)
	out.Headers = make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		out.Headers[k] = v
	}
	return out
}

func (m Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// Sender hands a message to the broker. A nil error means the broker acknowledged it.
type Sender interface {
	Send(ctx context.Context, destination string, msg Message) error
}

// Scheduler delivers a message to destination no earlier than notBefore.
type Scheduler interface {
	ScheduleSend(ctx context.Context, destination string, msg Message, notBefore time.Time) error
}

// Delivery is one received message plus its settlement handle.
type Delivery interface {
	Message() Message
	Ack(ctx context.Context) error
	// Nack returns the message to the broker for another delivery.
	Nack(ctx context.Context) error
}

// Subscriber yields deliveries for endpoint until ctx is done. Errors are
// yielded for receive failures the caller may log and skip.
type Subscriber interface {
	Subscribe(ctx context.Context, endpoint string) iter.Seq2[Delivery, error]
}

type Transport interface {
	Sender
	Scheduler
	Subscriber
	Close() error
}
