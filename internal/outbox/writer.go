// Package outbox stages outgoing messages inside business transactions and
// drains them to the transport after commit.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"courier/internal/domain"
	"courier/internal/repository/outbox_repo"
	"courier/internal/transport"
)

const ContentTypeJSON = "application/json"

// NewScope mints the OutboxId of one unit of work.
func NewScope() domain.Scope {
	return domain.OutboxScope(uuid.New())
}

type sendOptions struct {
	correlationID   uuid.NullUUID
	conversationID  uuid.NullUUID
	initiatorID     uuid.NullUUID
	requestID       uuid.NullUUID
	responseAddress string
	faultAddress    string
	expiresIn       time.Duration
	headers         map[string]string
}

type SendOption func(*sendOptions)

func WithCorrelationID(id uuid.UUID) SendOption {
	return func(o *sendOptions) { o.correlationID = uuid.NullUUID{UUID: id, Valid: true} }
}

func WithConversationID(id uuid.UUID) SendOption {
	return func(o *sendOptions) { o.conversationID = uuid.NullUUID{UUID: id, Valid: true} }
}

func WithInitiatorID(id uuid.UUID) SendOption {
	return func(o *sendOptions) { o.initiatorID = uuid.NullUUID{UUID: id, Valid: true} }
}

func WithRequestID(id uuid.UUID) SendOption {
	return func(o *sendOptions) { o.requestID = uuid.NullUUID{UUID: id, Valid: true} }
}

func WithResponseAddress(address string) SendOption {
	return func(o *sendOptions) { o.responseAddress = address }
}

func WithFaultAddress(address string) SendOption {
	return func(o *sendOptions) { o.faultAddress = address }
}

// WithExpiration drops the message at dispatch time once d has passed since enqueue.
func WithExpiration(d time.Duration) SendOption {
	return func(o *sendOptions) { o.expiresIn = d }
}

func WithHeader(key, value string) SendOption {
	return func(o *sendOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// Writer enqueues JSON messages into the caller's transaction.
type Writer struct {
	repo          outbox_repo.OutboxRepository
	sourceAddress string
	clock         func() time.Time
}

func NewWriter(repo outbox_repo.OutboxRepository, sourceAddress string) *Writer {
	return &Writer{repo: repo, sourceAddress: sourceAddress, clock: time.Now}
}

func (w *Writer) Send(ctx context.Context, tx domain.Tx, scope domain.Scope, destination, messageType string, payload any, opts ...SendOption) (*domain.OutboxMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", messageType, err)
	}

	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	now := w.clock().UTC()
	msg := &domain.OutboxMessage{
		MessageID:          uuid.New(),
		ContentType:        ContentTypeJSON,
		MessageType:        messageType,
		Body:               body,
		Headers:            o.headers,
		SourceAddress:      w.sourceAddress,
		DestinationAddress: destination,
		ResponseAddress:    o.responseAddress,
		FaultAddress:       o.faultAddress,
		ConversationID:     o.conversationID,
		CorrelationID:      o.correlationID,
		InitiatorID:        o.initiatorID,
		RequestID:          o.requestID,
		EnqueueTime:        now,
	}
	if o.expiresIn > 0 {
		exp := now.Add(o.expiresIn)
		msg.ExpirationTime = &exp
	}

	if err := w.repo.Enqueue(ctx, tx, scope, msg); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s to %s: %w", messageType, destination, err)
	}
	return msg, nil
}

// ToTransport converts a stored row into the wire envelope stamped with sentAt.
func ToTransport(m domain.OutboxMessage, sentAt time.Time) transport.Message {
	headers := make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		headers[k] = v
	}
	return transport.Message{
		MessageID:          m.MessageID,
		MessageType:        m.MessageType,
		ContentType:        m.ContentType,
		Body:               m.Body,
		Headers:            headers,
		SourceAddress:      m.SourceAddress,
		DestinationAddress: m.DestinationAddress,
		ResponseAddress:    m.ResponseAddress,
		FaultAddress:       m.FaultAddress,
		ConversationID:     m.ConversationID,
		CorrelationID:      m.CorrelationID,
		InitiatorID:        m.InitiatorID,
		RequestID:          m.RequestID,
		SentTime:           sentAt,
		ExpirationTime:     m.ExpirationTime,
	}
}
