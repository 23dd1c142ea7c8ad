package consumer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"courier/internal/domain"
	"courier/internal/outbox"
	"courier/internal/transport"
)

// HandlerContext is what a handler sees of the message being consumed.
// Messages sent through it are staged in the consumer transaction and
// dispatched only after the message is marked consumed.
type HandlerContext struct {
	Tx              domain.Tx
	Message         transport.Message
	ConsumerID      uuid.UUID
	Attempt         int
	RedeliveryCount int

	writer         *outbox.Writer
	publishAddress string
	scope          domain.Scope
	producedUpTo   int64
	produced       int
}

// Send stages a message to destination. Conversation and initiator ids are
// carried over from the consumed message.
func (hc *HandlerContext) Send(ctx context.Context, destination, messageType string, payload any, opts ...outbox.SendOption) error {
	conversation := hc.Message.MessageID
	if hc.Message.ConversationID.Valid {
		conversation = hc.Message.ConversationID.UUID
	}
	base := []outbox.SendOption{
		outbox.WithConversationID(conversation),
		outbox.WithInitiatorID(hc.Message.MessageID),
	}
	if hc.Message.CorrelationID.Valid {
		base = append(base, outbox.WithCorrelationID(hc.Message.CorrelationID.UUID))
	}

	msg, err := hc.writer.Send(ctx, hc.Tx, hc.scope, destination, messageType, payload, append(base, opts...)...)
	if err != nil {
		return err
	}
	if msg.SequenceNumber > hc.producedUpTo {
		hc.producedUpTo = msg.SequenceNumber
	}
	hc.produced++
	return nil
}

// Publish stages an event to the consumer's publish address.
func (hc *HandlerContext) Publish(ctx context.Context, messageType string, payload any, opts ...outbox.SendOption) error {
	if hc.publishAddress == "" {
		return fmt.Errorf("no publish address configured for %s", messageType)
	}
	return hc.Send(ctx, hc.publishAddress, messageType, payload, opts...)
}

// Produced is the number of messages staged so far.
func (hc *HandlerContext) Produced() int {
	return hc.produced
}
