// Package deadletter moves messages that can never be handled to a fault
// address so they are kept for inspection instead of dropped.
package deadletter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"courier/internal/domain"
	"courier/internal/transport"
)

type Sink struct {
	sender         transport.Sender
	defaultAddress string
	clock          func() time.Time
	logger         *zap.Logger
}

// NewSink sends faults to the message's fault-address, or to defaultAddress
// when the message has none.
func NewSink(sender transport.Sender, defaultAddress string, logger *zap.Logger) *Sink {
	return &Sink{
		sender:         sender,
		defaultAddress: defaultAddress,
		clock:          time.Now,
		logger:         logger.With(zap.String("component", "dead_letter")),
	}
}

func (s *Sink) Fault(ctx context.Context, msg transport.Message, consumer string, reason error) error {
	destination := msg.FaultAddress
	if destination == "" {
		destination = s.defaultAddress
	}
	if destination == "" {
		return fmt.Errorf("no fault address for message %s", msg.MessageID)
	}

	faulted := msg.Clone()
	faulted.Headers[transport.HeaderFaultConsumer] = consumer
	faulted.Headers[transport.HeaderFaultTime] = s.clock().UTC().Format(time.RFC3339Nano)
	if reason != nil {
		faulted.Headers[transport.HeaderFaultReason] = reason.Error()
	}

	if err := s.sender.Send(ctx, destination, faulted); err != nil {
		return fmt.Errorf("%w: failed to send %s to %s: %w", domain.ErrTransportUnavailable, msg.MessageID, destination, err)
	}

	s.logger.Error("Message moved to dead letter",
		zap.String("message_id", msg.MessageID.String()),
		zap.String("message_type", msg.MessageType),
		zap.String("consumer", consumer),
		zap.String("destination", destination),
		zap.Error(reason),
	)
	return nil
}
