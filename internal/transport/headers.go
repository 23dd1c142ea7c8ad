package transport

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderMessageID          = "message-id"
	HeaderMessageType        = "message-type"
	HeaderContentType        = "content-type"
	HeaderCorrelationID      = "correlation-id"
	HeaderConversationID     = "conversation-id"
	HeaderInitiatorID        = "initiator-id"
	HeaderRequestID          = "request-id"
	HeaderSourceAddress      = "source-address"
	HeaderDestinationAddress = "destination-address"
	HeaderResponseAddress    = "response-address"
	HeaderFaultAddress       = "fault-address"
	HeaderSentTime           = "sent-time"
	HeaderExpirationTime     = "expiration-time"

	HeaderRedeliveryCount = "x-redelivery-count"
	HeaderFaultReason     = "x-fault-reason"
	HeaderFaultConsumer   = "x-fault-consumer"
	HeaderFaultTime       = "x-fault-time"
)

// EncodeHeaders flattens the envelope metadata and custom headers into one map.
func EncodeHeaders(msg Message) map[string]string {
	h := make(map[string]string, len(msg.Headers)+12)
	for k, v := range msg.Headers {
		h[k] = v
	}
	h[HeaderMessageID] = msg.MessageID.String()
	setIf(h, HeaderMessageType, msg.MessageType)
	setIf(h, HeaderContentType, msg.ContentType)
	setIf(h, HeaderSourceAddress, msg.SourceAddress)
	setIf(h, HeaderDestinationAddress, msg.DestinationAddress)
	setIf(h, HeaderResponseAddress, msg.ResponseAddress)
	setIf(h, HeaderFaultAddress, msg.FaultAddress)
	setUUID(h, HeaderCorrelationID, msg.CorrelationID)
	setUUID(h, HeaderConversationID, msg.ConversationID)
	setUUID(h, HeaderInitiatorID, msg.InitiatorID)
	setUUID(h, HeaderRequestID, msg.RequestID)
	if !msg.SentTime.IsZero() {
		h[HeaderSentTime] = msg.SentTime.UTC().Format(time.RFC3339Nano)
	}
	if msg.ExpirationTime != nil {
		h[HeaderExpirationTime] = msg.ExpirationTime.UTC().Format(time.RFC3339Nano)
	}
	return h
}

// DecodeHeaders rebuilds an envelope from wire headers and body. Envelope
// headers are removed from Headers; everything else is kept as custom.
func DecodeHeaders(h map[string]string, body []byte) (Message, error) {
	msg := Message{Body: body, Headers: make(map[string]string)}
	for k, v := range h {
		msg.Headers[k] = v
	}

	id, err := uuid.Parse(take(msg.Headers, HeaderMessageID))
	if err != nil {
		return Message{}, err
	}
	msg.MessageID = id
	msg.MessageType = take(msg.Headers, HeaderMessageType)
	msg.ContentType = take(msg.Headers, HeaderContentType)
	msg.SourceAddress = take(msg.Headers, HeaderSourceAddress)
	msg.DestinationAddress = take(msg.Headers, HeaderDestinationAddress)
	msg.ResponseAddress = take(msg.Headers, HeaderResponseAddress)
	msg.FaultAddress = take(msg.Headers, HeaderFaultAddress)
	msg.CorrelationID = parseNullUUID(take(msg.Headers, HeaderCorrelationID))
	msg.ConversationID = parseNullUUID(take(msg.Headers, HeaderConversationID))
	msg.InitiatorID = parseNullUUID(take(msg.Headers, HeaderInitiatorID))
	msg.RequestID = parseNullUUID(take(msg.Headers, HeaderRequestID))
	if v := take(msg.Headers, HeaderSentTime); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			msg.SentTime = t
		}
	}
	if v := take(msg.Headers, HeaderExpirationTime); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			msg.ExpirationTime = &t
		}
	}
	return msg, nil
}

// RedeliveryCount reads the redelivery header, zero when absent or malformed.
func RedeliveryCount(msg Message) int {
	n, err := strconv.Atoi(msg.Header(HeaderRedeliveryCount))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func setIf(h map[string]string, key, value string) {
	if value != "" {
		h[key] = value
	}
}

func setUUID(h map[string]string, key string, id uuid.NullUUID) {
	if id.Valid {
		h[key] = id.UUID.String()
	}
}

func take(h map[string]string, key string) string {
	v := h[key]
	delete(h, key)
	return v
}

func parseNullUUID(v string) uuid.NullUUID {
	if v == "" {
		return uuid.NullUUID{}
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: id, Valid: true}
}
