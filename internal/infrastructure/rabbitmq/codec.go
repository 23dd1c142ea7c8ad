package rabbitmq_infra

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"courier/internal/transport"
)

const headerDelay = "x-delay"

func toPublishing(msg transport.Message) amqp.Publishing {
	headers := transport.EncodeHeaders(msg)
	table := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		table[k] = v
	}
	pub := amqp.Publishing{
		Headers:      table,
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID.String(),
		Type:         msg.MessageType,
		Timestamp:    msg.SentTime,
		Body:         msg.Body,
	}
	if msg.CorrelationID.Valid {
		pub.CorrelationId = msg.CorrelationID.UUID.String()
	}
	return pub
}

// fromDelivery never fails: a delivery without a valid message-id header
// comes back with a nil MessageID so the consumer can dead-letter it.
func fromDelivery(d amqp.Delivery) transport.Message {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if k == headerDelay {
			continue
		}
		switch s := v.(type) {
		case string:
			headers[k] = s
		case []byte:
			headers[k] = string(s)
		default:
			headers[k] = fmt.Sprint(v)
		}
	}
	if _, ok := headers[transport.HeaderMessageID]; !ok && d.MessageId != "" {
		headers[transport.HeaderMessageID] = d.MessageId
	}
	if _, ok := headers[transport.HeaderMessageType]; !ok && d.Type != "" {
		headers[transport.HeaderMessageType] = d.Type
	}

	msg, err := transport.DecodeHeaders(headers, d.Body)
	if err != nil {
		return transport.Message{
			MessageType: headers[transport.HeaderMessageType],
			Body:        d.Body,
			Headers:     headers,
		}
	}
	return msg
}
