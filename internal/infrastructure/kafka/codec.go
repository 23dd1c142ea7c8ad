package kafka_infra

import (
	"github.com/segmentio/kafka-go"

	"courier/internal/transport"
)

// toKafkaMessage keys by correlation id, falling back to the message id, so
// related messages land on one partition.
func toKafkaMessage(topic string, msg transport.Message) kafka.Message {
	headers := transport.EncodeHeaders(msg)
	km := kafka.Message{
		Topic:   topic,
		Key:     []byte(partitionKey(msg)),
		Value:   msg.Body,
		Headers: make([]kafka.Header, 0, len(headers)),
	}
	for k, v := range headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return km
}

func partitionKey(msg transport.Message) string {
	switch {
	case msg.CorrelationID.Valid:
		return msg.CorrelationID.UUID.String()
	case msg.ConversationID.Valid:
		return msg.ConversationID.UUID.String()
	default:
		return msg.MessageID.String()
	}
}

// fromKafkaMessage never fails: a record without a valid message-id header
// comes back with a nil MessageID so the consumer can dead-letter it.
func fromKafkaMessage(km kafka.Message) transport.Message {
	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	msg, err := transport.DecodeHeaders(headers, km.Value)
	if err != nil {
		return transport.Message{
			MessageType: headers[transport.HeaderMessageType],
			Body:        km.Value,
			Headers:     headers,
		}
	}
	return msg
}
