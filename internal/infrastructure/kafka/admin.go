package kafka_infra

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EnsureTopics creates each missing topic with a single partition, which keeps
// one endpoint's messages in enqueue order. Existing topics are left alone.
func EnsureTopics(ctx context.Context, brokerURLs []string, topics []string, logger *zap.Logger) error {
	if len(brokerURLs) == 0 {
		return errors.New("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokerURLs[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka broker for admin operations: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to get kafka controller: %w", err)
	}
	controllerConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to dial kafka controller: %w", err)
	}
	defer controllerConn.Close()

	var created []string
	for _, topic := range dedupTopics(topics) {
		err := controllerConn.CreateTopics(kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		})
		switch {
		case err == nil:
			created = append(created, topic)
		case errors.Is(err, kafka.TopicAlreadyExists):
			logger.Debug("Kafka topic already exists", zap.String("topic", topic))
		default:
			return fmt.Errorf("failed to create Kafka topic %s: %w", topic, err)
		}
	}
	logger.Info("Kafka topics ensured", zap.Strings("topics", topics), zap.Strings("created", created))
	return nil
}

func dedupTopics(topics []string) []string {
	seen := make(map[string]bool, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
