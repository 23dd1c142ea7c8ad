package kafka_infra

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Reader is the part of *kafka.Reader a subscription uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewReader joins groupID on topic. Offsets are committed explicitly after
// each delivery is settled.
func NewReader(brokerURLs []string, groupID, topic string, logger *zap.Logger) Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:                brokerURLs,
		GroupID:                groupID,
		Topic:                  topic,
		MinBytes:               1,
		MaxBytes:               10e6,
		ReadBatchTimeout:       1 * time.Second,
		Logger:                 kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:            kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
		HeartbeatInterval:      3 * time.Second,
		CommitInterval:         0,
		PartitionWatchInterval: 5 * time.Second,
		MaxAttempts:            3,
		StartOffset:            kafka.FirstOffset,
	})
}
