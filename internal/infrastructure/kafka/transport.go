// Package kafka_infra is the Kafka transport. Topics are endpoints, envelope
// metadata travels in record headers and delayed sends go through a
// separate scheduler because Kafka has no delayed delivery.
package kafka_infra

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"courier/internal/transport"
)

var _ transport.Transport = (*Transport)(nil)

// ReaderFactory opens a reader for one topic.
type ReaderFactory func(topic string) Reader

type Transport struct {
	producer  Producer
	scheduler transport.Scheduler
	newReader ReaderFactory
	logger    *zap.Logger

	mu      sync.Mutex
	readers []Reader
}

func NewTransport(producer Producer, scheduler transport.Scheduler, newReader ReaderFactory, logger *zap.Logger) *Transport {
	return &Transport{
		producer:  producer,
		scheduler: scheduler,
		newReader: newReader,
		logger:    logger.With(zap.String("component", "kafka_transport")),
	}
}

func (t *Transport) Send(ctx context.Context, destination string, msg transport.Message) error {
	return t.producer.Produce(ctx, toKafkaMessage(destination, msg))
}

// NewSender sends through producer only. The redis scheduler uses it to
// release due messages without holding the whole transport.
func NewSender(producer Producer) transport.Sender {
	return &Transport{producer: producer}
}

func (t *Transport) ScheduleSend(ctx context.Context, destination string, msg transport.Message, notBefore time.Time) error {
	if t.scheduler == nil {
		return errors.New("kafka transport has no scheduler for delayed sends")
	}
	return t.scheduler.ScheduleSend(ctx, destination, msg, notBefore)
}

// Subscribe fetches from the endpoint topic. The offset is committed when a
// delivery is acked; a nack re-produces the record to the topic tail first.
func (t *Transport) Subscribe(ctx context.Context, endpoint string) iter.Seq2[transport.Delivery, error] {
	return func(yield func(transport.Delivery, error) bool) {
		reader := t.newReader(endpoint)
		t.mu.Lock()
		t.readers = append(t.readers, reader)
		t.mu.Unlock()

		t.logger.Info("Kafka consumer starting", zap.String("topic", endpoint))
		for {
			km, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					t.logger.Info("Kafka FetchMessage context cancelled, stopping.", zap.String("topic", endpoint))
					return
				}
				if !yield(nil, fmt.Errorf("failed to fetch message from %s: %w", endpoint, err)) {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			t.logger.Debug("Received Kafka message",
				zap.String("topic", km.Topic),
				zap.Int("partition", km.Partition),
				zap.Int64("offset", km.Offset),
			)
			d := &delivery{
				msg:      fromKafkaMessage(km),
				record:   km,
				reader:   reader,
				producer: t.producer,
			}
			if !yield(d, nil) {
				return
			}
		}
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	readers := t.readers
	t.readers = nil
	t.mu.Unlock()

	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Kafka reader: %w", err))
		}
	}
	if err := t.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type delivery struct {
	msg      transport.Message
	record   kafka.Message
	reader   Reader
	producer Producer
}

func (d *delivery) Message() transport.Message {
	return d.msg
}

func (d *delivery) Ack(ctx context.Context) error {
	if err := d.reader.CommitMessages(ctx, d.record); err != nil {
		return fmt.Errorf("failed to commit offset %d on %s/%d: %w", d.record.Offset, d.record.Topic, d.record.Partition, err)
	}
	return nil
}

func (d *delivery) Nack(ctx context.Context) error {
	retry := kafka.Message{
		Topic:   d.record.Topic,
		Key:     d.record.Key,
		Value:   d.record.Value,
		Headers: d.record.Headers,
	}
	if err := d.producer.Produce(ctx, retry); err != nil {
		return fmt.Errorf("failed to requeue record from %s/%d: %w", d.record.Topic, d.record.Partition, err)
	}
	return d.Ack(ctx)
}
