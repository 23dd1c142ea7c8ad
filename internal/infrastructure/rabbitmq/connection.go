package rabbitmq_infra

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Dial connects to url and returns the connection with an opener over it.
func Dial(url string, logger *zap.Logger) (*amqp.Connection, ChannelOpener, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-closed; ok && amqpErr != nil {
			logger.Error("RabbitMQ connection closed",
				zap.Int("code", amqpErr.Code),
				zap.String("reason", amqpErr.Reason),
			)
		}
	}()

	open := func() (Channel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
		}
		return ch, nil
	}
	return conn, open, nil
}
