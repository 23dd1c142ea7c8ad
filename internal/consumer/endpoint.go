package consumer

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"courier/internal/transport"
)

const settleTimeout = 5 * time.Second

// Endpoint feeds deliveries from one transport endpoint into an Executor.
type Endpoint struct {
	name        string
	subscriber  transport.Subscriber
	executor    *Executor
	concurrency int
	logger      *zap.Logger
}

func NewEndpoint(name string, subscriber transport.Subscriber, executor *Executor, concurrency int, logger *zap.Logger) *Endpoint {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Endpoint{
		name:        name,
		subscriber:  subscriber,
		executor:    executor,
		concurrency: concurrency,
		logger:      logger.With(zap.String("component", "endpoint"), zap.String("endpoint", name)),
	}
}

// Run receives until ctx is done and waits for in-flight deliveries.
func (ep *Endpoint) Run(ctx context.Context) error {
	ep.logger.Info("Starting endpoint...", zap.Int("concurrency", ep.concurrency))

	var g errgroup.Group
	g.SetLimit(ep.concurrency)
	for d, err := range ep.subscriber.Subscribe(ctx, ep.name) {
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			ep.logger.Error("Failed to receive message", zap.Error(err))
			continue
		}
		g.Go(func() error {
			ep.Process(ctx, d)
			return nil
		})
	}
	err := g.Wait()
	ep.logger.Info("Endpoint stopped")
	return err
}

// Process executes one delivery and settles it with the broker. Only
// executor errors are nacked; an in-progress delivery was already deferred.
func (ep *Endpoint) Process(ctx context.Context, d transport.Delivery) Result {
	msg := d.Message()
	res, err := ep.executor.Execute(ctx, msg)

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	log := ep.logger.With(
		zap.String("message_id", msg.MessageID.String()),
		zap.Stringer("outcome", res.Outcome),
	)
	if err != nil {
		log.Error("Failed to execute message, returning it to the broker", zap.Error(err))
		if nackErr := d.Nack(settleCtx); nackErr != nil {
			log.Error("Failed to nack message", zap.Error(nackErr))
		}
		return res
	}
	if ackErr := d.Ack(settleCtx); ackErr != nil {
		log.Error("Failed to ack message", zap.Error(ackErr))
	}
	return res
}
