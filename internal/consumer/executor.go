// Package consumer runs message handlers exactly once per (message, consumer)
// on top of an at-least-once transport.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"courier/internal/domain"
	"courier/internal/outbox"
	"courier/internal/redelivery"
	"courier/internal/repository/inbox_repo"
	"courier/internal/transport"
)

type State int

const (
	StateReceived State = iota + 1
	StateDeduplicating
	StateSkipped
	StateExecuting
	StateCommitted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateDeduplicating:
		return "deduplicating"
	case StateSkipped:
		return "skipped"
	case StateExecuting:
		return "executing"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Outcome int

const (
	OutcomeCommitted Outcome = iota + 1
	OutcomeSkipped
	OutcomeInProgress
	OutcomeRedeliveryScheduled
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeInProgress:
		return "in_progress"
	case OutcomeRedeliveryScheduled:
		return "redelivery_scheduled"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Result reports how one delivery was handled.
type Result struct {
	Outcome         Outcome
	ReceiveCount    int
	RedeliveryCount int
	// Attempts counts handler invocations made during this delivery.
	Attempts    int
	RedeliverAt time.Time
	// Err is the last handler failure, if any.
	Err error
}

// Notifier is told about inbox scopes that committed outbox rows.
type Notifier interface {
	Notify(scope domain.Scope)
}

// DeadLetterSink receives messages that will never be handled.
type DeadLetterSink interface {
	Fault(ctx context.Context, msg transport.Message, consumer string, reason error) error
}

type ExecutorConfig struct {
	ConsumerName string
	ConsumerID   uuid.UUID
	// Endpoint is where redeliveries are scheduled to.
	Endpoint       string
	PublishAddress string

	Policy         redelivery.Policy
	HandlerTimeout time.Duration
	LockLease      time.Duration

	// InProgressDelay is how long a delivery that found the message locked
	// by another worker waits before it is looked at again.
	InProgressDelay time.Duration

	StorageRetries    int
	StorageRetryDelay time.Duration
}

type Executor struct {
	cfg         ExecutorConfig
	registry    *Registry
	inbox       inbox_repo.InboxRepository
	txManager   domain.TxManager
	writer      *outbox.Writer
	scheduler   transport.Scheduler
	deadLetters DeadLetterSink
	notifier    Notifier
	clock       func() time.Time
	logger      *zap.Logger
}

type ExecutorOption func(*Executor)

func WithNotifier(n Notifier) ExecutorOption {
	return func(e *Executor) { e.notifier = n }
}

func WithClock(clock func() time.Time) ExecutorOption {
	return func(e *Executor) { e.clock = clock }
}

func NewExecutor(
	cfg ExecutorConfig,
	registry *Registry,
	inbox inbox_repo.InboxRepository,
	txManager domain.TxManager,
	writer *outbox.Writer,
	scheduler transport.Scheduler,
	deadLetters DeadLetterSink,
	logger *zap.Logger,
	opts ...ExecutorOption,
) (*Executor, error) {
	if cfg.ConsumerID == uuid.Nil {
		return nil, errors.New("consumer id is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("consumer endpoint is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redelivery policy: %w", err)
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = cfg.HandlerTimeout + 10*time.Second
	}
	if cfg.InProgressDelay <= 0 {
		cfg.InProgressDelay = cfg.LockLease / 4
	}
	if cfg.StorageRetryDelay <= 0 {
		cfg.StorageRetryDelay = 50 * time.Millisecond
	}

	e := &Executor{
		cfg:         cfg,
		registry:    registry,
		inbox:       inbox,
		txManager:   txManager,
		writer:      writer,
		scheduler:   scheduler,
		deadLetters: deadLetters,
		clock:       time.Now,
		logger: logger.With(
			zap.String("component", "consumer"),
			zap.String("consumer", cfg.ConsumerName),
		),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Executor) transition(log *zap.Logger, s State, fields ...zap.Field) {
	log.Debug("Consumer state changed", append(fields, zap.Stringer("state", s))...)
}

// Execute drives one delivery through deduplication, the handler
// transaction and the failure policy. A non-nil error means the delivery
// should be returned to the broker.
func (e *Executor) Execute(ctx context.Context, msg transport.Message) (Result, error) {
	log := e.logger.With(
		zap.String("message_id", msg.MessageID.String()),
		zap.String("message_type", msg.MessageType),
	)
	e.transition(log, StateReceived)

	if msg.MessageID == uuid.Nil {
		err := fmt.Errorf("%w: missing message id", domain.ErrPoisonMessage)
		if dlErr := e.deadLetters.Fault(ctx, msg, e.cfg.ConsumerName, err); dlErr != nil {
			return Result{}, fmt.Errorf("failed to dead-letter message without id: %w", dlErr)
		}
		return Result{Outcome: OutcomeExhausted, Err: err}, nil
	}

	token := uuid.New()
	immediate := 0
	var lastErr error

	for {
		e.transition(log, StateDeduplicating)
		var begin domain.BeginResult
		err := e.withStorageRetry(ctx, func() error {
			var err error
			begin, err = e.inbox.TryBeginProcessing(ctx, msg.MessageID, e.cfg.ConsumerID, token, e.cfg.LockLease)
			return err
		})
		if err != nil {
			return Result{Attempts: immediate, Err: lastErr}, fmt.Errorf("failed to begin processing %s: %w", msg.MessageID, err)
		}

		res := Result{
			ReceiveCount:    begin.ReceiveCount,
			RedeliveryCount: begin.RedeliveryCount,
			Attempts:        immediate,
			Err:             lastErr,
		}
		switch begin.Status {
		case domain.BeginAlreadyConsumed, domain.BeginFaulted:
			e.transition(log, StateSkipped, zap.Stringer("inbox_status", begin.Status))
			res.Outcome = OutcomeSkipped
			return res, nil
		case domain.BeginInProgress:
			log.Debug("Message is being processed by another worker")
			return e.deferInProgress(ctx, log, msg, res)
		}

		reg, payload, poisonErr := e.decode(msg)
		if poisonErr != nil {
			return e.faultPoison(ctx, log, msg, token, res, poisonErr)
		}

		e.transition(log, StateExecuting,
			zap.Int("attempt", begin.ReceiveCount),
			zap.Int("redelivery_count", begin.RedeliveryCount),
		)
		immediate++
		res.Attempts = immediate

		var produced int
		err = e.withStorageRetry(ctx, func() error {
			var err error
			produced, err = e.attempt(ctx, msg, reg, payload, token, begin)
			return err
		})
		if err == nil {
			e.transition(log, StateCommitted, zap.Int("produced", produced))
			if produced > 0 && e.notifier != nil {
				e.notifier.Notify(domain.InboxScope(msg.MessageID, e.cfg.ConsumerID))
			}
			res.Outcome = OutcomeCommitted
			res.Err = nil
			return res, nil
		}

		switch {
		case errors.Is(err, domain.ErrLockLost):
			log.Warn("Inbox lock lost during processing", zap.Error(err))
			return e.deferInProgress(ctx, log, msg, res)
		case !domain.IsHandlerFailure(err):
			e.releaseLock(ctx, log, msg, token, domain.FailureRecord{Reason: err.Error()})
			return res, fmt.Errorf("failed to process %s: %w", msg.MessageID, err)
		}

		lastErr = err
		res.Err = err
		e.transition(log, StateFailed, zap.Int("attempt", begin.ReceiveCount), zap.Error(err))

		decision := e.cfg.Policy.Decide(immediate, begin.RedeliveryCount)
		switch decision.Action {
		case redelivery.RetryImmediately:
			if err := e.inbox.RecordFailure(ctx, msg.MessageID, e.cfg.ConsumerID, token, domain.FailureRecord{Reason: err.Error()}); err != nil {
				return e.recordFailureError(ctx, log, msg, res, err)
			}
			log.Info("Retrying message immediately", zap.Int("attempt", begin.ReceiveCount))
			continue

		case redelivery.ScheduleRedelivery:
			return e.scheduleRedelivery(ctx, log, msg, token, res, decision.Delay, err)

		default:
			return e.exhaust(ctx, log, msg, token, res, err)
		}
	}
}

func (e *Executor) decode(msg transport.Message) (registration, any, error) {
	reg, ok := e.registry.lookup(msg.MessageType)
	if !ok {
		return registration{}, nil, fmt.Errorf("%w: %q", domain.ErrHandlerNotRegistered, msg.MessageType)
	}
	payload, err := reg.decode(msg.Body)
	if err != nil {
		return registration{}, nil, fmt.Errorf("%w: %s: %v", domain.ErrPoisonMessage, msg.MessageType, err)
	}
	return reg, payload, nil
}

// attempt runs the handler and the consumed-mark in one transaction.
func (e *Executor) attempt(ctx context.Context, msg transport.Message, reg registration, payload any, token uuid.UUID, begin domain.BeginResult) (int, error) {
	handlerCtx, cancel := context.WithTimeout(ctx, e.cfg.HandlerTimeout)
	defer cancel()

	var produced int
	err := e.txManager.WithinTx(handlerCtx, func(txCtx context.Context, tx domain.Tx) error {
		hc := &HandlerContext{
			Tx:              tx,
			Message:         msg,
			ConsumerID:      e.cfg.ConsumerID,
			Attempt:         begin.ReceiveCount,
			RedeliveryCount: begin.RedeliveryCount,
			writer:          e.writer,
			publishAddress:  e.cfg.PublishAddress,
			scope:           domain.InboxScope(msg.MessageID, e.cfg.ConsumerID),
		}
		if err := e.invoke(txCtx, reg, payload, hc, begin.ReceiveCount); err != nil {
			return err
		}
		if err := txCtx.Err(); err != nil {
			return &domain.HandlerFailure{MessageType: msg.MessageType, Attempt: begin.ReceiveCount, Err: err}
		}
		produced = hc.Produced()
		return e.inbox.CommitProcessing(txCtx, tx, msg.MessageID, e.cfg.ConsumerID, token, hc.producedUpTo)
	})
	if err != nil && !domain.IsHandlerFailure(err) && handlerCtx.Err() != nil && ctx.Err() == nil {
		err = &domain.HandlerFailure{MessageType: msg.MessageType, Attempt: begin.ReceiveCount, Err: fmt.Errorf("handler timed out after %s: %w", e.cfg.HandlerTimeout, err)}
	}
	return produced, err
}

// invoke turns handler errors and panics into *domain.HandlerFailure.
func (e *Executor) invoke(ctx context.Context, reg registration, payload any, hc *HandlerContext, attempt int) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &domain.HandlerFailure{MessageType: hc.Message.MessageType, Attempt: attempt, Err: fmt.Errorf("handler panicked: %v", p)}
		}
	}()
	if err := reg.handle(ctx, payload, hc); err != nil {
		return &domain.HandlerFailure{MessageType: hc.Message.MessageType, Attempt: attempt, Err: err}
	}
	return nil
}

func (e *Executor) scheduleRedelivery(ctx context.Context, log *zap.Logger, msg transport.Message, token uuid.UUID, res Result, delay time.Duration, cause error) (Result, error) {
	failure := domain.FailureRecord{RedeliveryScheduled: true, Reason: cause.Error()}
	if err := e.inbox.RecordFailure(ctx, msg.MessageID, e.cfg.ConsumerID, token, failure); err != nil {
		return e.recordFailureError(ctx, log, msg, res, err)
	}

	next := res.RedeliveryCount + 1
	notBefore := e.clock().Add(delay)
	redelivered := msg.Clone()
	redelivered.Headers[transport.HeaderRedeliveryCount] = strconv.Itoa(next)
	if err := e.scheduler.ScheduleSend(ctx, e.cfg.Endpoint, redelivered, notBefore); err != nil {
		return res, fmt.Errorf("failed to schedule redelivery of %s: %w", msg.MessageID, err)
	}

	log.Warn("Message scheduled for redelivery",
		zap.Int("redelivery_count", next),
		zap.Duration("delay", delay),
		zap.Time("redeliver_at", notBefore),
		zap.Error(cause),
	)
	res.Outcome = OutcomeRedeliveryScheduled
	res.RedeliveryCount = next
	res.RedeliverAt = notBefore
	return res, nil
}

func (e *Executor) exhaust(ctx context.Context, log *zap.Logger, msg transport.Message, token uuid.UUID, res Result, cause error) (Result, error) {
	reason := fmt.Errorf("%w: %w", domain.ErrExhausted, cause)
	if err := e.deadLetters.Fault(ctx, msg, e.cfg.ConsumerName, reason); err != nil {
		e.releaseLock(ctx, log, msg, token, domain.FailureRecord{Reason: cause.Error()})
		return res, fmt.Errorf("failed to dead-letter exhausted message %s: %w", msg.MessageID, err)
	}
	if err := e.recordFaulted(ctx, log, msg, token, cause); err != nil {
		return res, err
	}
	log.Error("Message exhausted its retries",
		zap.Int("attempt", res.ReceiveCount),
		zap.Int("redelivery_count", res.RedeliveryCount),
		zap.Error(cause),
	)
	res.Outcome = OutcomeExhausted
	res.Err = reason
	return res, nil
}

func (e *Executor) faultPoison(ctx context.Context, log *zap.Logger, msg transport.Message, token uuid.UUID, res Result, cause error) (Result, error) {
	if err := e.deadLetters.Fault(ctx, msg, e.cfg.ConsumerName, cause); err != nil {
		e.releaseLock(ctx, log, msg, token, domain.FailureRecord{Reason: cause.Error()})
		return res, fmt.Errorf("failed to dead-letter poison message %s: %w", msg.MessageID, err)
	}
	if err := e.recordFaulted(ctx, log, msg, token, cause); err != nil {
		return res, err
	}
	log.Error("Poison message moved to dead letter", zap.Error(cause))
	res.Outcome = OutcomeExhausted
	res.Err = cause
	return res, nil
}

// recordFailureError defers the delivery when another worker took the lock.
func (e *Executor) recordFailureError(ctx context.Context, log *zap.Logger, msg transport.Message, res Result, err error) (Result, error) {
	if errors.Is(err, domain.ErrLockLost) {
		log.Warn("Inbox lock lost while recording failure", zap.Error(err))
		return e.deferInProgress(ctx, log, msg, res)
	}
	return res, fmt.Errorf("failed to record failure of %s: %w", msg.MessageID, err)
}

// recordFaulted marks the inbox row faulted after the message was already
// dead-lettered. Losing the lock at this point is not retried: the dead
// letter exists and a requeue would produce a second one.
func (e *Executor) recordFaulted(ctx context.Context, log *zap.Logger, msg transport.Message, token uuid.UUID, cause error) error {
	err := e.inbox.RecordFailure(ctx, msg.MessageID, e.cfg.ConsumerID, token, domain.FailureRecord{Faulted: true, Reason: cause.Error()})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrLockLost):
		log.Warn("Inbox lock lost after dead-lettering, leaving the row to its new owner", zap.Error(err))
		return nil
	default:
		return fmt.Errorf("failed to record fault of %s: %w", msg.MessageID, err)
	}
}

// deferInProgress schedules the delivery back to the endpoint instead of
// returning it to the broker, which would hand it straight back.
func (e *Executor) deferInProgress(ctx context.Context, log *zap.Logger, msg transport.Message, res Result) (Result, error) {
	notBefore := e.clock().Add(e.cfg.InProgressDelay)
	if err := e.scheduler.ScheduleSend(ctx, e.cfg.Endpoint, msg.Clone(), notBefore); err != nil {
		return res, fmt.Errorf("failed to defer in-progress message %s: %w", msg.MessageID, err)
	}
	log.Debug("In-progress message deferred", zap.Time("recheck_at", notBefore))
	res.Outcome = OutcomeInProgress
	res.RedeliverAt = notBefore
	return res, nil
}

func (e *Executor) releaseLock(ctx context.Context, log *zap.Logger, msg transport.Message, token uuid.UUID, failure domain.FailureRecord) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.inbox.RecordFailure(releaseCtx, msg.MessageID, e.cfg.ConsumerID, token, failure); err != nil && !errors.Is(err, domain.ErrLockLost) {
		log.Warn("Failed to release inbox lock", zap.Error(err))
	}
}

// withStorageRetry retries op on transient storage errors without counting
// them against the handler budget.
func (e *Executor) withStorageRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.StorageRetryDelay), uint64(max(e.cfg.StorageRetries, 0))),
		ctx,
	)
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !domain.IsTransientStorage(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, next time.Duration) {
		e.logger.Warn("Transient storage error, retrying", zap.Duration("retry_in", next), zap.Error(err))
	})
}
