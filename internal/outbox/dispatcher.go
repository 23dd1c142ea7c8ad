package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"courier/internal/domain"
	"courier/internal/repository/outbox_repo"
	"courier/internal/transport"
)

type DispatcherConfig struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	BatchSize    int
	Lease        time.Duration
	Workers      int

	SendRetries    int
	SendRetryDelay time.Duration

	BreakerFailureThreshold uint32
	BreakerOpenTimeout      time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SendRetries < 0 {
		c.SendRetries = 0
	}
	if c.SendRetryDelay <= 0 {
		c.SendRetryDelay = 100 * time.Millisecond
	}
	if c.BreakerFailureThreshold == 0 {
		c.BreakerFailureThreshold = 5
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = 30 * time.Second
	}
	return c
}

// DispatchResult counts what one pass or one scope drain did.
type DispatchResult struct {
	Scopes  int
	Sent    int
	Skipped int
	Locked  int
	Failed  int
}

func (r *DispatchResult) add(o DispatchResult) {
	r.Scopes += o.Scopes
	r.Sent += o.Sent
	r.Skipped += o.Skipped
	r.Locked += o.Locked
	r.Failed += o.Failed
}

// Dispatcher drains committed outbox rows to the transport, one scope at a
// time per lease, in sequence order.
type Dispatcher struct {
	repo    outbox_repo.OutboxRepository
	sender  transport.Sender
	cfg     DispatcherConfig
	token   uuid.UUID
	breaker *gobreaker.CircuitBreaker
	clock   func() time.Time
	logger  *zap.Logger
	wake    chan struct{}
}

func NewDispatcher(repo outbox_repo.OutboxRepository, sender transport.Sender, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		repo:   repo,
		sender: sender,
		cfg:    cfg,
		token:  uuid.New(),
		clock:  time.Now,
		logger: logger.With(zap.String("component", "outbox_dispatcher")),
		wake:   make(chan struct{}, 1),
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbox-transport",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("Transport circuit breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return d
}

// Token is the lock token this dispatcher claims scopes with.
func (d *Dispatcher) Token() uuid.UUID {
	return d.token
}

// Notify wakes the loop for an early pass. It never blocks.
func (d *Dispatcher) Notify(scope domain.Scope) {
	select {
	case d.wake <- struct{}{}:
		d.logger.Debug("Dispatcher notified", zap.Stringer("scope", scope))
	default:
	}
}

// Start runs passes on every poll tick or notification until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("Starting outbox dispatcher...",
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Int("workers", d.cfg.Workers),
		zap.Stringer("lock_token", d.token),
	)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox dispatcher stopped")
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
		res, err := d.DispatchOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			d.logger.Error("Failed to run dispatch pass", zap.Error(err))
			continue
		}
		if res.Scopes > 0 {
			d.logger.Debug("Dispatch pass finished",
				zap.Int("scopes", res.Scopes),
				zap.Int("sent", res.Sent),
				zap.Int("skipped", res.Skipped),
				zap.Int("locked", res.Locked),
				zap.Int("failed", res.Failed),
			)
		}
	}
}

// DispatchOnce drains every scope that has unsent rows, Workers at a time.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	pollCtx, cancel := context.WithTimeout(ctx, d.cfg.PollTimeout)
	scopes, err := d.repo.PendingScopes(pollCtx, d.cfg.BatchSize)
	cancel()
	if err != nil {
		return DispatchResult{}, fmt.Errorf("failed to list pending scopes: %w", err)
	}
	if len(scopes) == 0 {
		return DispatchResult{}, nil
	}

	var (
		mu    sync.Mutex
		total DispatchResult
		g     errgroup.Group
	)
	g.SetLimit(d.cfg.Workers)
	for _, scope := range scopes {
		g.Go(func() error {
			res, err := d.DispatchScope(ctx, scope)
			if err != nil {
				d.logger.Error("Failed to dispatch scope", zap.Stringer("scope", scope), zap.Error(err))
			}
			mu.Lock()
			total.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return total, nil
}

// DispatchScope claims scope, sends its pending rows in order and releases it.
// A scope held by another token is reported as Locked with nothing sent.
func (d *Dispatcher) DispatchScope(ctx context.Context, scope domain.Scope) (DispatchResult, error) {
	res := DispatchResult{Scopes: 1}
	log := d.logger.With(zap.Stringer("scope", scope))

	lease, err := d.repo.ClaimScope(ctx, scope, d.token, d.cfg.Lease)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyLocked) {
			log.Debug("Scope is locked by another dispatcher")
			res.Locked = 1
			return res, nil
		}
		res.Failed = 1
		return res, fmt.Errorf("failed to claim scope %s: %w", scope, err)
	}
	defer d.release(ctx, scope)

	for msg, err := range Pending(ctx, d.repo, scope, lease.LastSequenceNumber, d.cfg.BatchSize) {
		if err != nil {
			res.Failed = 1
			return res, fmt.Errorf("failed to read pending rows of %s: %w", scope, err)
		}

		now := d.clock()
		if !now.Before(lease.ExpiresAt) {
			res.Failed = 1
			return res, fmt.Errorf("%w: lease on %s expired", domain.ErrLockLost, scope)
		}
		if lease.ExpiresAt.Sub(now) < d.cfg.Lease/2 {
			renewed, err := d.repo.ClaimScope(ctx, scope, d.token, d.cfg.Lease)
			if err != nil {
				res.Failed = 1
				return res, fmt.Errorf("%w: failed to renew lease on %s: %v", domain.ErrLockLost, scope, err)
			}
			lease.ExpiresAt = renewed.ExpiresAt
		}

		msgLog := log.With(
			zap.Int64("sequence_number", msg.SequenceNumber),
			zap.String("message_id", msg.MessageID.String()),
		)
		if msg.Expired(now) {
			msgLog.Info("Skipping expired outbox message")
			res.Skipped++
		} else {
			if err := d.send(ctx, msg, now); err != nil {
				res.Failed = 1
				return res, fmt.Errorf("failed to send %s of %s: %w", msg.MessageID, scope, err)
			}
			res.Sent++
			msgLog.Debug("Outbox message sent", zap.String("destination", msg.DestinationAddress))
		}

		if err := d.repo.MarkDispatched(ctx, scope, d.token, msg.SequenceNumber); err != nil {
			res.Failed = 1
			return res, fmt.Errorf("failed to mark %s dispatched up to %d: %w", scope, msg.SequenceNumber, err)
		}
	}
	return res, nil
}

func (d *Dispatcher) send(ctx context.Context, msg domain.OutboxMessage, now time.Time) error {
	wire := ToTransport(msg, now)
	op := func() error {
		_, err := d.breaker.Execute(func() (any, error) {
			return nil, d.sender.Send(ctx, msg.DestinationAddress, wire)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.SendRetryDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.SendRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransportUnavailable, err)
	}
	return nil
}

func (d *Dispatcher) release(ctx context.Context, scope domain.Scope) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.PollTimeout)
	defer cancel()
	if err := d.repo.ReleaseScope(releaseCtx, scope, d.token); err != nil {
		d.logger.Warn("Failed to release scope", zap.Stringer("scope", scope), zap.Error(err))
	}
}
