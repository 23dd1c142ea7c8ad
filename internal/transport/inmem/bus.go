// Package inmem is an in-process transport used for local runs and tests.
package inmem

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"courier/internal/transport"
)

var _ transport.Transport = (*Bus)(nil)

const defaultQueueSize = 1024

type Sent struct {
	Destination string
	Message     transport.Message
}

type Scheduled struct {
	Destination string
	Message     transport.Message
	NotBefore   time.Time
}

// Bus keeps one buffered queue per endpoint. Scheduled sends are held until
// ReleaseDue or Run moves them into their queue.
type Bus struct {
	releaseMu sync.Mutex

	mu        sync.Mutex
	queues    map[string]chan transport.Message
	sent      []Sent
	scheduled []*Scheduled
	acked     int
	nacked    int
	queueSize int
	clock     func() time.Time
	logger    *zap.Logger
}

type Option func(*Bus)

func WithClock(clock func() time.Time) Option {
	return func(b *Bus) { b.clock = clock }
}

func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

func NewBus(logger *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		queues:    make(map[string]chan transport.Message),
		queueSize: defaultQueueSize,
		clock:     time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) queue(endpoint string) chan transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[endpoint]
	if !ok {
		q = make(chan transport.Message, b.queueSize)
		b.queues[endpoint] = q
	}
	return q
}

func (b *Bus) Send(ctx context.Context, destination string, msg transport.Message) error {
	msg = msg.Clone()
	select {
	case b.queue(destination) <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	b.sent = append(b.sent, Sent{Destination: destination, Message: msg})
	b.mu.Unlock()
	b.logger.Debug("Message sent to in-memory queue",
		zap.String("destination", destination),
		zap.String("message_id", msg.MessageID.String()),
	)
	return nil
}

func (b *Bus) ScheduleSend(_ context.Context, destination string, msg transport.Message, notBefore time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scheduled = append(b.scheduled, &Scheduled{
		Destination: destination,
		Message:     msg.Clone(),
		NotBefore:   notBefore,
	})
	return nil
}

// ReleaseDue enqueues every scheduled message due at now and returns how
// many moved. An entry leaves the schedule only once its send succeeded, so
// a failed send keeps it and every later one for the next call.
func (b *Bus) ReleaseDue(ctx context.Context, now time.Time) (int, error) {
	b.releaseMu.Lock()
	defer b.releaseMu.Unlock()

	b.mu.Lock()
	var due []*Scheduled
	for _, s := range b.scheduled {
		if !now.Before(s.NotBefore) {
			due = append(due, s)
		}
	}
	b.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].NotBefore.Before(due[j].NotBefore) })
	released := make(map[*Scheduled]bool, len(due))
	var sendErr error
	for _, s := range due {
		if err := b.Send(ctx, s.Destination, s.Message); err != nil {
			sendErr = err
			break
		}
		released[s] = true
	}

	if len(released) > 0 {
		b.mu.Lock()
		kept := b.scheduled[:0]
		for _, s := range b.scheduled {
			if !released[s] {
				kept = append(kept, s)
			}
		}
		clear(b.scheduled[len(kept):])
		b.scheduled = kept
		b.mu.Unlock()
	}
	return len(released), sendErr
}

// Run releases due scheduled messages every interval until ctx is done.
func (b *Bus) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.ReleaseDue(ctx, b.clock()); err != nil && ctx.Err() == nil {
				b.logger.Error("Failed to release scheduled messages", zap.Error(err))
			}
		}
	}
}

func (b *Bus) Subscribe(ctx context.Context, endpoint string) iter.Seq2[transport.Delivery, error] {
	q := b.queue(endpoint)
	return func(yield func(transport.Delivery, error) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-q:
				if !yield(&delivery{bus: b, endpoint: endpoint, msg: msg}, nil) {
					return
				}
			}
		}
	}
}

// TryReceive pops one message from endpoint without blocking.
func (b *Bus) TryReceive(endpoint string) (transport.Delivery, bool) {
	select {
	case msg := <-b.queue(endpoint):
		return &delivery{bus: b, endpoint: endpoint, msg: msg}, true
	default:
		return nil, false
	}
}

func (b *Bus) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sent(nil), b.sent...)
}

// Scheduled returns the scheduled sends not yet released, in call order.
func (b *Bus) Scheduled() []Scheduled {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Scheduled, 0, len(b.scheduled))
	for _, s := range b.scheduled {
		out = append(out, *s)
	}
	return out
}

func (b *Bus) Pending(endpoint string) int {
	return len(b.queue(endpoint))
}

func (b *Bus) Settled() (acked, nacked int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked, b.nacked
}

func (b *Bus) Close() error {
	return nil
}

type delivery struct {
	bus      *Bus
	endpoint string
	msg      transport.Message
}

func (d *delivery) Message() transport.Message {
	return d.msg
}

func (d *delivery) Ack(context.Context) error {
	d.bus.mu.Lock()
	d.bus.acked++
	d.bus.mu.Unlock()
	return nil
}

func (d *delivery) Nack(ctx context.Context) error {
	d.bus.mu.Lock()
	d.bus.nacked++
	d.bus.mu.Unlock()
	select {
	case d.bus.queue(d.endpoint) <- d.msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
