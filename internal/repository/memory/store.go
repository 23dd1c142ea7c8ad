// Package memory keeps outbox, inbox and referral state in process memory.
// It backs STORAGE_DRIVER=memory and the unit tests of the packages that
// orchestrate storage. Writes made through a Tx become visible on Commit.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"courier/internal/domain"
)

var (
	ErrSQLUnsupported = errors.New("memory: raw SQL is not supported")
	ErrForeignTx      = errors.New("memory: transaction was not opened by this store")
	ErrTxDone         = errors.New("memory: transaction already committed or rolled back")
)

const defaultDuplicateWindow = 30 * time.Minute

type inboxKey struct {
	messageID  uuid.UUID
	consumerID uuid.UUID
}

type Store struct {
	mu sync.Mutex

	clock           func() time.Time
	duplicateWindow time.Duration

	nextSequence int64
	nextInboxID  int64

	messages     map[int64]*domain.OutboxMessage
	outboxStates map[uuid.UUID]*domain.OutboxState
	inbox        map[inboxKey]*domain.InboxState
	referrals    map[uuid.UUID]domain.Referral
}

type Option func(*Store)

func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithDuplicateWindow sets how long consumed inbox records are kept for dedup.
func WithDuplicateWindow(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.duplicateWindow = d
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		clock:           time.Now,
		duplicateWindow: defaultDuplicateWindow,
		messages:        make(map[int64]*domain.OutboxMessage),
		outboxStates:    make(map[uuid.UUID]*domain.OutboxState),
		inbox:           make(map[inboxKey]*domain.InboxState),
		referrals:       make(map[uuid.UUID]domain.Referral),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// WithinTx implements domain.TxManager.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) (err error) {
	tx := &Tx{store: s}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("transaction context done before commit: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, ErrSQLUnsupported
}

func (s *Store) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, ErrSQLUnsupported
}

// QueryRowContext cannot report ErrSQLUnsupported through *sql.Row; callers
// of the memory adapter never issue SQL.
func (s *Store) QueryRowContext(context.Context, string, ...any) *sql.Row {
	return nil
}

// Tx stages writes and applies them atomically on Commit. Fences are
// checked under the store lock before any write is applied; one failing
// fence discards the whole transaction.
type Tx struct {
	store  *Store
	fences []func() error
	ops    []func()
	done   bool
}

func (t *Tx) fence(check func() error) error {
	if t.done {
		return ErrTxDone
	}
	t.fences = append(t.fences, check)
	return nil
}

func (t *Tx) stage(op func()) error {
	if t.done {
		return ErrTxDone
	}
	t.ops = append(t.ops, op)
	return nil
}

func (t *Tx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, check := range t.fences {
		if err := check(); err != nil {
			t.fences, t.ops = nil, nil
			return err
		}
	}
	for _, op := range t.ops {
		op()
	}
	t.fences, t.ops = nil, nil
	return nil
}

func (t *Tx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.fences, t.ops = nil, nil
	return nil
}

func (t *Tx) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, ErrSQLUnsupported
}

func (t *Tx) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, ErrSQLUnsupported
}

func (t *Tx) QueryRowContext(context.Context, string, ...any) *sql.Row {
	return nil
}

func (s *Store) asTx(tx domain.Tx) (*Tx, error) {
	t, ok := tx.(*Tx)
	if !ok || t.store != s {
		return nil, ErrForeignTx
	}
	if t.done {
		return nil, ErrTxDone
	}
	return t, nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
