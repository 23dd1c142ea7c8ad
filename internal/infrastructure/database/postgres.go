package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"courier/internal/domain"
)

type DBConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c DBConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, sslMode)
}

func NewPostgresDB(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// ConnectWithRetry waits for the database to come up, trying up to attempts times.
func ConnectWithRetry(ctx context.Context, cfg DBConfig, attempts int, delay time.Duration, logger *zap.Logger) (*sql.DB, error) {
	if attempts < 1 {
		attempts = 1
	}
	var db *sql.DB
	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)), ctx)

	err := backoff.RetryNotify(func() error {
		attempt++
		conn, err := NewPostgresDB(ctx, cfg)
		if err != nil {
			return err
		}
		db = conn
		return nil
	}, policy, func(err error, next time.Duration) {
		logger.Warn("Failed to connect to database, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("could not connect to database after %d attempts: %w", attempt, err)
	}
	return db, nil
}

// TxManager runs units of work in *sql.Tx transactions.
type TxManager struct {
	db   *sql.DB
	opts *sql.TxOptions
}

var _ domain.TxManager = (*TxManager)(nil)

func NewTxManager(db *sql.DB) *TxManager {
	return &TxManager{db: db}
}

func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) (err error) {
	tx, err := m.db.BeginTx(ctx, m.opts)
	if err != nil {
		return Classify(fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return Classify(fmt.Errorf("%w (rollback failed: %v)", err, rbErr))
		}
		return Classify(err)
	}

	if err := tx.Commit(); err != nil {
		return Classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}
