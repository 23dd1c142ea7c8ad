// Package redis_infra holds delayed sends in a Redis sorted set for
// transports without native delayed delivery.
package redis_infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"courier/internal/transport"
)

var _ transport.Scheduler = (*Scheduler)(nil)

type Config struct {
	Addr     string
	Password string
	DB       int
}

func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// claimScript moves due entries, and processing entries whose lease ran
// out, into the processing set with a fresh lease and returns them.
var claimScript = redis.NewScript(`
local now = ARGV[1]
local leaseUntil = ARGV[2]
local limit = tonumber(ARGV[3])
local claimed = {}
local stale = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, limit)
for _, m in ipairs(stale) do
	redis.call('ZADD', KEYS[2], leaseUntil, m)
	table.insert(claimed, m)
end
if #claimed < limit then
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, limit - #claimed)
	for _, m in ipairs(due) do
		redis.call('ZREM', KEYS[1], m)
		redis.call('ZADD', KEYS[2], leaseUntil, m)
		table.insert(claimed, m)
	end
end
return claimed
`)

type entry struct {
	ID          string            `json:"id"`
	Destination string            `json:"destination"`
	Headers     map[string]string `json:"headers"`
	Body        []byte            `json:"body"`
}

// Scheduler keeps pending sends in <key> scored by due time in unix
// milliseconds. Claimed entries sit in <key>:processing until sent.
type Scheduler struct {
	client        redis.UniversalClient
	key           string
	processingKey string
	sender        transport.Sender
	lease         time.Duration
	batchSize     int
	clock         func() time.Time
	logger        *zap.Logger
}

func NewScheduler(client redis.UniversalClient, key string, sender transport.Sender, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		client:        client,
		key:           key,
		processingKey: key + ":processing",
		sender:        sender,
		lease:         time.Minute,
		batchSize:     100,
		clock:         time.Now,
		logger:        logger.With(zap.String("component", "redis_scheduler")),
	}
}

func (s *Scheduler) ScheduleSend(ctx context.Context, destination string, msg transport.Message, notBefore time.Time) error {
	member, err := json.Marshal(entry{
		ID:          uuid.NewString(),
		Destination: destination,
		Headers:     transport.EncodeHeaders(msg),
		Body:        msg.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to encode scheduled message %s: %w", msg.MessageID, err)
	}
	if err := s.client.ZAdd(ctx, s.key, redis.Z{Score: float64(notBefore.UnixMilli()), Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("failed to schedule message %s: %w", msg.MessageID, err)
	}
	s.logger.Debug("Message scheduled",
		zap.String("message_id", msg.MessageID.String()),
		zap.String("destination", destination),
		zap.Time("not_before", notBefore),
	)
	return nil
}

// ReleaseDue sends every entry due at now and returns how many were sent.
// Entries that fail to send stay claimed and are retried once the lease runs out.
func (s *Scheduler) ReleaseDue(ctx context.Context) (int, error) {
	now := s.clock()
	members, err := claimScript.Run(ctx, s.client,
		[]string{s.key, s.processingKey},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(s.lease).UnixMilli(), 10),
		s.batchSize,
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to claim due messages: %w", err)
	}

	released := 0
	var errs []error
	for _, member := range members {
		var e entry
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			s.logger.Error("Dropping undecodable scheduled entry", zap.Error(err))
			s.client.ZRem(ctx, s.processingKey, member)
			continue
		}
		msg, err := transport.DecodeHeaders(e.Headers, e.Body)
		if err != nil {
			s.logger.Error("Dropping scheduled entry without message id", zap.String("entry_id", e.ID), zap.Error(err))
			s.client.ZRem(ctx, s.processingKey, member)
			continue
		}
		if err := s.sender.Send(ctx, e.Destination, msg); err != nil {
			errs = append(errs, fmt.Errorf("failed to release %s to %s: %w", msg.MessageID, e.Destination, err))
			continue
		}
		if err := s.client.ZRem(ctx, s.processingKey, member).Err(); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove released entry %s: %w", e.ID, err))
		}
		released++
	}
	return released, errors.Join(errs...)
}

// Run releases due entries every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	s.logger.Info("Starting redis scheduler...", zap.String("key", s.key), zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.ReleaseDue(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("Failed to release scheduled messages", zap.Error(err))
			}
			if n > 0 {
				s.logger.Debug("Released scheduled messages", zap.Int("count", n))
			}
		}
	}
}

// Pending reports how many entries wait for their due time.
func (s *Scheduler) Pending(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.key).Result()
}
