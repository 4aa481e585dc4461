// Package cache keeps derived loan state in Redis so list and dashboard views
// do not recompute every loan on each request.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mcclellann/dinheiroRapido/pkg/dates"
	"github.com/mcclellann/dinheiroRapido/pkg/loanstate"
)

// StateCache stores the derived state of a loan per calendar day. A cache is
// best effort: failures are logged and reported as misses.
type StateCache interface {
	Get(ctx context.Context, loanID uuid.UUID, day time.Time) (*loanstate.State, bool)
	Set(ctx context.Context, loanID uuid.UUID, day time.Time, st loanstate.State)
	// Invalidate drops every cached day of the loan.
	Invalidate(ctx context.Context, loanID uuid.UUID)
}

// Nop is a StateCache that never holds anything.
type Nop struct{}

func (Nop) Get(context.Context, uuid.UUID, time.Time) (*loanstate.State, bool) { return nil, false }
func (Nop) Set(context.Context, uuid.UUID, time.Time, loanstate.State)         {}
func (Nop) Invalidate(context.Context, uuid.UUID)                              {}

// RedisStateCache keeps one hash per loan, keyed by day, so a write to the loan
// invalidates all of its days with a single DEL.
type RedisStateCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisStateCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStateCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStateCache{client: client, ttl: ttl, logger: logger}
}

// Options configures the Redis connection.
type Options struct {
	Address  string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Address, err)
	}
	return client, nil
}

func key(loanID uuid.UUID) string {
	return "loanstate:" + loanID.String()
}

func (c *RedisStateCache) Get(ctx context.Context, loanID uuid.UUID, day time.Time) (*loanstate.State, bool) {
	data, err := c.client.HGet(ctx, key(loanID), dates.Format(day)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("loan state cache read failed", zap.String("loan_id", loanID.String()), zap.Error(err))
		}
		return nil, false
	}
	var st loanstate.State
	if err := json.Unmarshal(data, &st); err != nil {
		c.logger.Warn("discarding malformed cached loan state", zap.String("loan_id", loanID.String()), zap.Error(err))
		c.Invalidate(ctx, loanID)
		return nil, false
	}
	return &st, true
}

func (c *RedisStateCache) Set(ctx context.Context, loanID uuid.UUID, day time.Time, st loanstate.State) {
	data, err := json.Marshal(st)
	if err != nil {
		c.logger.Warn("failed to encode loan state", zap.String("loan_id", loanID.String()), zap.Error(err))
		return
	}
	k := key(loanID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, k, dates.Format(day), data)
	if c.ttl > 0 {
		pipe.Expire(ctx, k, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("loan state cache write failed", zap.String("loan_id", loanID.String()), zap.Error(err))
	}
}

func (c *RedisStateCache) Invalidate(ctx context.Context, loanID uuid.UUID) {
	if err := c.client.Del(ctx, key(loanID)).Err(); err != nil {
		c.logger.Warn("loan state cache invalidation failed", zap.String("loan_id", loanID.String()), zap.Error(err))
	}
}
