package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"CapIot.lorawan/internal/models"
)

// FrameCounterGuard rejects uplinks whose (device, frame counter) pair was already accepted.
type FrameCounterGuard interface {
	// FirstSeen reports whether the reading is new and records it. Readings without a frame counter are always new.
	FirstSeen(ctx context.Context, r models.Reading) (bool, error)
	// Forget releases a pair recorded by FirstSeen whose reading could not be stored, so a redelivery is accepted.
	Forget(ctx context.Context, r models.Reading) error
}

// RedisGuard remembers frame counters in Redis for ttl.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGuard connects to Redis and verifies the connection.
func NewRedisGuard(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisGuard, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error connecting to redis at %s: %w", addr, err)
	}
	return &RedisGuard{client: client, ttl: ttl}, nil
}

func (g *RedisGuard) FirstSeen(ctx context.Context, r models.Reading) (bool, error) {
	fcnt, ok := r.FrameKey()
	if !ok {
		return true, nil
	}
	created, err := g.client.SetNX(ctx, frameKey(r.DeviceID, fcnt), 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("error checking frame counter: %w", err)
	}
	return created, nil
}

func (g *RedisGuard) Forget(ctx context.Context, r models.Reading) error {
	fcnt, ok := r.FrameKey()
	if !ok {
		return nil
	}
	if err := g.client.Del(ctx, frameKey(r.DeviceID, fcnt)).Err(); err != nil {
		return fmt.Errorf("error releasing frame counter: %w", err)
	}
	return nil
}

func frameKey(deviceID string, fcnt uint32) string {
	return fmt.Sprintf("device:%s:fcnt:%d", deviceID, fcnt)
}

// Close closes the Redis client.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}

// NopGuard accepts everything.
type NopGuard struct{}

func (NopGuard) FirstSeen(context.Context, models.Reading) (bool, error) {
	return true, nil
}

func (NopGuard) Forget(context.Context, models.Reading) error {
	return nil
}
