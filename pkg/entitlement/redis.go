package entitlement

import (
	"context"
	"time"

	"github.com/jrepp/botfleet/pkg/fleet"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed seen-event set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
}

// RedisSeenEvents keeps processed event ids in Redis with a TTL. Use it when
// several ingress processes deliver events for the same tenants.
type RedisSeenEvents struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisSeenEvents connects to Redis and verifies the connection.
func NewRedisSeenEvents(ctx context.Context, cfg RedisConfig) (*RedisSeenEvents, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fleet.StoreError("redis_ping", err).WithContext("addr", cfg.Addr)
	}
	return NewRedisSeenEventsFromClient(client, cfg.TTL, cfg.Prefix), nil
}

// NewRedisSeenEventsFromClient wraps an existing client.
func NewRedisSeenEventsFromClient(client *redis.Client, ttl time.Duration, prefix string) *RedisSeenEvents {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	if prefix == "" {
		prefix = "botfleet:seen:"
	}
	return &RedisSeenEvents{client: client, ttl: ttl, prefix: prefix}
}

// MarkSeen implements SeenEvents.
func (r *RedisSeenEvents) MarkSeen(ctx context.Context, eventID, eventType string, _ []byte) (bool, error) {
	if eventID == "" {
		return false, fleet.InvalidArgument("event_id", "must not be empty")
	}
	ok, err := r.client.SetNX(ctx, r.prefix+eventID, eventType, r.ttl).Result()
	if err != nil {
		return false, fleet.StoreError("mark_event_seen", err).WithContext("event_id", eventID)
	}
	return ok, nil
}

// Forget implements SeenEvents.
func (r *RedisSeenEvents) Forget(ctx context.Context, eventID string) error {
	if err := r.client.Del(ctx, r.prefix+eventID).Err(); err != nil {
		return fleet.StoreError("forget_event", err).WithContext("event_id", eventID)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisSeenEvents) Close() error {
	return r.client.Close()
}

var _ SeenEvents = (*RedisSeenEvents)(nil)
