package webhook

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/helios/internal/repository"
)

// StoreGuard deduplicates deliveries through the database.
type StoreGuard struct {
	Deliveries repository.DeliveryRepository
}

// First implements DeliveryGuard.
func (g StoreGuard) First(ctx context.Context, deliveryID string, receivedAt time.Time) (bool, error) {
	return g.Deliveries.MarkDelivery(ctx, deliveryID, receivedAt)
}

// Forget implements DeliveryGuard.
func (g StoreGuard) Forget(ctx context.Context, deliveryID string) error {
	return g.Deliveries.ForgetDelivery(ctx, deliveryID)
}

// RedisGuard deduplicates deliveries with SETNX keys that expire after ttl.
type RedisGuard struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisGuard constructs a RedisGuard.
func NewRedisGuard(client redis.Cmdable, ttl time.Duration) RedisGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return RedisGuard{client: client, prefix: "helios:delivery:", ttl: ttl}
}

// First implements DeliveryGuard.
func (g RedisGuard) First(ctx context.Context, deliveryID string, receivedAt time.Time) (bool, error) {
	return g.client.SetNX(ctx, g.prefix+deliveryID, receivedAt.Unix(), g.ttl).Result()
}

// Forget implements DeliveryGuard.
func (g RedisGuard) Forget(ctx context.Context, deliveryID string) error {
	return g.client.Del(ctx, g.prefix+deliveryID).Err()
}
