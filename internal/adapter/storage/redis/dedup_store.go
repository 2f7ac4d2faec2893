package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DeliveryDeduplicator implements ports.DeliveryDeduplicator using Redis SET NX.
type DeliveryDeduplicator struct {
	client *goredis.Client
	prefix string
}

// NewDeliveryDeduplicator creates a Redis-backed deduplicator. consumer
// scopes the keys so independent consumers do not suppress each other.
func NewDeliveryDeduplicator(client *goredis.Client, consumer string) *DeliveryDeduplicator {
	return &DeliveryDeduplicator{
		client: client,
		prefix: "ledger:delivery:" + consumer + ":",
	}
}

// MarkSeen atomically records messageID.
// Returns true if this is the first delivery within ttl.
func (d *DeliveryDeduplicator) MarkSeen(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	result, err := d.client.SetArgs(ctx, d.prefix+messageID, 1, goredis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			// Key already exists, message was already handled
			return false, nil
		}
		return false, fmt.Errorf("redis delivery dedup: %w", err)
	}
	return result == "OK", nil
}
