package queue

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/service-marketplace/internal/model"
)

// NotificationChannel is the Redis pub/sub channel for one user's pushes.
func NotificationChannel(userID uint64) string {
	return "notifications:" + strconv.FormatUint(userID, 10)
}

// RedisFanout pushes stored notifications to whoever is subscribed to the
// recipient's channel.  A nil client makes every call a no-op.
type RedisFanout struct {
	rdb *redis.Client
}

// NewRedisFanout wraps rdb.
func NewRedisFanout(rdb *redis.Client) *RedisFanout { return &RedisFanout{rdb: rdb} }

// Broadcast publishes n as JSON on its user's channel.
func (f *RedisFanout) Broadcast(ctx context.Context, n model.Notification) error {
	if f == nil || f.rdb == nil {
		return nil
	}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, NotificationChannel(n.UserID), b).Err()
}

// Subscribe opens a subscription to a user's channel.  It returns nil when
// Redis is not configured.
func (f *RedisFanout) Subscribe(ctx context.Context, userID uint64) *redis.PubSub {
	if f == nil || f.rdb == nil {
		return nil
	}
	return f.rdb.Subscribe(ctx, NotificationChannel(userID))
}
