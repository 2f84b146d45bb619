package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-progress-service/internal/app"
	"quiz-progress-service/internal/domain"
)

// Broadcaster is a Redis-aware wrapper around the in-process hub.
// Notes:
//   - Fanout itself stays in-process; Redis marks which users currently hold
//     live connections on this instance (and could be extended to route
//     cross-instance pub/sub over the user_{userId} topics).
//   - All Redis writes are best-effort liveness markers; a Redis outage never
//     affects delivery to local subscribers.
type Broadcaster struct {
	hub    *app.Hub
	client *redis.Client
	ttl    time.Duration
}

func NewBroadcaster(hub *app.Hub, client *redis.Client, ttl time.Duration) *Broadcaster {
	return &Broadcaster{hub: hub, client: client, ttl: ttl}
}

func (b *Broadcaster) Subscribe(userID string) (<-chan domain.UpdateEvent, func()) {
	ch, cancel := b.hub.Subscribe(userID)
	_ = b.client.Set(context.Background(), b.key(userID), "1", b.ttl).Err()

	return ch, func() {
		cancel()
		if b.hub.SubscriberCount(userID) == 0 {
			_ = b.client.Del(context.Background(), b.key(userID)).Err()
		}
	}
}

func (b *Broadcaster) Publish(userID string, event domain.UpdateEvent) {
	b.hub.Publish(userID, event)
	// refresh liveness while the user is active
	if b.hub.SubscriberCount(userID) > 0 {
		_ = b.client.Expire(context.Background(), b.key(userID), b.ttl).Err()
	}
}

func (b *Broadcaster) key(userID string) string {
	return "progress:live:" + userID
}
