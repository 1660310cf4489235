package workers

import (
	"context"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"agentbridge-backend/internal/cache"
)

type ExpirySource interface {
	SubscribeExpired(ctx context.Context) (*redis.PubSub, error)
}

// StartRedisKeyeventWorker subscribes to Redis key expiration events and
// hands expired liveness keys to the reconciler. Returns true when the
// subscription is active.
func StartRedisKeyeventWorker(ctx context.Context, source ExpirySource, reconciler *StatusReconciler, logger *slog.Logger) bool {
	logger = logger.With("component", "redis-keyevents")

	pubsub, err := source.SubscribeExpired(ctx)
	if err != nil {
		logger.Warn("redis keyevent subscribe failed", "error", err)
		return false
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok || msg == nil {
					return
				}
				handleExpired(ctx, reconciler, logger, msg.Payload)
			}
		}
	}()

	logger.Info("redis keyevent worker started")
	return true
}

func handleExpired(ctx context.Context, reconciler *StatusReconciler, logger *slog.Logger, key string) {
	if !strings.HasPrefix(key, cache.LastSeenPrefix) {
		return
	}
	agentID := strings.TrimPrefix(key, cache.LastSeenPrefix)
	if reconciler.HandleExpired(ctx, agentID) {
		logger.Info("agent liveness expired", "agent_id", agentID)
	}
}
