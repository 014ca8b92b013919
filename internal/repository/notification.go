package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"crm_chat/internal/domain"
	"crm_chat/pkg/logger"
)

const (
	// NotificationQueueKey is consumed by the push delivery worker.
	NotificationQueueKey = "chat:notifications"
	// NotificationQueueMax caps the backlog when the worker is down.
	NotificationQueueMax = 10000
)

type NotificationRepository interface {
	Enqueue(ctx context.Context, notifications ...*domain.Notification) error
	// Dequeue pops up to n oldest notifications.
	Dequeue(ctx context.Context, n int) ([]*domain.Notification, error)
}

type notificationRepository struct {
	rdb *redis.Client
	log logger.Logger
}

func NewNotificationRepository(rdb *redis.Client, log logger.Logger) NotificationRepository {
	return &notificationRepository{rdb: rdb, log: log}
}

func (r *notificationRepository) Enqueue(ctx context.Context, notifications ...*domain.Notification) error {
	if len(notifications) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(notifications))
	for _, n := range notifications {
		raw, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("failed to marshal notification: %w", err)
		}
		values = append(values, raw)
	}

	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, NotificationQueueKey, values...)
	pipe.LTrim(ctx, NotificationQueueKey, 0, NotificationQueueMax-1)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Error("Failed to enqueue notifications", "error", err)
		return fmt.Errorf("failed to enqueue notifications: %w", err)
	}
	return nil
}

func (r *notificationRepository) Dequeue(ctx context.Context, n int) ([]*domain.Notification, error) {
	out := make([]*domain.Notification, 0, n)
	for i := 0; i < n; i++ {
		raw, err := r.rdb.RPop(ctx, NotificationQueueKey).Bytes()
		if err == redis.Nil {
			break
		}
		if err != nil {
			r.log.Error("Failed to dequeue notification", "error", err)
			return out, err
		}
		var notification domain.Notification
		if err := json.Unmarshal(raw, &notification); err != nil {
			r.log.Warn("Dropping malformed notification", "error", err)
			continue
		}
		out = append(out, &notification)
	}
	return out, nil
}
