package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"crm_chat/pkg/logger"
)

const (
	// TypingKeyPrefix holds a sorted set of user ids scored by expiry (unix ms).
	TypingKeyPrefix = "chat:room:%s:typing"
)

type TypingRepository interface {
	Set(ctx context.Context, roomID, userID uuid.UUID, expiresAt time.Time, keyTTL time.Duration) error
	Remove(ctx context.Context, roomID, userID uuid.UUID) error
	// ListActive prunes entries expired at now and returns the rest.
	ListActive(ctx context.Context, roomID uuid.UUID, now time.Time) ([]uuid.UUID, error)
}

type typingRepository struct {
	rdb *redis.Client
	log logger.Logger
}

func NewTypingRepository(rdb *redis.Client, log logger.Logger) TypingRepository {
	return &typingRepository{rdb: rdb, log: log}
}

func (r *typingRepository) key(roomID uuid.UUID) string {
	return fmt.Sprintf(TypingKeyPrefix, roomID.String())
}

func (r *typingRepository) Set(ctx context.Context, roomID, userID uuid.UUID, expiresAt time.Time, keyTTL time.Duration) error {
	key := r.key(roomID)

	pipe := r.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(expiresAt.UnixMilli()), Member: userID.String()})
	pipe.Expire(ctx, key, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Error("Failed to set typing entry", "error", err, "room_id", roomID)
		return fmt.Errorf("failed to set typing: %w", err)
	}
	return nil
}

func (r *typingRepository) Remove(ctx context.Context, roomID, userID uuid.UUID) error {
	if err := r.rdb.ZRem(ctx, r.key(roomID), userID.String()).Err(); err != nil {
		r.log.Error("Failed to remove typing entry", "error", err, "room_id", roomID)
		return fmt.Errorf("failed to clear typing: %w", err)
	}
	return nil
}

func (r *typingRepository) ListActive(ctx context.Context, roomID uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	key := r.key(roomID)
	nowMs := strconv.FormatInt(now.UnixMilli(), 10)

	if err := r.rdb.ZRemRangeByScore(ctx, key, "-inf", nowMs).Err(); err != nil {
		r.log.Warn("Failed to prune typing entries", "error", err, "room_id", roomID)
	}

	members, err := r.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + nowMs, Max: "+inf"}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		r.log.Error("Failed to list typing users", "error", err, "room_id", roomID)
		return nil, fmt.Errorf("failed to list typing: %w", err)
	}

	users := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			r.log.Warn("Skipping malformed typing member", "member", m)
			continue
		}
		users = append(users, id)
	}
	return users, nil
}
