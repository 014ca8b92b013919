package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"crm_chat/internal/domain"
	"crm_chat/pkg/logger"
)

const (
	RoomEventsChannel = "chat:room:%s:events"
	roomEventsPattern = "chat:room:*:events"
)

// RedisBridge publishes events to the local hub and to every other server
// instance through Redis pub/sub.
type RedisBridge struct {
	rdb        *redis.Client
	hub        *Hub
	instanceID string
	log        logger.Logger
}

func NewRedisBridge(rdb *redis.Client, hub *Hub, log logger.Logger) *RedisBridge {
	return &RedisBridge{
		rdb:        rdb,
		hub:        hub,
		instanceID: uuid.NewString(),
		log:        log,
	}
}

func (b *RedisBridge) Subscribe(roomID uuid.UUID) (<-chan domain.Event, func()) {
	return b.hub.Subscribe(roomID)
}

func (b *RedisBridge) Publish(ctx context.Context, ev domain.Event) error {
	ev.Origin = b.instanceID
	_ = b.hub.Publish(ctx, ev)

	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, fmt.Sprintf(RoomEventsChannel, ev.RoomID.String()), raw).Err(); err != nil {
		b.log.Warn("Failed to publish event to redis", "error", err, "room_id", ev.RoomID, "type", ev.Type)
		return err
	}
	return nil
}

// Run relays events published by other instances until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	ps := b.rdb.PSubscribe(ctx, roomEventsPattern)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to room events: %w", err)
	}
	b.log.Info("Realtime bridge subscribed", "pattern", roomEventsPattern, "instance", b.instanceID)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("Dropping malformed room event", "error", err, "channel", msg.Channel)
				continue
			}
			if ev.Origin == b.instanceID {
				continue
			}
			_ = b.hub.Publish(ctx, ev)
		}
	}
}
