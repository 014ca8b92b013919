package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm_chat/internal/domain"
	"crm_chat/pkg/logger"
)

func TestHubDeliversPerRoom(t *testing.T) {
	hub := NewHub(4, logger.NewNop())
	roomA, roomB := uuid.New(), uuid.New()

	chA, cancelA := hub.Subscribe(roomA)
	defer cancelA()
	chB, cancelB := hub.Subscribe(roomB)
	defer cancelB()

	require.NoError(t, hub.Publish(context.Background(), domain.Event{Type: domain.EventMessageCreated, RoomID: roomA}))

	select {
	case ev := <-chA:
		assert.Equal(t, roomA, ev.RoomID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case ev := <-chB:
		t.Fatalf("unexpected event for other room: %v", ev)
	default:
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := NewHub(1, logger.NewNop())
	room := uuid.New()

	ch, cancel := hub.Subscribe(room)
	assert.Equal(t, 1, hub.SubscriberCount(room))
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, hub.SubscriberCount(room))
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := NewHub(1, logger.NewNop())
	room := uuid.New()
	ch, cancel := hub.Subscribe(room)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, domain.Event{Type: "a", RoomID: room}))
	require.NoError(t, hub.Publish(ctx, domain.Event{Type: "b", RoomID: room}))

	ev := <-ch
	assert.Equal(t, "a", ev.Type)
	select {
	case <-ch:
		t.Fatal("second event should have been dropped")
	default:
	}
}

func TestRedisBridgeRelaysBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}

	hubA := NewHub(8, logger.NewNop())
	hubB := NewHub(8, logger.NewNop())
	bridgeA := NewRedisBridge(newClient(), hubA, logger.NewNop())
	bridgeB := NewRedisBridge(newClient(), hubB, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bridgeB.Run(ctx) }()

	room := uuid.New()
	onB, cancelB := bridgeB.Subscribe(room)
	defer cancelB()
	onA, cancelA := bridgeA.Subscribe(room)
	defer cancelA()

	ev, err := domain.NewEvent(domain.EventTypingUpdated, room, nil, domain.TypingEvent{UserID: uuid.New(), IsTyping: true})
	require.NoError(t, err)

	// the subscriber on B may not be registered yet; retry until it is
	require.Eventually(t, func() bool {
		if err := bridgeA.Publish(ctx, ev); err != nil {
			return false
		}
		select {
		case got := <-onB:
			return got.Type == domain.EventTypingUpdated && got.RoomID == room
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case got := <-onA:
		assert.Equal(t, domain.EventTypingUpdated, got.Type)
	default:
		t.Fatal("local subscriber should receive the event directly")
	}
}
