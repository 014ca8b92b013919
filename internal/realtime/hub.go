package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"crm_chat/internal/domain"
	"crm_chat/internal/metrics"
	"crm_chat/pkg/logger"
)

// Publisher delivers room events to connected sessions. Delivery is lossy:
// sessions reconcile through history after a reconnect.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Subscriber hands out per-room event streams.
type Subscriber interface {
	Subscribe(roomID uuid.UUID) (<-chan domain.Event, func())
}

type Broker interface {
	Publisher
	Subscriber
}

// Hub fans events out to subscribers inside this process.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[uuid.UUID]map[*subscription]struct{}
	buffer int
	log    logger.Logger
}

type subscription struct {
	ch chan domain.Event
}

func NewHub(buffer int, log logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		rooms:  make(map[uuid.UUID]map[*subscription]struct{}),
		buffer: buffer,
		log:    log,
	}
}

// Subscribe returns the room's event stream and a cancel func. The channel
// is closed after cancel; calling cancel twice is safe.
func (h *Hub) Subscribe(roomID uuid.UUID) (<-chan domain.Event, func()) {
	sub := &subscription{ch: make(chan domain.Event, h.buffer)}

	h.mu.Lock()
	subs, ok := h.rooms[roomID]
	if !ok {
		subs = make(map[*subscription]struct{})
		h.rooms[roomID] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.rooms[roomID], sub)
			if len(h.rooms[roomID]) == 0 {
				delete(h.rooms, roomID)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish never blocks: a subscriber with a full buffer misses the event.
func (h *Hub) Publish(_ context.Context, ev domain.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.rooms[ev.RoomID] {
		select {
		case sub.ch <- ev:
		default:
			metrics.EventsDropped.Inc()
			h.log.Warn("Dropping event for slow subscriber", "room_id", ev.RoomID, "type", ev.Type)
		}
	}
	return nil
}

func (h *Hub) SubscriberCount(roomID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
