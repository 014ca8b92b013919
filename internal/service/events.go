package service

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"crm_chat/internal/domain"
	"crm_chat/internal/realtime"
	"crm_chat/internal/repository"
	apperrors "crm_chat/pkg/errors"
	"crm_chat/pkg/logger"
)

// eventPublisher wraps the realtime publisher. Delivery is best effort, so
// failures are logged and never fail the write that produced the event.
type eventPublisher struct {
	pub realtime.Publisher
	log logger.Logger
}

func (p eventPublisher) publish(ctx context.Context, eventType string, roomID uuid.UUID, actorID *uuid.UUID, payload interface{}) {
	if p.pub == nil {
		return
	}
	ev, err := domain.NewEvent(eventType, roomID, actorID, payload)
	if err != nil {
		p.log.Error("Failed to build event", "error", err, "type", eventType)
		return
	}
	if err := p.pub.Publish(ctx, ev); err != nil {
		p.log.Warn("Failed to publish event", "error", err, "type", eventType, "room_id", roomID)
	}
}

// requireParticipant loads the room and the caller's membership.
func requireParticipant(ctx context.Context, rooms repository.RoomRepository, roomID, userID uuid.UUID) (*domain.Room, *domain.Participant, error) {
	room, err := rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	p, err := rooms.GetParticipant(ctx, roomID, userID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, nil, apperrors.Authorization("not a participant of this room")
		}
		return nil, nil, err
	}
	return room, p, nil
}

func decodeEventData(ev domain.Event, v interface{}) error {
	return json.Unmarshal(ev.Data, v)
}
